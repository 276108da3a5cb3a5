package engine

import (
	"testing"

	"relaychat/storage"
)

func TestAdvanceForwardOnly(t *testing.T) {
	cases := []struct {
		name     string
		current  string
		proposed string
		want     string
	}{
		{"pending to sent", storage.StatusPending, storage.StatusSent, storage.StatusSent},
		{"sent to delivered", storage.StatusSent, storage.StatusDelivered, storage.StatusDelivered},
		{"delivered to seen", storage.StatusDelivered, storage.StatusSeen, storage.StatusSeen},
		{"pending jumps to seen", storage.StatusPending, storage.StatusSeen, storage.StatusSeen},
		{"duplicate delivered", storage.StatusDelivered, storage.StatusDelivered, storage.StatusDelivered},
		{"late delivered after seen", storage.StatusSeen, storage.StatusDelivered, storage.StatusSeen},
		{"seen cannot regress to sent", storage.StatusSeen, storage.StatusSent, storage.StatusSeen},
		{"delivered cannot regress to pending", storage.StatusDelivered, storage.StatusPending, storage.StatusDelivered},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Advance(tc.current, tc.proposed); got != tc.want {
				t.Errorf("Advance(%s, %s) = %s, want %s", tc.current, tc.proposed, got, tc.want)
			}
		})
	}
}

func TestAdvanceFailed(t *testing.T) {
	if got := Advance(storage.StatusPending, storage.StatusFailed); got != storage.StatusFailed {
		t.Errorf("pending should fail, got %s", got)
	}
	if got := Advance(storage.StatusSent, storage.StatusFailed); got != storage.StatusSent {
		t.Errorf("sent must not fail, got %s", got)
	}
	if got := Advance(storage.StatusFailed, storage.StatusDelivered); got != storage.StatusFailed {
		t.Errorf("failed is terminal for receipts, got %s", got)
	}
}

func TestAdvanceUnknownStatus(t *testing.T) {
	if got := Advance("bogus", storage.StatusSeen); got != "bogus" {
		t.Errorf("unknown current should be untouched, got %s", got)
	}
	if got := Advance(storage.StatusSent, "bogus"); got != storage.StatusSent {
		t.Errorf("unknown proposal should be ignored, got %s", got)
	}
}

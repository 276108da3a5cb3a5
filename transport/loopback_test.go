package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaychat/protocol"
)

// fabricRelayCount is the duplicate-delivery factor of the default relay set.
var fabricRelayCount = len(defaultRelays)

func newTestPair(t *testing.T) (*Fabric, *Loopback, *Loopback) {
	t.Helper()

	fabric := NewFabric()
	alice, err := fabric.NewClient()
	if err != nil {
		t.Fatalf("NewClient(alice) error: %v", err)
	}
	bob, err := fabric.NewClient()
	if err != nil {
		t.Fatalf("NewClient(bob) error: %v", err)
	}

	invite, err := alice.CreateInvite(context.Background())
	if err != nil {
		t.Fatalf("CreateInvite error: %v", err)
	}
	inviter, err := bob.AcceptInvite(context.Background(), invite)
	if err != nil {
		t.Fatalf("AcceptInvite error: %v", err)
	}
	if inviter != alice.OwnerKey() {
		t.Fatalf("AcceptInvite returned inviter %s, want %s", inviter, alice.OwnerKey())
	}

	return fabric, alice, bob
}

func collectEvents(t *testing.T, ch <-chan DecryptedEvent, n int) []DecryptedEvent {
	t.Helper()

	events := make([]DecryptedEvent, 0, n)
	deadline := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed after %d of %d events", len(events), n)
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d of %d", len(events), n)
		}
	}
	return events
}

func TestInviteEstablishesSessionsBothWays(t *testing.T) {
	_, alice, bob := newTestPair(t)

	if !alice.SessionReady(bob.OwnerKey()) {
		t.Error("alice should have a session with bob")
	}
	if !bob.SessionReady(alice.OwnerKey()) {
		t.Error("bob should have a session with alice")
	}

	_, err := bob.AcceptInvite(context.Background(), "no-such-code")
	if err == nil {
		t.Error("accepting an unknown invite code should fail")
	}
}

func TestSendTextDeliversDuplicatesAndEcho(t *testing.T) {
	_, alice, bob := newTestPair(t)

	res, err := alice.SendText(context.Background(), bob.OwnerKey(), "hello bob",
		[]protocol.Tag{{protocol.TagPeer, bob.OwnerKey()}})
	if err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	if res.InnerID == "" {
		t.Fatal("SendText should assign an inner rumor id")
	}
	if len(res.OuterEventIDs) != 2*fabricRelayCount {
		t.Fatalf("got %d outer event ids, want %d", len(res.OuterEventIDs), 2*fabricRelayCount)
	}

	received := collectEvents(t, bob.Events(), fabricRelayCount)
	seenOuter := make(map[string]bool)
	for _, ev := range received {
		rumor := protocol.Decode(ev.Content, ev.SenderKey, ev.CreatedAt)
		if rumor.ID != res.InnerID {
			t.Errorf("received rumor id %s, want %s", rumor.ID, res.InnerID)
		}
		if rumor.Content != "hello bob" {
			t.Errorf("received content %q, want %q", rumor.Content, "hello bob")
		}
		if seenOuter[ev.OuterEventID] {
			t.Errorf("outer event id %s delivered twice", ev.OuterEventID)
		}
		seenOuter[ev.OuterEventID] = true
	}

	echoes := collectEvents(t, alice.Events(), fabricRelayCount)
	for _, ev := range echoes {
		if ev.SenderKey != alice.OwnerKey() {
			t.Errorf("echo sender %s, want own key", ev.SenderKey)
		}
		rumor := protocol.Decode(ev.Content, ev.SenderKey, ev.CreatedAt)
		if rumor.ID != res.InnerID {
			t.Errorf("echo rumor id %s, want %s", rumor.ID, res.InnerID)
		}
		if rumor.PeerTag() != bob.OwnerKey() {
			t.Errorf("echo peer tag %s, want %s", rumor.PeerTag(), bob.OwnerKey())
		}
	}
}

func TestSendErrors(t *testing.T) {
	fabric, alice, bob := newTestPair(t)

	if _, err := alice.SendText(context.Background(), "missing", "hi", nil); !errors.Is(err, ErrUnknownRecipient) {
		t.Errorf("unknown recipient: got %v, want ErrUnknownRecipient", err)
	}

	carol, err := fabric.NewClient()
	if err != nil {
		t.Fatalf("NewClient(carol) error: %v", err)
	}
	if _, err := alice.SendText(context.Background(), carol.OwnerKey(), "hi", nil); !errors.Is(err, ErrSessionNotReady) {
		t.Errorf("no session: got %v, want ErrSessionNotReady", err)
	}

	alice.SetOnline(false)
	if _, err := alice.SendText(context.Background(), bob.OwnerKey(), "hi", nil); !errors.Is(err, ErrOffline) {
		t.Errorf("offline sender: got %v, want ErrOffline", err)
	}
}

func TestOfflineMailboxFlushesOnReconnect(t *testing.T) {
	_, alice, bob := newTestPair(t)

	bob.SetOnline(false)

	res, err := alice.SendText(context.Background(), bob.OwnerKey(), "while you were out",
		[]protocol.Tag{{protocol.TagPeer, bob.OwnerKey()}})
	if err != nil {
		t.Fatalf("SendText error: %v", err)
	}

	select {
	case ev := <-bob.Events():
		t.Fatalf("offline client received event %s", ev.OuterEventID)
	case <-time.After(50 * time.Millisecond):
	}

	bob.SetOnline(true)

	select {
	case online := <-bob.Connectivity():
		if !online {
			t.Error("connectivity transition should report online")
		}
	case <-time.After(time.Second):
		t.Fatal("no connectivity transition delivered")
	}

	received := collectEvents(t, bob.Events(), fabricRelayCount)
	for _, ev := range received {
		rumor := protocol.Decode(ev.Content, ev.SenderKey, ev.CreatedAt)
		if rumor.ID != res.InnerID {
			t.Errorf("flushed rumor id %s, want %s", rumor.ID, res.InnerID)
		}
	}
}

func TestGroupFanout(t *testing.T) {
	fabric, alice, bob := newTestPair(t)

	carol, err := fabric.NewClient()
	if err != nil {
		t.Fatalf("NewClient(carol) error: %v", err)
	}
	invite, err := alice.CreateInvite(context.Background())
	if err != nil {
		t.Fatalf("CreateInvite error: %v", err)
	}
	if _, err := carol.AcceptInvite(context.Background(), invite); err != nil {
		t.Fatalf("AcceptInvite error: %v", err)
	}

	state := GroupState{
		GroupID:      "group-1",
		Name:         "trio",
		Members:      []string{alice.OwnerKey(), bob.OwnerKey(), carol.OwnerKey()},
		Admins:       []string{alice.OwnerKey()},
		SharedSecret: "secret-1",
	}
	if err := alice.UpsertGroup(context.Background(), state); err != nil {
		t.Fatalf("UpsertGroup error: %v", err)
	}

	rumor := protocol.Rumor{
		Kind:    protocol.KindChat,
		Content: "hello group",
		Tags:    []protocol.Tag{{protocol.TagGroup, "group-1"}},
	}
	res, err := alice.SendGroupEvent(context.Background(), "group-1", rumor)
	if err != nil {
		t.Fatalf("SendGroupEvent error: %v", err)
	}

	for name, client := range map[string]*Loopback{"bob": bob, "carol": carol, "alice echo": alice} {
		events := collectEvents(t, client.Events(), fabricRelayCount)
		for _, ev := range events {
			decoded := protocol.Decode(ev.Content, ev.SenderKey, ev.CreatedAt)
			if decoded.ID != res.InnerID {
				t.Errorf("%s: rumor id %s, want %s", name, decoded.ID, res.InnerID)
			}
			if decoded.GroupID() != "group-1" {
				t.Errorf("%s: group id %s, want group-1", name, decoded.GroupID())
			}
		}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	fabric := NewFabric()
	client, err := fabric.NewClient()
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	id, err := client.Subscribe(`{"kinds":[14],"#p":["self"]}`)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if err := client.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if err := client.Unsubscribe(id); err == nil {
		t.Error("double unsubscribe should fail")
	}
}

package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustEnsureConversation(t *testing.T, store *Store, peerKey string) *Conversation {
	t.Helper()

	conversation, err := store.EnsureConversation(peerKey, false)
	if err != nil {
		t.Fatalf("ensure conversation for peer %q: %v", peerKey, err)
	}
	return conversation
}

func mustSaveMessage(t *testing.T, store *Store, message Message) {
	t.Helper()

	if err := store.SaveMessage(message); err != nil {
		t.Fatalf("save message %q: %v", message.MessageID, err)
	}
}

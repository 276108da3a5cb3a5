package storage

import (
	"errors"
	"testing"
)

func TestEnsureConversationIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	first := mustEnsureConversation(t, store, "peer-key-1")
	second := mustEnsureConversation(t, store, "peer-key-1")

	if first.ConversationID != second.ConversationID {
		t.Fatalf("repeated ensure returned different records: %q != %q",
			first.ConversationID, second.ConversationID)
	}

	conversations, err := store.ListConversations()
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(conversations) != 1 {
		t.Fatalf("expected exactly one conversation per peer key, got %d", len(conversations))
	}
}

func TestGetConversationByPeerAndID(t *testing.T) {
	store := newTestStore(t)
	created := mustEnsureConversation(t, store, "peer-key-2")

	byPeer, err := store.GetConversationByPeer("peer-key-2")
	if err != nil {
		t.Fatalf("GetConversationByPeer failed: %v", err)
	}
	byID, err := store.GetConversation(created.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if byPeer.ConversationID != byID.ConversationID {
		t.Fatalf("lookups disagree: %q != %q", byPeer.ConversationID, byID.ConversationID)
	}

	if _, err := store.GetConversationByPeer("unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown peer, got %v", err)
	}
}

func TestConversationTTL(t *testing.T) {
	store := newTestStore(t)
	conversation := mustEnsureConversation(t, store, "peer-key-3")

	ttl := int64(3600)
	if err := store.SetConversationTTL(conversation.ConversationID, &ttl); err != nil {
		t.Fatalf("SetConversationTTL failed: %v", err)
	}

	reloaded, err := store.GetConversation(conversation.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if reloaded.MessageTTLSeconds == nil || *reloaded.MessageTTLSeconds != 3600 {
		t.Fatalf("expected TTL 3600, got %v", reloaded.MessageTTLSeconds)
	}

	if err := store.SetConversationTTL(conversation.ConversationID, nil); err != nil {
		t.Fatalf("clear TTL failed: %v", err)
	}
	reloaded, err = store.GetConversation(conversation.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if reloaded.MessageTTLSeconds != nil {
		t.Fatalf("expected TTL cleared, got %v", *reloaded.MessageTTLSeconds)
	}
}

func TestRecomputeConversationSummary(t *testing.T) {
	store := newTestStore(t)
	conversation := mustEnsureConversation(t, store, "peer-key-4")

	mustSaveMessage(t, store, Message{
		MessageID: "msg-1",
		RumorID:   "rumor-1",
		ChatID:    conversation.ConversationID,
		ChatType:  ChatTypePairwise,
		SenderKey: "peer-key-4",
		Content:   "first",
		CreatedAt: 1000,
		Direction: DirectionIncoming,
		Status:    StatusDelivered,
	})
	mustSaveMessage(t, store, Message{
		MessageID: "msg-2",
		RumorID:   "rumor-2",
		ChatID:    conversation.ConversationID,
		ChatType:  ChatTypePairwise,
		SenderKey: "peer-key-4",
		Content:   "second",
		CreatedAt: 2000,
		Direction: DirectionIncoming,
		Status:    StatusDelivered,
	})

	if err := store.RecomputeConversationSummary(conversation.ConversationID); err != nil {
		t.Fatalf("RecomputeConversationSummary failed: %v", err)
	}

	reloaded, err := store.GetConversation(conversation.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if reloaded.LastMessagePreview != "second" {
		t.Fatalf("expected preview %q, got %q", "second", reloaded.LastMessagePreview)
	}
	if reloaded.LastMessageAt == nil || *reloaded.LastMessageAt != 2000 {
		t.Fatalf("expected last message at 2000, got %v", reloaded.LastMessageAt)
	}
	if reloaded.UnreadCount != 2 {
		t.Fatalf("expected 2 unread, got %d", reloaded.UnreadCount)
	}

	if err := store.MarkConversationRead(conversation.ConversationID); err != nil {
		t.Fatalf("MarkConversationRead failed: %v", err)
	}
	reloaded, err = store.GetConversation(conversation.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if reloaded.UnreadCount != 0 {
		t.Fatalf("expected unread reset, got %d", reloaded.UnreadCount)
	}
}

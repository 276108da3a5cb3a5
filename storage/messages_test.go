package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestMessageLifecycle(t *testing.T) {
	store := newTestStore(t)
	conversation := mustEnsureConversation(t, store, "peer-1")

	// Optimistic outgoing insert: no rumor id yet.
	mustSaveMessage(t, store, Message{
		MessageID: "local-1",
		ChatID:    conversation.ConversationID,
		ChatType:  ChatTypePairwise,
		SenderKey: "owner",
		Content:   "hello",
		CreatedAt: 1000,
		Direction: DirectionOutgoing,
		Status:    StatusPending,
	})

	outerID := "outer-1"
	expires := int64(5000)
	if err := store.SetMessageSent("local-1", "rumor-1", &outerID, &expires); err != nil {
		t.Fatalf("SetMessageSent failed: %v", err)
	}

	byRumor, err := store.GetMessageByRumorID(conversation.ConversationID, "rumor-1")
	if err != nil {
		t.Fatalf("GetMessageByRumorID failed: %v", err)
	}
	if byRumor.MessageID != "local-1" || byRumor.Status != StatusSent {
		t.Fatalf("unexpected message %+v", byRumor)
	}
	if byRumor.OuterEventID == nil || *byRumor.OuterEventID != "outer-1" {
		t.Fatalf("expected outer event id, got %v", byRumor.OuterEventID)
	}
	if byRumor.ExpiresAt == nil || *byRumor.ExpiresAt != 5000 {
		t.Fatalf("expected expiration, got %v", byRumor.ExpiresAt)
	}

	byOuter, err := store.GetMessageByOuterEventID(conversation.ConversationID, "outer-1")
	if err != nil {
		t.Fatalf("GetMessageByOuterEventID failed: %v", err)
	}
	if byOuter.MessageID != "local-1" {
		t.Fatalf("outer event lookup returned %q", byOuter.MessageID)
	}

	if err := store.UpdateMessageStatus("local-1", StatusSeen); err != nil {
		t.Fatalf("UpdateMessageStatus failed: %v", err)
	}
	reloaded, err := store.GetMessageByID("local-1")
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if reloaded.Status != StatusSeen {
		t.Fatalf("expected seen status, got %q", reloaded.Status)
	}
}

func TestGetRecentMessagesReturnsNewestWindow(t *testing.T) {
	store := newTestStore(t)
	conversation := mustEnsureConversation(t, store, "peer-recent")

	for i := 0; i < 5; i++ {
		mustSaveMessage(t, store, Message{
			MessageID: fmt.Sprintf("local-%d", i),
			RumorID:   fmt.Sprintf("rumor-%d", i),
			ChatID:    conversation.ConversationID,
			ChatType:  ChatTypePairwise,
			SenderKey: "peer-recent",
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: int64(1000 + i),
			Direction: DirectionIncoming,
			Status:    StatusDelivered,
		})
	}

	recent, err := store.GetRecentMessages(conversation.ConversationID, 3)
	if err != nil {
		t.Fatalf("GetRecentMessages failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(recent))
	}
	for i, want := range []string{"local-2", "local-3", "local-4"} {
		if recent[i].MessageID != want {
			t.Fatalf("position %d holds %q, want %q", i, recent[i].MessageID, want)
		}
	}
}

func TestRumorIDUniquenessPerChat(t *testing.T) {
	store := newTestStore(t)
	conversation := mustEnsureConversation(t, store, "peer-2")

	mustSaveMessage(t, store, Message{
		MessageID: "local-1",
		RumorID:   "rumor-dup",
		ChatID:    conversation.ConversationID,
		ChatType:  ChatTypePairwise,
		SenderKey: "peer-2",
		Content:   "first delivery",
		CreatedAt: 1000,
		Direction: DirectionIncoming,
		Status:    StatusDelivered,
	})

	err := store.SaveMessage(Message{
		MessageID: "local-2",
		RumorID:   "rumor-dup",
		ChatID:    conversation.ConversationID,
		ChatType:  ChatTypePairwise,
		SenderKey: "peer-2",
		Content:   "second delivery",
		CreatedAt: 1001,
		Direction: DirectionIncoming,
		Status:    StatusDelivered,
	})
	if err == nil {
		t.Fatalf("expected duplicate rumor id insert to fail")
	}

	// The same rumor id in a different chat is fine: uniqueness is scoped.
	other := mustEnsureConversation(t, store, "peer-3")
	mustSaveMessage(t, store, Message{
		MessageID: "local-3",
		RumorID:   "rumor-dup",
		ChatID:    other.ConversationID,
		ChatType:  ChatTypePairwise,
		SenderKey: "peer-3",
		Content:   "other chat",
		CreatedAt: 1002,
		Direction: DirectionIncoming,
		Status:    StatusDelivered,
	})
}

func TestBackfillOuterEventID(t *testing.T) {
	store := newTestStore(t)
	conversation := mustEnsureConversation(t, store, "peer-4")

	mustSaveMessage(t, store, Message{
		MessageID: "local-1",
		RumorID:   "rumor-1",
		ChatID:    conversation.ConversationID,
		ChatType:  ChatTypePairwise,
		SenderKey: "owner",
		Content:   "echoed",
		CreatedAt: 1000,
		Direction: DirectionOutgoing,
		Status:    StatusSent,
	})

	if err := store.BackfillOuterEventID("local-1", "outer-late"); err != nil {
		t.Fatalf("BackfillOuterEventID failed: %v", err)
	}
	message, err := store.GetMessageByID("local-1")
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if message.OuterEventID == nil || *message.OuterEventID != "outer-late" {
		t.Fatalf("expected backfilled outer id, got %v", message.OuterEventID)
	}

	// A second backfill must not overwrite the known id.
	if err := store.BackfillOuterEventID("local-1", "outer-other"); err != nil {
		t.Fatalf("second BackfillOuterEventID failed: %v", err)
	}
	message, err = store.GetMessageByID("local-1")
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if *message.OuterEventID != "outer-late" {
		t.Fatalf("backfill overwrote existing outer id: %q", *message.OuterEventID)
	}
}

func TestReactionsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	conversation := mustEnsureConversation(t, store, "peer-5")

	mustSaveMessage(t, store, Message{
		MessageID: "local-1",
		RumorID:   "rumor-1",
		ChatID:    conversation.ConversationID,
		ChatType:  ChatTypePairwise,
		SenderKey: "peer-5",
		Content:   "react to me",
		CreatedAt: 1000,
		Direction: DirectionIncoming,
		Status:    StatusDelivered,
	})

	if err := store.UpdateReactions("local-1", map[string][]string{
		"👍": {"alice", "bob"},
		"🎉": {"carol"},
	}); err != nil {
		t.Fatalf("UpdateReactions failed: %v", err)
	}

	message, err := store.GetMessageByID("local-1")
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if len(message.Reactions["👍"]) != 2 || len(message.Reactions["🎉"]) != 1 {
		t.Fatalf("unexpected reactions %+v", message.Reactions)
	}
}

func TestDeleteExpiredMessages(t *testing.T) {
	store := newTestStore(t)
	conversation := mustEnsureConversation(t, store, "peer-6")

	expired := int64(900)
	alive := int64(9000)
	mustSaveMessage(t, store, Message{
		MessageID: "local-expired",
		RumorID:   "rumor-expired",
		ChatID:    conversation.ConversationID,
		ChatType:  ChatTypePairwise,
		SenderKey: "peer-6",
		Content:   "goes away",
		CreatedAt: 800,
		Direction: DirectionIncoming,
		Status:    StatusDelivered,
		ExpiresAt: &expired,
	})
	mustSaveMessage(t, store, Message{
		MessageID: "local-alive",
		RumorID:   "rumor-alive",
		ChatID:    conversation.ConversationID,
		ChatType:  ChatTypePairwise,
		SenderKey: "peer-6",
		Content:   "stays",
		CreatedAt: 801,
		Direction: DirectionIncoming,
		Status:    StatusDelivered,
		ExpiresAt: &alive,
	})

	chatIDs, err := store.DeleteExpiredMessages(1000)
	if err != nil {
		t.Fatalf("DeleteExpiredMessages failed: %v", err)
	}
	if len(chatIDs) != 1 || chatIDs[0] != conversation.ConversationID {
		t.Fatalf("unexpected affected chats %v", chatIDs)
	}

	if _, err := store.GetMessageByID("local-expired"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired message gone, got %v", err)
	}
	if _, err := store.GetMessageByID("local-alive"); err != nil {
		t.Fatalf("expected surviving message, got %v", err)
	}

	// Second sweep has nothing to do.
	chatIDs, err = store.DeleteExpiredMessages(1000)
	if err != nil {
		t.Fatalf("second DeleteExpiredMessages failed: %v", err)
	}
	if len(chatIDs) != 0 {
		t.Fatalf("expected no affected chats, got %v", chatIDs)
	}
}

package storage

import (
	"errors"
	"testing"
)

func TestGroupUpsertAndReload(t *testing.T) {
	store := newTestStore(t)

	secret := "shared-secret-1"
	if err := store.UpsertGroup(Group{
		GroupID:      "group-1",
		Name:         "team",
		Description:  "the team",
		Members:      []string{"alice", "bob"},
		Admins:       []string{"alice"},
		SharedSecret: &secret,
		Accepted:     true,
		CreatedAt:    1000,
	}); err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}

	group, err := store.GetGroup("group-1")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if group.Name != "team" || len(group.Members) != 2 || len(group.Admins) != 1 {
		t.Fatalf("unexpected group %+v", group)
	}
	if group.SharedSecret == nil || *group.SharedSecret != "shared-secret-1" {
		t.Fatalf("expected shared secret, got %v", group.SharedSecret)
	}
	if !group.Accepted {
		t.Fatalf("expected accepted flag preserved")
	}

	// Membership rotation: removing bob and rotating the secret.
	rotated := "shared-secret-2"
	if err := store.UpsertGroup(Group{
		GroupID:      "group-1",
		Name:         "team",
		Description:  "the team",
		Members:      []string{"alice"},
		Admins:       []string{"alice"},
		SharedSecret: &rotated,
		Accepted:     true,
		CreatedAt:    1000,
	}); err != nil {
		t.Fatalf("second UpsertGroup failed: %v", err)
	}

	group, err = store.GetGroup("group-1")
	if err != nil {
		t.Fatalf("GetGroup after update failed: %v", err)
	}
	if len(group.Members) != 1 || *group.SharedSecret != "shared-secret-2" {
		t.Fatalf("expected rotated membership, got %+v", group)
	}
}

func TestDeleteGroupRemovesTimeline(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertGroup(Group{GroupID: "group-2", CreatedAt: 1000}); err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}
	mustSaveMessage(t, store, Message{
		MessageID: "msg-1",
		RumorID:   "rumor-1",
		ChatID:    "group-2",
		ChatType:  ChatTypeGroup,
		SenderKey: "alice",
		Content:   "hello group",
		CreatedAt: 1001,
		Direction: DirectionIncoming,
		Status:    StatusDelivered,
	})

	if err := store.DeleteGroup("group-2"); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}

	if _, err := store.GetGroup("group-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected group gone, got %v", err)
	}
	messages, err := store.GetMessages("group-2", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected group timeline deleted, got %d messages", len(messages))
	}

	if err := store.DeleteGroup("group-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestSetGroupAcceptedAndSummary(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertGroup(Group{GroupID: "group-3", CreatedAt: 1000}); err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}
	if err := store.SetGroupAccepted("group-3", true); err != nil {
		t.Fatalf("SetGroupAccepted failed: %v", err)
	}

	mustSaveMessage(t, store, Message{
		MessageID: "msg-1",
		RumorID:   "rumor-1",
		ChatID:    "group-3",
		ChatType:  ChatTypeGroup,
		SenderKey: "bob",
		Content:   "latest",
		CreatedAt: 2000,
		Direction: DirectionIncoming,
		Status:    StatusDelivered,
	})
	if err := store.RecomputeGroupSummary("group-3"); err != nil {
		t.Fatalf("RecomputeGroupSummary failed: %v", err)
	}

	group, err := store.GetGroup("group-3")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if !group.Accepted {
		t.Fatalf("expected accepted group")
	}
	if group.LastMessagePreview != "latest" || group.UnreadCount != 1 {
		t.Fatalf("unexpected summary %+v", group)
	}

	if err := store.MarkGroupRead("group-3"); err != nil {
		t.Fatalf("MarkGroupRead failed: %v", err)
	}
	group, err = store.GetGroup("group-3")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if group.UnreadCount != 0 {
		t.Fatalf("expected unread reset, got %d", group.UnreadCount)
	}
}

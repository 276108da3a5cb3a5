package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relaychat/protocol"
	"relaychat/storage"
	"relaychat/transport"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("OpenPath error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeProvider is a scripted CryptoProvider for unit tests that exercise the
// lifecycle managers without a relay fabric.
type fakeProvider struct {
	mu        sync.Mutex
	owner     string
	failSends error
	noOuter   bool
	nextID    int

	texts       []fakeSend
	receipts    []fakeReceipt
	typings     []fakeTyping
	reactions   []fakeSend
	events      []fakeEvent
	groupEvents []protocol.Rumor
	groupStates []transport.GroupState
}

type fakeEvent struct {
	recipient string
	rumor     protocol.Rumor
}

type fakeSend struct {
	recipient string
	content   string
	tags      []protocol.Tag
}

type fakeReceipt struct {
	recipient string
	status    string
	rumorIDs  []string
}

type fakeTyping struct {
	recipient string
	active    bool
	expiresAt int64
}

func newFakeProvider(owner string) *fakeProvider {
	return &fakeProvider{owner: owner}
}

func (f *fakeProvider) result() (transport.SendResult, error) {
	if f.failSends != nil {
		return transport.SendResult{}, f.failSends
	}
	f.nextID++
	res := transport.SendResult{InnerID: fmt.Sprintf("rumor-%d", f.nextID)}
	if !f.noOuter {
		res.OuterEventIDs = []string{
			fmt.Sprintf("outer-%d-a", f.nextID),
			fmt.Sprintf("outer-%d-b", f.nextID),
		}
	}
	return res, nil
}

func (f *fakeProvider) OwnerKey() string { return f.owner }

func (f *fakeProvider) SendText(_ context.Context, recipient, text string, tags []protocol.Tag) (transport.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, err := f.result()
	if err == nil {
		f.texts = append(f.texts, fakeSend{recipient: recipient, content: text, tags: tags})
	}
	return res, err
}

func (f *fakeProvider) SendEvent(_ context.Context, recipient string, rumor protocol.Rumor) (transport.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, err := f.result()
	if err == nil {
		f.events = append(f.events, fakeEvent{recipient: recipient, rumor: rumor})
	}
	return res, err
}

func (f *fakeProvider) SendReceipt(_ context.Context, recipient, status string, rumorIDs []string) (transport.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, err := f.result()
	if err == nil {
		f.receipts = append(f.receipts, fakeReceipt{recipient: recipient, status: status, rumorIDs: rumorIDs})
	}
	return res, err
}

func (f *fakeProvider) SendTyping(_ context.Context, recipient string, active bool, expiresAt int64) (transport.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, err := f.result()
	if err == nil {
		f.typings = append(f.typings, fakeTyping{recipient: recipient, active: active, expiresAt: expiresAt})
	}
	return res, err
}

func (f *fakeProvider) SendReaction(_ context.Context, recipient, targetID, emoji string) (transport.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, err := f.result()
	if err == nil {
		f.reactions = append(f.reactions, fakeSend{recipient: recipient, content: emoji + ":" + targetID})
	}
	return res, err
}

func (f *fakeProvider) UpsertGroup(_ context.Context, state transport.GroupState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupStates = append(f.groupStates, state)
	return nil
}

func (f *fakeProvider) SendGroupEvent(_ context.Context, groupID string, rumor protocol.Rumor) (transport.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, err := f.result()
	if err == nil {
		rumor.ID = res.InnerID
		f.groupEvents = append(f.groupEvents, rumor)
	}
	return res, err
}

func (f *fakeProvider) CreateInvite(context.Context) (string, error) { return "invite", nil }

func (f *fakeProvider) AcceptInvite(context.Context, string) (string, error) {
	return "peer", nil
}

func (f *fakeProvider) SessionReady(string) bool { return true }

func (f *fakeProvider) Events() <-chan transport.DecryptedEvent { return nil }

func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSends = err
}

func (f *fakeProvider) receiptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.receipts)
}

// testTimelines is the shared fixture for lifecycle-level tests.
type testTimelines struct {
	store    *storage.Store
	provider *fakeProvider
	writer   *asyncWriter
	tls      *Timelines
	typing   *Typing
}

func newTestTimelines(t *testing.T, owner string) *testTimelines {
	t.Helper()

	store := newTestStore(t)
	provider := newFakeProvider(owner)
	writer := newAsyncWriter(zerolog.Nop())
	t.Cleanup(writer.close)

	tls := newTimelines(store, provider, writer, zerolog.Nop(), owner, true, 0, nil)
	typing := newTyping(owner, func(ChatRef, bool, int64) error { return nil }, nil, zerolog.Nop(), nil)
	t.Cleanup(typing.Close)
	tls.typing = typing

	return &testTimelines{store: store, provider: provider, writer: writer, tls: tls, typing: typing}
}

// chatRumor builds an inbound chat rumor the way a peer's client would.
func chatRumor(id, sender, text string, createdAt int64, tags ...protocol.Tag) protocol.Rumor {
	return protocol.Rumor{
		ID:        id,
		SenderKey: sender,
		CreatedAt: createdAt,
		Kind:      protocol.KindChat,
		Content:   text,
		Tags:      tags,
	}
}

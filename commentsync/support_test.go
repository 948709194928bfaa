package commentsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	syncv1 "campus/contracts/commentsync/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFetcher is a scriptable SnapshotFetcher.
type fakeFetcher struct {
	mu       sync.Mutex
	comments []Comment
	err      error
	calls    int
}

func (f *fakeFetcher) FetchComments(_ context.Context, _ ContentKind, _ string) ([]Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Comment, len(f.comments))
	copy(out, f.comments)
	return out, nil
}

func (f *fakeFetcher) set(comments []Comment) {
	f.mu.Lock()
	f.comments = comments
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeMutator records mutation calls and optionally fails them.
type fakeMutator struct {
	mu        sync.Mutex
	creates   []CreateCommentInput
	updates   []UpdateCommentInput
	deletes   []DeleteCommentInput
	createErr error
	updateErr error
	deleteErr error
}

func (m *fakeMutator) CreateComment(_ context.Context, in CreateCommentInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates = append(m.creates, in)
	return m.createErr
}

func (m *fakeMutator) UpdateComment(_ context.Context, in UpdateCommentInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, in)
	return m.updateErr
}

func (m *fakeMutator) DeleteComment(_ context.Context, in DeleteCommentInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, in)
	return m.deleteErr
}

func (m *fakeMutator) createCalls() []CreateCommentInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CreateCommentInput, len(m.creates))
	copy(out, m.creates)
	return out
}

func (m *fakeMutator) updateCalls() []UpdateCommentInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UpdateCommentInput, len(m.updates))
	copy(out, m.updates)
	return out
}

func (m *fakeMutator) deleteCalls() []DeleteCommentInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeleteCommentInput, len(m.deletes))
	copy(out, m.deletes)
	return out
}

// fakeTransport implements Transport in-memory with scriptable failures.
type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]MessageHandler
	subCalls  map[string]int
	unsubs    map[string]int
	subErr    error
	subGate   map[string]chan struct{}
	observers []func(ConnState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]MessageHandler),
		subCalls: make(map[string]int),
		unsubs:   make(map[string]int),
	}
}

func (t *fakeTransport) Connect(context.Context) error { return nil }
func (t *fakeTransport) Close() error                  { return nil }

func (t *fakeTransport) Subscribe(ctx context.Context, topic string, h MessageHandler) error {
	t.mu.Lock()
	t.subCalls[topic]++
	gate := t.subGate[topic]
	err := t.subErr
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.handlers[topic] = h
	t.mu.Unlock()
	return nil
}

// gateSubscribe makes Subscribe(topic) block until the returned channel is
// closed, simulating a slow broker acknowledgement.
func (t *fakeTransport) gateSubscribe(topic string) chan struct{} {
	gate := make(chan struct{})
	t.mu.Lock()
	if t.subGate == nil {
		t.subGate = make(map[string]chan struct{})
	}
	t.subGate[topic] = gate
	t.mu.Unlock()
	return gate
}

func (t *fakeTransport) Unsubscribe(_ context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubs[topic]++
	delete(t.handlers, topic)
	return nil
}

func (t *fakeTransport) Publish(context.Context, string, []byte) error { return nil }

func (t *fakeTransport) StateChanges(fn func(ConnState)) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := len(t.observers)
	t.observers = append(t.observers, fn)
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.observers[i] = nil
	}
}

func (t *fakeTransport) emit(s ConnState) {
	t.mu.Lock()
	obs := make([]func(ConnState), len(t.observers))
	copy(obs, t.observers)
	t.mu.Unlock()
	for _, fn := range obs {
		if fn != nil {
			fn(s)
		}
	}
}

// deliver feeds a raw message to the handler subscribed for topic.
func (t *fakeTransport) deliver(tb testing.TB, topic string, data []byte) {
	tb.Helper()
	t.mu.Lock()
	h := t.handlers[topic]
	t.mu.Unlock()
	if h == nil {
		tb.Fatalf("no handler subscribed for topic %q", topic)
	}
	h(topic, data)
}

func (t *fakeTransport) subscribeCount(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subCalls[topic]
}

func (t *fakeTransport) unsubscribeCount(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsubs[topic]
}

// ---- event builders ----

func rawEvent(tb testing.TB, typ, topic string, payload any) []byte {
	tb.Helper()
	p, err := json.Marshal(payload)
	if err != nil {
		tb.Fatalf("marshal payload: %v", err)
	}
	b, err := json.Marshal(syncv1.Envelope{
		V:       syncv1.Version,
		Type:    typ,
		ID:      "evt-1",
		Topic:   topic,
		TS:      time.Now().UTC(),
		Payload: p,
	})
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	return b
}

func createdEvent(tb testing.TB, topic string, p syncv1.CommentEventPayload) []byte {
	p.Topic = topic
	return rawEvent(tb, syncv1.TypeCommentCreated, topic, p)
}

func updatedEvent(tb testing.TB, topic string, p syncv1.CommentEventPayload) []byte {
	p.Topic = topic
	return rawEvent(tb, syncv1.TypeCommentUpdated, topic, p)
}

func deletedEvent(tb testing.TB, topic string, p syncv1.CommentDeletedPayload) []byte {
	p.Topic = topic
	return rawEvent(tb, syncv1.TypeCommentDeleted, topic, p)
}

// ---- assertions ----

// awaitList reads coalesced snapshots from ch until cond holds or the
// timeout elapses.
func awaitList(tb testing.TB, ch <-chan []Comment, timeout time.Duration, cond func([]Comment) bool) []Comment {
	tb.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case list := <-ch:
			if cond(list) {
				return list
			}
		case <-deadline:
			tb.Fatalf("list condition not met within %v", timeout)
			return nil
		}
	}
}

func awaitPhase(tb testing.TB, r *reconciler, want Phase) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("phase = %v, want %v", r.Phase(), want)
}

func awaitCond(tb testing.TB, timeout time.Duration, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("condition not met within %v", timeout)
}

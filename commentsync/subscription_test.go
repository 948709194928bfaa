package commentsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testFactory(t *testing.T, fetch *fakeFetcher) func() *reconciler {
	t.Helper()
	return func() *reconciler {
		return newReconciler(reconcilerConfig{
			log:       testLogger(),
			kind:      KindPost,
			contentID: testContentID,
			topic:     testTopic,
			fetcher:   fetch,
			mutator:   &fakeMutator{},
		})
	}
}

func TestSubscriptionManagerSharesOneSubscription(t *testing.T) {
	ft := newFakeTransport()
	m := NewSubscriptionManager(testLogger(), ft, 20*time.Millisecond)
	defer m.Close()

	h1, err := m.Acquire(context.Background(), testTopic, testFactory(t, &fakeFetcher{}))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	h2, err := m.Acquire(context.Background(), testTopic, testFactory(t, &fakeFetcher{}))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if h1.rec != h2.rec {
		t.Fatal("two acquires of one topic must share the reconciler")
	}
	if got := ft.subscribeCount(testTopic); got != 1 {
		t.Fatalf("Subscribe called %d times, want 1", got)
	}
}

func TestSubscriptionManagerReleaseAfterGrace(t *testing.T) {
	ft := newFakeTransport()
	m := NewSubscriptionManager(testLogger(), ft, 20*time.Millisecond)
	defer m.Close()

	h1, _ := m.Acquire(context.Background(), testTopic, testFactory(t, &fakeFetcher{}))
	h2, _ := m.Acquire(context.Background(), testTopic, testFactory(t, &fakeFetcher{}))

	m.Release(h1)
	time.Sleep(60 * time.Millisecond)
	if got := ft.unsubscribeCount(testTopic); got != 0 {
		t.Fatalf("unsubscribed with refs remaining: %d calls", got)
	}

	m.Release(h2)
	awaitCond(t, 2*time.Second, func() bool { return ft.unsubscribeCount(testTopic) == 1 })
}

func TestSubscriptionManagerReacquireCancelsTeardown(t *testing.T) {
	ft := newFakeTransport()
	m := NewSubscriptionManager(testLogger(), ft, 50*time.Millisecond)
	defer m.Close()

	h, _ := m.Acquire(context.Background(), testTopic, testFactory(t, &fakeFetcher{}))
	m.Release(h)

	// Remount within the grace window keeps the subscription alive.
	h2, err := m.Acquire(context.Background(), testTopic, testFactory(t, &fakeFetcher{}))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := ft.unsubscribeCount(testTopic); got != 0 {
		t.Fatalf("teardown ran despite reacquire: %d unsubscribes", got)
	}
	if got := ft.subscribeCount(testTopic); got != 1 {
		t.Fatalf("Subscribe called %d times, want 1", got)
	}
	m.Release(h2)
}

func TestSubscriptionManagerSubscribeFailureDegrades(t *testing.T) {
	ft := newFakeTransport()
	ft.subErr = errors.New("broker refused")
	m := NewSubscriptionManager(testLogger(), ft, 20*time.Millisecond)
	defer m.Close()

	h, err := m.Acquire(context.Background(), testTopic, testFactory(t, &fakeFetcher{}))
	if !errors.Is(err, ErrSubscriptionFailed) {
		t.Fatalf("Acquire() error = %v, want ErrSubscriptionFailed", err)
	}
	if h == nil {
		t.Fatal("Acquire() returned nil handle: a refused subscription must still yield a usable session")
	}
	awaitPhase(t, h.rec, PhaseDegraded)
}

func TestSubscriptionManagerConnStateTransitions(t *testing.T) {
	ft := newFakeTransport()
	fetch := &fakeFetcher{}
	m := NewSubscriptionManager(testLogger(), ft, 20*time.Millisecond)
	defer m.Close()

	h, err := m.Acquire(context.Background(), testTopic, testFactory(t, fetch))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	h.rec.Seed(nil)
	awaitPhase(t, h.rec, PhaseLive)

	ft.emit(ConnDisconnected)
	awaitPhase(t, h.rec, PhaseDegraded)

	// Reconnect: resubscribe plus a snapshot resync back to live.
	ft.emit(ConnConnected)
	awaitCond(t, 2*time.Second, func() bool { return ft.subscribeCount(testTopic) == 2 })
	awaitPhase(t, h.rec, PhaseLive)
	if fetch.callCount() == 0 {
		t.Fatal("reconnect did not trigger a snapshot resync")
	}
}

func TestSubscriptionManagerResubscribeDoesNotBlockAcquire(t *testing.T) {
	ft := newFakeTransport()
	fetch := &fakeFetcher{}
	m := NewSubscriptionManager(testLogger(), ft, 20*time.Millisecond)
	defer m.Close()

	h1, err := m.Acquire(context.Background(), testTopic, testFactory(t, fetch))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	h1.rec.Seed(nil)
	awaitPhase(t, h1.rec, PhaseLive)

	gate := ft.gateSubscribe(testTopic)
	var gateOnce sync.Once
	openGate := func() { gateOnce.Do(func() { close(gate) }) }
	defer openGate()

	ft.emit(ConnDisconnected)
	awaitPhase(t, h1.rec, PhaseDegraded)
	ft.emit(ConnConnected)
	awaitCond(t, 2*time.Second, func() bool { return ft.subscribeCount(testTopic) == 2 })

	// The resubscribe ack is still outstanding; mounting a widget for
	// another content item must not wait on it.
	const otherTopic = "topic/post/p-2/comments"
	type acquireResult struct {
		h   *SubscriptionHandle
		err error
	}
	res := make(chan acquireResult, 1)
	go func() {
		h, err := m.Acquire(context.Background(), otherTopic, func() *reconciler {
			return newReconciler(reconcilerConfig{
				log:       testLogger(),
				kind:      KindPost,
				contentID: "p-2",
				topic:     otherTopic,
				fetcher:   &fakeFetcher{},
				mutator:   &fakeMutator{},
			})
		})
		res <- acquireResult{h: h, err: err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			t.Fatalf("Acquire() for second topic error = %v", r.err)
		}
		m.Release(r.h)
	case <-time.After(time.Second):
		t.Fatal("Acquire blocked behind an in-flight resubscribe ack")
	}

	// Releasing the ack completes the resubscribe and the topic goes live.
	openGate()
	awaitPhase(t, h1.rec, PhaseLive)
}

func TestSubscriptionManagerClose(t *testing.T) {
	ft := newFakeTransport()
	m := NewSubscriptionManager(testLogger(), ft, 20*time.Millisecond)

	h, _ := m.Acquire(context.Background(), testTopic, testFactory(t, &fakeFetcher{}))
	m.Close()

	if got := ft.unsubscribeCount(testTopic); got != 1 {
		t.Fatalf("Close() unsubscribed %d times, want 1", got)
	}
	if _, err := m.Acquire(context.Background(), testTopic, testFactory(t, &fakeFetcher{})); !errors.Is(err, ErrDetached) {
		t.Fatalf("Acquire() after Close error = %v, want ErrDetached", err)
	}

	// The reconciler is stopped with the subscription.
	if _, err := h.rec.Submit(context.Background(), opCreate, testWriter, "x", "", ""); !errors.Is(err, ErrDetached) {
		t.Fatalf("Submit() after Close error = %v, want ErrDetached", err)
	}
}

func TestSubscriptionHandleTopic(t *testing.T) {
	ft := newFakeTransport()
	m := NewSubscriptionManager(testLogger(), ft, 20*time.Millisecond)
	defer m.Close()

	h, err := m.Acquire(context.Background(), testTopic, testFactory(t, &fakeFetcher{}))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if h.Topic() != testTopic {
		t.Fatalf("Topic() = %q, want %q", h.Topic(), testTopic)
	}
}

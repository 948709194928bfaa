package commentsync

import (
	"context"
	"errors"
	"testing"
	"time"

	syncv1 "campus/contracts/commentsync/v1"
)

func newTestEngine(t *testing.T, ft *fakeTransport, fetch *fakeFetcher, mut *fakeMutator) *Engine {
	t.Helper()
	eng, err := NewEngine(ft, fetch, mut, Options{
		Logger:       testLogger(),
		ReleaseGrace: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func TestNewEngineValidation(t *testing.T) {
	ft := newFakeTransport()
	fetch := &fakeFetcher{}
	mut := &fakeMutator{}

	if _, err := NewEngine(nil, fetch, mut, Options{}); err == nil {
		t.Fatal("NewEngine(nil transport) must fail")
	}
	if _, err := NewEngine(ft, nil, mut, Options{}); err == nil {
		t.Fatal("NewEngine(nil fetcher) must fail")
	}
	if _, err := NewEngine(ft, fetch, nil, Options{}); err == nil {
		t.Fatal("NewEngine(nil mutator) must fail")
	}
}

func TestAttachInvalidTarget(t *testing.T) {
	eng := newTestEngine(t, newFakeTransport(), &fakeFetcher{}, &fakeMutator{})

	if _, err := eng.Attach(context.Background(), ContentKind("page"), "p-1", testWriter, nil); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("Attach() error = %v, want ErrInvalidTarget", err)
	}
}

func TestAttachFetchesSnapshotWhenInitialNil(t *testing.T) {
	fetch := &fakeFetcher{comments: []Comment{confirmedRoot("a", 0)}}
	eng := newTestEngine(t, newFakeTransport(), fetch, &fakeMutator{})

	s, err := eng.Attach(context.Background(), KindPost, testContentID, testWriter, nil)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer s.Detach()

	list := awaitList(t, s.Updates(), 2*time.Second, func(l []Comment) bool { return len(l) == 1 })
	if list[0].ID != "a" {
		t.Fatalf("initial list = %v, want [a]", rootIDs(list))
	}
	if fetch.callCount() != 1 {
		t.Fatalf("fetch calls = %d, want 1", fetch.callCount())
	}
}

func TestAttachUsesProvidedInitialSnapshot(t *testing.T) {
	fetch := &fakeFetcher{}
	eng := newTestEngine(t, newFakeTransport(), fetch, &fakeMutator{})

	s, err := eng.Attach(context.Background(), KindPost, testContentID, testWriter, []Comment{confirmedRoot("pre", 0)})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer s.Detach()

	awaitList(t, s.Updates(), 2*time.Second, func(l []Comment) bool {
		return len(l) == 1 && l[0].ID == "pre"
	})
	if fetch.callCount() != 0 {
		t.Fatalf("fetch calls = %d, want 0 when initial is provided", fetch.callCount())
	}
}

func TestAttachSnapshotFetchFailure(t *testing.T) {
	fetch := &fakeFetcher{err: errors.New("api down")}
	eng := newTestEngine(t, newFakeTransport(), fetch, &fakeMutator{})

	if _, err := eng.Attach(context.Background(), KindPost, testContentID, testWriter, nil); err == nil {
		t.Fatal("Attach() with failing snapshot fetch must return an error")
	}
}

func TestAttachDegradedOnRefusedSubscription(t *testing.T) {
	ft := newFakeTransport()
	ft.subErr = errors.New("broker refused")
	eng := newTestEngine(t, ft, &fakeFetcher{}, &fakeMutator{})

	// Not fatal: the session still renders the snapshot.
	s, err := eng.Attach(context.Background(), KindPost, testContentID, testWriter, []Comment{confirmedRoot("a", 0)})
	if err != nil {
		t.Fatalf("Attach() error = %v, want degraded session instead", err)
	}
	defer s.Detach()

	awaitList(t, s.Updates(), 2*time.Second, func(l []Comment) bool { return len(l) == 1 })
	awaitCond(t, 2*time.Second, func() bool { return s.State() == PhaseDegraded })
}

func TestSessionSubmitEditRemove(t *testing.T) {
	ft := newFakeTransport()
	mut := &fakeMutator{}
	eng := newTestEngine(t, ft, &fakeFetcher{}, mut)

	s, err := eng.Attach(context.Background(), KindPost, testContentID, testWriter, []Comment{confirmedRoot("c-1", 0)})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer s.Detach()

	corr, err := s.Submit(context.Background(), "first!", "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if corr == "" {
		t.Fatal("Submit() returned empty correlation id")
	}
	awaitCond(t, 2*time.Second, func() bool { return len(mut.createCalls()) == 1 })
	if in := mut.createCalls()[0]; in.Kind != KindPost || in.ContentID != testContentID || in.AuthorID != "me" {
		t.Fatalf("create input = %+v", in)
	}

	if err := s.Edit(context.Background(), "c-1", "edited"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	awaitCond(t, 2*time.Second, func() bool { return len(mut.updateCalls()) == 1 })
	if in := mut.updateCalls()[0]; in.CommentID != "c-1" || in.Content != "edited" {
		t.Fatalf("update input = %+v", in)
	}

	if err := s.Remove(context.Background(), "c-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	awaitCond(t, 2*time.Second, func() bool { return len(mut.deleteCalls()) == 1 })
}

func TestSessionReceivesTransportEvents(t *testing.T) {
	ft := newFakeTransport()
	eng := newTestEngine(t, ft, &fakeFetcher{}, &fakeMutator{})

	s, err := eng.Attach(context.Background(), KindPost, testContentID, testWriter, []Comment{})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer s.Detach()

	ft.deliver(t, testTopic, createdEvent(t, testTopic, syncv1.CommentEventPayload{
		CommentID: "c-9",
		AuthorID:  "other",
		Content:   "from the wire",
		CreatedAt: time.Now().UTC(),
	}))

	list := awaitList(t, s.Updates(), 2*time.Second, func(l []Comment) bool { return len(l) == 1 })
	if list[0].ID != "c-9" || list[0].State != StateConfirmed {
		t.Fatalf("list = %+v, want confirmed c-9", list)
	}
}

func TestSessionDetachIdempotent(t *testing.T) {
	ft := newFakeTransport()
	eng := newTestEngine(t, ft, &fakeFetcher{}, &fakeMutator{})

	s, err := eng.Attach(context.Background(), KindPost, testContentID, testWriter, []Comment{})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	s.Detach()
	s.Detach()
	s.Detach()

	if _, err := s.Submit(context.Background(), "late", ""); !errors.Is(err, ErrDetached) {
		t.Fatalf("Submit() after Detach error = %v, want ErrDetached", err)
	}
	if err := s.Edit(context.Background(), "c-1", "late"); !errors.Is(err, ErrDetached) {
		t.Fatalf("Edit() after Detach error = %v, want ErrDetached", err)
	}
	if err := s.Remove(context.Background(), "c-1"); !errors.Is(err, ErrDetached) {
		t.Fatalf("Remove() after Detach error = %v, want ErrDetached", err)
	}

	// A double Detach must not double-release the refcount.
	awaitCond(t, 2*time.Second, func() bool { return ft.unsubscribeCount(testTopic) == 1 })
}

func TestTwoSessionsShareOneTopic(t *testing.T) {
	ft := newFakeTransport()
	eng := newTestEngine(t, ft, &fakeFetcher{}, &fakeMutator{})

	s1, err := eng.Attach(context.Background(), KindPost, testContentID, testWriter, []Comment{})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	s2, err := eng.Attach(context.Background(), KindPost, testContentID, Identity{AuthorID: "you"}, nil)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer s1.Detach()
	defer s2.Detach()

	if got := ft.subscribeCount(testTopic); got != 1 {
		t.Fatalf("Subscribe called %d times for two widgets, want 1", got)
	}

	// Both widgets observe the same event.
	ft.deliver(t, testTopic, createdEvent(t, testTopic, syncv1.CommentEventPayload{
		CommentID: "c-1",
		AuthorID:  "other",
		Content:   "shared",
		CreatedAt: time.Now().UTC(),
	}))
	awaitList(t, s1.Updates(), 2*time.Second, func(l []Comment) bool { return len(l) == 1 })
	awaitList(t, s2.Updates(), 2*time.Second, func(l []Comment) bool { return len(l) == 1 })
}

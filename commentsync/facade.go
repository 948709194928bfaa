// Package commentsync keeps a threaded comment list for a content item
// continuously consistent across an initial HTTP snapshot, optimistic local
// writes, and asynchronous create/update/delete events broadcast over a shared
// pub/sub transport.
//
// The public surface is Engine (one per process, holding the shared transport)
// and Session (one per displayed content item). Presentation code re-renders
// from the ordered list emitted on Updates and never mutates it.
package commentsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Options tune engine behavior. The zero value selects the defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *Metrics

	// PendingTimeout bounds how long an optimistic write waits for its echo.
	PendingTimeout time.Duration
	// OrphanTTL bounds how long a reply waits for its parent to arrive.
	OrphanTTL time.Duration
	// OrphanCap bounds the orphan buffer size per topic.
	OrphanCap int
	// ReleaseGrace delays subscription teardown after the last Detach.
	ReleaseGrace time.Duration
	// MutationTimeout bounds the external mutation HTTP call.
	MutationTimeout time.Duration
}

// Engine is the process-wide composition root: one shared Transport, the
// external fetch/mutation collaborators, and the per-topic machinery.
type Engine struct {
	log     *slog.Logger
	fetcher SnapshotFetcher
	mutator Mutator
	metrics *Metrics
	subs    *SubscriptionManager
	opts    Options

	closeOnce sync.Once
}

// NewEngine constructs an Engine over an already connected (or connecting)
// Transport. The Transport remains owned by the caller.
func NewEngine(transport Transport, fetcher SnapshotFetcher, mutator Mutator, opts Options) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("commentsync: nil transport")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("commentsync: nil fetcher")
	}
	if mutator == nil {
		return nil, fmt.Errorf("commentsync: nil mutator")
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Engine{
		log:     log,
		fetcher: fetcher,
		mutator: mutator,
		metrics: opts.Metrics,
		subs:    NewSubscriptionManager(log, transport, opts.ReleaseGrace),
		opts:    opts,
	}, nil
}

// Close tears down every subscription. Sessions become inert; the Transport
// is left to its owner.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { e.subs.Close() })
}

// Attach binds a widget to the comment stream of one content item.
//
// When initial is nil the snapshot is fetched from the collaborator; a
// non-nil initial (already fetched by the page) is used as-is. Only a
// malformed target or a failed snapshot fetch is returned as an error; a
// refused subscription degrades the session to snapshot-only mode and is
// retried on the next connected transition.
func (e *Engine) Attach(ctx context.Context, kind ContentKind, contentID string, who Identity, initial []Comment) (*Session, error) {
	topic, err := ResolveTopic(kind, contentID)
	if err != nil {
		return nil, err
	}

	if initial == nil {
		initial, err = e.fetcher.FetchComments(ctx, kind, contentID)
		if err != nil {
			return nil, fmt.Errorf("commentsync: initial snapshot: %w", err)
		}
	}

	factory := func() *reconciler {
		return newReconciler(reconcilerConfig{
			log:             e.log,
			kind:            kind,
			contentID:       contentID,
			topic:           topic,
			fetcher:         e.fetcher,
			mutator:         e.mutator,
			metrics:         e.metrics,
			pendingTimeout:  e.opts.PendingTimeout,
			orphanTTL:       e.opts.OrphanTTL,
			orphanCap:       e.opts.OrphanCap,
			mutationTimeout: e.opts.MutationTimeout,
		})
	}

	handle, subErr := e.subs.Acquire(ctx, topic, factory)
	if subErr != nil {
		// Realtime unavailable, not fatal: the session renders the snapshot.
		e.log.Warn("sync.attach.degraded", "topic", topic, "err", subErr)
	}

	handle.rec.Seed(initial)

	watchID, updates := handle.rec.Watch()

	return &Session{
		eng:     e,
		handle:  handle,
		who:     who,
		watchID: watchID,
		updates: updates,
	}, nil
}

// Session is one widget's attachment to a content item's comment stream.
type Session struct {
	eng     *Engine
	handle  *SubscriptionHandle
	who     Identity
	watchID int64
	updates <-chan []Comment

	detachOnce sync.Once
	detached   atomic.Bool
}

// Updates emits the full ordered threaded list after every reconciliation
// step that changed it. Slow consumers observe the latest list, never a
// backlog. The emitted slices are copies and must not be mutated.
func (s *Session) Updates() <-chan []Comment { return s.updates }

// State returns the topic's synchronization phase, for an optional
// "reconnecting" indicator.
func (s *Session) State() Phase { return s.handle.rec.Phase() }

// Submit creates a comment (or a reply when parentID is set) optimistically
// and returns the correlation id that will link the broker echo back to it.
func (s *Session) Submit(ctx context.Context, content, parentID string) (string, error) {
	if s.detached.Load() {
		return "", ErrDetached
	}
	return s.handle.rec.Submit(ctx, opCreate, s.who, content, parentID, "")
}

// Edit applies an optimistic content change to an existing comment.
func (s *Session) Edit(ctx context.Context, commentID, content string) error {
	if s.detached.Load() {
		return ErrDetached
	}
	_, err := s.handle.rec.Submit(ctx, opUpdate, s.who, content, "", commentID)
	return err
}

// Remove deletes a comment optimistically. Removing a top-level comment
// removes its whole reply thread.
func (s *Session) Remove(ctx context.Context, commentID string) error {
	if s.detached.Load() {
		return ErrDetached
	}
	_, err := s.handle.rec.Submit(ctx, opDelete, s.who, "", "", commentID)
	return err
}

// Detach releases the session. Idempotent: safe to call multiple times
// without double-releasing the underlying subscription refcount.
func (s *Session) Detach() {
	s.detachOnce.Do(func() {
		s.detached.Store(true)
		s.handle.rec.Unwatch(s.watchID)
		s.eng.subs.Release(s.handle)
	})
}

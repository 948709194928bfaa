package commenthub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const memMaxCommentsPerTarget = 10_000

// InMemoryStore is a dev-only fallback when DB is not configured.
// It supports the full CommentStore contract with deterministic ordering.
type InMemoryStore struct {
	mu      sync.Mutex
	targets map[string]*memTarget
}

type memTarget struct {
	byID   map[string]*StoredComment
	dedupe map[string]string // client_correlation_id -> comment id
	order  []string          // insertion order (createdAt ascending)
}

// NewInMemoryStore constructs an in-memory CommentStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{targets: make(map[string]*memTarget)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Create persists a comment with idempotency per correlation id and
// two-level thread validation.
func (s *InMemoryStore) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	if in.Target.Kind == "" || in.Target.ContentID == "" || in.AuthorID == "" || in.Content == "" {
		return CreateResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.targets[in.Target.Key()]
	if t == nil {
		t = &memTarget{
			byID:   make(map[string]*StoredComment),
			dedupe: make(map[string]string),
		}
		s.targets[in.Target.Key()] = t
	}

	if in.ClientCorrelationID != "" {
		if id, ok := t.dedupe[in.ClientCorrelationID]; ok {
			return CreateResult{Stored: *t.byID[id], Duplicated: true}, nil
		}
	}

	if in.ParentID != "" {
		parent, ok := t.byID[in.ParentID]
		if !ok {
			return CreateResult{}, ErrParentNotFound
		}
		if parent.ParentID != "" {
			return CreateResult{}, ErrReplyDepth
		}
	}

	if len(t.order) >= memMaxCommentsPerTarget {
		return CreateResult{}, fmt.Errorf("%w: target comment limit reached", ErrInvalidInput)
	}

	id, err := NewCommentID(now)
	if err != nil {
		return CreateResult{}, err
	}

	c := &StoredComment{
		ID:                  id,
		Kind:                in.Target.Kind,
		ContentID:           in.Target.ContentID,
		ClientCorrelationID: in.ClientCorrelationID,
		ParentID:            in.ParentID,
		AuthorID:            in.AuthorID,
		AuthorDisplay:       in.AuthorDisplay,
		Content:             in.Content,
		CreatedAt:           now,
	}
	t.byID[id] = c
	t.order = append(t.order, id)
	if in.ClientCorrelationID != "" {
		t.dedupe[in.ClientCorrelationID] = id
	}

	return CreateResult{Stored: *c}, nil
}

// Update overwrites a comment's content and stamps EditedAt.
func (s *InMemoryStore) Update(ctx context.Context, in UpdateInput) (StoredComment, error) {
	if in.CommentID == "" || in.Content == "" {
		return StoredComment{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return StoredComment{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.targets {
		if c, ok := t.byID[in.CommentID]; ok {
			c.Content = in.Content
			c.EditedAt = now
			return *c, nil
		}
	}
	return StoredComment{}, ErrNotFound
}

// Delete removes a comment; a top-level delete cascades to its replies.
func (s *InMemoryStore) Delete(ctx context.Context, commentID string) (DeleteResult, error) {
	if commentID == "" {
		return DeleteResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return DeleteResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.targets {
		c, ok := t.byID[commentID]
		if !ok {
			continue
		}

		removed := []string{commentID}
		if c.ParentID == "" {
			for id, other := range t.byID {
				if other.ParentID == commentID {
					removed = append(removed, id)
				}
			}
		}

		for _, id := range removed {
			victim := t.byID[id]
			delete(t.byID, id)
			if victim.ClientCorrelationID != "" {
				delete(t.dedupe, victim.ClientCorrelationID)
			}
		}
		t.order = filterIDs(t.order, t.byID)

		sort.Strings(removed[1:]) // deterministic cascade order after the target

		return DeleteResult{
			Target:     Target{Kind: c.Kind, ContentID: c.ContentID},
			RemovedIDs: removed,
		}, nil
	}
	return DeleteResult{}, ErrNotFound
}

// ListByTarget returns the snapshot: top-level comments first, then replies,
// each group in createdAt ascending order.
func (s *InMemoryStore) ListByTarget(ctx context.Context, target Target) ([]StoredComment, error) {
	if target.Kind == "" || target.ContentID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	t := s.targets[target.Key()]
	var snap []StoredComment
	if t != nil {
		snap = make([]StoredComment, 0, len(t.order))
		for _, id := range t.order {
			snap = append(snap, *t.byID[id])
		}
	}
	s.mu.Unlock()

	sort.SliceStable(snap, func(i, j int) bool {
		ti, tj := snap[i].ParentID == "", snap[j].ParentID == ""
		if ti != tj {
			return ti
		}
		return snap[i].CreatedAt.Before(snap[j].CreatedAt)
	})
	return snap, nil
}

func filterIDs(order []string, keep map[string]*StoredComment) []string {
	out := order[:0]
	for _, id := range order {
		if _, ok := keep[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Package commenthub contains the campus comment broker: topic rooms, the
// websocket gateway, comment persistence, and the REST mutation surface.
package commenthub

import (
	"context"
	"time"
)

// StoredComment is the canonical persisted comment representation.
type StoredComment struct {
	ID                  string
	Kind                string
	ContentID           string
	ClientCorrelationID string
	ParentID            string
	AuthorID            string
	AuthorDisplay       string
	Content             string
	CreatedAt           time.Time
	EditedAt            time.Time
}

// CommentStore persists and queries threaded comments.
//
// Requirements:
//   - Idempotency per (target, client_correlation_id) on create
//   - Replies attach to top-level comments only (two-level thread model)
//   - Deleting a top-level comment removes its whole reply thread
//   - Snapshot query ordered top-level first, then replies, createdAt ASC
type CommentStore interface {
	Create(ctx context.Context, in CreateInput) (CreateResult, error)
	Update(ctx context.Context, in UpdateInput) (StoredComment, error)
	Delete(ctx context.Context, commentID string) (DeleteResult, error)
	ListByTarget(ctx context.Context, target Target) ([]StoredComment, error)
	Close() error
}

// CreateInput describes a comment create request.
type CreateInput struct {
	Target              Target
	ClientCorrelationID string
	AuthorID            string
	AuthorDisplay       string
	ParentID            string
	Content             string
	Now                 time.Time
}

// CreateResult is the create operation result.
type CreateResult struct {
	Stored     StoredComment
	Duplicated bool
}

// UpdateInput describes a comment edit request.
type UpdateInput struct {
	CommentID string
	Content   string
	Now       time.Time
}

// DeleteResult lists everything removed in one delete step: the comment and,
// for a top-level comment, its replies.
type DeleteResult struct {
	Target     Target
	RemovedIDs []string
}

package commentsync

import "context"

// SnapshotFetcher is the external HTTP collaborator returning the confirmed
// comment list for a content item. Used by Attach and by post-reconnect resync.
type SnapshotFetcher interface {
	FetchComments(ctx context.Context, kind ContentKind, contentID string) ([]Comment, error)
}

// CreateCommentInput carries a create mutation to the backend.
// The broker echoes ClientCorrelationID on the broadcast so the submitting
// client can resolve its optimistic entry.
type CreateCommentInput struct {
	Kind                ContentKind
	ContentID           string
	ClientCorrelationID string
	AuthorID            string
	AuthorDisplay       string
	ParentID            string
	Content             string
}

// UpdateCommentInput carries an edit mutation to the backend.
type UpdateCommentInput struct {
	Kind                ContentKind
	ContentID           string
	ClientCorrelationID string
	CommentID           string
	Content             string
}

// DeleteCommentInput carries a delete mutation to the backend.
type DeleteCommentInput struct {
	Kind                ContentKind
	ContentID           string
	ClientCorrelationID string
	CommentID           string
}

// Mutator is the external HTTP collaborator performing authenticated
// create/update/delete mutations. Calls are fire-and-forget from the engine's
// perspective: confirmation arrives via the broadcast echo, not the response.
type Mutator interface {
	CreateComment(ctx context.Context, in CreateCommentInput) error
	UpdateComment(ctx context.Context, in UpdateCommentInput) error
	DeleteComment(ctx context.Context, in DeleteCommentInput) error
}

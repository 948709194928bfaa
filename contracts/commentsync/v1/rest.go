package v1

import "time"

// CommentJSON is the REST representation of one stored comment.
// ClientCorrelationID is returned so a client resyncing after a connectivity
// gap can match snapshot rows to its own pending writes.
type CommentJSON struct {
	ID                  string    `json:"id"`
	ClientCorrelationID string    `json:"client_correlation_id,omitempty"`
	ParentID            string    `json:"parent_id,omitempty"`
	AuthorID            string    `json:"author_id"`
	AuthorDisplay       string    `json:"author_display,omitempty"`
	Content             string    `json:"content"`
	CreatedAt           time.Time `json:"created_at"`
	EditedAt            time.Time `json:"edited_at,omitzero"`
}

// SnapshotResponse is the GET comments payload: the full confirmed list for
// one content item, top-level entries before replies.
type SnapshotResponse struct {
	Kind      string        `json:"kind"`
	ContentID string        `json:"content_id"`
	Comments  []CommentJSON `json:"comments"`
}

// CreateCommentRequest is the POST mutation payload.
type CreateCommentRequest struct {
	Kind                string `json:"kind"`
	ContentID           string `json:"content_id"`
	ClientCorrelationID string `json:"client_correlation_id"`
	AuthorID            string `json:"author_id"`
	AuthorDisplay       string `json:"author_display,omitempty"`
	ParentID            string `json:"parent_id,omitempty"`
	Content             string `json:"content"`
}

// UpdateCommentRequest is the PATCH mutation payload.
type UpdateCommentRequest struct {
	ClientCorrelationID string `json:"client_correlation_id,omitempty"`
	Content             string `json:"content"`
}

// MutationResponse acknowledges an accepted mutation. Confirmation semantics
// still flow through the broadcast echo, not this response.
type MutationResponse struct {
	CommentID  string `json:"comment_id,omitempty"`
	Duplicated bool   `json:"duplicated,omitempty"`
}

// ErrorResponse is the REST error payload.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Package v1 defines the Campus comment synchronization wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the broker and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must negotiate.
const Subprotocol = "campus.commentsync.v1"

// Type constants (wire-stable).
const (
	// TypeTopicSubscribe requests delivery of a topic's comment events (client -> server).
	TypeTopicSubscribe = "topic_subscribe"
	// TypeTopicSubscribed acknowledges a subscription (server -> client).
	TypeTopicSubscribed = "topic_subscribed"
	// TypeTopicUnsubscribe stops delivery of a topic's comment events (client -> server).
	TypeTopicUnsubscribe = "topic_unsubscribe"

	// TypeCommentCreate requests creating a comment over the socket (client -> server).
	TypeCommentCreate = "comment_create"
	// TypeCommentUpdate requests editing a comment over the socket (client -> server).
	TypeCommentUpdate = "comment_update"
	// TypeCommentDelete requests deleting a comment over the socket (client -> server).
	TypeCommentDelete = "comment_delete"

	// TypeCommentCreated broadcasts a newly accepted comment (server -> topic subscribers).
	TypeCommentCreated = "comment_created"
	// TypeCommentUpdated broadcasts an accepted edit (server -> topic subscribers).
	TypeCommentUpdated = "comment_updated"
	// TypeCommentDeleted broadcasts a deletion (server -> topic subscribers).
	TypeCommentDeleted = "comment_deleted"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeTopicSubscribe,
		TypeTopicSubscribed,
		TypeTopicUnsubscribe,
		TypeCommentCreate,
		TypeCommentUpdate,
		TypeCommentDelete,
		TypeCommentCreated,
		TypeCommentUpdated,
		TypeCommentDeleted,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// TopicSubscribePayload requests or acknowledges a topic subscription.
type TopicSubscribePayload struct {
	Topic string `json:"topic"`
}

// CommentCreatePayload requests creating a comment.
type CommentCreatePayload struct {
	Topic               string `json:"topic"`
	ClientCorrelationID string `json:"client_correlation_id"`
	AuthorID            string `json:"author_id"`
	AuthorDisplay       string `json:"author_display,omitempty"`
	ParentID            string `json:"parent_id,omitempty"`
	Content             string `json:"content"`
}

// CommentUpdatePayload requests editing an existing comment.
type CommentUpdatePayload struct {
	Topic               string `json:"topic"`
	ClientCorrelationID string `json:"client_correlation_id,omitempty"`
	CommentID           string `json:"comment_id"`
	Content             string `json:"content"`
}

// CommentDeletePayload requests deleting an existing comment.
type CommentDeletePayload struct {
	Topic               string `json:"topic"`
	ClientCorrelationID string `json:"client_correlation_id,omitempty"`
	CommentID           string `json:"comment_id"`
}

// CommentEventPayload is broadcast for comment_created and comment_updated.
// ClientCorrelationID is echoed only when the originating mutation supplied one,
// so the submitting client can resolve its optimistic entry.
type CommentEventPayload struct {
	Topic               string    `json:"topic"`
	ClientCorrelationID string    `json:"client_correlation_id,omitempty"`
	CommentID           string    `json:"comment_id"`
	ParentID            string    `json:"parent_id,omitempty"`
	AuthorID            string    `json:"author_id"`
	AuthorDisplay       string    `json:"author_display,omitempty"`
	Content             string    `json:"content"`
	CreatedAt           time.Time `json:"created_at"`
	EditedAt            time.Time `json:"edited_at,omitzero"`
}

// CommentDeletedPayload is broadcast for comment_deleted.
// RemovedIDs lists every id removed in the step: the comment itself plus,
// for a top-level comment, its whole reply thread.
type CommentDeletedPayload struct {
	Topic               string   `json:"topic"`
	ClientCorrelationID string   `json:"client_correlation_id,omitempty"`
	CommentID           string   `json:"comment_id"`
	RemovedIDs          []string `json:"removed_ids,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

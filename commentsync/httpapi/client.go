// Package httpapi is the engine's HTTP collaborator: snapshot fetches and
// authenticated comment mutations against the campus REST API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"campus/commentsync"
	syncv1 "campus/contracts/commentsync/v1"
)

const defaultTimeout = 15 * time.Second

// Client implements commentsync.SnapshotFetcher and commentsync.Mutator over
// the broker's REST endpoints.
type Client struct {
	base  string
	http  *http.Client
	token string
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBearerToken attaches an Authorization header to every request.
// Session management itself is owned by the platform, not this client.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New constructs a Client for the given API base URL (e.g. "http://host:8080").
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchComments returns the confirmed comment list for one content item.
func (c *Client) FetchComments(ctx context.Context, kind commentsync.ContentKind, contentID string) ([]commentsync.Comment, error) {
	q := url.Values{}
	q.Set("kind", string(kind))
	q.Set("content_id", contentID)

	var out syncv1.SnapshotResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/comments?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}

	comments := make([]commentsync.Comment, 0, len(out.Comments))
	for _, j := range out.Comments {
		comments = append(comments, commentsync.Comment{
			ID:                  j.ID,
			ClientCorrelationID: j.ClientCorrelationID,
			ParentID:            j.ParentID,
			AuthorID:            j.AuthorID,
			AuthorDisplay:       j.AuthorDisplay,
			Content:             j.Content,
			CreatedAt:           j.CreatedAt,
			EditedAt:            j.EditedAt,
			State:               commentsync.StateConfirmed,
		})
	}
	return comments, nil
}

// CreateComment submits a create mutation carrying the correlation id the
// broker will echo on the broadcast.
func (c *Client) CreateComment(ctx context.Context, in commentsync.CreateCommentInput) error {
	req := syncv1.CreateCommentRequest{
		Kind:                string(in.Kind),
		ContentID:           in.ContentID,
		ClientCorrelationID: in.ClientCorrelationID,
		AuthorID:            in.AuthorID,
		AuthorDisplay:       in.AuthorDisplay,
		ParentID:            in.ParentID,
		Content:             in.Content,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/comments", req, nil)
}

// UpdateComment submits an edit mutation.
func (c *Client) UpdateComment(ctx context.Context, in commentsync.UpdateCommentInput) error {
	req := syncv1.UpdateCommentRequest{
		ClientCorrelationID: in.ClientCorrelationID,
		Content:             in.Content,
	}
	return c.do(ctx, http.MethodPatch, "/api/v1/comments/"+url.PathEscape(in.CommentID), req, nil)
}

// DeleteComment submits a delete mutation.
func (c *Client) DeleteComment(ctx context.Context, in commentsync.DeleteCommentInput) error {
	path := "/api/v1/comments/" + url.PathEscape(in.CommentID)
	if in.ClientCorrelationID != "" {
		path += "?client_correlation_id=" + url.QueryEscape(in.ClientCorrelationID)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr syncv1.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&apiErr); err == nil && apiErr.Code != "" {
			return fmt.Errorf("httpapi: %s %s: %s (%s)", method, path, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("httpapi: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"campus/commentsync"
	syncv1 "campus/contracts/commentsync/v1"
)

func TestFetchComments(t *testing.T) {
	createdAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/comments" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("kind"); got != "post" {
			t.Errorf("kind = %q, want post", got)
		}
		if got := r.URL.Query().Get("content_id"); got != "p-1" {
			t.Errorf("content_id = %q, want p-1", got)
		}
		_ = json.NewEncoder(w).Encode(syncv1.SnapshotResponse{
			Kind:      "post",
			ContentID: "p-1",
			Comments: []syncv1.CommentJSON{
				{ID: "c-1", AuthorID: "u-1", Content: "hello", CreatedAt: createdAt},
				{ID: "r-1", ParentID: "c-1", AuthorID: "u-2", Content: "hi", CreatedAt: createdAt.Add(time.Minute)},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.FetchComments(context.Background(), commentsync.KindPost, "p-1")
	if err != nil {
		t.Fatalf("FetchComments() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "c-1" || got[0].State != commentsync.StateConfirmed {
		t.Fatalf("first comment = %+v", got[0])
	}
	if got[1].ParentID != "c-1" {
		t.Fatalf("reply parent = %q, want c-1", got[1].ParentID)
	}
}

func TestCreateComment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/comments" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		var req syncv1.CreateCommentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Kind != "post" || req.ContentID != "p-1" || req.ClientCorrelationID != "corr-1" {
			t.Errorf("request = %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(syncv1.MutationResponse{CommentID: "c-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, WithBearerToken("tok-1"))
	err := c.CreateComment(context.Background(), commentsync.CreateCommentInput{
		Kind:                commentsync.KindPost,
		ContentID:           "p-1",
		ClientCorrelationID: "corr-1",
		AuthorID:            "me",
		Content:             "hello",
	})
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
}

func TestUpdateCommentEscapesID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.UpdateComment(context.Background(), commentsync.UpdateCommentInput{
		Kind:      commentsync.KindPost,
		ContentID: "p-1",
		CommentID: "c 1/x",
		Content:   "edited",
	})
	if err != nil {
		t.Fatalf("UpdateComment() error = %v", err)
	}
	if strings.Contains(gotPath, "c 1/x") {
		t.Fatalf("comment id not escaped in path: %q", gotPath)
	}
}

func TestDeleteCommentCarriesCorrelationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		if got := r.URL.Query().Get("client_correlation_id"); got != "corr-1" {
			t.Errorf("client_correlation_id = %q, want corr-1", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.DeleteComment(context.Background(), commentsync.DeleteCommentInput{
		Kind:                commentsync.KindPost,
		ContentID:           "p-1",
		ClientCorrelationID: "corr-1",
		CommentID:           "c-1",
	})
	if err != nil {
		t.Fatalf("DeleteComment() error = %v", err)
	}
}

func TestErrorResponseSurfacesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(syncv1.ErrorResponse{Code: "reply_depth", Message: "replies attach to top-level comments only"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.CreateComment(context.Background(), commentsync.CreateCommentInput{
		Kind:      commentsync.KindPost,
		ContentID: "p-1",
		AuthorID:  "me",
		ParentID:  "r-1",
		Content:   "too deep",
	})
	if err == nil {
		t.Fatal("CreateComment() error = nil, want API error")
	}
	if !strings.Contains(err.Error(), "reply_depth") {
		t.Fatalf("error %q does not carry the API code", err)
	}
}

func TestErrorResponseWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.FetchComments(context.Background(), commentsync.KindPost, "p-1")
	if err == nil {
		t.Fatal("FetchComments() error = nil, want status error")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("error %q does not carry the status code", err)
	}
}

package commenthub

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	syncv1 "campus/contracts/commentsync/v1"
)

const apiDefaultMaxBodyBytes = 64 << 10 // 64 KiB

// API wires the REST mutation and snapshot surface to the CommentStore and Hub.
//
// Every accepted mutation is broadcast to the target's topic room so websocket
// subscribers see REST-originated writes exactly like socket-originated ones.
type API struct {
	log   *slog.Logger
	store CommentStore
	hub   *Hub

	maxBodyBytes int64
}

// NewAPI constructs the comment REST handler set.
func NewAPI(log *slog.Logger, store CommentStore, hub *Hub) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		log:          log,
		store:        store,
		hub:          hub,
		maxBodyBytes: apiDefaultMaxBodyBytes,
	}
}

// Register wires comment routes onto the provided mux.
func (a *API) Register(mux *http.ServeMux) {
	if a == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/v1/comments", a.handleSnapshot)
	mux.HandleFunc("POST /api/v1/comments", a.handleCreate)
	mux.HandleFunc("PATCH /api/v1/comments/{id}", a.handleUpdate)
	mux.HandleFunc("DELETE /api/v1/comments/{id}", a.handleDelete)
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := ParseTarget(q.Get("kind"), q.Get("content_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_target", err.Error())
		return
	}

	rows, err := a.store.ListByTarget(r.Context(), target)
	if err != nil {
		a.log.Error("comments.snapshot.fail", "err", err, "target", target.Key())
		writeError(w, http.StatusInternalServerError, "store_failed", "snapshot query failed")
		return
	}

	out := syncv1.SnapshotResponse{
		Kind:      target.Kind,
		ContentID: target.ContentID,
		Comments:  make([]syncv1.CommentJSON, 0, len(rows)),
	}
	for _, c := range rows {
		out.Comments = append(out.Comments, syncv1.CommentJSON{
			ID:                  c.ID,
			ClientCorrelationID: c.ClientCorrelationID,
			ParentID:            c.ParentID,
			AuthorID:            c.AuthorID,
			AuthorDisplay:       c.AuthorDisplay,
			Content:             c.Content,
			CreatedAt:           c.CreatedAt,
			EditedAt:            c.EditedAt,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req syncv1.CreateCommentRequest
	if err := decodeJSON(w, r, a.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	target, err := ParseTarget(req.Kind, req.ContentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_target", err.Error())
		return
	}
	if strings.TrimSpace(req.ClientCorrelationID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing client_correlation_id")
		return
	}
	if strings.TrimSpace(req.AuthorID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing author_id")
		return
	}
	content, err := normalizeContent(req.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_content", err.Error())
		return
	}

	now := time.Now().UTC()
	res, err := a.store.Create(r.Context(), CreateInput{
		Target:              target,
		ClientCorrelationID: req.ClientCorrelationID,
		AuthorID:            req.AuthorID,
		AuthorDisplay:       req.AuthorDisplay,
		ParentID:            strings.TrimSpace(req.ParentID),
		Content:             content,
		Now:                 now,
	})
	if err != nil {
		a.writeStoreError(w, "comments.create.fail", err)
		return
	}

	if !res.Duplicated {
		a.hub.Broadcast(target.Topic(), CreatedEnvelope(res.Stored, now))
	}

	writeJSON(w, http.StatusCreated, syncv1.MutationResponse{
		CommentID:  res.Stored.ID,
		Duplicated: res.Duplicated,
	})
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	commentID := strings.TrimSpace(r.PathValue("id"))
	if commentID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing comment id")
		return
	}

	var req syncv1.UpdateCommentRequest
	if err := decodeJSON(w, r, a.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	content, err := normalizeContent(req.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_content", err.Error())
		return
	}

	now := time.Now().UTC()
	stored, err := a.store.Update(r.Context(), UpdateInput{
		CommentID: commentID,
		Content:   content,
		Now:       now,
	})
	if err != nil {
		a.writeStoreError(w, "comments.update.fail", err)
		return
	}

	a.hub.Broadcast(Target{Kind: stored.Kind, ContentID: stored.ContentID}.Topic(),
		UpdatedEnvelope(stored, req.ClientCorrelationID, now))

	writeJSON(w, http.StatusOK, syncv1.MutationResponse{CommentID: stored.ID})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	commentID := strings.TrimSpace(r.PathValue("id"))
	if commentID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing comment id")
		return
	}
	corrID := strings.TrimSpace(r.URL.Query().Get("client_correlation_id"))

	now := time.Now().UTC()
	res, err := a.store.Delete(r.Context(), commentID)
	if err != nil {
		a.writeStoreError(w, "comments.delete.fail", err)
		return
	}

	a.hub.Broadcast(res.Target.Topic(), DeletedEnvelope(res, commentID, corrID, now))

	writeJSON(w, http.StatusOK, syncv1.MutationResponse{CommentID: commentID})
}

func (a *API) writeStoreError(w http.ResponseWriter, event string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "comment not found")
	case errors.Is(err, ErrParentNotFound):
		writeError(w, http.StatusUnprocessableEntity, "parent_not_found", "parent comment not found")
	case errors.Is(err, ErrReplyDepth):
		writeError(w, http.StatusUnprocessableEntity, "reply_depth", "replies attach to top-level comments only")
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		a.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "store_failed", "operation failed")
	}
}

// ---- JSON helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, syncv1.ErrorResponse{Code: code, Message: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

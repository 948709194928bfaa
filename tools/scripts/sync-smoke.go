// Package main provides a CI-friendly WebSocket smoke test for campus comment sync.
//
// It validates:
//   - handshake + subprotocol selection
//   - topic subscribe ack
//   - comment_create -> comment_created fanout to both subscribers
//   - correlation id echo on the created broadcast
//   - comment_update fanout
//   - comment_delete fanout with removed ids (reply cascade)
//   - idempotent dedupe by client_correlation_id
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	syncv1 "campus/contracts/commentsync/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan syncv1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		kind      = flag.String("kind", "post", "Content kind (post or course)")
		contentID = flag.String("content", "smoke-post-1", "Content id to comment on")
		text      = flag.String("text", "hello campus 👋", "Comment text to create")
		author    = flag.String("author", "smoke-author", "Author id for created comments")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	topic := fmt.Sprintf("topic/%s/%s/comments", *kind, *contentID)
	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: topic=%s origin=%q\n", topic, *origin)
	}

	mustSubscribe(root, a, topic, *timeout)
	mustSubscribe(root, b, topic, *timeout)

	corrID := fmt.Sprintf("corr-%d", time.Now().UnixNano())

	mustCreate(root, a, topic, corrID, *author, "", *text, *timeout)

	commentID := mustAssertCreated(root, b, topic, corrID, *author, *text, *timeout)
	if own := mustAssertCreated(root, a, topic, corrID, *author, *text, *timeout); own != commentID {
		fatalf("created id mismatch between subscribers: a=%s b=%s", own, commentID)
	}

	// Idempotent retry: same correlation id must not fan out a second create.
	mustCreate(root, a, topic, corrID, *author, "", *text, *timeout)
	mustAssertNoType(root, b, syncv1.TypeCommentCreated, 1200*time.Millisecond)

	// Reply, then edit the top-level comment.
	replyCorr := corrID + "-reply"
	mustCreate(root, b, topic, replyCorr, *author, commentID, "a reply", *timeout)
	replyID := mustAssertCreated(root, a, topic, replyCorr, *author, "a reply", *timeout)
	_ = mustAssertCreated(root, b, topic, replyCorr, *author, "a reply", *timeout)

	edited := *text + " (edited)"
	mustUpdate(root, a, topic, commentID, edited, *timeout)
	mustAssertUpdated(root, b, commentID, edited, *timeout)
	mustAssertUpdated(root, a, commentID, edited, *timeout)

	// Deleting the top-level comment must cascade to the reply.
	mustDelete(root, a, topic, commentID, *timeout)
	removed := mustAssertDeleted(root, b, commentID, *timeout)
	_ = mustAssertDeleted(root, a, commentID, *timeout)

	if !contains(removed, commentID) || !contains(removed, replyID) {
		fatalf("deleted broadcast missing cascade ids: removed=%v want %s and %s", removed, commentID, replyID)
	}

	fmt.Printf("OK: topic=%s comment_id=%s reply_id=%s\n", topic, commentID, replyID)
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{syncv1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, syncv1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan syncv1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env syncv1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubscribe(parent context.Context, c *smokeClient, topic string, stepTimeout time.Duration) {
	env := syncv1.Envelope{
		V:       syncv1.Version,
		Type:    syncv1.TypeTopicSubscribe,
		ID:      fmt.Sprintf("%s-subscribe", c.name),
		Topic:   topic,
		TS:      time.Now().UTC(),
		Payload: mustJSON(syncv1.TopicSubscribePayload{Topic: topic}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, syncv1.TypeTopicSubscribed, stepTimeout, nil)

	var p syncv1.TopicSubscribePayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal subscribe ack payload (%s): %v", c.name, err)
	}
	if p.Topic != topic {
		fatalf("subscribe ack topic mismatch (%s): got=%q want=%q", c.name, p.Topic, topic)
	}
}

func mustCreate(parent context.Context, c *smokeClient, topic, corrID, authorID, parentID, text string, stepTimeout time.Duration) {
	env := syncv1.Envelope{
		V:     syncv1.Version,
		Type:  syncv1.TypeCommentCreate,
		ID:    fmt.Sprintf("%s-create-%s", c.name, corrID),
		Topic: topic,
		TS:    time.Now().UTC(),
		Payload: mustJSON(syncv1.CommentCreatePayload{
			Topic:               topic,
			ClientCorrelationID: corrID,
			AuthorID:            authorID,
			ParentID:            parentID,
			Content:             text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustUpdate(parent context.Context, c *smokeClient, topic, commentID, text string, stepTimeout time.Duration) {
	env := syncv1.Envelope{
		V:     syncv1.Version,
		Type:  syncv1.TypeCommentUpdate,
		ID:    fmt.Sprintf("%s-update-%s", c.name, commentID),
		Topic: topic,
		TS:    time.Now().UTC(),
		Payload: mustJSON(syncv1.CommentUpdatePayload{
			Topic:     topic,
			CommentID: commentID,
			Content:   text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustDelete(parent context.Context, c *smokeClient, topic, commentID string, stepTimeout time.Duration) {
	env := syncv1.Envelope{
		V:     syncv1.Version,
		Type:  syncv1.TypeCommentDelete,
		ID:    fmt.Sprintf("%s-delete-%s", c.name, commentID),
		Topic: topic,
		TS:    time.Now().UTC(),
		Payload: mustJSON(syncv1.CommentDeletePayload{
			Topic:     topic,
			CommentID: commentID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertCreated(parent context.Context, c *smokeClient, topic, corrID, authorID, text string, stepTimeout time.Duration) string {
	env := c.mustReadUntilType(parent, syncv1.TypeCommentCreated, stepTimeout, nil)

	var p syncv1.CommentEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal comment_created payload (%s): %v", c.name, err)
	}

	if p.Topic != topic {
		fatalf("created topic mismatch (%s): got=%q want=%q", c.name, p.Topic, topic)
	}
	if p.ClientCorrelationID != corrID {
		fatalf("created correlation mismatch (%s): got=%q want=%q", c.name, p.ClientCorrelationID, corrID)
	}
	if p.AuthorID != authorID {
		fatalf("created author mismatch (%s): got=%q want=%q", c.name, p.AuthorID, authorID)
	}
	if p.Content != text {
		fatalf("created content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if strings.TrimSpace(p.CommentID) == "" {
		fatalf("created missing comment_id (%s)", c.name)
	}
	if p.CreatedAt.IsZero() {
		fatalf("created missing created_at (%s)", c.name)
	}
	return p.CommentID
}

func mustAssertUpdated(parent context.Context, c *smokeClient, commentID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, syncv1.TypeCommentUpdated, stepTimeout, nil)

	var p syncv1.CommentEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal comment_updated payload (%s): %v", c.name, err)
	}
	if p.CommentID != commentID {
		fatalf("updated comment_id mismatch (%s): got=%q want=%q", c.name, p.CommentID, commentID)
	}
	if p.Content != text {
		fatalf("updated content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if p.EditedAt.IsZero() {
		fatalf("updated missing edited_at (%s)", c.name)
	}
}

func mustAssertDeleted(parent context.Context, c *smokeClient, commentID string, stepTimeout time.Duration) []string {
	env := c.mustReadUntilType(parent, syncv1.TypeCommentDeleted, stepTimeout, nil)

	var p syncv1.CommentDeletedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal comment_deleted payload (%s): %v", c.name, err)
	}
	if p.CommentID != commentID {
		fatalf("deleted comment_id mismatch (%s): got=%q want=%q", c.name, p.CommentID, commentID)
	}
	return p.RemovedIDs
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == syncv1.TypeError {
				var ep syncv1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) syncv1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == syncv1.TypeError {
				var ep syncv1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env syncv1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

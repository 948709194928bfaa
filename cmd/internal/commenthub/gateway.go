package commenthub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	syncv1 "campus/contracts/commentsync/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for campus comment sync.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the Hub and CommentStore. One connection
// may hold subscriptions to many topics at once.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	store   CommentStore
	metrics *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When hub/store are nil, it falls back to in-memory implementations for dev.
func NewWSGateway(log *slog.Logger, hub *Hub, store CommentStore, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log, metrics)
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	g := &WSGateway{log: log, hub: hub, store: store, metrics: metrics}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("CAMPUS_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("CAMPUS_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("CAMPUS_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("CAMPUS_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("CAMPUS_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("CAMPUS_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("CAMPUS_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("CAMPUS_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("CAMPUS_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("CAMPUS_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the sync loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{syncv1.Subprotocol},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != syncv1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", syncv1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewSessionID()
	client := NewClient(sessionID, g.sendQueueSize)

	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		// topics the client holds subscriptions for, keyed by canonical topic string.
		subscribed = make(map[string]*Room)
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for topic, room := range subscribed {
				room.Leave(sessionID)
				g.hub.ReleaseIfEmpty(topic)
				g.metrics.Unsubscribed()
			}
			clear(subscribed)

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, env.Topic, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.metrics.RateLimited()
			g.trySendError(ctx, client, env.Topic, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, env.Topic, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case syncv1.TypeTopicSubscribe:
			if err := g.onSubscribe(ctx, client, env, subscribed); err != nil {
				g.trySendError(ctx, client, env.Topic, "subscribe_failed", err.Error())
				continue readLoop
			}

		case syncv1.TypeTopicUnsubscribe:
			g.onUnsubscribe(client, env, subscribed)

		case syncv1.TypeCommentCreate:
			if err := g.onCommentCreate(ctx, client, env, now); err != nil {
				g.trySendError(ctx, client, env.Topic, "create_failed", err.Error())
				continue readLoop
			}

		case syncv1.TypeCommentUpdate:
			if err := g.onCommentUpdate(ctx, client, env, now); err != nil {
				g.trySendError(ctx, client, env.Topic, "update_failed", err.Error())
				continue readLoop
			}

		case syncv1.TypeCommentDelete:
			if err := g.onCommentDelete(ctx, client, env, now); err != nil {
				g.trySendError(ctx, client, env.Topic, "delete_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, env.Topic, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onSubscribe(ctx context.Context, client *Client, env syncv1.Envelope, subscribed map[string]*Room) error {
	var p syncv1.TopicSubscribePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	topic := strings.TrimSpace(p.Topic)
	if topic == "" {
		topic = strings.TrimSpace(env.Topic)
	}

	target, err := ParseTopic(topic)
	if err != nil {
		return err
	}
	topic = target.Topic()

	if _, ok := subscribed[topic]; !ok {
		if len(subscribed) >= maxTopicsPerConn {
			return fmt.Errorf("too many subscriptions: max=%d", maxTopicsPerConn)
		}

		room := g.hub.GetOrCreateRoom(topic)
		room.Join(client)
		subscribed[topic] = room
		g.metrics.Subscribed()
	}

	ackPayload, _ := json.Marshal(syncv1.TopicSubscribePayload{Topic: topic})
	ack := syncv1.Envelope{
		V:       syncv1.Version,
		Type:    syncv1.TypeTopicSubscribed,
		ID:      env.ID, // echo the request id so the client can correlate the ack
		Topic:   topic,
		TS:      time.Now().UTC(),
		Payload: ackPayload,
	}
	if ack.ID == "" {
		ack.ID = NewSessionID()
	}

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: subscribe ack")
	}
	return nil
}

func (g *WSGateway) onUnsubscribe(client *Client, env syncv1.Envelope, subscribed map[string]*Room) {
	var p syncv1.TopicSubscribePayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &p)
	}

	topic := strings.TrimSpace(p.Topic)
	if topic == "" {
		topic = strings.TrimSpace(env.Topic)
	}

	room, ok := subscribed[topic]
	if !ok {
		return
	}

	room.Leave(client.SessionID)
	delete(subscribed, topic)
	g.hub.ReleaseIfEmpty(topic)
	g.metrics.Unsubscribed()
}

func (g *WSGateway) onCommentCreate(ctx context.Context, client *Client, env syncv1.Envelope, now time.Time) error {
	var p syncv1.CommentCreatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	target, err := ParseTopic(p.Topic)
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.ClientCorrelationID) == "" {
		return errors.New("missing client_correlation_id")
	}
	if strings.TrimSpace(p.AuthorID) == "" {
		return errors.New("missing author_id")
	}

	content, err := normalizeContent(p.Content)
	if err != nil {
		return err
	}

	res, err := g.store.Create(ctx, CreateInput{
		Target:              target,
		ClientCorrelationID: p.ClientCorrelationID,
		AuthorID:            p.AuthorID,
		AuthorDisplay:       p.AuthorDisplay,
		ParentID:            strings.TrimSpace(p.ParentID),
		Content:             content,
		Now:                 now,
	})
	if err != nil {
		return fmt.Errorf("store create: %w", err)
	}

	// The submitting client resolves its optimistic entry from the broadcast
	// itself, so duplicates (idempotent retries) only suppress the re-fanout.
	if !res.Duplicated {
		g.hub.Broadcast(target.Topic(), CreatedEnvelope(res.Stored, now))
	}
	return nil
}

func (g *WSGateway) onCommentUpdate(ctx context.Context, client *Client, env syncv1.Envelope, now time.Time) error {
	var p syncv1.CommentUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.CommentID) == "" {
		return errors.New("missing comment_id")
	}

	content, err := normalizeContent(p.Content)
	if err != nil {
		return err
	}

	stored, err := g.store.Update(ctx, UpdateInput{
		CommentID: p.CommentID,
		Content:   content,
		Now:       now,
	})
	if err != nil {
		return fmt.Errorf("store update: %w", err)
	}

	g.hub.Broadcast(Target{Kind: stored.Kind, ContentID: stored.ContentID}.Topic(),
		UpdatedEnvelope(stored, p.ClientCorrelationID, now))
	return nil
}

func (g *WSGateway) onCommentDelete(ctx context.Context, client *Client, env syncv1.Envelope, now time.Time) error {
	var p syncv1.CommentDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.CommentID) == "" {
		return errors.New("missing comment_id")
	}

	res, err := g.store.Delete(ctx, p.CommentID)
	if err != nil {
		return fmt.Errorf("store delete: %w", err)
	}

	g.hub.Broadcast(res.Target.Topic(), DeletedEnvelope(res, p.CommentID, p.ClientCorrelationID, now))
	return nil
}

func normalizeContent(s string) (string, error) {
	text := strings.TrimSpace(s)
	if text == "" {
		return "", errors.New("empty content")
	}
	if len([]rune(text)) > maxCommentChars {
		return "", fmt.Errorf("content too long: max=%d chars", maxCommentChars)
	}
	return text, nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, topic, code, msg string) {
	p, _ := json.Marshal(syncv1.ErrorPayload{Code: code, Message: msg})
	env := syncv1.Envelope{
		V:       syncv1.Version,
		Type:    syncv1.TypeError,
		ID:      NewSessionID(),
		Topic:   topic,
		TS:      time.Now().UTC(),
		Payload: p,
	}
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env syncv1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (syncv1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return syncv1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return syncv1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env syncv1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return syncv1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env syncv1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

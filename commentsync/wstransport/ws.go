// Package wstransport implements the commentsync Transport over a single
// long-lived websocket connection to the campus broker, with jittered
// exponential reconnect backoff and heartbeat liveness pings.
package wstransport

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	"campus/commentsync"
	syncv1 "campus/contracts/commentsync/v1"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultSubscribeTimeout = 10 * time.Second
	defaultHeartbeatEvery   = 25 * time.Second
	defaultHeartbeatTimeout = 5 * time.Second

	defaultBackoffMin = 500 * time.Millisecond
	defaultBackoffMax = 30 * time.Second

	maxFrameBytes = 256 << 10 // 256 KiB
)

// Options configure the transport. The zero value selects the defaults.
type Options struct {
	Logger *slog.Logger

	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	SubscribeTimeout time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration

	// HTTPHeaderOrigin, when set, is sent as the Origin header so the broker's
	// origin policy treats this client like a browser widget.
	HTTPHeaderOrigin string
}

// Client is a commentsync.Transport over one websocket connection shared by
// all topic subscriptions.
type Client struct {
	log  *slog.Logger
	url  string
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	state     commentsync.ConnState
	handlers  map[string]commentsync.MessageHandler
	ackWait   map[string]chan error
	observers map[int64]func(commentsync.ConnState)
	nextObs   int64
	started   bool
	firstUp   chan struct{}

	writeMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a transport client for the given broker websocket URL.
func New(url string, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = defaultSubscribeTimeout
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = defaultHeartbeatEvery
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = defaultBackoffMin
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}

	return &Client{
		log:       opts.Logger,
		url:       url,
		opts:      opts,
		state:     commentsync.ConnDisconnected,
		handlers:  make(map[string]commentsync.MessageHandler),
		ackWait:   make(map[string]chan error),
		observers: make(map[int64]func(commentsync.ConnState)),
		firstUp:   make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

// Connect starts the connection manager and blocks until the first successful
// dial or ctx cancellation. Reconnection after that is automatic.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	go c.run()

	select {
	case <-c.firstUp:
		return nil
	case <-c.stop:
		return errors.New("wstransport: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a topic handler and requests delivery from the broker,
// waiting for the broker's acknowledgement.
func (c *Client) Subscribe(ctx context.Context, topic string, h commentsync.MessageHandler) error {
	c.mu.Lock()
	c.handlers[topic] = h
	if c.state != commentsync.ConnConnected {
		c.mu.Unlock()
		return errors.New("wstransport: not connected")
	}
	ack := make(chan error, 1)
	c.ackWait[topic] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.ackWait[topic] == ack {
			delete(c.ackWait, topic)
		}
		c.mu.Unlock()
	}()

	if err := c.writeEnvelope(ctx, syncv1.TypeTopicSubscribe, topic, syncv1.TopicSubscribePayload{Topic: topic}); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.SubscribeTimeout)
	defer cancel()

	select {
	case err := <-ack:
		return err
	case <-waitCtx.Done():
		return fmt.Errorf("wstransport: subscribe %s: %w", topic, waitCtx.Err())
	case <-c.stop:
		return errors.New("wstransport: closed")
	}
}

// Unsubscribe removes the topic handler and stops broker delivery.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.handlers, topic)
	connected := c.state == commentsync.ConnConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.writeEnvelope(ctx, syncv1.TypeTopicUnsubscribe, topic, syncv1.TopicSubscribePayload{Topic: topic})
}

// Publish writes a complete protocol envelope to the broker. The payload must
// be a JSON-encoded contracts/commentsync/v1 Envelope.
func (c *Client) Publish(ctx context.Context, topic string, data []byte) error {
	_ = topic // routing lives inside the envelope
	return c.writeRaw(ctx, data)
}

// StateChanges registers a connection-state observer.
func (c *Client) StateChanges(fn func(commentsync.ConnState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// Close terminates the connection manager and the underlying connection.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

// ---- connection manager ----

func (c *Client) run() {
	attempt := 0
	firstUpOnce := sync.Once{}

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.setState(commentsync.ConnConnecting)

		conn, err := c.dial()
		if err != nil {
			c.setState(commentsync.ConnDisconnected)
			d := backoffDelay(attempt, c.opts.BackoffMin, c.opts.BackoffMax)
			attempt++
			c.log.Warn("ws.dial.fail", "attempt", attempt, "retry_in", d, "err", err)

			select {
			case <-time.After(d):
				continue
			case <-c.stop:
				return
			}
		}
		attempt = 0

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.setState(commentsync.ConnConnected)
		firstUpOnce.Do(func() { close(c.firstUp) })
		c.log.Info("ws.connected", "url", c.url)

		c.serveConn(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.setState(commentsync.ConnDisconnected)
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()

	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{syncv1.Subprotocol},
	}
	if c.opts.HTTPHeaderOrigin != "" {
		dialOpts.HTTPHeader = map[string][]string{"Origin": {c.opts.HTTPHeaderOrigin}}
	}

	conn, _, err := websocket.Dial(ctx, c.url, dialOpts)
	if err != nil {
		return nil, err
	}

	if sp := conn.Subprotocol(); sp != syncv1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("wstransport: broker selected subprotocol %q", sp)
	}

	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// serveConn runs the read loop and heartbeat for one connection and returns
// when the connection dies.
func (c *Client) serveConn(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(c.opts.HeartbeatEvery)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, c.opts.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					c.log.Info("ws.ping.fail", "err", err)
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				c.log.Info("ws.read.fail", "err", err)
			}
			cancel()
			<-heartbeatDone
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame: subscription acks resolve waiters,
// comment events go to the topic handler, everything else is logged.
func (c *Client) dispatch(data []byte) {
	var env syncv1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("ws.frame.malformed", "err", err)
		return
	}

	switch env.Type {
	case syncv1.TypeTopicSubscribed:
		c.resolveAck(env.Topic, nil)

	case syncv1.TypeError:
		var p syncv1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if env.Topic != "" {
			c.resolveAck(env.Topic, fmt.Errorf("wstransport: broker error %s: %s", p.Code, p.Message))
			return
		}
		c.log.Warn("ws.broker.error", "code", p.Code, "message", p.Message)

	case syncv1.TypeCommentCreated, syncv1.TypeCommentUpdated, syncv1.TypeCommentDeleted:
		c.mu.Lock()
		h := c.handlers[env.Topic]
		c.mu.Unlock()
		if h != nil {
			h(env.Topic, data)
		}

	default:
		c.log.Debug("ws.frame.ignored", "type", env.Type)
	}
}

func (c *Client) resolveAck(topic string, err error) {
	c.mu.Lock()
	ack := c.ackWait[topic]
	delete(c.ackWait, topic)
	c.mu.Unlock()

	if ack != nil {
		ack <- err
	}
}

func (c *Client) setState(s commentsync.ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	obs := make([]func(commentsync.ConnState), 0, len(c.observers))
	for _, fn := range c.observers {
		obs = append(obs, fn)
	}
	c.mu.Unlock()

	for _, fn := range obs {
		fn(s)
	}
}

// ---- envelope IO ----

func (c *Client) writeEnvelope(ctx context.Context, typ, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	env := syncv1.Envelope{
		V:       syncv1.Version,
		Type:    typ,
		ID:      newEnvelopeID(time.Now().UTC()),
		Topic:   topic,
		TS:      time.Now().UTC(),
		Payload: body,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, data)
}

func (c *Client) writeRaw(parent context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("wstransport: not connected")
	}

	ctx, cancel := context.WithTimeout(parent, c.opts.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// backoffDelay returns base * 2^attempt with ±20% jitter, capped at ceil.
func backoffDelay(attempt int, base, ceil time.Duration) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > ceil {
		d = ceil
	}

	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	jitter := time.Duration(mrand.Int64N(span))
	if mrand.IntN(2) == 0 {
		return d - jitter
	}
	return d + jitter
}

func newEnvelopeID(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ""
	}
	return id.String()
}

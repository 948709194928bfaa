package commentsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// Grace delay before tearing down a zero-ref subscription, absorbing rapid
	// remount/unmount during navigation without subscribe/unsubscribe thrash.
	defaultReleaseGrace = 2 * time.Second

	resubscribeTimeout = 10 * time.Second
)

// SubscriptionManager owns one logical subscription per displayed content
// item, multiplexed over a single Transport. It is the only component that
// calls Subscribe/Unsubscribe, and it serializes the mount/unmount lifecycle
// under one mutex so rapid remounts can never produce duplicate entries.
// Reconnect resubscribes run outside the mutex and rely on the broker
// treating a repeated subscribe for the same topic as idempotent.
type SubscriptionManager struct {
	log       *slog.Logger
	transport Transport
	grace     time.Duration

	mu          sync.Mutex
	entries     map[string]*subEntry
	closed      bool
	cancelState func()
}

type subEntry struct {
	topic        string
	refs         int
	rec          *reconciler
	subscribed   bool
	releaseTimer *time.Timer
}

// SubscriptionHandle is the caller's reference to an acquired subscription.
type SubscriptionHandle struct {
	topic string
	rec   *reconciler
}

// Topic returns the resolved topic this handle is bound to.
func (h *SubscriptionHandle) Topic() string { return h.topic }

// NewSubscriptionManager constructs a manager bound to one Transport and
// starts observing its connection state.
func NewSubscriptionManager(log *slog.Logger, transport Transport, grace time.Duration) *SubscriptionManager {
	if grace <= 0 {
		grace = defaultReleaseGrace
	}

	m := &SubscriptionManager{
		log:       log,
		transport: transport,
		grace:     grace,
		entries:   make(map[string]*subEntry),
	}
	m.cancelState = transport.StateChanges(m.onConnState)
	return m
}

// Acquire returns a handle for topic, creating the reconciler and the
// transport subscription on first use and bumping the refcount otherwise.
//
// A transport-level subscribe failure is returned wrapped in
// ErrSubscriptionFailed but the handle is still valid: the topic degrades to
// snapshot-only and is resubscribed on the next connected transition.
func (m *SubscriptionManager) Acquire(ctx context.Context, topic string, factory func() *reconciler) (*SubscriptionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrDetached
	}

	e, ok := m.entries[topic]
	if !ok {
		e = &subEntry{topic: topic, rec: factory()}
		m.entries[topic] = e
	}

	e.refs++
	if e.releaseTimer != nil {
		e.releaseTimer.Stop()
		e.releaseTimer = nil
	}

	handle := &SubscriptionHandle{topic: topic, rec: e.rec}

	if !e.subscribed {
		if err := m.transport.Subscribe(ctx, topic, e.rec.HandleRaw); err != nil {
			e.rec.MarkDegraded()
			m.log.Warn("sub.acquire.degraded", "topic", topic, "err", err)
			return handle, fmt.Errorf("%w: %v", ErrSubscriptionFailed, err)
		}
		e.subscribed = true
	}

	m.log.Debug("sub.acquire", "topic", topic, "refs", e.refs)
	return handle, nil
}

// Release decrements the handle's refcount. When it reaches zero the
// underlying subscription is torn down after the grace delay.
func (m *SubscriptionManager) Release(h *SubscriptionHandle) {
	if h == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[h.topic]
	if !ok {
		return
	}

	e.refs--
	m.log.Debug("sub.release", "topic", h.topic, "refs", e.refs)
	if e.refs > 0 {
		return
	}

	topic := h.topic
	e.releaseTimer = time.AfterFunc(m.grace, func() {
		m.finalizeRelease(topic)
	})
}

func (m *SubscriptionManager) finalizeRelease(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[topic]
	if !ok || e.refs > 0 || m.closed {
		return
	}
	delete(m.entries, topic)

	if e.subscribed {
		ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
		if err := m.transport.Unsubscribe(ctx, topic); err != nil {
			m.log.Warn("sub.unsubscribe.fail", "topic", topic, "err", err)
		}
		cancel()
	}
	e.rec.Stop()
	m.log.Debug("sub.teardown", "topic", topic)
}

// Close tears down every subscription and stops observing the transport.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	if m.cancelState != nil {
		m.cancelState()
	}

	for topic, e := range m.entries {
		if e.releaseTimer != nil {
			e.releaseTimer.Stop()
		}
		if e.subscribed {
			ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
			_ = m.transport.Unsubscribe(ctx, topic)
			cancel()
		}
		e.rec.Stop()
		delete(m.entries, topic)
	}
}

// onConnState reacts to transport transitions: a disconnect degrades every
// live topic, a (re)connect resubscribes them and signals a possible gap.
func (m *SubscriptionManager) onConnState(s ConnState) {
	switch s {
	case ConnDisconnected:
		m.mu.Lock()
		for _, e := range m.entries {
			e.subscribed = false
			e.rec.MarkDegraded()
		}
		m.mu.Unlock()

	case ConnConnected:
		go m.resubscribeAll()
	}
}

// resubscribeAll re-establishes every referenced topic after a reconnect.
// Wire subscribes wait for a server ack, so they run outside the mutex:
// holding it across the whole loop would block Acquire and Release for the
// duration of the round trips.
func (m *SubscriptionManager) resubscribeAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	type subWork struct {
		topic string
		rec   *reconciler
	}
	work := make([]subWork, 0, len(m.entries))
	for topic, e := range m.entries {
		if e.refs > 0 {
			work = append(work, subWork{topic: topic, rec: e.rec})
		}
	}
	m.mu.Unlock()

	for _, w := range work {
		ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
		err := m.transport.Subscribe(ctx, w.topic, w.rec.HandleRaw)
		cancel()

		// The entry may have been released or replaced while the subscribe was
		// in flight; only an entry still owning this reconciler is updated.
		m.mu.Lock()
		e, ok := m.entries[w.topic]
		live := ok && !m.closed && e.rec == w.rec

		if err != nil {
			if live {
				e.subscribed = false
			}
			m.mu.Unlock()
			m.log.Warn("sub.resubscribe.fail", "topic", w.topic, "err", err)
			continue
		}

		if !live {
			m.mu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
			if uerr := m.transport.Unsubscribe(ctx, w.topic); uerr != nil {
				m.log.Warn("sub.unsubscribe.fail", "topic", w.topic, "err", uerr)
			}
			cancel()
			continue
		}

		e.subscribed = true
		m.mu.Unlock()

		w.rec.MarkResubscribed()
		m.log.Info("sub.resubscribe", "topic", w.topic)
	}
}

package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type memEntry struct {
	value   []byte
	expires time.Time // zero: never
}

// Memory is the in-process backend. Publish invokes every handler of the
// channel synchronously in subscription order; a failing or panicking handler
// is logged and skipped.
//
// All methods are safe for concurrent use. Handlers may subscribe or
// unsubscribe from inside a handler.
type Memory struct {
	now func() time.Time

	kvMu sync.Mutex
	kv   map[string]memEntry

	subMu    sync.RWMutex
	handlers map[string][]Handler
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		kv:       make(map[string]memEntry),
		handlers: make(map[string][]Handler),
	}
}

// Get implements [KeyValue]. Expired entries are removed lazily.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.kvMu.Lock()
	defer m.kvMu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.kv, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set implements [KeyValue].
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.kvMu.Lock()
	m.kv[key] = e
	m.kvMu.Unlock()
	return nil
}

// Del implements [KeyValue].
func (m *Memory) Del(_ context.Context, key string) error {
	m.kvMu.Lock()
	delete(m.kv, key)
	m.kvMu.Unlock()
	return nil
}

// Publish implements [PubSub]. It returns after every handler has run.
func (m *Memory) Publish(ctx context.Context, channel string, msg []byte) error {
	m.subMu.RLock()
	snapshot := m.handlers[channel]
	m.subMu.RUnlock()

	for _, h := range snapshot {
		m.deliver(ctx, channel, h, msg)
	}
	return nil
}

func (m *Memory) deliver(ctx context.Context, channel string, h Handler, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fabric: handler panicked", "channel", channel, "panic", fmt.Sprint(r))
		}
	}()
	if err := h.HandleMessage(ctx, channel, msg); err != nil {
		slog.Warn("fabric: handler failed", "channel", channel, "err", err)
	}
}

// Subscribe implements [PubSub]. Subscribing an already registered handler is
// a no-op.
func (m *Memory) Subscribe(_ context.Context, channel string, h Handler) error {
	if h == nil {
		return fmt.Errorf("fabric: subscribe %q: nil handler", channel)
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, existing := range m.handlers[channel] {
		if existing == h {
			return nil
		}
	}
	// Copy on write so a concurrent Publish keeps iterating its snapshot.
	hs := m.handlers[channel]
	next := make([]Handler, len(hs), len(hs)+1)
	copy(next, hs)
	m.handlers[channel] = append(next, h)
	return nil
}

// Unsubscribe implements [PubSub]. Removing an unknown handler is a no-op.
func (m *Memory) Unsubscribe(_ context.Context, channel string, h Handler) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	hs := m.handlers[channel]
	next := make([]Handler, 0, len(hs))
	for _, existing := range hs {
		if existing != h {
			next = append(next, existing)
		}
	}
	if len(next) == 0 {
		delete(m.handlers, channel)
		return nil
	}
	m.handlers[channel] = next
	return nil
}

// Subscribers returns the number of handlers registered on channel.
func (m *Memory) Subscribers(channel string) int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.handlers[channel])
}

// Close drops all keys and handlers.
func (m *Memory) Close() error {
	m.kvMu.Lock()
	m.kv = make(map[string]memEntry)
	m.kvMu.Unlock()
	m.subMu.Lock()
	m.handlers = make(map[string][]Handler)
	m.subMu.Unlock()
	return nil
}

var _ Fabric = (*Memory)(nil)

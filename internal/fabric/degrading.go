package fabric

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Degrading uses a [Remote] backend until it fails once, then serves every
// later call from a local [Memory] for the rest of the process lifetime.
// Errors caused by the caller's context being canceled or expired are
// returned without degrading.
// It never switches back: mixing remote and local delivery would split
// subscribers across two brokers.
//
// Handlers are always registered on the local registry. While healthy, the
// first local handler on a channel opens a remote subscription whose messages
// are fanned out locally; removing the last handler closes it again.
//
// All methods are safe for concurrent use.
type Degrading struct {
	remote   Remote
	local    *Memory
	degraded atomic.Bool
	once     sync.Once

	// mu guards listening and serialises remote (un)listen per channel.
	mu        sync.Mutex
	listening map[string]bool
}

// NewDegrading wraps remote. If remote is nil or does not answer a ping, the
// result starts degraded.
func NewDegrading(ctx context.Context, remote Remote) *Degrading {
	d := &Degrading{
		remote:    remote,
		local:     NewMemory(),
		listening: make(map[string]bool),
	}
	if remote == nil {
		d.degraded.Store(true)
		return d
	}
	if err := remote.Ping(ctx); err != nil {
		d.degrade("ping", err)
	}
	return d
}

// IsDegraded reports whether the in-memory backend is in use.
func (d *Degrading) IsDegraded() bool {
	return d.degraded.Load()
}

func (d *Degrading) degrade(op string, err error) {
	d.once.Do(func() {
		d.degraded.Store(true)
		slog.Warn("fabric: distributed backend unavailable, switching to in-memory mode",
			"op", op,
			"err", err,
		)
		d.mu.Lock()
		d.listening = make(map[string]bool)
		d.mu.Unlock()
		// Drops the remote subscriptions so no message arrives through both paths.
		if cerr := d.remote.Close(); cerr != nil {
			slog.Debug("fabric: close distributed backend", "err", cerr)
		}
	})
}

// fail handles a remote error. An error caused by the caller's own context
// is returned as is; anything else degrades the fabric and the operation
// falls back to the local backend.
func (d *Degrading) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	d.degrade(op, err)
	return nil
}

// Get implements [KeyValue].
func (d *Degrading) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !d.degraded.Load() {
		v, ok, err := d.remote.Get(ctx, key)
		if err == nil {
			return v, ok, nil
		}
		if err := d.fail(ctx, "get", err); err != nil {
			return nil, false, err
		}
	}
	return d.local.Get(ctx, key)
}

// Set implements [KeyValue].
func (d *Degrading) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !d.degraded.Load() {
		err := d.remote.Set(ctx, key, value, ttl)
		if err == nil {
			return nil
		}
		if err := d.fail(ctx, "set", err); err != nil {
			return err
		}
	}
	return d.local.Set(ctx, key, value, ttl)
}

// Del implements [KeyValue].
func (d *Degrading) Del(ctx context.Context, key string) error {
	if !d.degraded.Load() {
		err := d.remote.Del(ctx, key)
		if err == nil {
			return nil
		}
		if err := d.fail(ctx, "del", err); err != nil {
			return err
		}
	}
	return d.local.Del(ctx, key)
}

// Publish implements [PubSub]. While healthy, local handlers receive the
// message through the remote subscription like every other instance does.
func (d *Degrading) Publish(ctx context.Context, channel string, msg []byte) error {
	if !d.degraded.Load() {
		err := d.remote.Publish(ctx, channel, msg)
		if err == nil {
			return nil
		}
		if err := d.fail(ctx, "publish", err); err != nil {
			return err
		}
	}
	return d.local.Publish(ctx, channel, msg)
}

// Subscribe implements [PubSub]. The handler is registered locally even when
// the remote subscription fails.
func (d *Degrading) Subscribe(ctx context.Context, channel string, h Handler) error {
	if err := d.local.Subscribe(ctx, channel, h); err != nil {
		return err
	}
	if d.degraded.Load() {
		return nil
	}

	d.mu.Lock()
	if d.listening[channel] {
		d.mu.Unlock()
		return nil
	}
	err := d.remote.Listen(ctx, channel, func(msg []byte) {
		if d.degraded.Load() {
			return
		}
		_ = d.local.Publish(context.Background(), channel, msg)
	})
	if err == nil {
		d.listening[channel] = true
	}
	d.mu.Unlock()

	if err != nil {
		if err := d.fail(ctx, "subscribe", err); err != nil {
			_ = d.local.Unsubscribe(context.WithoutCancel(ctx), channel, h)
			return err
		}
	}
	return nil
}

// Unsubscribe implements [PubSub].
func (d *Degrading) Unsubscribe(ctx context.Context, channel string, h Handler) error {
	if err := d.local.Unsubscribe(ctx, channel, h); err != nil {
		return err
	}
	if d.degraded.Load() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.listening[channel] || d.local.Subscribers(channel) > 0 {
		return nil
	}
	delete(d.listening, channel)
	if err := d.remote.Unlisten(ctx, channel); err != nil {
		slog.Warn("fabric: remote unsubscribe failed", "channel", channel, "err", err)
	}
	return nil
}

// Close releases both backends.
func (d *Degrading) Close() error {
	var err error
	if d.remote != nil && !d.degraded.Load() {
		err = d.remote.Close()
	}
	_ = d.local.Close()
	return err
}

var _ Fabric = (*Degrading)(nil)

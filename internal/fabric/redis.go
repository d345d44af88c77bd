package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Remote is a distributed backend. Messages received on a listened channel are
// handed to the deliver callback; local fan-out is left to the caller.
type Remote interface {
	KeyValue
	Publish(ctx context.Context, channel string, msg []byte) error
	Listen(ctx context.Context, channel string, deliver func(msg []byte)) error
	Unlisten(ctx context.Context, channel string) error
	Ping(ctx context.Context) error
	Close() error
}

// Redis is a [Remote] backed by a go-redis client. Each listened channel
// owns a dedicated subscription connection.
type Redis struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redis.PubSub

	closeOnce sync.Once
	closeErr  error
}

// NewRedis parses a redis:// URL and returns a backend for it. No connection
// is made until the first command.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("fabric: parse redis url: %w", err)
	}
	return NewRedisFromClient(redis.NewClient(opts)), nil
}

// NewRedisFromClient wraps an existing client. Close closes the client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client, subs: make(map[string]*redis.PubSub)}
}

// Get implements [KeyValue].
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fabric: redis get %q: %w", key, err)
	}
	return b, true, nil
}

// Set implements [KeyValue].
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("fabric: redis set %q: %w", key, err)
	}
	return nil
}

// Del implements [KeyValue].
func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("fabric: redis del %q: %w", key, err)
	}
	return nil
}

// Publish sends msg as a text payload.
func (r *Redis) Publish(ctx context.Context, channel string, msg []byte) error {
	if err := r.client.Publish(ctx, channel, string(msg)).Err(); err != nil {
		return fmt.Errorf("fabric: redis publish %q: %w", channel, err)
	}
	return nil
}

// Listen opens a subscription for channel and calls deliver for every message
// from a dedicated goroutine, in order. Listening twice is a no-op.
func (r *Redis) Listen(ctx context.Context, channel string, deliver func(msg []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[channel]; ok {
		return nil
	}

	ps := r.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so failures surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("fabric: redis subscribe %q: %w", channel, err)
	}
	r.subs[channel] = ps

	go func() {
		for m := range ps.Channel() {
			deliver([]byte(m.Payload))
		}
		slog.Debug("fabric: redis subscription closed", "channel", channel)
	}()
	return nil
}

// Unlisten closes the subscription for channel, if any.
func (r *Redis) Unlisten(_ context.Context, channel string) error {
	r.mu.Lock()
	ps, ok := r.subs[channel]
	delete(r.subs, channel)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := ps.Close(); err != nil {
		return fmt.Errorf("fabric: redis unsubscribe %q: %w", channel, err)
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes every subscription and the client. Safe to call more than once.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		subs := r.subs
		r.subs = make(map[string]*redis.PubSub)
		r.mu.Unlock()

		var errs []error
		for _, ps := range subs {
			errs = append(errs, ps.Close())
		}
		errs = append(errs, r.client.Close())
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

var _ Remote = (*Redis)(nil)

// Package fabric provides the key/value and publish/subscribe layer shared by
// every call on this instance.
//
// Two backends exist: [Memory], an in-process map plus handler registry, and
// [Redis], a distributed backend. [Degrading] combines them: it uses the
// distributed backend until the first failure and then switches to the
// in-memory backend for the rest of the process lifetime. Handlers are always
// registered locally so they survive the switch.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Handler receives messages published on a channel.
//
// Handlers are compared by identity: subscribing the same Handler twice to one
// channel delivers each message once. Use [NewHandler] to wrap a function.
type Handler interface {
	HandleMessage(ctx context.Context, channel string, msg []byte) error
}

type funcHandler struct {
	fn func(ctx context.Context, channel string, msg []byte) error
}

func (h *funcHandler) HandleMessage(ctx context.Context, channel string, msg []byte) error {
	return h.fn(ctx, channel, msg)
}

// NewHandler wraps fn in a Handler with a stable identity. Keep the returned
// value to unsubscribe later; wrapping the same function twice yields two
// distinct handlers.
func NewHandler(fn func(ctx context.Context, channel string, msg []byte) error) Handler {
	return &funcHandler{fn: fn}
}

// KeyValue is a byte-oriented cache with per-key expiry.
type KeyValue interface {
	// Get returns the value for key. ok is false when the key is absent or
	// expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error
}

// PubSub fans messages out to channel subscribers.
type PubSub interface {
	Publish(ctx context.Context, channel string, msg []byte) error
	Subscribe(ctx context.Context, channel string, h Handler) error
	Unsubscribe(ctx context.Context, channel string, h Handler) error
}

// Fabric is the combined capability consumed by the session store and the
// gateway.
type Fabric interface {
	KeyValue
	PubSub
	Close() error
}

// GetJSON reads key and decodes it into a T. ok is false when the key is
// absent.
func GetJSON[T any](ctx context.Context, kv KeyValue, key string) (v T, ok bool, err error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("fabric: decode %q: %w", key, err)
	}
	return v, true, nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON(ctx context.Context, kv KeyValue, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fabric: encode %q: %w", key, err)
	}
	return kv.Set(ctx, key, raw, ttl)
}

// PublishJSON encodes v as JSON and publishes it on channel.
func PublishJSON(ctx context.Context, ps PubSub, channel string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fabric: encode message for %q: %w", channel, err)
	}
	return ps.Publish(ctx, channel, raw)
}

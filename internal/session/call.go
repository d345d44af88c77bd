package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/salescoach/internal/fabric"
	"github.com/MrWong99/salescoach/pkg/calls"
)

// cacheWriteTimeout bounds a session write. It is longer than the Redis
// client's own network timeouts so a stuck backend surfaces as its error.
const cacheWriteTimeout = 5 * time.Second

// ErrUnchanged may be returned by an [Call.Update] callback to signal that it
// left the session untouched. Update then skips the cache write and returns
// nil.
var ErrUnchanged = errors.New("session: unchanged")

// Call is the live handle of one in-progress call. All connections attached to
// the same call share one handle.
type Call struct {
	store  *Store
	script *calls.Script

	mu    sync.Mutex
	sess  CallSession
	ended bool

	// refs is guarded by store.mu.
	refs int
}

// ID returns the call id.
func (c *Call) ID() string {
	return c.sess.CallID
}

// Script returns the script the call runs on. The value is shared and must
// not be modified.
func (c *Call) Script() *calls.Script {
	return c.script
}

// Snapshot returns a deep copy of the current session.
func (c *Call) Snapshot() CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Clone()
}

// Update runs fn with exclusive access to the session and then writes the
// session to the cache. fn must leave the session untouched when it returns
// an error. Returning [ErrUnchanged] skips the write.
//
// Cache write failures are logged, not returned: the in-process state stays
// authoritative.
func (c *Call) Update(ctx context.Context, fn func(*CallSession) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := fn(&c.sess); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return nil
		}
		return err
	}
	if c.ended {
		return nil
	}
	c.persistLocked(ctx)
	return nil
}

// persistLocked writes the session blob. c.mu must be held. The write
// outlives the caller's context: a seller disconnecting mid-update must not
// leave the cache behind the in-process state.
func (c *Call) persistLocked(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()
	err := fabric.SetJSON(ctx, c.store.kv, fabric.SessionKey(c.sess.CallID), c.sess, c.store.sessionTTL)
	if err != nil {
		slog.Warn("session: cache write failed", "call_id", c.sess.CallID, "err", err)
	}
}

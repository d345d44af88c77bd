package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/salescoach/pkg/calls"
)

// defaultCheckpointInterval is the default period between checkpoint ticks.
const defaultCheckpointInterval = time.Minute

// Checkpointer periodically copies the transcripts of live calls to the
// durable repository. The cache already holds every mutation; checkpoints bound
// how much transcript is lost when the cache itself goes away.
//
// All methods are safe for concurrent use.
type Checkpointer struct {
	store    *Store
	repo     calls.Repository
	interval time.Duration

	mu sync.Mutex
	// saved tracks how many entries of each call have been written, to skip
	// calls without new speech.
	saved    map[string]int
	done     chan struct{}
	stopOnce sync.Once
}

// NewCheckpointer creates a Checkpointer for the live calls of store.
// A non-positive interval defaults to one minute.
func NewCheckpointer(store *Store, interval time.Duration) *Checkpointer {
	if interval <= 0 {
		interval = defaultCheckpointInterval
	}
	return &Checkpointer{
		store:    store,
		repo:     store.repo,
		interval: interval,
		saved:    make(map[string]int),
		done:     make(chan struct{}),
	}
}

// Start begins periodic checkpoints in a background goroutine. The goroutine
// runs until [Checkpointer.Stop] is called or ctx is cancelled.
func (c *Checkpointer) Start(ctx context.Context) {
	go c.loop(ctx)
}

// Stop halts the checkpoint loop. Safe to call multiple times.
func (c *Checkpointer) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// CheckpointNow writes the transcript of every live call that grew since its
// last checkpoint.
func (c *Checkpointer) CheckpointNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint(ctx)
}

func (c *Checkpointer) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.CheckpointNow(ctx); err != nil {
				slog.Warn("periodic checkpoint failed", "error", err)
			}
		}
	}
}

// checkpoint must be called with c.mu held.
func (c *Checkpointer) checkpoint(ctx context.Context) error {
	live := c.store.Live()
	seen := make(map[string]bool, len(live))

	var errs []error
	for _, call := range live {
		snap := call.Snapshot()
		seen[snap.CallID] = true
		if len(snap.Transcript) <= c.saved[snap.CallID] {
			continue
		}
		if err := c.repo.SaveTranscript(ctx, snap.CallID, snap.Transcript); err != nil {
			// Keep going: a partial checkpoint is better than none.
			errs = append(errs, fmt.Errorf("checkpoint %q: %w", snap.CallID, err))
			continue
		}
		c.saved[snap.CallID] = len(snap.Transcript)
	}

	for id := range c.saved {
		if !seen[id] {
			delete(c.saved, id)
		}
	}
	return errors.Join(errs...)
}

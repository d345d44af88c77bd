// Package mock provides a calls.Repository test double.
//
// Repository stores records in an embedded calls.MemStore and lets tests
// inject errors for individual operations.
//
//	repo := mock.New()
//	repo.GetMetricErr = errors.New("db down")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/salescoach/pkg/calls"
	"github.com/MrWong99/salescoach/pkg/types"
)

// Repository is a mock implementation of calls.Repository.
type Repository struct {
	*calls.MemStore

	mu sync.Mutex

	// Injected errors; nil falls through to the embedded MemStore.
	CreateCallErr     error
	UpdateCallErr     error
	SaveTranscriptErr error
	GetMetricErr      error
	InsertSummaryErr  error

	// Recorded calls.
	CreateCalls         int
	UpdateCalls         int
	SaveTranscriptCalls int
	GetMetricCalls      int
}

// New returns a Repository with an empty MemStore.
func New() *Repository {
	return &Repository{MemStore: calls.NewMemStore()}
}

func (r *Repository) CreateCall(ctx context.Context, c *calls.Call) error {
	r.mu.Lock()
	r.CreateCalls++
	err := r.CreateCallErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.MemStore.CreateCall(ctx, c)
}

func (r *Repository) UpdateCall(ctx context.Context, c *calls.Call) error {
	r.mu.Lock()
	r.UpdateCalls++
	err := r.UpdateCallErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.MemStore.UpdateCall(ctx, c)
}

func (r *Repository) SaveTranscript(ctx context.Context, callID string, t []types.TranscriptEntry) error {
	r.mu.Lock()
	r.SaveTranscriptCalls++
	err := r.SaveTranscriptErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.MemStore.SaveTranscript(ctx, callID, t)
}

func (r *Repository) GetMetric(ctx context.Context, objectionID, scriptID string) (calls.Metric, error) {
	r.mu.Lock()
	r.GetMetricCalls++
	err := r.GetMetricErr
	r.mu.Unlock()
	if err != nil {
		return calls.Metric{}, err
	}
	return r.MemStore.GetMetric(ctx, objectionID, scriptID)
}

func (r *Repository) InsertSummary(ctx context.Context, s *calls.Summary) error {
	r.mu.Lock()
	err := r.InsertSummaryErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.MemStore.InsertSummary(ctx, s)
}

// Counts returns the recorded call counters under the lock.
func (r *Repository) Counts() (create, update, saveTranscript, getMetric int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CreateCalls, r.UpdateCalls, r.SaveTranscriptCalls, r.GetMetricCalls
}

var _ calls.Repository = (*Repository)(nil)

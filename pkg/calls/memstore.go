package calls

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/salescoach/pkg/types"
)

type metricKey struct{ objectionID, scriptID string }

// MemStore is an in-memory [Repository]. Records are copied on the way in and
// out so callers cannot mutate stored state.
type MemStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	profiles  map[string]Profile
	scripts   map[string]Script
	calls     map[string]Call
	summaries []Summary
	metrics   map[metricKey]Metric
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		now:      time.Now,
		profiles: make(map[string]Profile),
		scripts:  make(map[string]Script),
		calls:    make(map[string]Call),
		metrics:  make(map[metricKey]Metric),
	}
}

// PutProfile adds or replaces a profile.
func (s *MemStore) PutProfile(p Profile) {
	s.mu.Lock()
	s.profiles[p.UserID] = p
	s.mu.Unlock()
}

// PutScript adds or replaces a script.
func (s *MemStore) PutScript(sc Script) {
	s.mu.Lock()
	s.scripts[sc.ID] = cloneScript(sc)
	s.mu.Unlock()
}

// Summaries returns every inserted summary in insertion order.
func (s *MemStore) Summaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.summaries)
}

func (s *MemStore) GetProfile(_ context.Context, userID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("calls: profile %q: %w", userID, ErrNotFound)
	}
	return &p, nil
}

func (s *MemStore) GetScript(_ context.Context, scriptID string) (*Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[scriptID]
	if !ok {
		return nil, fmt.Errorf("calls: script %q: %w", scriptID, ErrNotFound)
	}
	out := cloneScript(sc)
	return &out, nil
}

func (s *MemStore) CreateCall(_ context.Context, c *Call) error {
	if c.ID == "" {
		return fmt.Errorf("calls: create call: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[c.ID]; exists {
		return fmt.Errorf("calls: call %q already exists", c.ID)
	}
	now := s.now()
	if c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	s.calls[c.ID] = cloneCall(*c)
	return nil
}

func (s *MemStore) GetCall(_ context.Context, callID string) (*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil, fmt.Errorf("calls: call %q: %w", callID, ErrNotFound)
	}
	out := cloneCall(c)
	return &out, nil
}

func (s *MemStore) FindByExternalID(_ context.Context, userID, externalID string) (*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Call
	for _, c := range s.calls {
		if c.UserID != userID || c.ExternalID != externalID || externalID == "" {
			continue
		}
		if best == nil || c.StartedAt.After(best.StartedAt) {
			cc := c
			best = &cc
		}
	}
	if best == nil {
		return nil, fmt.Errorf("calls: call with external id %q: %w", externalID, ErrNotFound)
	}
	out := cloneCall(*best)
	return &out, nil
}

func (s *MemStore) RecentActiveCall(_ context.Context, userID string, since time.Time) (*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Call
	for _, c := range s.calls {
		if c.UserID != userID || c.Status != StatusActive || c.StartedAt.Before(since) {
			continue
		}
		if best == nil || c.StartedAt.After(best.StartedAt) {
			cc := c
			best = &cc
		}
	}
	if best == nil {
		return nil, fmt.Errorf("calls: recent active call for %q: %w", userID, ErrNotFound)
	}
	out := cloneCall(*best)
	return &out, nil
}

func (s *MemStore) UpdateCall(_ context.Context, c *Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.calls[c.ID]
	if !ok {
		return fmt.Errorf("calls: update call %q: %w", c.ID, ErrNotFound)
	}
	stored.Status = c.Status
	stored.LeadName = c.LeadName
	stored.Transcript = slices.Clone(c.Transcript)
	stored.EndedAt = c.EndedAt
	stored.UpdatedAt = s.now()
	c.UpdatedAt = stored.UpdatedAt
	s.calls[c.ID] = stored
	return nil
}

func (s *MemStore) SaveTranscript(_ context.Context, callID string, transcript []types.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("calls: save transcript %q: %w", callID, ErrNotFound)
	}
	stored.Transcript = slices.Clone(transcript)
	stored.UpdatedAt = s.now()
	s.calls[callID] = stored
	return nil
}

func (s *MemStore) InsertSummary(_ context.Context, sum *Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = s.now()
	}
	cp := *sum
	cp.Strengths = slices.Clone(sum.Strengths)
	cp.Improvements = slices.Clone(sum.Improvements)
	cp.Objections = slices.Clone(sum.Objections)
	s.summaries = append(s.summaries, cp)
	return nil
}

func (s *MemStore) GetMetric(_ context.Context, objectionID, scriptID string) (Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[metricKey{objectionID, scriptID}]
	if !ok {
		return Metric{ObjectionID: objectionID, ScriptID: scriptID}, nil
	}
	return m, nil
}

func (s *MemStore) RecordObjectionOutcome(_ context.Context, objectionID, scriptID string, converted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := metricKey{objectionID, scriptID}
	m := s.metrics[k]
	m.ObjectionID, m.ScriptID = objectionID, scriptID
	if converted {
		m.Converted++
	} else {
		m.Lost++
	}
	s.metrics[k] = m
	return nil
}

func cloneCall(c Call) Call {
	c.Transcript = slices.Clone(c.Transcript)
	return c
}

func cloneScript(sc Script) Script {
	sc.Steps = slices.Clone(sc.Steps)
	objs := make([]types.Objection, len(sc.Objections))
	for i, o := range sc.Objections {
		o.Triggers = slices.Clone(o.Triggers)
		objs[i] = o
	}
	sc.Objections = objs
	return sc
}

var _ Repository = (*MemStore)(nil)

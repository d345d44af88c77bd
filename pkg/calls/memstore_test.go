package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/salescoach/pkg/types"
)

func newTestStore(now time.Time) *MemStore {
	s := NewMemStore()
	s.now = func() time.Time { return now }
	return s
}

func TestMemStore_NotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	if _, err := s.GetProfile(ctx, "u"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProfile err = %v", err)
	}
	if _, err := s.GetScript(ctx, "s"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetScript err = %v", err)
	}
	if _, err := s.GetCall(ctx, "c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCall err = %v", err)
	}
	if _, err := s.FindByExternalID(ctx, "u", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByExternalID err = %v", err)
	}
	if err := s.UpdateCall(ctx, &Call{ID: "c"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateCall err = %v", err)
	}
}

func TestMemStore_CreateDefaults(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newTestStore(now)
	c := &Call{ID: "c1", UserID: "u1"}
	if err := s.CreateCall(context.Background(), c); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if c.Status != StatusActive || !c.StartedAt.Equal(now) {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if err := s.CreateCall(context.Background(), c); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestMemStore_RecentActiveCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newTestStore(now)

	_ = s.CreateCall(ctx, &Call{ID: "old", UserID: "u", StartedAt: now.Add(-2 * time.Hour)})
	_ = s.CreateCall(ctx, &Call{ID: "done", UserID: "u", StartedAt: now.Add(-5 * time.Minute), Status: StatusCompleted})
	_ = s.CreateCall(ctx, &Call{ID: "a", UserID: "u", StartedAt: now.Add(-30 * time.Minute)})
	_ = s.CreateCall(ctx, &Call{ID: "b", UserID: "u", StartedAt: now.Add(-10 * time.Minute)})
	_ = s.CreateCall(ctx, &Call{ID: "other", UserID: "v", StartedAt: now})

	c, err := s.RecentActiveCall(ctx, "u", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentActiveCall: %v", err)
	}
	if c.ID != "b" {
		t.Fatalf("got %q, want b", c.ID)
	}
	if _, err := s.RecentActiveCall(ctx, "u", now.Add(-time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemStore_UpdateAndCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	_ = s.CreateCall(ctx, &Call{ID: "c", UserID: "u", ExternalID: "meet-1"})

	c, _ := s.FindByExternalID(ctx, "u", "meet-1")
	c.Transcript = append(c.Transcript, types.TranscriptEntry{Text: "olá", Role: types.RoleSeller})
	c.Status = StatusCompleted
	c.LeadName = "Ana"

	stored, _ := s.GetCall(ctx, "c")
	if len(stored.Transcript) != 0 {
		t.Fatal("mutation leaked into the store before UpdateCall")
	}
	if err := s.UpdateCall(ctx, c); err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}
	stored, _ = s.GetCall(ctx, "c")
	if stored.Status != StatusCompleted || stored.LeadName != "Ana" || len(stored.Transcript) != 1 {
		t.Fatalf("stored = %+v", stored)
	}

	if err := s.SaveTranscript(ctx, "c", nil); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	stored, _ = s.GetCall(ctx, "c")
	if len(stored.Transcript) != 0 || stored.Status != StatusCompleted {
		t.Fatalf("SaveTranscript touched more than the transcript: %+v", stored)
	}
}

func TestMemStore_Metrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	m, err := s.GetMetric(ctx, "o", "s")
	if err != nil {
		t.Fatalf("GetMetric: %v", err)
	}
	if _, ok := m.SuccessRate(); ok {
		t.Fatal("unrecorded metric must report no data")
	}

	_ = s.RecordObjectionOutcome(ctx, "o", "s", true)
	_ = s.RecordObjectionOutcome(ctx, "o", "s", true)
	_ = s.RecordObjectionOutcome(ctx, "o", "s", false)
	_ = s.RecordObjectionOutcome(ctx, "o", "other", false)

	m, _ = s.GetMetric(ctx, "o", "s")
	rate, ok := m.SuccessRate()
	if !ok || m.Converted != 2 || m.Lost != 1 {
		t.Fatalf("metric = %+v", m)
	}
	if rate < 0.66 || rate > 0.67 {
		t.Fatalf("rate = %v", rate)
	}
}

func TestMemStore_ScriptIsCopied(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	s.PutScript(Script{ID: "s", Objections: []types.Objection{{ID: "o", Triggers: []string{"caro"}}}})

	sc, _ := s.GetScript(ctx, "s")
	sc.Objections[0].Triggers[0] = "mutated"
	again, _ := s.GetScript(ctx, "s")
	if again.Objections[0].Triggers[0] != "caro" {
		t.Fatal("script mutated through returned value")
	}
}

func TestMemStore_Summaries(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	_ = s.InsertSummary(context.Background(), &Summary{CallID: "c", Outcome: OutcomeConverted})
	got := s.Summaries()
	if len(got) != 1 || got[0].CallID != "c" || got[0].CreatedAt.IsZero() {
		t.Fatalf("summaries = %+v", got)
	}
	if !got[0].Outcome.Converted() || OutcomeLost.Converted() {
		t.Fatal("Outcome.Converted mismatch")
	}
}

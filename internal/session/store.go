package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/salescoach/internal/fabric"
	"github.com/MrWong99/salescoach/pkg/calls"
)

const (
	// DefaultSessionTTL is how long a cached session survives without
	// mutations.
	DefaultSessionTTL = 4 * time.Hour

	// DefaultResumeWindow bounds how old an active call may be to be resumed
	// without a platform correlation id.
	DefaultResumeWindow = time.Hour
)

// Resolution tells how [Store.Start] obtained the session.
type Resolution int

const (
	// Created means a new durable call and a fresh session were created.
	Created Resolution = iota

	// Reused means a call with the same platform correlation id was found.
	Reused

	// Resumed means the user's recent active call was picked up from cache.
	Resumed
)

func (r Resolution) String() string {
	switch r {
	case Reused:
		return "reused"
	case Resumed:
		return "resumed"
	default:
		return "created"
	}
}

// StartRequest carries the fields of a call:start message plus the
// authenticated user.
type StartRequest struct {
	UserID     string
	ScriptID   string
	Platform   string
	LeadName   string
	ExternalID string
}

// Analyser produces the final analysis of a finished call.
type Analyser interface {
	Analyse(ctx context.Context, sess CallSession, script *calls.Script) (*calls.Summary, error)
}

// Store is the single writer of call state to the cache and the durable
// repository.
type Store struct {
	repo         calls.Repository
	kv           fabric.KeyValue
	analyser     Analyser
	sessionTTL   time.Duration
	resumeWindow time.Duration
	now          func() time.Time
	newID        func() string

	group singleflight.Group

	mu   sync.Mutex
	live map[string]*Call
}

// Option configures a Store.
type Option func(*Store)

// WithSessionTTL overrides [DefaultSessionTTL].
func WithSessionTTL(d time.Duration) Option {
	return func(s *Store) { s.sessionTTL = d }
}

// WithResumeWindow overrides [DefaultResumeWindow].
func WithResumeWindow(d time.Duration) Option {
	return func(s *Store) { s.resumeWindow = d }
}

// WithAnalyser sets the end-of-call analyser. Without one, End stores a
// summary with an unknown outcome.
func WithAnalyser(a Analyser) Option {
	return func(s *Store) { s.analyser = a }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the UUID call id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// NewStore creates a Store.
func NewStore(repo calls.Repository, kv fabric.KeyValue, opts ...Option) *Store {
	s := &Store{
		repo:         repo,
		kv:           kv,
		sessionTTL:   DefaultSessionTTL,
		resumeWindow: DefaultResumeWindow,
		now:          time.Now,
		newID:        uuid.NewString,
		live:         make(map[string]*Call),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start resolves the session for a call:start request. In order it tries the
// platform correlation id, then the user's most recent active call within the
// resume window that still has a cached session, and finally creates a new
// call. A non-empty LeadName is applied to whichever session results.
//
// A missing profile or script fails with an error wrapping
// [calls.ErrNotFound] and no call is created. The returned handle must be
// released with [Store.Release].
func (s *Store) Start(ctx context.Context, req StartRequest) (*Call, Resolution, error) {
	var (
		profile *calls.Profile
		script  *calls.Script
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.repo.GetProfile(gctx, req.UserID)
		if err != nil {
			return fmt.Errorf("session: start: load profile: %w", err)
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		sc, err := s.repo.GetScript(gctx, req.ScriptID)
		if err != nil {
			return fmt.Errorf("session: start: load script: %w", err)
		}
		script = sc
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, Created, err
	}

	call, res, err := s.resolve(ctx, req, profile, script)
	if err != nil {
		return nil, Created, err
	}

	if req.LeadName != "" {
		if err := s.SetLeadName(ctx, call, req.LeadName); err != nil {
			slog.Warn("session: apply buffered lead name", "call_id", call.ID(), "err", err)
		}
	}
	return call, res, nil
}

func (s *Store) resolve(ctx context.Context, req StartRequest, profile *calls.Profile, script *calls.Script) (*Call, Resolution, error) {
	if req.ExternalID != "" {
		rec, err := s.repo.FindByExternalID(ctx, req.UserID, req.ExternalID)
		switch {
		case err == nil:
			if rec.Status != calls.StatusActive {
				rec.Status = calls.StatusActive
				rec.EndedAt = time.Time{}
				if err := s.repo.UpdateCall(ctx, rec); err != nil {
					return nil, Created, fmt.Errorf("session: start: reactivate %q: %w", rec.ID, err)
				}
			}
			call, err := s.attach(ctx, rec, profile, script)
			return call, Reused, err
		case !errors.Is(err, calls.ErrNotFound):
			return nil, Created, fmt.Errorf("session: start: find by external id: %w", err)
		}
	}

	rec, err := s.repo.RecentActiveCall(ctx, req.UserID, s.now().Add(-s.resumeWindow))
	switch {
	case err == nil:
		if s.hasSession(ctx, rec.ID) {
			call, err := s.attach(ctx, rec, profile, script)
			return call, Resumed, err
		}
	case !errors.Is(err, calls.ErrNotFound):
		slog.Warn("session: recent active call lookup failed", "user_id", req.UserID, "err", err)
	}

	rec = &calls.Call{
		ID:         s.newID(),
		UserID:     req.UserID,
		ScriptID:   script.ID,
		Platform:   req.Platform,
		ExternalID: req.ExternalID,
		LeadName:   req.LeadName,
		Status:     calls.StatusActive,
		StartedAt:  s.now(),
	}
	if err := s.repo.CreateCall(ctx, rec); err != nil {
		return nil, Created, fmt.Errorf("session: start: create call: %w", err)
	}
	call, err := s.attach(ctx, rec, profile, script)
	return call, Created, err
}

// hasSession reports whether a live handle or a cached blob exists for callID.
func (s *Store) hasSession(ctx context.Context, callID string) bool {
	s.mu.Lock()
	_, ok := s.live[callID]
	s.mu.Unlock()
	if ok {
		return true
	}
	_, ok, err := s.kv.Get(ctx, fabric.SessionKey(callID))
	if err != nil {
		slog.Warn("session: cache lookup failed", "call_id", callID, "err", err)
	}
	return ok
}

// attach returns the shared live handle for rec, rehydrating it from the cache
// or the durable record when no handle exists. Concurrent attaches of one call
// share a single rehydration.
func (s *Store) attach(ctx context.Context, rec *calls.Call, profile *calls.Profile, requested *calls.Script) (*Call, error) {
	v, err, _ := s.group.Do(rec.ID, func() (any, error) {
		s.mu.Lock()
		c, ok := s.live[rec.ID]
		s.mu.Unlock()
		if ok {
			return c, nil
		}

		script := requested
		if rec.ScriptID != "" && rec.ScriptID != requested.ID {
			sc, err := s.repo.GetScript(ctx, rec.ScriptID)
			if err != nil {
				return nil, fmt.Errorf("session: load script of call %q: %w", rec.ID, err)
			}
			script = sc
		}

		sess, cached, err := fabric.GetJSON[CallSession](ctx, s.kv, fabric.SessionKey(rec.ID))
		if err != nil {
			slog.Warn("session: cached session unreadable, rebuilding", "call_id", rec.ID, "err", err)
		}
		if !cached {
			sess = CallSession{
				CallID:     rec.ID,
				UserID:     rec.UserID,
				ScriptID:   script.ID,
				Platform:   rec.Platform,
				ExternalID: rec.ExternalID,
				LeadName:   rec.LeadName,
				Transcript: rec.Transcript,
				StartedAt:  rec.StartedAt,
			}
		}
		sess.SellerName = profile.Name

		c = &Call{store: s, script: script, sess: sess}
		c.mu.Lock()
		c.persistLocked(ctx)
		c.mu.Unlock()

		s.mu.Lock()
		s.live[rec.ID] = c
		s.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	c := v.(*Call)
	s.mu.Lock()
	if cur, ok := s.live[rec.ID]; ok {
		c = cur
	} else {
		s.live[rec.ID] = c
	}
	c.refs++
	s.mu.Unlock()
	return c, nil
}

// Release drops one reference to c. The last release forgets the live handle;
// the cached session stays until its TTL so a reconnect can resume it.
func (s *Store) Release(c *Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.refs--
	if c.refs <= 0 && s.live[c.ID()] == c {
		delete(s.live, c.ID())
	}
}

// Live returns the handles of all calls currently attached to a connection.
func (s *Store) Live() []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Call, 0, len(s.live))
	for _, c := range s.live {
		out = append(out, c)
	}
	return out
}

// SetLeadName stores the counterpart display name on the session and the
// durable record. Later counterpart transcript entries use it as speaker.
func (s *Store) SetLeadName(ctx context.Context, c *Call, name string) error {
	err := c.Update(ctx, func(sess *CallSession) error {
		if sess.LeadName == name {
			return ErrUnchanged
		}
		sess.LeadName = name
		return nil
	})
	if err != nil {
		return err
	}
	snap := c.Snapshot()
	rec, err := s.repo.GetCall(ctx, snap.CallID)
	if err != nil {
		return fmt.Errorf("session: set lead name: %w", err)
	}
	if rec.LeadName == name {
		return nil
	}
	rec.LeadName = name
	if err := s.repo.UpdateCall(ctx, rec); err != nil {
		return fmt.Errorf("session: set lead name: %w", err)
	}
	return nil
}

// End finalises a call: it runs the final analysis, stores the summary,
// records objection outcomes, marks the durable record completed with the full
// transcript and deletes the cached session. Analysis and metric failures are
// logged; the call is still completed.
func (s *Store) End(ctx context.Context, c *Call) (*calls.Summary, error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil, fmt.Errorf("session: end %q: already ended", c.ID())
	}
	c.ended = true
	snap := c.sess.Clone()
	c.mu.Unlock()

	log := slog.With("call_id", snap.CallID, "user_id", snap.UserID)

	summary := s.analyse(ctx, snap, c.script)
	if err := s.repo.InsertSummary(ctx, summary); err != nil {
		log.Error("session: insert summary failed", "err", err)
	}

	if summary.Outcome == calls.OutcomeConverted || summary.Outcome == calls.OutcomeLost {
		for _, id := range snap.Objections {
			if err := s.repo.RecordObjectionOutcome(ctx, id, snap.ScriptID, summary.Outcome.Converted()); err != nil {
				log.Warn("session: record objection outcome failed", "objection_id", id, "err", err)
			}
		}
	}

	rec := &calls.Call{
		ID:         snap.CallID,
		Status:     calls.StatusCompleted,
		LeadName:   snap.LeadName,
		Transcript: snap.Transcript,
		EndedAt:    s.now(),
	}
	if err := s.repo.UpdateCall(ctx, rec); err != nil {
		return summary, fmt.Errorf("session: end %q: %w", snap.CallID, err)
	}

	if err := s.kv.Del(ctx, fabric.SessionKey(snap.CallID)); err != nil {
		log.Warn("session: cache delete failed", "err", err)
	}
	s.mu.Lock()
	if s.live[snap.CallID] == c {
		delete(s.live, snap.CallID)
	}
	s.mu.Unlock()

	log.Info("call ended", "outcome", summary.Outcome, "entries", len(snap.Transcript))
	return summary, nil
}

func (s *Store) analyse(ctx context.Context, snap CallSession, script *calls.Script) *calls.Summary {
	fallback := &calls.Summary{
		CallID:     snap.CallID,
		UserID:     snap.UserID,
		ScriptID:   snap.ScriptID,
		Outcome:    calls.OutcomeUnknown,
		Objections: snap.Objections,
	}
	if s.analyser == nil || len(snap.Transcript) == 0 {
		return fallback
	}
	sum, err := s.analyser.Analyse(ctx, snap, script)
	if err != nil {
		slog.Warn("session: final analysis failed", "call_id", snap.CallID, "err", err)
		return fallback
	}
	sum.CallID, sum.UserID, sum.ScriptID = snap.CallID, snap.UserID, snap.ScriptID
	sum.Objections = snap.Objections
	return sum
}

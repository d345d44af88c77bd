// Package gateway serves the realtime WebSocket endpoints.
//
// /ws/seller carries one call from the browser extension: call lifecycle
// messages, audio segments of the two channels and the media stream. Accepted
// transcript fragments and coaching events flow back on the same connection.
// /ws/manager lets a supervisor follow any call: it relays the call's
// transcript, media and live-summary channels and publishes whispers on the
// call's command channel.
//
// Connections talk to each other only through the [fabric.PubSub] channels
// of a call, so a seller and its managers may live on different instances.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/salescoach/internal/auth"
	"github.com/MrWong99/salescoach/internal/coach"
	"github.com/MrWong99/salescoach/internal/fabric"
	"github.com/MrWong99/salescoach/internal/health"
	"github.com/MrWong99/salescoach/internal/observe"
	"github.com/MrWong99/salescoach/internal/session"
	"github.com/MrWong99/salescoach/pkg/provider/stt"
)

const (
	// DefaultMediaHeaderTTL is how long a call's media header stays cached
	// for managers that join late.
	DefaultMediaHeaderTTL = 4 * time.Hour

	// DefaultSummaryTick is how often a seller connection asks the live
	// summariser whether a summary is due.
	DefaultSummaryTick = 5 * time.Second

	// DefaultQueueSize bounds the outbound queue of one connection.
	DefaultQueueSize = 256

	// DefaultSegmentQueue bounds the pending audio segments per channel.
	DefaultSegmentQueue = 16

	// DefaultReadLimit is the largest inbound message accepted. Audio
	// segments are a few seconds of compressed audio in base64.
	DefaultReadLimit = 4 << 20

	// DefaultTranscribeTimeout bounds one transcription request.
	DefaultTranscribeTimeout = 20 * time.Second

	defaultWriteTimeout = 5 * time.Second
)

// Deps are the collaborators of a [Server].
type Deps struct {
	Auth        auth.Authenticator
	Store       *session.Store
	Coach       *coach.Orchestrator
	Transcriber stt.Transcriber
	Fabric      fabric.Fabric

	// Summariser is optional; without it no live summaries are produced.
	Summariser *session.LiveSummariser

	// Health is optional; when set its endpoints are served too.
	Health *health.Handler

	Metrics *observe.Metrics
}

// Server owns the WebSocket endpoints and the connections accepted on them.
type Server struct {
	deps Deps

	language          string
	mediaHeaderTTL    time.Duration
	summaryTick       time.Duration
	queueSize         int
	segmentQueue      int
	readLimit         int64
	transcribeTimeout time.Duration
	originPatterns    []string
	now               func() time.Time

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLanguage sets the ISO-639-1 transcription language hint.
func WithLanguage(lang string) Option {
	return func(s *Server) { s.language = lang }
}

// WithMediaHeaderTTL overrides [DefaultMediaHeaderTTL].
func WithMediaHeaderTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.mediaHeaderTTL = d
		}
	}
}

// WithSummaryTick overrides [DefaultSummaryTick].
func WithSummaryTick(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.summaryTick = d
		}
	}
}

// WithQueueSize overrides [DefaultQueueSize].
func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithReadLimit overrides [DefaultReadLimit].
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithOriginPatterns allows cross-origin upgrades from the given host
// patterns, e.g. the extension origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server.
func New(deps Deps, opts ...Option) (*Server, error) {
	switch {
	case deps.Auth == nil:
		return nil, errors.New("gateway: authenticator is required")
	case deps.Store == nil:
		return nil, errors.New("gateway: session store is required")
	case deps.Coach == nil:
		return nil, errors.New("gateway: orchestrator is required")
	case deps.Transcriber == nil:
		return nil, errors.New("gateway: transcriber is required")
	case deps.Fabric == nil:
		return nil, errors.New("gateway: fabric is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	s := &Server{
		deps:              deps,
		mediaHeaderTTL:    DefaultMediaHeaderTTL,
		summaryTick:       DefaultSummaryTick,
		queueSize:         DefaultQueueSize,
		segmentQueue:      DefaultSegmentQueue,
		readLimit:         DefaultReadLimit,
		transcribeTimeout: DefaultTranscribeTimeout,
		now:               time.Now,
		conns:             make(map[*conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Handler returns the HTTP handler serving the WebSocket endpoints, the
// health endpoints when configured and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/seller", s.serveSeller)
	mux.HandleFunc("GET /ws/manager", s.serveManager)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	return observe.Middleware(s.deps.Metrics)(mux)
}

// Close closes every open connection with a going-away status and waits for
// their handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
	s.wg.Wait()
}

// accept upgrades the request and authenticates it. On failure the
// connection is closed with a policy violation and nil is returned.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, role string) (*conn, auth.Identity) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		slog.Debug("gateway: upgrade failed", "role", role, "err", err)
		return nil, auth.Identity{}
	}
	ws.SetReadLimit(s.readLimit)

	id, err := s.deps.Auth.Authenticate(r)
	if err != nil {
		slog.Info("gateway: rejected connection", "role", role, "remote", r.RemoteAddr, "err", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "unauthorized")
		return nil, auth.Identity{}
	}

	log := slog.With("role", role, "user_id", id.UserID, "conn_id", uuid.NewString())
	// Hijacked connections outlive the request context on shutdown; Close
	// cancels them explicitly.
	c := newConn(context.WithoutCancel(r.Context()), ws, log, s.queueSize, defaultWriteTimeout)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return nil, auth.Identity{}
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.deps.Metrics.RecordConnection(c.ctx, role, 1)
	log.Info("gateway: connection opened")
	return c, id
}

func (s *Server) release(c *conn, role string) {
	c.close(websocket.StatusNormalClosure, "")
	s.deps.Metrics.RecordConnection(context.Background(), role, -1)
	c.log.Info("gateway: connection closed")

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) serveSeller(w http.ResponseWriter, r *http.Request) {
	c, id := s.accept(w, r, "seller")
	if c == nil {
		return
	}
	defer s.release(c, "seller")
	newSellerConn(s, c, id).run()
}

func (s *Server) serveManager(w http.ResponseWriter, r *http.Request) {
	c, id := s.accept(w, r, "manager")
	if c == nil {
		return
	}
	defer s.release(c, "manager")
	newManagerConn(s, c, id).run()
}

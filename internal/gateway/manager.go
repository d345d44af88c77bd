package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/salescoach/internal/auth"
	"github.com/MrWong99/salescoach/internal/coach"
	"github.com/MrWong99/salescoach/internal/fabric"
)

const maxWhisperRunes = 500

// managerConn is the state of one /ws/manager connection. A manager follows
// one call at a time; joining another call replaces the subscriptions.
type managerConn struct {
	*conn
	srv *Server
	id  auth.Identity

	mu     sync.Mutex
	callID string
	subs   map[string]fabric.Handler
}

func newManagerConn(srv *Server, c *conn, id auth.Identity) *managerConn {
	return &managerConn{conn: c, srv: srv, id: id}
}

func (m *managerConn) run() {
	go m.writeLoop()
	m.readLoop(m.handle)
	m.leave(context.Background())
}

func (m *managerConn) handle(ctx context.Context, env envelope) error {
	switch env.Type {
	case TypeManagerJoin:
		return m.handleJoin(ctx, env)
	case TypeManagerWhisper:
		return m.handleWhisper(ctx, env)
	default:
		return clientErrorf("unknown message type %q", env.Type)
	}
}

func (m *managerConn) handleJoin(ctx context.Context, env envelope) error {
	data, err := decode[joinData](env)
	if err != nil {
		return err
	}
	callID := strings.TrimSpace(data.CallID)
	if callID == "" {
		return clientErrorf("callId is required")
	}

	m.leave(ctx)

	subs := map[string]fabric.Handler{
		fabric.CallChannel(callID, fabric.ChannelTranscript): fabric.NewHandler(func(_ context.Context, _ string, msg []byte) error {
			m.send(TypeTranscriptStream, transcriptStreamData{Fragment: msg})
			return nil
		}),
		fabric.CallChannel(callID, fabric.ChannelMedia): fabric.NewHandler(func(_ context.Context, _ string, msg []byte) error {
			m.relay(TypeMediaChunk, msg)
			return nil
		}),
		fabric.CallChannel(callID, fabric.ChannelSummary): fabric.NewHandler(func(_ context.Context, _ string, msg []byte) error {
			m.relay(TypeLiveSummary, msg)
			return nil
		}),
	}
	for channel, h := range subs {
		if err := m.srv.deps.Fabric.Subscribe(ctx, channel, h); err != nil {
			m.unsubscribe(ctx, subs)
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	m.mu.Lock()
	m.callID, m.subs = callID, subs
	m.mu.Unlock()

	m.log.Info("manager joined call", "call_id", callID)
	m.send(TypeManagerJoined, joinData{CallID: callID})

	header, ok, err := m.srv.deps.Fabric.Get(ctx, fabric.MediaHeaderKey(callID))
	switch {
	case err != nil:
		m.log.Warn("gateway: read media header failed", "call_id", callID, "err", err)
	case ok:
		m.relay(TypeMediaChunk, header)
	}
	return nil
}

// leave drops the subscriptions of the joined call, if any.
func (m *managerConn) leave(ctx context.Context) {
	m.mu.Lock()
	subs := m.subs
	m.callID, m.subs = "", nil
	m.mu.Unlock()
	m.unsubscribe(ctx, subs)
}

func (m *managerConn) unsubscribe(ctx context.Context, subs map[string]fabric.Handler) {
	for channel, h := range subs {
		if err := m.srv.deps.Fabric.Unsubscribe(ctx, channel, h); err != nil {
			m.log.Warn("gateway: unsubscribe failed", "channel", channel, "err", err)
		}
	}
}

func (m *managerConn) handleWhisper(ctx context.Context, env envelope) error {
	data, err := decode[whisperData](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	callID := m.callID
	m.mu.Unlock()
	if callID == "" {
		return clientErrorf("join a call first")
	}

	content := strings.TrimSpace(data.Content)
	if content == "" {
		return clientErrorf("content is required")
	}
	if r := []rune(content); len(r) > maxWhisperRunes {
		content = string(r[:maxWhisperRunes])
	}
	urgency := coach.Urgency(strings.ToLower(strings.TrimSpace(data.Urgency)))
	switch urgency {
	case coach.UrgencyLow, coach.UrgencyMedium, coach.UrgencyHigh:
	case "":
		urgency = coach.UrgencyMedium
	default:
		return clientErrorf("invalid urgency %q", data.Urgency)
	}

	err = fabric.PublishJSON(ctx, m.srv.deps.Fabric, fabric.CallChannel(callID, fabric.ChannelCommands), command{
		Kind:      commandWhisper,
		Source:    "manager",
		Content:   content,
		Urgency:   string(urgency),
		From:      m.id.UserID,
		Timestamp: m.srv.now(),
	})
	if err != nil {
		return fmt.Errorf("publish whisper: %w", err)
	}
	m.srv.deps.Metrics.Whispers.Add(ctx, 1)
	m.send(TypeWhisperSent, joinData{CallID: callID})
	return nil
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/salescoach/internal/auth"
	"github.com/MrWong99/salescoach/internal/coach"
	"github.com/MrWong99/salescoach/internal/fabric"
	"github.com/MrWong99/salescoach/internal/observe"
	"github.com/MrWong99/salescoach/internal/session"
	"github.com/MrWong99/salescoach/pkg/calls"
	"github.com/MrWong99/salescoach/pkg/provider/stt"
	"github.com/MrWong99/salescoach/pkg/types"
)

// segment is one queued audio:segment message.
type segment struct {
	call *session.Call
	data audioSegmentData
}

// sellerConn is the state of one /ws/seller connection. It holds at most one
// call at a time.
type sellerConn struct {
	*conn
	srv *Server
	id  auth.Identity

	// workers serialise transcription per channel; the two channels run
	// independently.
	workers map[types.ChannelRole]chan segment
	wg      sync.WaitGroup

	mu       sync.Mutex
	call     *session.Call
	commands fabric.Handler

	// pendingLead holds a participants update that arrived before
	// call:start.
	pendingLead string
}

func newSellerConn(srv *Server, c *conn, id auth.Identity) *sellerConn {
	return &sellerConn{
		conn: c,
		srv:  srv,
		id:   id,
		workers: map[types.ChannelRole]chan segment{
			types.RoleSeller:      make(chan segment, srv.segmentQueue),
			types.RoleCounterpart: make(chan segment, srv.segmentQueue),
		},
	}
}

func (s *sellerConn) run() {
	go s.writeLoop()
	for role, ch := range s.workers {
		s.wg.Add(1)
		go s.work(role, ch)
	}
	if s.srv.deps.Summariser != nil {
		s.wg.Add(1)
		go s.summaryLoop()
	}

	s.readLoop(s.handle)

	s.wg.Wait()
	s.detach(context.Background())
}

func (s *sellerConn) handle(ctx context.Context, env envelope) error {
	switch env.Type {
	case TypeCallStart:
		return s.handleStart(ctx, env)
	case TypeAudioSegment:
		return s.handleSegment(env)
	case TypeCallParticipants:
		return s.handleParticipants(ctx, env)
	case TypeCallEnd:
		return s.handleEnd(ctx)
	case TypeMediaStream:
		return s.handleMedia(ctx, env)
	default:
		return clientErrorf("unknown message type %q", env.Type)
	}
}

func (s *sellerConn) current() *session.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

func (s *sellerConn) handleStart(ctx context.Context, env envelope) error {
	data, err := decode[callStartData](env)
	if err != nil {
		return err
	}
	if data.ScriptID == "" {
		return clientErrorf("scriptId is required")
	}

	s.detach(ctx)

	lead := strings.TrimSpace(data.LeadName)
	s.mu.Lock()
	if lead == "" {
		lead = s.pendingLead
	}
	s.pendingLead = ""
	s.mu.Unlock()

	call, res, err := s.srv.deps.Store.Start(ctx, session.StartRequest{
		UserID:     s.id.UserID,
		ScriptID:   data.ScriptID,
		Platform:   data.Platform,
		LeadName:   lead,
		ExternalID: data.ExternalID,
	})
	if errors.Is(err, calls.ErrNotFound) {
		return &clientError{msg: err.Error()}
	}
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}

	h := fabric.NewHandler(s.onCommand)
	if err := s.srv.deps.Fabric.Subscribe(ctx, fabric.CallChannel(call.ID(), fabric.ChannelCommands), h); err != nil {
		s.srv.deps.Store.Release(call)
		return fmt.Errorf("subscribe commands: %w", err)
	}

	s.mu.Lock()
	s.call, s.commands = call, h
	s.mu.Unlock()

	s.log.Info("call started", "call_id", call.ID(), "resolution", res, "script_id", data.ScriptID)
	s.srv.deps.Metrics.ActiveCalls.Add(ctx, 1)
	s.send(TypeCallStarted, callStartedData{CallID: call.ID(), Resolution: res.String()})
	return nil
}

// detach unsubscribes from the current call and releases it. The call
// itself stays live in the cache so a reconnect can resume it.
func (s *sellerConn) detach(ctx context.Context) {
	s.mu.Lock()
	call, h := s.call, s.commands
	s.call, s.commands = nil, nil
	s.mu.Unlock()
	if call == nil {
		return
	}
	if err := s.srv.deps.Fabric.Unsubscribe(ctx, fabric.CallChannel(call.ID(), fabric.ChannelCommands), h); err != nil {
		s.log.Warn("gateway: unsubscribe commands failed", "err", err)
	}
	s.srv.deps.Store.Release(call)
	s.srv.deps.Metrics.ActiveCalls.Add(ctx, -1)
}

func (s *sellerConn) handleSegment(env envelope) error {
	data, err := decode[audioSegmentData](env)
	if err != nil {
		return err
	}
	if !data.Role.IsValid() {
		return clientErrorf("invalid role %q", data.Role)
	}
	if len(data.Audio) == 0 {
		return nil
	}
	call := s.current()
	if call == nil {
		return clientErrorf("no active call")
	}
	select {
	case s.workers[data.Role] <- segment{call: call, data: data}:
	default:
		s.log.Warn("gateway: segment queue full, segment dropped", "channel", data.Role)
	}
	return nil
}

// work processes the segments of one channel in arrival order.
func (s *sellerConn) work(role types.ChannelRole, ch <-chan segment) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case seg := <-ch:
			s.process(role, seg)
		}
	}
}

func (s *sellerConn) process(role types.ChannelRole, seg segment) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("gateway: segment handler panicked", "channel", role, "panic", fmt.Sprint(r))
		}
	}()

	ctx := observe.WithCall(s.ctx, seg.call.ID())
	snap := seg.call.Snapshot()
	text, err := s.transcribe(ctx, role, seg.data, snap.Hint(role))
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("gateway: transcription failed", "channel", role, "err", err)
		}
		return
	}
	if text = strings.TrimSpace(text); text == "" {
		return
	}

	sink := &sellerSink{conn: s, call: seg.call}
	if _, err := s.srv.deps.Coach.HandleFragment(ctx, seg.call, role, text, sink); err != nil {
		s.log.Warn("gateway: fragment failed", "channel", role, "err", err)
	}
}

func (s *sellerConn) transcribe(ctx context.Context, role types.ChannelRole, data audioSegmentData, hint string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "gateway.transcribe",
		attribute.String("channel", string(role)),
		attribute.Int("audio_bytes", len(data.Audio)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.srv.transcribeTimeout)
	defer cancel()

	start := time.Now()
	text, err := s.srv.deps.Transcriber.Transcribe(ctx, stt.Request{
		Audio:      data.Audio,
		Format:     stt.Format(data.Format),
		SampleRate: data.SampleRate,
		Language:   s.srv.language,
		Prompt:     hint,
	})
	s.srv.deps.Metrics.RecordSTT(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("transcribe %s segment: %w", role, err)
	}
	return text, nil
}

func (s *sellerConn) handleParticipants(ctx context.Context, env envelope) error {
	data, err := decode[participantsData](env)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(data.LeadName)
	if name == "" {
		return nil
	}
	s.mu.Lock()
	call := s.call
	if call == nil {
		s.pendingLead = name
	}
	s.mu.Unlock()
	if call == nil {
		return nil
	}
	if err := s.srv.deps.Store.SetLeadName(ctx, call, name); err != nil {
		return fmt.Errorf("set lead name: %w", err)
	}
	return nil
}

func (s *sellerConn) handleEnd(ctx context.Context) error {
	call := s.current()
	if call == nil {
		return clientErrorf("no active call")
	}
	summary, err := s.srv.deps.Store.End(ctx, call)
	s.detach(ctx)
	if summary != nil {
		s.send(TypeCallSummary, summary)
	}
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	return nil
}

// handleMedia relays a media chunk to managers and keeps the stream header
// for managers that join later. Failures never reach the seller.
func (s *sellerConn) handleMedia(ctx context.Context, env envelope) error {
	call := s.current()
	if call == nil || len(env.Data) == 0 {
		return nil
	}
	var head mediaStreamData
	if err := json.Unmarshal(env.Data, &head); err != nil {
		return clientErrorf("invalid %s payload", env.Type)
	}
	if head.IsHeader {
		if err := s.srv.deps.Fabric.Set(ctx, fabric.MediaHeaderKey(call.ID()), env.Data, s.srv.mediaHeaderTTL); err != nil {
			s.log.Warn("gateway: cache media header failed", "err", err)
		}
	}
	if err := s.srv.deps.Fabric.Publish(ctx, fabric.CallChannel(call.ID(), fabric.ChannelMedia), env.Data); err != nil {
		s.log.Warn("gateway: relay media failed", "err", err)
	}
	return nil
}

func (s *sellerConn) onCommand(_ context.Context, _ string, msg []byte) error {
	var cmd command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if cmd.Kind != commandWhisper {
		return fmt.Errorf("unknown command %q", cmd.Kind)
	}
	s.send(TypeCoachWhisper, coachWhisperData{
		Source:    cmd.Source,
		Content:   cmd.Content,
		Urgency:   cmd.Urgency,
		Timestamp: cmd.Timestamp,
	})
	return nil
}

func (s *sellerConn) summaryLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.srv.summaryTick)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if call := s.current(); call != nil {
				s.summarise(call)
			}
		}
	}
}

func (s *sellerConn) summarise(call *session.Call) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("gateway: live summary panicked", "call_id", call.ID(), "panic", fmt.Sprint(r))
		}
	}()
	s.srv.deps.Summariser.Tick(s.ctx, call, s.srv.now())
}

// sellerSink delivers orchestrator output for one call to the seller and the
// call's transcript channel.
type sellerSink struct {
	conn *sellerConn
	call *session.Call
}

func (k *sellerSink) Accepted(ctx context.Context, e types.TranscriptEntry) {
	k.conn.send(TypeTranscriptChunk, transcriptChunkData{
		Text:    e.Text,
		IsFinal: e.IsFinal,
		Speaker: e.Speaker,
		Role:    e.Role,
	})
	err := fabric.PublishJSON(ctx, k.conn.srv.deps.Fabric, fabric.CallChannel(k.call.ID(), fabric.ChannelTranscript), fragment{
		CallID:    k.call.ID(),
		Text:      e.Text,
		Speaker:   e.Speaker,
		Role:      e.Role,
		IsFinal:   e.IsFinal,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		slog.Warn("gateway: publish transcript failed", "call_id", k.call.ID(), "err", err)
	}
}

func (k *sellerSink) Emit(_ context.Context, ev coach.Event) {
	k.conn.send(TypeCoachingMessage, ToWire(ev, k.conn.srv.now()))
}

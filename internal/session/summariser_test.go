package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/salescoach/internal/fabric"
	"github.com/MrWong99/salescoach/pkg/provider/llm"
	llmmock "github.com/MrWong99/salescoach/pkg/provider/llm/mock"
	"github.com/MrWong99/salescoach/pkg/types"
)

func startTestCall(t *testing.T, kv *fabric.Memory) *Call {
	t.Helper()
	s := newTestStore(newTestRepo(), kv)
	c, _, err := s.Start(context.Background(), StartRequest{UserID: "u1", ScriptID: "s1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

func TestLiveSummariser_Tick(t *testing.T) {
	ctx := context.Background()
	kv := fabric.NewMemory()
	c := startTestCall(t, kv)
	for i := 0; i < 20; i++ {
		_ = c.Update(ctx, func(cs *CallSession) error {
			cs.Append("fala número "+string(rune('a'+i)), types.RoleCounterpart, testNow)
			return nil
		})
	}

	var published []byte
	_ = kv.Subscribe(ctx, fabric.CallChannel(c.ID(), fabric.ChannelSummary),
		fabric.NewHandler(func(_ context.Context, _ string, msg []byte) error {
			published = msg
			return nil
		}))

	p := &llmmock.Provider{Reply: &llm.CompletionResponse{
		Content: "```json\n" + `{"status":"AT_RISK","bullets":["Lead hesitou no preço","Sem decisor","Retomar ROI","extra"],"sentiment":"negative"}` + "\n```",
	}}
	l := NewLiveSummariser(p, kv)

	sum := l.Tick(ctx, c, testNow)
	if sum == nil {
		t.Fatal("expected a summary")
	}
	if sum.Status != "at_risk" || sum.Sentiment != "negative" || len(sum.Bullets) != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.CallID != c.ID() {
		t.Errorf("call id = %q", sum.CallID)
	}

	var got LiveSummary
	if err := json.Unmarshal(published, &got); err != nil {
		t.Fatalf("published payload: %v", err)
	}
	if got.Status != "at_risk" {
		t.Errorf("published status = %q", got.Status)
	}

	req := p.Requests()[0]
	if req.ResponseSchema == "" {
		t.Error("expected a response schema")
	}
	content := req.Messages[0].Content
	if strings.Contains(content, "número a") || !strings.Contains(content, "número t") {
		t.Errorf("expected only the last %d turns, got:\n%s", DefaultSummaryTurns, content)
	}
}

func TestLiveSummariser_RateLimited(t *testing.T) {
	ctx := context.Background()
	kv := fabric.NewMemory()
	c := startTestCall(t, kv)
	_ = c.Update(ctx, func(cs *CallSession) error {
		cs.Append("bom dia", types.RoleSeller, testNow)
		return nil
	})
	p := &llmmock.Provider{Reply: &llm.CompletionResponse{Content: `{"status":"on_track","bullets":[],"sentiment":"neutral"}`}}
	l := NewLiveSummariser(p, kv)

	l.Tick(ctx, c, testNow)
	l.Tick(ctx, c, testNow.Add(19*time.Second))
	if p.CallCount() != 1 {
		t.Fatalf("calls = %d, want 1 inside the interval", p.CallCount())
	}
	l.Tick(ctx, c, testNow.Add(20*time.Second))
	if p.CallCount() != 2 {
		t.Fatalf("calls = %d, want 2 after the interval", p.CallCount())
	}
}

func TestLiveSummariser_FailureKeepsTimestamp(t *testing.T) {
	ctx := context.Background()
	kv := fabric.NewMemory()
	c := startTestCall(t, kv)
	_ = c.Update(ctx, func(cs *CallSession) error {
		cs.Append("bom dia", types.RoleSeller, testNow)
		return nil
	})

	var delivered int
	_ = kv.Subscribe(ctx, fabric.CallChannel(c.ID(), fabric.ChannelSummary),
		fabric.NewHandler(func(context.Context, string, []byte) error { delivered++; return nil }))

	p := &llmmock.Provider{Err: errors.New("timeout")}
	l := NewLiveSummariser(p, kv)

	if sum := l.Tick(ctx, c, testNow); sum != nil {
		t.Fatal("expected no summary on failure")
	}
	if got := c.Snapshot().LastSummaryAt; !got.Equal(testNow) {
		t.Errorf("LastSummaryAt = %v, want advanced to %v", got, testNow)
	}
	// No retry storm: an immediate second tick does not call the model.
	l.Tick(ctx, c, testNow.Add(time.Second))
	if p.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", p.CallCount())
	}
	if delivered != 0 {
		t.Errorf("delivered %d summaries on failure", delivered)
	}
}

func TestLiveSummariser_BadProviderReplies(t *testing.T) {
	tests := []struct {
		name string
		p    *llmmock.Provider
	}{
		{"nil response", &llmmock.Provider{}},
		{"hangs until deadline", &llmmock.Provider{
			Func: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
				if _, ok := ctx.Deadline(); !ok {
					return nil, errors.New("no deadline on completion context")
				}
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			kv := fabric.NewMemory()
			c := startTestCall(t, kv)
			_ = c.Update(ctx, func(cs *CallSession) error {
				cs.Append("bom dia", types.RoleSeller, testNow)
				return nil
			})

			l := NewLiveSummariser(tt.p, kv, WithSummaryTimeout(20*time.Millisecond))
			if sum := l.Tick(ctx, c, testNow); sum != nil {
				t.Fatalf("summary = %+v, want nil", sum)
			}
			if tt.p.CallCount() != 1 {
				t.Errorf("calls = %d, want 1", tt.p.CallCount())
			}
		})
	}
}

func TestLiveSummariser_EmptyTranscript(t *testing.T) {
	kv := fabric.NewMemory()
	c := startTestCall(t, kv)
	p := &llmmock.Provider{}
	if sum := NewLiveSummariser(p, kv).Tick(context.Background(), c, testNow); sum != nil {
		t.Fatal("expected nil for empty transcript")
	}
	if p.CallCount() != 0 || !c.Snapshot().LastSummaryAt.IsZero() {
		t.Error("empty transcript must not consume the interval")
	}
}

func TestParseLiveSummary(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
		want    LiveSummary
	}{
		{"valid", `{"status":"closing","bullets":[" a ",""],"sentiment":"positive"}`, false,
			LiveSummary{Status: "closing", Bullets: []string{"a"}, Sentiment: "positive"}},
		{"unknown sentiment defaults", `{"status":"stalled","sentiment":"meh"}`, false,
			LiveSummary{Status: "stalled", Bullets: []string{}, Sentiment: "neutral"}},
		{"unknown status", `{"status":"great"}`, true, LiveSummary{}},
		{"not json", `sorry, I can't`, true, LiveSummary{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLiveSummary(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseLiveSummary: %v", err)
			}
			if got.Status != tt.want.Status || got.Sentiment != tt.want.Sentiment || len(got.Bullets) != len(tt.want.Bullets) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

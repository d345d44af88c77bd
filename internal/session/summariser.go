package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/salescoach/internal/fabric"
	"github.com/MrWong99/salescoach/pkg/provider/llm"
	"github.com/MrWong99/salescoach/pkg/types"
)

const (
	// DefaultSummaryInterval is the minimum time between two live summaries
	// of one call.
	DefaultSummaryInterval = 20 * time.Second

	// DefaultSummaryTurns is how many recent transcript entries a live
	// summary looks at.
	DefaultSummaryTurns = 15

	// DefaultSummaryTimeout bounds one summary completion.
	DefaultSummaryTimeout = 15 * time.Second

	maxSummaryBullets = 3
)

// liveSummaryPrompt is the system prompt for manager-facing live summaries.
const liveSummaryPrompt = `You are watching a live sales call on behalf of the seller's manager.
Condense the latest part of the conversation into a strategic status update the manager can read in five seconds.
Do not address the seller. Do not repeat the transcript. Answer in %s.`

const liveSummarySchema = `{
  "status": "on_track" | "at_risk" | "closing" | "stalled",
  "bullets": [string] (at most 3 short strategic observations),
  "sentiment": "positive" | "neutral" | "negative"
}`

// LiveSummary is the payload published on a call's summary channel.
type LiveSummary struct {
	CallID      string    `json:"call_id"`
	Status      string    `json:"status"`
	Bullets     []string  `json:"bullets"`
	Sentiment   string    `json:"sentiment"`
	GeneratedAt time.Time `json:"generated_at"`
}

var (
	summaryStatuses   = map[string]bool{"on_track": true, "at_risk": true, "closing": true, "stalled": true}
	summarySentiments = map[string]bool{"positive": true, "neutral": true, "negative": true}
)

// LiveSummariser periodically condenses a call's transcript for managers.
// It is rate-limited per call through [CallSession.LastSummaryAt], which is
// advanced before the LLM is called so a slow or failing model cannot cause a
// burst of retries.
type LiveSummariser struct {
	llm      llm.Provider
	ps       fabric.PubSub
	interval time.Duration
	turns    int
	language string
	timeout  time.Duration
}

// LiveSummaryOption configures a LiveSummariser.
type LiveSummaryOption func(*LiveSummariser)

// WithSummaryInterval overrides [DefaultSummaryInterval].
func WithSummaryInterval(d time.Duration) LiveSummaryOption {
	return func(l *LiveSummariser) { l.interval = d }
}

// WithSummaryTurns overrides [DefaultSummaryTurns].
func WithSummaryTurns(n int) LiveSummaryOption {
	return func(l *LiveSummariser) { l.turns = n }
}

// WithSummaryTimeout overrides [DefaultSummaryTimeout].
func WithSummaryTimeout(d time.Duration) LiveSummaryOption {
	return func(l *LiveSummariser) { l.timeout = d }
}

// WithSummaryLanguage sets the language the summary is written in.
func WithSummaryLanguage(lang string) LiveSummaryOption {
	return func(l *LiveSummariser) { l.language = lang }
}

// NewLiveSummariser creates a LiveSummariser publishing on ps.
func NewLiveSummariser(provider llm.Provider, ps fabric.PubSub, opts ...LiveSummaryOption) *LiveSummariser {
	l := &LiveSummariser{
		llm:      provider,
		ps:       ps,
		interval: DefaultSummaryInterval,
		turns:    DefaultSummaryTurns,
		language: "Brazilian Portuguese",
		timeout:  DefaultSummaryTimeout,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Tick produces and publishes a live summary when one is due. It returns the
// published summary, or nil when nothing was due or the attempt failed.
// Failures are logged and leave the timestamp advanced.
func (l *LiveSummariser) Tick(ctx context.Context, c *Call, now time.Time) *LiveSummary {
	var (
		due   bool
		turns string
	)
	_ = c.Update(ctx, func(s *CallSession) error {
		if len(s.Transcript) == 0 {
			return ErrUnchanged
		}
		if !s.LastSummaryAt.IsZero() && now.Sub(s.LastSummaryAt) < l.interval {
			return ErrUnchanged
		}
		s.LastSummaryAt = now
		due = true
		turns = FormatTranscript(s.RecentTurns(l.turns))
		return nil
	})
	if !due {
		return nil
	}

	log := slog.With("call_id", c.ID())
	llmCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	resp, err := l.llm.Complete(llmCtx, llm.CompletionRequest{
		SystemPrompt:   fmt.Sprintf(liveSummaryPrompt, l.language),
		ResponseSchema: liveSummarySchema,
		Messages:       []types.Message{{Role: "user", Content: turns}},
		Temperature:    0.3,
		MaxTokens:      250,
	})
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		log.Warn("live summary: completion failed", "err", err)
		return nil
	}

	sum, err := parseLiveSummary(resp.Content)
	if err != nil {
		log.Warn("live summary: invalid response", "err", err)
		return nil
	}
	sum.CallID = c.ID()
	sum.GeneratedAt = now

	if err := fabric.PublishJSON(ctx, l.ps, fabric.CallChannel(c.ID(), fabric.ChannelSummary), sum); err != nil {
		log.Warn("live summary: publish failed", "err", err)
		return nil
	}
	return sum
}

func parseLiveSummary(content string) (*LiveSummary, error) {
	var raw struct {
		Status    string   `json:"status"`
		Bullets   []string `json:"bullets"`
		Sentiment string   `json:"sentiment"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	status := strings.ToLower(strings.TrimSpace(raw.Status))
	if !summaryStatuses[status] {
		return nil, fmt.Errorf("unknown status %q", raw.Status)
	}
	sentiment := strings.ToLower(strings.TrimSpace(raw.Sentiment))
	if !summarySentiments[sentiment] {
		sentiment = "neutral"
	}

	bullets := make([]string, 0, maxSummaryBullets)
	for _, b := range raw.Bullets {
		if b = strings.TrimSpace(b); b == "" {
			continue
		}
		bullets = append(bullets, b)
		if len(bullets) == maxSummaryBullets {
			break
		}
	}
	return &LiveSummary{Status: status, Bullets: bullets, Sentiment: sentiment}, nil
}

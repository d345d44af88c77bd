// Package openai transcribes segments with the OpenAI audio transcription
// endpoint (whisper-1, gpt-4o-transcribe and compatible servers).
package openai

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/salescoach/pkg/provider/stt"
)

const (
	defaultModel = "whisper-1"

	// Segments are short; a retry is cheaper than waiting on the next one.
	defaultMaxRetries = 1
)

var _ stt.Transcriber = (*Provider)(nil)

type Provider struct {
	client   oai.Client
	model    string
	language string
}

type settings struct {
	baseURL    string
	language   string
	timeout    time.Duration
	maxRetries int
}

type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithLanguage sets the ISO-639-1 hint used when a request carries none.
func WithLanguage(lang string) Option {
	return func(s *settings) { s.language = lang }
}

func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// New returns a transcriber. An empty model selects whisper-1.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	s := settings{maxRetries: defaultMaxRetries}
	for _, o := range opts {
		o(&s)
	}

	hc := &http.Client{Timeout: s.timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.maxRetries),
		option.WithHTTPClient(hc),
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    cmp.Or(model, defaultModel),
		language: s.language,
	}, nil
}

func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	if len(req.Audio) == 0 {
		return "", nil
	}
	resp, err := p.client.Audio.Transcriptions.New(ctx, p.params(req))
	if err != nil {
		return "", fmt.Errorf("openai stt: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (p *Provider) params(req stt.Request) oai.AudioTranscriptionNewParams {
	audio, format := req.Payload()
	out := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio), format.FileName(), format.ContentType()),
		Model: oai.AudioModel(p.model),
	}
	if lang := cmp.Or(req.Language, p.language); lang != "" {
		out.Language = param.NewOpt(lang)
	}
	if req.Prompt != "" {
		out.Prompt = param.NewOpt(req.Prompt)
	}
	return out
}

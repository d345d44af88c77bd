// Package whisper transcribes segments with a whisper.cpp server.
//
// Each segment is POSTed to the server's /inference endpoint as a multipart
// form. WebM and Ogg segments need a server started with --convert.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/salescoach/pkg/provider/stt"
)

const (
	defaultLanguage = "pt"
	defaultTimeout  = 30 * time.Second

	// maxErrorBody caps how much of a failed response ends up in an error.
	maxErrorBody = 512
)

var _ stt.Transcriber = (*Provider)(nil)

// StatusError is returned when the server answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("whisper: server returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("whisper: server returned HTTP %d: %s", e.Code, e.Body)
}

type Option func(*Provider)

// WithModel names the model the server should use. Empty keeps the one the
// server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language used when a request carries none.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

type Provider struct {
	endpoint string
	model    string
	language string
	client   *http.Client
}

// New returns a Provider for the server at baseURL, for example
// "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("whisper: base URL must not be empty")
	}
	p := &Provider{
		endpoint: strings.TrimRight(baseURL, "/") + "/inference",
		language: defaultLanguage,
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	if len(req.Audio) == 0 {
		return "", nil
	}
	body, contentType, err := p.form(req)
	if err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// form encodes the segment and its parameters. Empty fields are omitted.
func (p *Provider) form(req stt.Request) (io.Reader, string, error) {
	audio, format := req.Payload()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", format.FileName())
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, "", err
	}

	language := req.Language
	if language == "" {
		language = p.language
	}
	for _, f := range [][2]string{
		{"response_format", "json"},
		{"language", language},
		{"model", p.model},
		{"prompt", req.Prompt},
	} {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

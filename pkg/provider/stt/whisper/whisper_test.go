package whisper_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/salescoach/pkg/provider/stt"
	"github.com/MrWong99/salescoach/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

type capturedRequest struct {
	fields   map[string]string
	fileName string
	fileSize int
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing responseText and records the multipart form.
func newMockServer(t *testing.T, responseText string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c := capturedRequest{fields: map[string]string{}}
		for k, v := range r.MultipartForm.Value {
			c.fields[k] = v[0]
		}
		f, hdr, err := r.FormFile("file")
		if err == nil {
			b, _ := io.ReadAll(f)
			c.fileName = hdr.Filename
			c.fileSize = len(b)
			f.Close()
		}
		mu.Lock()
		reqs = append(reqs, c)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

// ---- provider construction --------------------------------------------------

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	p, err := whisper.New("http://localhost:9999",
		whisper.WithModel("small"),
		whisper.WithLanguage("en"),
		whisper.WithHTTPClient(http.DefaultClient),
	)
	if err != nil || p == nil {
		t.Fatalf("New: %v", err)
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_SendsPromptAndLanguage(t *testing.T) {
	srv, captured := newMockServer(t, "  tá caro demais  ")
	p, _ := whisper.New(srv.URL+"/", whisper.WithModel("small"))

	text, err := p.Transcribe(context.Background(), stt.Request{
		Audio:  []byte("webm-bytes"),
		Prompt: "bom dia, tudo bem?",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "tá caro demais" {
		t.Errorf("text = %q, want trimmed text", text)
	}

	reqs := captured()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	r := reqs[0]
	if r.fields["prompt"] != "bom dia, tudo bem?" {
		t.Errorf("prompt = %q", r.fields["prompt"])
	}
	if r.fields["language"] != "pt" {
		t.Errorf("language = %q, want default pt", r.fields["language"])
	}
	if r.fields["model"] != "small" {
		t.Errorf("model = %q", r.fields["model"])
	}
	if r.fileName != "segment.webm" || r.fileSize != len("webm-bytes") {
		t.Errorf("file = %s (%d bytes)", r.fileName, r.fileSize)
	}
}

func TestTranscribe_PCMWrappedAsWAV(t *testing.T) {
	srv, captured := newMockServer(t, "olá")
	p, _ := whisper.New(srv.URL)

	if _, err := p.Transcribe(context.Background(), stt.Request{
		Audio:    make([]byte, 320),
		Format:   stt.FormatPCM16,
		Language: "en",
	}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	r := captured()[0]
	if r.fileName != "segment.wav" || r.fileSize != 320+44 {
		t.Errorf("file = %s (%d bytes), want wav with header", r.fileName, r.fileSize)
	}
	if r.fields["language"] != "en" {
		t.Errorf("language = %q, want request override", r.fields["language"])
	}
	if _, ok := r.fields["prompt"]; ok {
		t.Error("empty prompt should not be sent")
	}
}

func TestTranscribe_EmptyAudio_NoRequest(t *testing.T) {
	srv, captured := newMockServer(t, "x")
	p, _ := whisper.New(srv.URL)

	text, err := p.Transcribe(context.Background(), stt.Request{})
	if err != nil || text != "" {
		t.Fatalf("got %q, %v", text, err)
	}
	if n := len(captured()); n != 0 {
		t.Errorf("expected no request, got %d", n)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	p, _ := whisper.New(srv.URL)

	_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("a")})
	var se *whisper.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable || se.Body != "model not loaded" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestTranscribe_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>")
	}))
	defer srv.Close()
	p, _ := whisper.New(srv.URL)

	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("a")}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	srv, _ := newMockServer(t, "x")
	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Transcribe(ctx, stt.Request{Audio: []byte("a")}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

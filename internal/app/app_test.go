package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/salescoach/internal/app"
	"github.com/MrWong99/salescoach/internal/config"
	"github.com/MrWong99/salescoach/internal/fabric"
	"github.com/MrWong99/salescoach/internal/health"
	"github.com/MrWong99/salescoach/pkg/calls"
	llmmock "github.com/MrWong99/salescoach/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/salescoach/pkg/provider/stt/mock"
)

// testConfig returns a minimal config that needs no external services.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "mock"},
			STT: config.ProviderEntry{Name: "mock"},
		},
		Auth: config.AuthConfig{JWTSecret: "test-secret"},
		Coaching: config.CoachingConfig{
			Language:              "Brazilian Portuguese",
			TranscriptionLanguage: "pt",
		},
	}
}

func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{},
		STT: &sttmock.Transcriber{},
	}
}

func TestNew_WithMocks(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, testConfig(), testProviders(),
		app.WithRepository(calls.NewMemStore()),
		app.WithFabric(fabric.NewMemory()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	if _, err := app.New(ctx, testConfig(), &app.Providers{LLM: &llmmock.Provider{}}); err == nil {
		t.Error("expected error without an stt provider")
	}

	cfg := testConfig()
	cfg.Auth.JWTSecret = ""
	if _, err := app.New(ctx, cfg, testProviders(), app.WithFabric(fabric.NewMemory())); err == nil {
		t.Error("expected error without a jwt secret")
	}
}

func TestApp_HealthEndpoints(t *testing.T) {
	ctx := context.Background()
	// No Redis configured: the fabric starts on the in-memory fallback.
	a, err := app.New(ctx, testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status: got %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status: got %d, want 200", resp.StatusCode)
	}
	var body health.Report
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /readyz: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("/readyz status field: got %q, want %q", body.Status, "degraded")
	}
	for _, name := range []string{"fabric", "llm", "stt"} {
		if _, ok := body.Checks[name]; !ok {
			t.Errorf("/readyz checks missing %q: %v", name, body.Checks)
		}
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	a, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithRepository(calls.NewMemStore()),
		app.WithFabric(fabric.NewMemory()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve: got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Error("server still accepting connections after Shutdown")
	}
}

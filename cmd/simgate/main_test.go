package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/simgate/internal/testutil"
	"github.com/Sternrassler/simgate/pkg/config"
	"github.com/Sternrassler/simgate/pkg/gateway"
	"github.com/rs/zerolog"
)

func testConfig(t *testing.T, backendURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BackendBaseURL = backendURL
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	resolver, err := gateway.NewResolver("http://backend:8000")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		resolver   *gateway.Resolver
		ping       func(context.Context) error
		wantStatus int
	}{
		{"ready without redis", resolver, nil, http.StatusOK},
		{"ready with redis", resolver, func(context.Context) error { return nil }, http.StatusOK},
		{"redis down", resolver, func(context.Context) error { return errors.New("connection refused") }, http.StatusServiceUnavailable},
		{"no backend", nil, nil, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			readyHandler(tt.resolver, tt.ping, zerolog.Nop())(w, httptest.NewRequest("GET", "/ready", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestMux_Routes(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	backend.SetResponse("/api/sims", testutil.NewJSONResponse(http.StatusOK, `{"sims":[]}`))

	mux, err := newMux(testConfig(t, backend.URL()), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("newMux() error = %v", err)
	}

	t.Run("gateway", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/backend/sims", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		if w.Body.String() != `{"sims":[]}` {
			t.Errorf("body = %s", w.Body.String())
		}
		if w.Header().Get(gateway.HeaderRequestID) == "" {
			t.Error("missing request id")
		}
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

		bodyStr := w.Body.String()
		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
			t.Error("Expected Prometheus format metrics output")
		}
		if !strings.Contains(bodyStr, "simgate_gateway_requests_total") {
			t.Error("Expected metrics output to contain simgate_gateway_requests_total")
		}
	})

	t.Run("health", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})
}

func TestLoadConfig_FlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simgate.yaml")
	yaml := "listen_address: \":9000\"\nbackend_base_url: \"http://file:8000\"\nlog:\n  level: warn\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvBackendURL, "http://env:8000")

	t.Run("env over file", func(t *testing.T) {
		cfg, err := loadConfig([]string{"--config", path})
		if err != nil {
			t.Fatal(err)
		}
		if cfg.BackendBaseURL != "http://env:8000" {
			t.Errorf("BackendBaseURL = %q, want env value", cfg.BackendBaseURL)
		}
		if cfg.ListenAddress != ":9000" || cfg.Log.Level != "warn" {
			t.Errorf("file values lost: %+v", cfg)
		}
	})

	t.Run("flags over env", func(t *testing.T) {
		cfg, err := loadConfig([]string{
			"--config", path,
			"--backend", "http://flag:8000",
			"--listen", ":7000",
			"--log-level", "debug",
			"--log-pretty",
		})
		if err != nil {
			t.Fatal(err)
		}
		if cfg.BackendBaseURL != "http://flag:8000" || cfg.ListenAddress != ":7000" {
			t.Errorf("flags not applied: %+v", cfg)
		}
		if cfg.Log.Level != "debug" || !cfg.Log.Pretty {
			t.Errorf("Log = %+v", cfg.Log)
		}
	})
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Setenv(config.EnvBackendURL, "")

	tests := []struct {
		name string
		args []string
	}{
		{"missing backend", nil},
		{"unknown flag", []string{"--nope"}},
		{"bad log level", []string{"--backend", "http://b:1", "--log-level", "loud"}},
		{"missing config file", []string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadConfig(tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/simgate/internal/testutil"
	"github.com/Sternrassler/simgate/pkg/fetch"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func quietLogger() *zerolog.Logger {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return &logger
}

func newTestHandler(t *testing.T, backendURL string, mutate func(*Config)) *Handler {
	t.Helper()
	res, err := NewResolver(backendURL)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	cfg := Config{
		Resolver: res,
		Engine:   fetch.New(fetch.Config{Logger: quietLogger()}),
		Policy: fetch.Policy{
			MaxAttempts: 3,
			BackoffBase: time.Millisecond,
			BackoffCap:  5 * time.Millisecond,
		},
		Logger: quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h, err := NewHandler(cfg)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h
}

func serve(h http.Handler, r *http.Request) *http.Response {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w.Result()
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	return body
}

func TestNewHandler_RequiresResolver(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("NewHandler() without resolver should fail")
	}
}

func TestHandler_ForwardsJSON(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	backend.SetHandler("/api/simulations", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "page=2" {
			t.Errorf("upstream query = %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("Set-Cookie", "csrftoken=abc")
		io.WriteString(w, `{"items":[1,2]}`)
	})

	h := newTestHandler(t, backend.URL(), nil)
	resp := serve(h, httptest.NewRequest("GET", "/api/backend/simulations?page=2", nil))

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != `{"items":[1,2]}` {
		t.Fatalf("got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderUpstreamStatus) != "200" {
		t.Errorf("%s = %q", HeaderUpstreamStatus, resp.Header.Get(HeaderUpstreamStatus))
	}
	if _, err := uuid.Parse(resp.Header.Get(HeaderRequestID)); err != nil {
		t.Errorf("%s = %q, want generated UUID", HeaderRequestID, resp.Header.Get(HeaderRequestID))
	}
	if resp.Header.Get("Set-Cookie") != "csrftoken=abc" {
		t.Error("Set-Cookie should pass through")
	}
	if resp.Header.Get(HeaderServerTiming) != "" {
		t.Error("Server-Timing should only be set after retries")
	}
	if resp.Header.Get("Content-Length") != "15" {
		t.Errorf("Content-Length = %q, want 15", resp.Header.Get("Content-Length"))
	}
}

func TestHandler_PropagatesRequestIDAndFiltersHeaders(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()

	h := newTestHandler(t, backend.URL(), nil)
	r := httptest.NewRequest("GET", "/api/backend/me", nil)
	r.Header.Set(HeaderRequestID, "trace-42")
	r.Header.Set("Authorization", "Bearer token")
	r.Header.Set("Cookie", "session=secret")
	resp := serve(h, r)

	if resp.Header.Get(HeaderRequestID) != "trace-42" {
		t.Errorf("response %s = %q", HeaderRequestID, resp.Header.Get(HeaderRequestID))
	}
	upstream := backend.LastRequestHeader()
	if upstream.Get(HeaderRequestID) != "trace-42" {
		t.Errorf("upstream %s = %q", HeaderRequestID, upstream.Get(HeaderRequestID))
	}
	if upstream.Get("Authorization") != "Bearer token" {
		t.Error("Authorization should be forwarded")
	}
	if upstream.Get("Cookie") != "" {
		t.Error("Cookie must not be forwarded")
	}
}

func TestHandler_RetriesAndReportsTiming(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	backend.SetSequence("/api/simulations",
		testutil.NewUnavailableResponse(),
		testutil.NewUnavailableResponse(),
		testutil.NewJSONResponse(http.StatusOK, `{"ok":true}`),
	)

	h := newTestHandler(t, backend.URL(), nil)
	resp := serve(h, httptest.NewRequest("GET", "/api/backend/simulations", nil))

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("got %d %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(HeaderServerTiming); !strings.Contains(got, `desc="attempts=3"`) || !strings.HasPrefix(got, "upstream;dur=") {
		t.Errorf("Server-Timing = %q", got)
	}
	if backend.GetPathCount("/api/simulations") != 3 {
		t.Errorf("upstream hits = %d, want 3", backend.GetPathCount("/api/simulations"))
	}
}

func TestHandler_PostNotRetried(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	backend.SetSequence("/api/simulations",
		testutil.NewUnavailableResponse(),
		testutil.NewJSONResponse(http.StatusCreated, `{}`),
	)

	h := newTestHandler(t, backend.URL(), nil)
	resp := serve(h, httptest.NewRequest("POST", "/api/backend/simulations", strings.NewReader(`{"title":"x"}`)))

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want upstream 503 passed through", resp.StatusCode)
	}
	if backend.GetRequestCount() != 1 {
		t.Errorf("upstream hits = %d, want 1", backend.GetRequestCount())
	}
	if string(backend.LastRequestBody()) != `{"title":"x"}` {
		t.Errorf("upstream body = %q", backend.LastRequestBody())
	}
}

func TestHandler_RedirectBlocked(t *testing.T) {
	for _, status := range []int{301, 302, 303, 307, 308} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			backend := testutil.NewMockBackend()
			defer backend.Close()
			backend.SetResponse("/api/login", testutil.NewRedirectResponse(status, "https://evil.example"))

			h := newTestHandler(t, backend.URL(), nil)
			resp := serve(h, httptest.NewRequest("GET", "/api/backend/login", nil))

			if resp.StatusCode != http.StatusBadGateway {
				t.Fatalf("status = %d, want 502", resp.StatusCode)
			}
			if resp.Header.Get("Location") != "" {
				t.Errorf("Location leaked: %q", resp.Header.Get("Location"))
			}
			body := decodeError(t, resp)
			if body.Message != "Upstream redirect blocked" || body.UpstreamStatus != status {
				t.Errorf("body = %+v", body)
			}
			if resp.Header.Get(HeaderUpstreamStatus) != strconv.Itoa(status) {
				t.Errorf("%s = %q", HeaderUpstreamStatus, resp.Header.Get(HeaderUpstreamStatus))
			}
		})
	}
}

func TestHandler_RequestBodyTooLarge(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()

	h := newTestHandler(t, backend.URL(), nil)
	big := bytes.Repeat([]byte("a"), 3<<20)

	t.Run("declared", func(t *testing.T) {
		resp := serve(h, httptest.NewRequest("POST", "/api/backend/simulations", bytes.NewReader(big)))
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", resp.StatusCode)
		}
		if decodeError(t, resp).Message == "" {
			t.Error("error body needs a message")
		}
	})

	t.Run("undeclared", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/backend/simulations", io.MultiReader(bytes.NewReader(big)))
		r.ContentLength = -1
		resp := serve(h, r)
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", resp.StatusCode)
		}
	})

	if backend.GetRequestCount() != 0 {
		t.Errorf("upstream hits = %d, want 0", backend.GetRequestCount())
	}
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestHandler_UnreadableBody(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()

	h := newTestHandler(t, backend.URL(), nil)
	r := httptest.NewRequest("PUT", "/api/backend/simulations/1", brokenBody{})
	r.ContentLength = -1
	resp := serve(h, r)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if msg := decodeError(t, resp).Message; msg != "Invalid request body" {
		t.Errorf("message = %q", msg)
	}
	if resp.Header.Get(HeaderUpstreamStatus) != "0" {
		t.Errorf("%s = %q, want 0", HeaderUpstreamStatus, resp.Header.Get(HeaderUpstreamStatus))
	}
	if backend.GetRequestCount() != 0 {
		t.Error("no upstream call expected")
	}
}

func TestHandler_InvalidPath(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()

	h := newTestHandler(t, backend.URL(), nil)
	for _, path := range []string{"/api/backend/", "/api/backend/a/../../etc"} {
		resp := serve(h, httptest.NewRequest("GET", path, nil))
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, resp.StatusCode)
		}
		if resp.Header.Get(HeaderRequestID) == "" {
			t.Errorf("%s: error response without request id", path)
		}
	}
	if backend.GetRequestCount() != 0 {
		t.Error("no upstream call expected")
	}
}

func TestHandler_DeclaredResponseTooLarge(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	backend.SetHandler("/api/export", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "4096")
		w.Write(bytes.Repeat([]byte("x"), 4096))
	})

	h := newTestHandler(t, backend.URL(), func(c *Config) { c.MaxResponseBytes = 1024 })
	resp := serve(h, httptest.NewRequest("GET", "/api/backend/export", nil))

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if msg := decodeError(t, resp).Message; msg != "Upstream response too large" {
		t.Errorf("message = %q", msg)
	}
}

func TestHandler_HeadKeepsUpstreamLength(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	backend.SetHandler("/api/export", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "4096")
		if r.Method != http.MethodHead {
			w.Write(bytes.Repeat([]byte(" "), 4096))
		}
	})

	// The cap is below the declared length; HEAD carries no body.
	h := newTestHandler(t, backend.URL(), func(c *Config) { c.MaxResponseBytes = 1024 })
	resp := serve(h, httptest.NewRequest("HEAD", "/api/backend/export", nil))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Length"); got != "4096" {
		t.Errorf("Content-Length = %q, want upstream 4096", got)
	}
	if got := resp.Header.Get(HeaderUpstreamStatus); got != "200" {
		t.Errorf("%s = %q", HeaderUpstreamStatus, got)
	}
	if body, _ := io.ReadAll(resp.Body); len(body) != 0 {
		t.Errorf("HEAD body = %d bytes, want none", len(body))
	}
}

func TestHandler_StreamedResponseTooLarge(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	backend.SetStream("/api/dashboard", "application/json", 3<<20)

	h := newTestHandler(t, backend.URL(), nil)
	resp := serve(h, httptest.NewRequest("GET", "/api/backend/dashboard", nil))

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if msg := decodeError(t, resp).Message; msg != "Upstream response too large" {
		t.Errorf("message = %q", msg)
	}

	deadline := time.Now().Add(3 * time.Second)
	for backend.StreamsCancelled() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if backend.StreamsCancelled() == 0 {
		t.Error("upstream stream was not cancelled")
	}
}

func TestHandler_InvalidJSON(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	backend.SetResponse("/api/broken", testutil.NewJSONResponse(http.StatusOK, `{"items": [1, 2`))

	h := newTestHandler(t, backend.URL(), nil)
	resp := serve(h, httptest.NewRequest("GET", "/api/backend/broken", nil))

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if msg := decodeError(t, resp).Message; msg != "Invalid JSON from upstream" {
		t.Errorf("message = %q", msg)
	}
	if resp.Header.Get(HeaderUpstreamStatus) != "200" {
		t.Errorf("%s = %q, want 200", HeaderUpstreamStatus, resp.Header.Get(HeaderUpstreamStatus))
	}
}

func TestHandler_PassThroughBodies(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
	}{
		{"csv", http.StatusOK, "text/csv", "id,score\n1,90\n"},
		{"problem json", http.StatusNotFound, "application/problem+json", `{"title":"not found"}`},
		{"empty json", http.StatusNoContent, "application/json", ""},
		{"upstream error json", http.StatusUnprocessableEntity, "application/json; charset=utf-8", `{"message":"bad"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := testutil.NewMockBackend()
			defer backend.Close()
			backend.SetResponse("/api/resource", testutil.MockResponse{
				StatusCode: tt.status,
				Body:       tt.body,
				Headers:    map[string]string{"Content-Type": tt.contentType},
			})

			h := newTestHandler(t, backend.URL(), nil)
			resp := serve(h, httptest.NewRequest("GET", "/api/backend/resource", nil))

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.status || string(body) != tt.body {
				t.Errorf("got %d %q, want %d %q", resp.StatusCode, body, tt.status, tt.body)
			}
			if resp.Header.Get("Content-Type") != tt.contentType {
				t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
			}
		})
	}
}

func TestHandler_UpstreamTimeout(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	backend.SetResponse("/api/slow", testutil.MockResponse{StatusCode: 200, Delay: 2 * time.Second})

	h := newTestHandler(t, backend.URL(), func(c *Config) { c.Resolver.DefaultTimeout = 50 * time.Millisecond })
	resp := serve(h, httptest.NewRequest("GET", "/api/backend/slow", nil))

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if msg := decodeError(t, resp).Message; msg != "Request timed out after 50ms" {
		t.Errorf("message = %q", msg)
	}
	if resp.Header.Get(HeaderUpstreamStatus) != "0" {
		t.Errorf("%s = %q, want 0", HeaderUpstreamStatus, resp.Header.Get(HeaderUpstreamStatus))
	}
	if backend.GetRequestCount() != 1 {
		t.Errorf("upstream hits = %d, timeouts must not be retried", backend.GetRequestCount())
	}
}

func TestHandler_UpstreamUnreachable(t *testing.T) {
	backend := testutil.NewMockBackend()
	url := backend.URL()
	backend.Close()

	h := newTestHandler(t, url, nil)
	resp := serve(h, httptest.NewRequest("GET", "/api/backend/simulations", nil))

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body.Message != "Upstream request failed" {
		t.Errorf("message = %q", body.Message)
	}
	if strings.Contains(body.Message, "refused") {
		t.Error("transport internals leaked to the caller")
	}
}

func TestHandler_ClientDisconnectAbortsUpstream(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	backend.SetResponse("/api/slow", testutil.MockResponse{StatusCode: 200, Delay: 5 * time.Second})

	h := newTestHandler(t, backend.URL(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	resp := serve(h, httptest.NewRequest("GET", "/api/backend/slow", nil).WithContext(ctx))

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("upstream call not aborted, took %v", elapsed)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if msg := decodeError(t, resp).Message; msg != "Request aborted" {
		t.Errorf("message = %q", msg)
	}
}

func TestHandler_BudgetExceeded(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	backend.SetResponse("/api/flaky", testutil.NewUnavailableResponse())

	h := newTestHandler(t, backend.URL(), func(c *Config) {
		c.Policy = fetch.Policy{
			MaxAttempts:  10,
			BackoffBase:  30 * time.Millisecond,
			BackoffCap:   30 * time.Millisecond,
			MaxTotalTime: 50 * time.Millisecond,
		}
	})
	resp := serve(h, httptest.NewRequest("GET", "/api/backend/flaky", nil))

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if msg := decodeError(t, resp).Message; msg != "Upstream retry budget exceeded" {
		t.Errorf("message = %q", msg)
	}
}

func TestIsJSON(t *testing.T) {
	for ct, want := range map[string]bool{
		"application/json":                true,
		"application/json; charset=utf-8": true,
		"APPLICATION/JSON":                true,
		"application/vnd.api+json":        true,
		"text/plain":                      false,
		"text/html; charset=utf-8":        false,
		"":                                false,
	} {
		if got := isJSON(ct); got != want {
			t.Errorf("isJSON(%q) = %v, want %v", ct, got, want)
		}
	}
}

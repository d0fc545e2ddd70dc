// Package gateway forwards browser requests to the simulation backend.
//
// Each request is resolved to an upstream target, size-limited, executed
// through the fetch engine with the inbound request's context, and answered
// with a capped, content-aware body. Redirects are never passed through.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/simgate/pkg/bodylimit"
	"github.com/Sternrassler/simgate/pkg/fetch"
	"github.com/Sternrassler/simgate/pkg/logging"
	"github.com/rs/zerolog"
)

// DefaultMaxBodyBytes caps request and response bodies (2 MiB).
const DefaultMaxBodyBytes = 2 << 20

// Config holds the gateway configuration.
type Config struct {
	Resolver *Resolver

	// Engine executes upstream calls. A default engine is created when nil.
	Engine *fetch.Engine

	// Policy is passed to the engine for every call.
	Policy fetch.Policy

	MaxRequestBytes  int64
	MaxResponseBytes int64

	Logger *zerolog.Logger
}

// Handler is the forwarding http.Handler.
type Handler struct {
	resolver         *Resolver
	engine           *fetch.Engine
	policy           fetch.Policy
	maxRequestBytes  int64
	maxResponseBytes int64
	logger           zerolog.Logger
}

// NewHandler creates a gateway handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Resolver == nil || cfg.Resolver.BackendBase == nil {
		return nil, errors.New("gateway: resolver with backend base URL is required")
	}

	h := &Handler{
		resolver:         cfg.Resolver,
		engine:           cfg.Engine,
		policy:           cfg.Policy,
		maxRequestBytes:  cfg.MaxRequestBytes,
		maxResponseBytes: cfg.MaxResponseBytes,
		logger:           logging.NewLogger("gateway"),
	}
	if h.engine == nil {
		h.engine = fetch.New(fetch.Config{})
	}
	if h.maxRequestBytes <= 0 {
		h.maxRequestBytes = DefaultMaxBodyBytes
	}
	if h.maxResponseBytes <= 0 {
		h.maxResponseBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger != nil {
		h.logger = *cfg.Logger
	}
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := requestID(r)
	w.Header().Set(HeaderRequestID, id)
	logger := h.logger.With().Str("request_id", id).Str("method", r.Method).Logger()

	target, err := h.resolver.Resolve(r.Method, r.URL)
	if err != nil {
		h.fail(w, r, logger, 0, 0, start, &ValidationError{
			Status:  http.StatusBadRequest,
			Message: "Invalid request path",
			Err:     err,
		})
		return
	}
	logger = logger.With().Str("path", target.BackendPath).Logger()

	var body []byte
	if hasBody(r.Method) {
		body, err = h.readRequestBody(r)
		if err != nil {
			h.fail(w, r, logger, 0, 0, start, err)
			return
		}
	}

	header := forwardHeaders(r.Header)
	header.Set(HeaderRequestID, id)

	resp, err := h.engine.Do(r.Context(), fetch.Request{
		Method:  target.Method,
		URL:     target.URL,
		Header:  header,
		Body:    body,
		Timeout: target.Timeout,
		Policy:  h.policy,
		Start:   start,
	})
	if err != nil {
		h.fail(w, r, logger, 0, fetch.AttemptsOf(err), start, err)
		return
	}
	defer resp.Body.Close()

	status, attempts := resp.StatusCode, resp.Meta.Attempts

	if status >= 300 && status < 400 {
		logger.Warn().
			Int("status", status).
			Str("location", resp.Header.Get("Location")).
			Msg("Blocked upstream redirect")
		h.fail(w, r, logger, status, attempts, start, ErrRedirectBlocked)
		return
	}

	if r.Method == http.MethodHead {
		h.forwardHead(w, logger, resp, attempts, start)
		return
	}

	if bodylimit.DeclaredTooLarge(resp.ContentLength, h.maxResponseBytes) {
		h.fail(w, r, logger, status, attempts, start, fmt.Errorf("declared %d bytes: %w", resp.ContentLength, bodylimit.ErrTooLarge))
		return
	}

	data, err := bodylimit.ReadAll(resp.Body, h.maxResponseBytes)
	if err != nil {
		if !errors.Is(err, bodylimit.ErrTooLarge) && r.Context().Err() != nil {
			err = &fetch.AbortedError{Cause: err, Attempts: attempts}
		}
		h.fail(w, r, logger, status, attempts, start, err)
		return
	}

	if isJSON(resp.Header.Get("Content-Type")) && len(bytes.TrimSpace(data)) > 0 && !json.Valid(data) {
		h.fail(w, r, logger, status, attempts, start, errInvalidJSON)
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	setUpstreamHeaders(w.Header(), status, attempts, time.Since(start))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Warn().Err(err).Msg("Failed to write response")
	}

	gatewayRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	gatewayResponseBytes.Observe(float64(len(data)))

	logger.Info().
		Int("status", status).
		Int("attempts", attempts).
		Dur("duration", time.Since(start)).
		Int("bytes", len(data)).
		Msg("Forwarded request")
}

// forwardHead answers a HEAD request. No body is read, so the upstream
// Content-Length is passed through and the response cap does not apply.
func (h *Handler) forwardHead(w http.ResponseWriter, logger zerolog.Logger, resp *fetch.Response, attempts int, start time.Time) {
	status := resp.StatusCode
	copyResponseHeaders(w.Header(), resp.Header)
	setUpstreamHeaders(w.Header(), status, attempts, time.Since(start))
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(status)

	gatewayRequestsTotal.WithLabelValues(http.MethodHead, strconv.Itoa(status)).Inc()
	logger.Info().
		Int("status", status).
		Int("attempts", attempts).
		Dur("duration", time.Since(start)).
		Msg("Forwarded request")
}

// readRequestBody applies the declared and actual length checks.
func (h *Handler) readRequestBody(r *http.Request) ([]byte, error) {
	if bodylimit.DeclaredTooLarge(r.ContentLength, h.maxRequestBytes) {
		return nil, &ValidationError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: "Request body too large",
			Err:     bodylimit.ErrTooLarge,
		}
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	body, err := bodylimit.ReadAll(r.Body, h.maxRequestBytes)
	switch {
	case errors.Is(err, bodylimit.ErrTooLarge):
		return nil, &ValidationError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: "Request body too large",
			Err:     err,
		}
	case err != nil:
		return nil, &ValidationError{
			Status:  http.StatusBadRequest,
			Message: "Invalid request body",
			Err:     err,
		}
	}
	return body, nil
}

// fail writes the JSON error envelope. upstreamStatus is 0 when no
// upstream response was received.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, upstreamStatus, attempts int, start time.Time, err error) {
	f := classify(err)
	if errors.Is(err, ErrRedirectBlocked) {
		f.body.UpstreamStatus = upstreamStatus
	}

	event := logger.Error()
	if f.status < http.StatusInternalServerError {
		event = logger.Warn()
	}
	event.Err(err).
		Int("status", f.status).
		Int("upstream_status", upstreamStatus).
		Int("attempts", attempts).
		Str("reason", f.reason).
		Dur("duration", time.Since(start)).
		Msg("Gateway request failed")

	gatewayRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(f.status)).Inc()
	gatewayRejectionsTotal.WithLabelValues(f.reason).Inc()

	header := w.Header()
	header.Del("Location")
	setUpstreamHeaders(header, upstreamStatus, attempts, time.Since(start))
	respondError(w, f.status, f.body)
}

// respondError writes a JSON error body with the given status.
func respondError(w http.ResponseWriter, status int, body errorBody) {
	payload, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func setUpstreamHeaders(h http.Header, upstreamStatus, attempts int, elapsed time.Duration) {
	h.Set(HeaderUpstreamStatus, strconv.Itoa(upstreamStatus))
	if attempts > 1 {
		h.Set(HeaderServerTiming, fmt.Sprintf("upstream;dur=%d;desc=\"attempts=%d\"", elapsed.Milliseconds(), attempts))
	}
}

// hasBody reports whether method carries a request body to forward.
func hasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

// isJSON matches application/json and any +json media type.
func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// Package httpapi wires the resolution engine to its HTTP surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/feedworks/feedgate/api"
	"github.com/feedworks/feedgate/internal/correlation"
	"github.com/feedworks/feedgate/internal/resolve"
)

const headerCorrelationID = "X-Correlation-Id"
const downloadBodyLimit = 64 << 10

// Resolver is the engine boundary the HTTP layer consumes.
type Resolver interface {
	Resolve(ctx context.Context, application, companyID string) (*resolve.Result, error)
	Profiles() []string
}

// Config assembles a Handler.
type Config struct {
	Resolver Resolver
	Logger   pslog.Logger
	Metrics  *Metrics
	// RatePerHour bounds POST /download per client IP. Zero disables limiting.
	RatePerHour int
	// Ready gates /readyz; nil means always ready.
	Ready          func(ctx context.Context) error
	TracingEnabled bool
}

// Handler wires HTTP endpoints to resolution operations.
type Handler struct {
	resolver           Resolver
	logger             pslog.Logger
	metrics            *Metrics
	limiter            *rateLimiterStore
	ready              func(ctx context.Context) error
	httpTracingEnabled bool
	tracer             trace.Tracer
}

// NewHandler builds the handler. A nil logger falls back to a noop logger.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	h := &Handler{
		resolver:           cfg.Resolver,
		logger:             logger,
		metrics:            cfg.Metrics,
		ready:              cfg.Ready,
		httpTracingEnabled: cfg.TracingEnabled,
	}
	if cfg.RatePerHour > 0 {
		h.limiter = newRateLimiterStore(cfg.RatePerHour)
	}
	if cfg.TracingEnabled {
		h.tracer = otel.Tracer("feedgate/httpapi")
	}
	return h
}

// Close releases background resources held by the handler.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.stop()
	}
}

// Register wires the routes and health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/download", h.limit(h.wrap("download", h.handleDownload)))
	mux.Handle("/applications", h.wrap("applications", h.handleApplications))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
	mux.Handle("/", h.wrap("index", h.handleIndex))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "feedgate.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := xid.New().String()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, "feedgate.op."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("feedgate.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("feedgate.operation", operation),
				attribute.String("feedgate.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		ctx = correlation.Ensure(ctx)
		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}

		logger := h.logger.With(
			"sys", sys,
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"cid", correlation.ID(ctx),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		if instrument {
			span.SetAttributes(attribute.String("feedgate.correlation_id", correlation.ID(ctx)))
		}

		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if corr := correlation.ID(ctx); corr != "" {
			w.Header().Set(headerCorrelationID, corr)
		}
		if err := fn(w, r); err != nil {
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: POST"}
	}
	var req api.DownloadRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, downloadBodyLimit))
	if err := dec.Decode(&req); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_request", Detail: fmt.Sprintf("decode request body: %v", err)}
	}

	ctx := r.Context()
	start := time.Now()
	res, err := h.resolver.Resolve(ctx, req.ApplicationName, req.CompanyID)
	strategy := string(resolve.StrategyFor(strings.TrimSpace(req.ApplicationName)))
	if err != nil {
		var rerr *resolve.Error
		if errors.As(err, &rerr) {
			h.metrics.observeResolution(req.ApplicationName, strategy, string(rerr.Kind), time.Since(start))
			return httpError{Status: statusForKind(rerr.Kind), Code: string(rerr.Kind), Detail: rerr.Detail}
		}
		h.metrics.observeResolution(req.ApplicationName, strategy, "internal_error", time.Since(start))
		return err
	}
	h.metrics.observeResolution(res.Application, string(res.Strategy), "ok", time.Since(start))

	files := make([]api.MatchedFile, 0, len(res.Files))
	for _, f := range res.Files {
		files = append(files, api.MatchedFile{File: f.Name, Container: f.Container, DownloadURL: f.URL})
	}
	message := fmt.Sprintf("resolved %d file(s)", len(files))
	if len(files) == 0 {
		message = "scan completed without a match"
	}
	h.writeJSON(w, http.StatusOK, api.DownloadResponse{
		Message:       message,
		Strategy:      string(res.Strategy),
		Files:         files,
		CorrelationID: correlation.ID(ctx),
	}, nil)
	return nil
}

// statusForKind maps resolution failure kinds to HTTP statuses. Bad input is
// the caller's fault, missing records and unmatched scans are not-found, and
// link issuance failures are server faults.
func statusForKind(kind resolve.Kind) int {
	switch kind {
	case resolve.KindInvalidRequest, resolve.KindUnknownApplication:
		return http.StatusBadRequest
	case resolve.KindLinkIssuance:
		return http.StatusInternalServerError
	default:
		return http.StatusNotFound
	}
}

func (h *Handler) handleApplications(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET"}
	}
	names := h.resolver.Profiles()
	sort.Strings(names)
	h.writeJSON(w, http.StatusOK, api.ApplicationList{Applications: names}, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: err.Error()}
		}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		resp := api.ErrorResponse{
			ErrorCode:     httpErr.Code,
			Detail:        httpErr.Detail,
			CorrelationID: correlation.ID(ctx),
		}
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, resp, headers)
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode:     "internal_error",
		Detail:        "internal server error",
		CorrelationID: correlation.ID(ctx),
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

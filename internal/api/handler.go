package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/observability"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/ratelimit"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/student"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/upstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StudentsPath is the lookup endpoint.
const StudentsPath = "/api/students"

// Handler serves StudentsPath.
type Handler struct {
	service  *Service
	limiter  ratelimit.Limiter // nil when rate limiting is disabled
	identity *ratelimit.IdentityResolver
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler wires a Handler. limiter may be nil.
func NewHandler(service *Service, limiter ratelimit.Limiter, identity *ratelimit.IdentityResolver, metrics *observability.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		limiter:  limiter,
		identity: identity,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
	}
	sw.Header().Set(requestIDHeader, reqID)
	sw.Header().Set("Cache-Control", "no-store")

	defer func() {
		h.metrics.PromRequestDuration.WithLabelValues(r.Method, strconv.Itoa(sw.code)).
			Observe(time.Since(start).Seconds())
	}()

	logger := h.logger.With("request_id", reqID)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		sw.Header().Set("Allow", "GET, HEAD")
		writeJSONError(sw, http.StatusMethodNotAllowed, MsgMethodNotAllowed)
		return
	}

	q, err := student.ParseQuery(r.URL.Query())
	if err != nil {
		var ve *student.ValidationError
		if errors.As(err, &ve) {
			writeJSONError(sw, http.StatusBadRequest, ve.Message)
			return
		}
		writeJSONError(sw, http.StatusBadRequest, student.MsgMissingParams)
		return
	}

	if !h.admit(sw, r, logger) {
		return
	}

	res, err := h.service.Lookup(r.Context(), q)
	if err != nil {
		h.logLookupError(logger, err)
		writeJSONError(sw, http.StatusInternalServerError, MsgUpstreamFailed)
		return
	}

	rec := res.Record
	if res.Cached {
		rec = rec.Annotated(true, res.Stale)
	}
	if err := writeJSON(sw, http.StatusOK, rec); err != nil {
		logger.Debug("writing response failed", "error", err)
	}
}

// admit runs the rate limiter and writes the rejection or failure response
// itself. It returns true when the request may proceed.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, logger *slog.Logger) bool {
	if h.limiter == nil {
		h.metrics.IncAllowed()
		return true
	}

	identity := ratelimit.UnknownIdentity
	if h.identity != nil {
		identity = h.identity.Resolve(r)
	}

	ctx, span := observability.Tracer().Start(r.Context(), "sigmabio.ratelimit")
	defer span.End()

	d, err := h.limiter.Allow(ctx, identity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "limiter failure")
		logger.Error("rate limiter failed", "identity", identity, "error", err)
		writeJSONError(w, http.StatusInternalServerError, MsgUpstreamFailed)
		return false
	}
	span.SetAttributes(
		attribute.Bool("sigmabio.ratelimit.allowed", d.Allowed),
		attribute.Int64("sigmabio.ratelimit.remaining", d.Remaining),
	)

	now := h.now()
	setRateLimitHeaders(w, d, now)
	if !d.Allowed {
		h.metrics.IncLimited()
		logger.Info("request rate limited", "identity", identity, "count", d.Count, "limit", d.Limit)
		w.Header().Set("Retry-After", strconv.FormatInt(d.RetryAfter(now), 10))
		writeJSONError(w, http.StatusTooManyRequests, MsgTooManyRequests)
		return false
	}
	h.metrics.IncAllowed()
	return true
}

func (h *Handler) logLookupError(logger *slog.Logger, err error) {
	var ue *upstream.UpstreamError
	var pe *upstream.ParseError
	switch {
	case errors.Is(err, context.Canceled):
		logger.Debug("client went away during lookup")
	case errors.Is(err, upstream.ErrCircuitOpen):
		logger.Warn("upstream circuit open, failing fast")
	case errors.As(err, &pe):
		logger.Error("upstream returned an unreadable body", "snippet", pe.Snippet)
	case errors.As(err, &ue):
		logger.Error("upstream fetch failed", "status", ue.StatusCode, "timeout", ue.Timeout, "error", ue.Err)
	default:
		logger.Error("lookup failed", "error", err)
	}
}

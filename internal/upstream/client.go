// Package upstream fetches student records from the Google Apps Script web
// app that fronts the grades spreadsheet. Every call is a live fetch: the
// transport never caches, redirects are followed, and a circuit breaker
// stops hammering the script when it keeps failing.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/config"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/observability"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/student"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/net/http2"
)

const (
	maxRedirects     = 10
	snippetLen       = 128
	defaultTimeout   = 10 * time.Second
	defaultMaxBody   = 4 << 20
	defaultAction    = "getStudentData"
	defaultUserAgent = "Mozilla/5.0"
)

// Observer receives one call per upstream attempt. *observability.Metrics
// satisfies it.
type Observer interface {
	ObserveUpstream(outcome string, d time.Duration)
}

// Client calls the spreadsheet API.
type Client struct {
	endpoint  *url.URL
	action    string
	userAgent string
	timeout   time.Duration
	maxBody   int64
	http      *http.Client
	breaker   *breaker
	observer  Observer
	logger    *slog.Logger
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithObserver reports every fetch outcome to o.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithHTTPClient replaces the HTTP client built from the transport settings.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New builds a Client from cfg.
func New(cfg config.UpstreamConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", cfg.URL, err)
	}

	timeout := config.MustParseDuration(cfg.Timeout, defaultTimeout)
	idleConnTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	resetTimeout := config.MustParseDuration(cfg.CircuitBreaker.ResetTimeout, 30*time.Second)

	c := &Client{
		endpoint:  endpoint,
		action:    cfg.Action,
		userAgent: cfg.UserAgent,
		timeout:   timeout,
		maxBody:   cfg.MaxResponseBytes,
		breaker:   newBreaker(cfg.CircuitBreaker.Threshold, resetTimeout),
		logger:    logger,
	}
	if c.action == "" {
		c.action = defaultAction
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.maxBody <= 0 {
		c.maxBody = defaultMaxBody
	}

	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		transport, err := buildTransport(cfg.Transport, cfg.MaxIdleConns, idleConnTimeout)
		if err != nil {
			return nil, err
		}
		c.http = &http.Client{Transport: transport}
	} else {
		hc := *c.http
		c.http = &hc
	}
	c.http.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return c, nil
}

// buildTransport returns an HTTP/1.1 transport upgraded to negotiate HTTP/2
// over TLS, with keep-alive pings on idle HTTP/2 connections.
func buildTransport(cfg config.TransportConfig, maxIdleConns int, idleConnTimeout time.Duration) (*http.Transport, error) {
	dialTimeout := config.MustParseDuration(cfg.DialTimeout, 10*time.Second)
	dialKeepAlive := config.MustParseDuration(cfg.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout := config.MustParseDuration(cfg.TLSHandshakeTimeout, 10*time.Second)
	if maxIdleConns <= 0 {
		maxIdleConns = 100
	}

	h1 := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
	}
	h2, err := http2.ConfigureTransports(h1)
	if err != nil {
		return nil, fmt.Errorf("configuring http2: %w", err)
	}
	h2.ReadIdleTimeout = 30 * time.Second
	h2.PingTimeout = 15 * time.Second
	return h1, nil
}

// BreakerOpen reports whether calls are currently short-circuited.
func (c *Client) BreakerOpen() bool { return c.breaker.open() }

// CloseIdleConnections closes idle keep-alive connections.
func (c *Client) CloseIdleConnections() { c.http.CloseIdleConnections() }

// Fetch retrieves the record for q. It never retries. Errors are
// *UpstreamError, *ParseError, ErrCircuitOpen, or the caller's own context
// cancellation.
func (c *Client) Fetch(ctx context.Context, q student.Query) (student.Record, error) {
	ctx, span := observability.Tracer().Start(ctx, "sigmabio.upstream")
	defer span.End()

	if !c.breaker.allow() {
		c.observe(observability.UpstreamCircuitOpen, 0)
		span.SetStatus(codes.Error, "circuit open")
		return nil, ErrCircuitOpen
	}

	start := time.Now()
	rec, err := c.fetch(ctx, q)
	elapsed := time.Since(start)

	outcome := observability.UpstreamOK
	var ue *UpstreamError
	var pe *ParseError
	switch {
	case err == nil:
		c.breaker.success()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// The caller went away; this says nothing about upstream health.
		span.RecordError(err)
		return nil, err
	case errors.As(err, &pe):
		outcome = observability.UpstreamParseError
		c.breaker.failure()
		c.logger.Warn("upstream returned a non-object body", "snippet", pe.Snippet, "error", pe.Err)
	case errors.As(err, &ue) && ue.Timeout:
		outcome = observability.UpstreamTimeout
		c.breaker.failure()
	default:
		outcome = observability.UpstreamError
		c.breaker.failure()
	}
	c.observe(outcome, elapsed)

	span.SetAttributes(attribute.String("sigmabio.upstream.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	return rec, nil
}

func (c *Client) fetch(ctx context.Context, q student.Query) (student.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(q), nil)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, c.maxBody))
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, &UpstreamError{Err: fmt.Errorf("%w: limit %d bytes", ErrResponseTooLarge, c.maxBody)}
	}
	return decodeRecord(body)
}

// requestURL appends the query parameters to the configured endpoint,
// keeping any parameters already present in it.
func (c *Client) requestURL(q student.Query) string {
	u := *c.endpoint
	v := u.Query()
	v.Set("action", c.action)
	v.Set("email", q.Email)
	v.Set("nisn", q.NISN)
	if q.Semester != "" {
		v.Set("semester", q.Semester)
	}
	u.RawQuery = v.Encode()
	return u.String()
}

func classifyTransportErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &UpstreamError{Timeout: true, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &UpstreamError{Timeout: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &UpstreamError{Err: err}
}

func decodeRecord(body []byte) (student.Record, error) {
	var rec student.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, &ParseError{Snippet: snippet(body), Err: err}
	}
	if rec == nil {
		return nil, &ParseError{Snippet: snippet(body), Err: errors.New("null body")}
	}
	return rec, nil
}

func snippet(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) > snippetLen {
		body = body[:snippetLen]
	}
	return string(body)
}

func (c *Client) observe(outcome string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveUpstream(outcome, d)
	}
}

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/cache"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/config"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/observability"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/ratelimit"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSheet stands in for the Apps Script endpoint.
type fakeSheet struct {
	hits   atomic.Int64
	status atomic.Int64
	body   atomic.Value // string
}

func newFakeSheet(t *testing.T, body string) (*fakeSheet, *httptest.Server) {
	t.Helper()
	fs := &fakeSheet{}
	fs.status.Store(http.StatusOK)
	fs.body.Store(body)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fs.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(fs.status.Load()))
		_, _ = io.WriteString(w, fs.body.Load().(string))
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

type harness struct {
	handler *Handler
	metrics *observability.Metrics
	store   *cache.MemoryStore
}

func newHarness(t *testing.T, upstreamURL string, limiter ratelimit.Limiter) *harness {
	t.Helper()
	m := newTestMetrics()
	client, err := upstream.New(config.UpstreamConfig{URL: upstreamURL, Timeout: "2s"}, testLogger, upstream.WithObserver(m))
	require.NoError(t, err)
	identity, err := ratelimit.NewIdentityResolver(config.IdentityConfig{})
	require.NoError(t, err)

	store := newMemoryStore(t)
	svc := NewService(store, client, true, m, testLogger)
	return &harness{handler: NewHandler(svc, limiter, identity, m, testLogger), metrics: m, store: store}
}

func (h *harness) get(target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

const aliceURL = "/api/students?email=alice@school.id&nisn=001"

func TestHandlerLookup(t *testing.T) {
	t.Run("fresh fetch then cached", func(t *testing.T) {
		sheet, srv := newFakeSheet(t, `{"profile":{"name":"Alice"},"akademik":[{"mapel":"Biologi","nilai":90}]}`)
		h := newHarness(t, srv.URL, ratelimit.NewMemoryLimiter(10, time.Minute))

		rec := h.get(aliceURL)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"profile":{"name":"Alice"},"akademik":[{"mapel":"Biologi","nilai":90}]}`, rec.Body.String())
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		assert.Len(t, rec.Header().Get("X-Request-Id"), 32)

		rec = h.get(aliceURL)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"profile":{"name":"Alice"},"akademik":[{"mapel":"Biologi","nilai":90}],"_cached":true}`, rec.Body.String())
		assert.Equal(t, int64(1), sheet.hits.Load())
	})

	t.Run("missing parameters", func(t *testing.T) {
		_, srv := newFakeSheet(t, `{}`)
		h := newHarness(t, srv.URL, nil)

		for _, target := range []string{
			"/api/students",
			"/api/students?email=alice@school.id",
			"/api/students?nisn=001",
			"/api/students?email=%20&nisn=001",
		} {
			rec := h.get(target)
			assert.Equal(t, http.StatusBadRequest, rec.Code, target)
			assert.JSONEq(t, `{"error":"Missing email or nisn in query string"}`, rec.Body.String(), target)
		}
	})

	t.Run("invalid semester", func(t *testing.T) {
		sheet, srv := newFakeSheet(t, `{}`)
		h := newHarness(t, srv.URL, nil)

		rec := h.get(aliceURL + "&semester=3")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"Invalid semester, expected 1 or 2"}`, rec.Body.String())
		assert.Zero(t, sheet.hits.Load())
	})

	t.Run("upstream failure", func(t *testing.T) {
		sheet, srv := newFakeSheet(t, `oops`)
		sheet.status.Store(http.StatusBadGateway)
		h := newHarness(t, srv.URL, nil)

		rec := h.get(aliceURL)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"Gagal menyambung ke database Google"}`, rec.Body.String())
		assert.Equal(t, int64(1), h.metrics.Snapshot().UpstreamErrors)
	})

	t.Run("non-object body", func(t *testing.T) {
		_, srv := newFakeSheet(t, `<html>login</html>`)
		h := newHarness(t, srv.URL, nil)

		rec := h.get(aliceURL)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"Gagal menyambung ke database Google"}`, rec.Body.String())
	})

	t.Run("error payload passes through uncached", func(t *testing.T) {
		sheet, srv := newFakeSheet(t, `{"error":"Data siswa tidak ditemukan"}`)
		h := newHarness(t, srv.URL, nil)

		for range 2 {
			rec := h.get(aliceURL)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"error":"Data siswa tidak ditemukan"}`, rec.Body.String())
		}
		assert.Equal(t, int64(2), sheet.hits.Load())
	})

	t.Run("email casing reaches the upstream and the cache unchanged", func(t *testing.T) {
		var hits atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			if r.URL.Query().Get("email") == "alice@school.id" {
				_, _ = io.WriteString(w, `{"nilai":90}`)
				return
			}
			_, _ = io.WriteString(w, `{"error":"Data siswa tidak ditemukan"}`)
		}))
		t.Cleanup(srv.Close)
		h := newHarness(t, srv.URL, nil)

		const mixed = "/api/students?email=Alice@School.ID&nisn=001"
		rec := h.get(mixed)
		assert.JSONEq(t, `{"error":"Data siswa tidak ditemukan"}`, rec.Body.String())

		rec = h.get(aliceURL)
		assert.JSONEq(t, `{"nilai":90}`, rec.Body.String())
		rec = h.get(aliceURL)
		assert.JSONEq(t, `{"nilai":90,"_cached":true}`, rec.Body.String())

		rec = h.get(mixed)
		assert.JSONEq(t, `{"error":"Data siswa tidak ditemukan"}`, rec.Body.String())
		assert.Equal(t, int64(3), hits.Load())
	})
}

func TestHandlerScenarios(t *testing.T) {
	sheet, srv := newFakeSheet(t, `{"nilai":88}`)
	h := newHarness(t, srv.URL, ratelimit.NewMemoryLimiter(10, time.Minute))

	rec := h.get("/api/students?email=a@b.com&nisn=123")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"nilai":88}`, rec.Body.String())
	l, ok := h.store.Get(context.Background(), "student:a@b.com:123:current")
	require.True(t, ok)
	assert.JSONEq(t, `88`, string(l.Record["nilai"]))

	rec = h.get("/api/students?email=a@b.com&nisn=123")
	assert.JSONEq(t, `{"nilai":88,"_cached":true}`, rec.Body.String())
	assert.Equal(t, int64(1), sheet.hits.Load())

	rec = h.get("/api/students?email=a@b.com")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(1), sheet.hits.Load())

	// Eight more admitted requests bring the window to ten; the 400 above
	// was rejected before the limiter.
	for i := range 8 {
		require.Equal(t, http.StatusOK, h.get("/api/students?email=a@b.com&nisn=123").Code, "request %d", i+3)
	}
	rec = h.get("/api/students?email=a@b.com&nisn=123")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, int64(10), h.metrics.Snapshot().Allowed)
}

func TestHandlerRateLimit(t *testing.T) {
	t.Run("rejects past the quota", func(t *testing.T) {
		sheet, srv := newFakeSheet(t, `{"ok":true}`)
		h := newHarness(t, srv.URL, ratelimit.NewMemoryLimiter(2, time.Minute))

		for i := range 2 {
			rec := h.get(aliceURL, "X-Forwarded-For", "10.0.0.1")
			require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
			assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
			assert.Equal(t, strconv.Itoa(1-i), rec.Header().Get("X-RateLimit-Remaining"))
		}

		rec := h.get(aliceURL, "X-Forwarded-For", "10.0.0.1")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.JSONEq(t, `{"error":"Too many requests, please try again later"}`, rec.Body.String())
		assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

		retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, retry, 1)
		assert.LessOrEqual(t, retry, 60)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

		// Another client has its own window.
		rec = h.get(aliceURL, "X-Forwarded-For", "10.0.0.2")
		assert.Equal(t, http.StatusOK, rec.Code)

		assert.Equal(t, int64(1), sheet.hits.Load())
		snap := h.metrics.Snapshot()
		assert.Equal(t, int64(3), snap.Allowed)
		assert.Equal(t, int64(1), snap.Limited)
	})

	t.Run("rejected requests never reach the cache", func(t *testing.T) {
		_, srv := newFakeSheet(t, `{"ok":true}`)
		h := newHarness(t, srv.URL, ratelimit.NewMemoryLimiter(1, time.Minute))

		require.Equal(t, http.StatusOK, h.get(aliceURL).Code)
		require.Equal(t, http.StatusTooManyRequests, h.get(aliceURL).Code)

		snap := h.metrics.Snapshot()
		assert.Zero(t, snap.CacheHits)
		assert.Equal(t, int64(1), snap.CacheMisses)
	})

	t.Run("limiter failure", func(t *testing.T) {
		sheet, srv := newFakeSheet(t, `{"ok":true}`)
		h := newHarness(t, srv.URL, failingLimiter{})

		rec := h.get(aliceURL)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"Gagal menyambung ke database Google"}`, rec.Body.String())
		assert.Zero(t, sheet.hits.Load())
	})
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}
func (failingLimiter) Reconfigure(int64, time.Duration) {}
func (failingLimiter) Close() error                     { return nil }

func TestHandlerProtocol(t *testing.T) {
	t.Run("method not allowed", func(t *testing.T) {
		_, srv := newFakeSheet(t, `{}`)
		h := newHarness(t, srv.URL, nil)

		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, httptest.NewRequest(method, aliceURL, nil))
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
			assert.JSONEq(t, `{"error":"Method not allowed"}`, rec.Body.String(), method)
			assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
		}
	})

	t.Run("head has headers but no body", func(t *testing.T) {
		_, up := newFakeSheet(t, `{"ok":true}`)
		h := newHarness(t, up.URL, nil)
		srv := httptest.NewServer(h.handler)
		defer srv.Close()

		resp, err := http.Head(srv.URL + aliceURL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, body)
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	})

	t.Run("request id", func(t *testing.T) {
		_, srv := newFakeSheet(t, `{}`)
		h := newHarness(t, srv.URL, nil)

		rec := h.get(aliceURL, "X-Request-Id", "trace-abc.123")
		assert.Equal(t, "trace-abc.123", rec.Header().Get("X-Request-Id"))

		rec = h.get(aliceURL, "X-Request-Id", "bad id\r\n")
		assert.NotEqual(t, "bad id\r\n", rec.Header().Get("X-Request-Id"))
		assert.Len(t, rec.Header().Get("X-Request-Id"), 32)
	})
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("abc-DEF_123.4:5"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("has space"))
	assert.False(t, validRequestID(string(make([]byte, maxRequestIDLen+1))))
	assert.NotEqual(t, generateRequestID(), generateRequestID())
}

// Package server assembles the SIGMA-BIO proxy from its config: the public
// listener serving the student lookup API and the admin listener exposing
// health probes and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/api"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/cache"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/config"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/observability"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/ratelimit"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/redis"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server owns both listeners and every component behind them.
type Server struct {
	mu  sync.Mutex
	cfg *config.Config

	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled
	adminServer     *http.Server
	handler         *api.Handler
	limiter         ratelimit.Limiter // nil when rate limiting is disabled
	upstream        *upstream.Client
	redisClient     redis.Client // nil when no component uses Redis
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled
}

// New builds a Server from a validated config.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		health:  health,
		metrics: metrics,
	}

	if cfg.UsesRedis() {
		redis.WarnInsecure(cfg.Redis.TLS, logger)
		client, err := openRedis(cfg, logger)
		if err != nil {
			return nil, err
		}
		s.redisClient = client
		health.SetCheck("redis", redis.Pinger{Client: client})
	}

	limiter, err := buildLimiter(cfg, s.redisClient, metrics, logger.With("component", "ratelimit"))
	if err != nil {
		s.closeRedis()
		return nil, err
	}
	s.limiter = limiter

	store, err := buildStore(cfg, s.redisClient, metrics, logger.With("component", "cache"))
	if err != nil {
		s.closeComponents()
		return nil, err
	}

	up, err := upstream.New(cfg.Upstream, logger.With("component", "upstream"), upstream.WithObserver(metrics))
	if err != nil {
		s.closeComponents()
		return nil, fmt.Errorf("create upstream client: %w", err)
	}
	s.upstream = up

	identity, err := ratelimit.NewIdentityResolver(cfg.RateLimit.Identity)
	if err != nil {
		s.closeComponents()
		return nil, fmt.Errorf("rate_limit.identity: %w", err)
	}

	svc := api.NewService(store, up, cfg.Cache.CoalesceMisses, metrics, logger.With("component", "api"))
	s.handler = api.NewHandler(svc, limiter, identity, metrics, logger.With("component", "api"))

	if cfg.Server.TLS.Enabled {
		certs, err := newCertHolder(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			s.closeComponents()
			return nil, err
		}
		s.certs = certs
	}

	s.mainServer, s.http3Server = buildMainServer(cfg, s.Handler(), s.certs, logger)
	s.adminServer = buildAdminServer(cfg, health, reg, logger)
	return s, nil
}

// openRedis connects to Redis. When the rate limiter would fail closed
// without it, an unreachable Redis is a startup error; otherwise the client
// is kept and go-redis reconnects on its own once Redis comes back.
func openRedis(cfg *config.Config, logger *slog.Logger) (redis.Client, error) {
	client, err := redis.NewClient(cfg.Redis)
	if err == nil {
		return client, nil
	}

	failClosed := cfg.RateLimit.Enabled &&
		cfg.RateLimit.Backend == config.BackendRedis &&
		cfg.RateLimit.FailurePolicy == config.FailurePolicyFailClosed
	if failClosed {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Warn("redis unavailable at startup, operating in fallback mode",
		"error", err, "policy", cfg.RateLimit.FailurePolicy)
	client, openErr := redis.Open(cfg.Redis)
	if openErr != nil {
		return nil, fmt.Errorf("redis: %w", openErr)
	}
	return client, nil
}

func buildLimiter(cfg *config.Config, client redis.Client, metrics *observability.Metrics, logger *slog.Logger) (ratelimit.Limiter, error) {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return nil, nil
	}
	window, err := config.ParseDuration(rl.Window, ratelimit.DefaultWindow)
	if err != nil {
		return nil, fmt.Errorf("rate_limit.window: %w", err)
	}

	switch rl.Backend {
	case config.BackendRedis:
		primary := ratelimit.NewRedisLimiter(client, rl.MaxRequests, window, rl.KeyPrefix, logger)
		return ratelimit.NewResilient(primary, rl.FailurePolicy, rl.MaxRequests, window, metrics, logger), nil
	default:
		return ratelimit.NewMemoryLimiter(rl.MaxRequests, window), nil
	}
}

func buildStore(cfg *config.Config, client redis.Client, metrics *observability.Metrics, logger *slog.Logger) (cache.Store, error) {
	cc := cfg.Cache
	if !cc.Enabled {
		return nil, nil
	}
	ttl, err := config.ParseDuration(cc.TTL, cache.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("cache.ttl: %w", err)
	}
	stale, err := config.ParseDuration(cc.StaleIfError, 0)
	if err != nil {
		return nil, fmt.Errorf("cache.stale_if_error: %w", err)
	}
	opts := cache.Options{
		MaxEntries:     cc.MaxEntries,
		TTL:            ttl,
		StaleIfError:   stale,
		UpdateAgeOnGet: cc.UpdateAgeOnGet,
	}

	if cc.Backend == config.BackendRedis {
		return cache.NewRedisStore(client, cc.KeyPrefix, opts, logger, metrics.IncRedisErrors), nil
	}
	store, err := cache.NewMemoryStore(opts)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return store, nil
}

// Handler returns the public API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(api.StudentsPath, s.handler)
	return mux
}

func buildMainServer(cfg *config.Config, handler http.Handler, certs *certHolder, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 15*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mainHandler := h2c.NewHandler(handler, &http2.Server{})

	var tlsCfg *tls.Config
	if certs != nil {
		tlsCfg = &tls.Config{
			MinVersion:     tlsMinVersion(cfg),
			GetCertificate: certs.GetCertificate,
		}
	}

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled && tlsCfg != nil {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			TLSConfig:      tlsCfg.Clone(),
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false,
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if err := h3srv.SetQUICHeaders(w.Header()); err != nil {
					logger.Debug("failed to set Alt-Svc header", "error", err)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		TLSConfig:         tlsCfg,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/startz", health.StartzHandler())
	mux.Handle("/healthz", health.HealthzHandler())
	mux.Handle("/readyz", health.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second),
		WriteTimeout:      config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second),
		IdleTimeout:       config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

// AdminHandler returns the admin mux.
func (s *Server) AdminHandler() http.Handler { return s.adminServer.Handler }

// certHolder swaps the serving certificate atomically.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both listeners and blocks until ctx is canceled, then drains.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.config().Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 3)
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServer(errCh, readyCh)
	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("sigmabio is ready", "version", s.version)
	case srvErr := <-errCh:
		s.shutdown()
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		s.shutdown()
		return srvErr
	}

	s.shutdown()
	return nil
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.adminServer.Addr)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServer(errCh chan<- error, readyCh chan struct{}) {
	cfg := s.config()
	s.logger.Info("api server starting",
		"address", s.mainServer.Addr,
		"upstream", upstreamHost(cfg.Upstream.URL),
		"tls", cfg.Server.TLS.Enabled,
		"http3", s.http3Server != nil)

	ln, err := net.Listen("tcp", s.mainServer.Addr)
	if err != nil {
		errCh <- fmt.Errorf("api server listen: %w", err)
		return
	}
	close(readyCh)

	if s.mainServer.TLSConfig != nil {
		err = s.mainServer.ServeTLS(ln, "", "")
	} else {
		err = s.mainServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("api server: %w", err)
	}
}

// upstreamHost keeps the deployment ID in the script path out of logs.
func upstreamHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.http3Server.Addr)
	if err := s.http3Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload applies a new config. The rate-limit quota and window change in
// place; fields that need a restart are logged and otherwise ignored.
func (s *Server) Reload(newCfg *config.Config) error {
	s.mu.Lock()
	old := s.cfg
	s.cfg = newCfg
	s.mu.Unlock()

	if fields := newCfg.RequiresRestart(old); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", fields)
	}

	if s.limiter != nil {
		window, err := config.ParseDuration(newCfg.RateLimit.Window, ratelimit.DefaultWindow)
		if err != nil {
			return fmt.Errorf("rate_limit.window: %w", err)
		}
		s.limiter.Reconfigure(newCfg.RateLimit.MaxRequests, window)
		s.logger.Info("rate limit reconfigured",
			"max_requests", newCfg.RateLimit.MaxRequests, "window", window)
	}

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		s.ReloadCerts(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile)
	}
	return nil
}

// ReloadCerts swaps the serving certificate. It is a no-op without TLS, and
// keeps the current certificate when the new pair cannot be loaded.
func (s *Server) ReloadCerts(certFile, keyFile string) {
	if s.certs == nil {
		return
	}
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return
	}
	s.logger.Info("TLS certificates reloaded")
}

func (s *Server) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Server) shutdown() {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.config().Server.DrainTimeout, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}
	if err := s.mainServer.Shutdown(ctx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
	}
	if err := s.adminServer.Shutdown(ctx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.closeComponents()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
	s.logger.Info("shutdown complete")
}

func (s *Server) closeComponents() {
	if s.limiter != nil {
		if err := s.limiter.Close(); err != nil {
			s.logger.Error("rate limiter close error", "error", err)
		}
	}
	if s.upstream != nil {
		s.upstream.CloseIdleConnections()
	}
	s.closeRedis()
}

func (s *Server) closeRedis() {
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
}

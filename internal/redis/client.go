// Package redis builds the go-redis client shared by the distributed rate
// limiter and the shared response cache. Single-instance, sentinel, and
// cluster topologies are supported behind one small Client interface.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

// Nil is returned by Get when the key does not exist.
const Nil = goredis.Nil

type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Printf(ctx context.Context, format string, v ...any) {
	l.logger.WarnContext(ctx, fmt.Sprintf(format, v...), "component", "go-redis")
}

// InitLogger routes go-redis internal logging through logger. Call once at
// startup before any client is created.
func InitLogger(logger *slog.Logger) {
	goredis.SetLogger(&slogAdapter{logger: logger})
}

// Client is the subset of go-redis used by the proxy. *goredis.Client and
// *goredis.ClusterClient both satisfy it.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *goredis.Cmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Pinger adapts a Client to the error-returning Ping used by health checks.
type Pinger struct {
	Client Client
}

func (p Pinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

const (
	defaultPoolSize        = 10
	defaultMaxRetries      = 2
	defaultMinRetryBackoff = 50 * time.Millisecond
	defaultMaxRetryBackoff = 500 * time.Millisecond
)

// NewClient opens the client for the configured topology and verifies
// connectivity with a Ping bounded by twice the dial timeout.
func NewClient(cfg config.RedisConfig) (Client, error) {
	c, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := Ping(c, cfg); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Open builds the client without contacting Redis. go-redis dials lazily,
// so a client opened while Redis is down starts working once it comes back.
func Open(cfg config.RedisConfig) (Client, error) {
	o, err := parseOptions(cfg)
	if err != nil {
		return nil, err
	}

	switch o.mode {
	case config.RedisModeSingle:
		if len(o.endpoints) == 0 {
			return nil, errors.New("single: no endpoint configured")
		}
		return goredis.NewClient(o.single()), nil
	case config.RedisModeSentinel:
		return goredis.NewFailoverClient(o.failover()), nil
	case config.RedisModeCluster:
		return goredis.NewClusterClient(o.cluster()), nil
	}
	return nil, fmt.Errorf("unknown redis mode: %s", o.mode)
}

// Ping checks connectivity of c, bounded by twice the configured dial
// timeout.
func Ping(c Client, cfg config.RedisConfig) error {
	o, err := parseOptions(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*o.dialTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%s: connect to %v: %w", o.mode, o.endpoints, err)
	}
	return nil
}

// IsNoScriptErr reports whether err is a NOSCRIPT reply to EVALSHA.
func IsNoScriptErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// IsConnectivityErr reports whether err means Redis could not be reached, as
// opposed to a reply-level error. context.Canceled is the caller giving up
// and does not count.
func IsConnectivityErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused", "connection reset", "broken pipe", "EOF",
		"no such host", "i/o timeout", "CLUSTERDOWN", "LOADING", "client is closed",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// WarnInsecure logs a warning when Redis TLS verification is disabled.
func WarnInsecure(cfg config.RedisTLSConfig, logger *slog.Logger) {
	if cfg.Enabled && cfg.InsecureSkipVerify {
		logger.Warn("redis TLS certificate verification is disabled (insecure_skip_verify=true)")
	}
}

type options struct {
	endpoints        []string
	mode             config.RedisMode
	masterName       string
	username         string
	password         string
	db               int
	poolSize         int
	dialTimeout      time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	tls              *tls.Config
	sentinelUsername string
	sentinelPassword string
}

func parseOptions(cfg config.RedisConfig) (*options, error) {
	o := &options{
		endpoints:        cfg.Endpoints,
		mode:             cfg.Mode,
		masterName:       cfg.MasterName,
		username:         cfg.Username,
		password:         cfg.Password.Value(),
		db:               cfg.DB,
		poolSize:         cfg.PoolSize,
		sentinelUsername: cfg.SentinelUsername,
		sentinelPassword: cfg.SentinelPassword.Value(),
	}
	if o.mode == "" {
		o.mode = config.RedisModeSingle
	}
	if o.poolSize <= 0 {
		o.poolSize = defaultPoolSize
	}

	var err error
	if o.dialTimeout, err = config.ParseDuration(cfg.DialTimeout, 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	if o.readTimeout, err = config.ParseDuration(cfg.ReadTimeout, 3*time.Second); err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	if o.writeTimeout, err = config.ParseDuration(cfg.WriteTimeout, 3*time.Second); err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	if cfg.TLS.Enabled {
		o.tls = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // opt-in via config.
		}
	}
	return o, nil
}

func (o *options) single() *goredis.Options {
	return &goredis.Options{
		Addr:            o.endpoints[0],
		Username:        o.username,
		Password:        o.password,
		DB:              o.db,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      defaultMaxRetries,
		MinRetryBackoff: defaultMinRetryBackoff,
		MaxRetryBackoff: defaultMaxRetryBackoff,
		TLSConfig:       o.tls,
	}
}

func (o *options) failover() *goredis.FailoverOptions {
	return &goredis.FailoverOptions{
		MasterName:       o.masterName,
		SentinelAddrs:    o.endpoints,
		SentinelUsername: o.sentinelUsername,
		SentinelPassword: o.sentinelPassword,
		Username:         o.username,
		Password:         o.password,
		DB:               o.db,
		PoolSize:         o.poolSize,
		DialTimeout:      o.dialTimeout,
		ReadTimeout:      o.readTimeout,
		WriteTimeout:     o.writeTimeout,
		MaxRetries:       defaultMaxRetries,
		MinRetryBackoff:  defaultMinRetryBackoff,
		MaxRetryBackoff:  defaultMaxRetryBackoff,
		TLSConfig:        o.tls,
	}
}

func (o *options) cluster() *goredis.ClusterOptions {
	return &goredis.ClusterOptions{
		Addrs:           o.endpoints,
		Username:        o.username,
		Password:        o.password,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      defaultMaxRetries,
		MinRetryBackoff: defaultMinRetryBackoff,
		MaxRetryBackoff: defaultMaxRetryBackoff,
		TLSConfig:       o.tls,
	}
}

// Package config handles loading and validation of SIGMA-BIO proxy
// configuration from YAML files and environment variables. Environment
// variables always override file-based values. Env var names follow the
// struct path with a SIGMABIO_ prefix:
//
//	server.address → SIGMABIO_SERVER_ADDRESS
//	rate_limit.identity.trusted_proxies → SIGMABIO_RATE_LIMIT_IDENTITY_TRUSTED_PROXIES
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via SIGMABIO_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/sigmabio/config.yaml"

// DefaultUpstreamURL is the Apps Script web app backing the dashboard.
const DefaultUpstreamURL = "https://script.google.com/macros/s/AKfycbwZ-3w-pZsWwalaevZzfbVa1ukMuxbuXqxCAfKziEQMej49y2z1xQ1h6QH9av3EyiD0/exec"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls rate limiting behavior when Redis is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough      FailurePolicy = "passthrough"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback:
		return true
	}
	return false
}

// Backend selects where rate-limit records or cache entries live.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

func (b Backend) Valid() bool {
	switch b {
	case BackendMemory, BackendRedis:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Upstream  UpstreamConfig  `yaml:"upstream"   envPrefix:"UPSTREAM_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Cache     CacheConfig     `yaml:"cache"      envPrefix:"CACHE_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the public API listener settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// UpstreamConfig describes the spreadsheet API the proxy fetches from.
type UpstreamConfig struct {
	URL              string          `yaml:"url"                env:"URL"`
	Action           string          `yaml:"action"             env:"ACTION"`
	Timeout          string          `yaml:"timeout"            env:"TIMEOUT"`
	UserAgent        string          `yaml:"user_agent"         env:"USER_AGENT"`
	MaxResponseBytes int64           `yaml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`
	MaxIdleConns     int             `yaml:"max_idle_conns"     env:"MAX_IDLE_CONNS"`
	IdleConnTimeout  string          `yaml:"idle_conn_timeout"  env:"IDLE_CONN_TIMEOUT"`
	Transport        TransportConfig `yaml:"transport"          envPrefix:"TRANSPORT_"`

	// CircuitBreaker stops calling the upstream after repeated failures.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// TransportConfig holds low-level HTTP transport tuning for upstream calls.
type TransportConfig struct {
	DialTimeout         string `yaml:"dial_timeout"          env:"DIAL_TIMEOUT"`
	DialKeepAlive       string `yaml:"dial_keep_alive"       env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout string `yaml:"tls_handshake_timeout" env:"TLS_HANDSHAKE_TIMEOUT"`
}

// CircuitBreakerConfig holds circuit breaker tuning parameters.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures before opening.
	// 0 disables the breaker.
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// ResetTimeout is the duration the circuit stays open before probing.
	ResetTimeout string `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// RateLimitConfig holds the per-client fixed-window quota settings.
type RateLimitConfig struct {
	Enabled       bool           `yaml:"enabled"        env:"ENABLED"`
	MaxRequests   int64          `yaml:"max_requests"   env:"MAX_REQUESTS"`
	Window        string         `yaml:"window"         env:"WINDOW"`
	Backend       Backend        `yaml:"backend"        env:"BACKEND"`
	FailurePolicy FailurePolicy  `yaml:"failure_policy" env:"FAILURE_POLICY"`
	KeyPrefix     string         `yaml:"key_prefix"     env:"KEY_PREFIX"`
	Identity      IdentityConfig `yaml:"identity"       envPrefix:"IDENTITY_"`
}

// IdentityConfig defines how the client network identity is derived.
type IdentityConfig struct {
	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are trusted. When empty, proxy headers are always
	// trusted. When set, proxy headers are only honored when RemoteAddr
	// falls within one of these ranges; otherwise RemoteAddr is used.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`

	// TrustedIPDepth controls which entry in X-Forwarded-For to use. 0 uses
	// the leftmost (client-provided) entry. A positive value N selects the
	// Nth entry from the right.
	TrustedIPDepth int `yaml:"trusted_ip_depth" env:"TRUSTED_IP_DEPTH"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool    `yaml:"enabled"     env:"ENABLED"`
	Backend    Backend `yaml:"backend"     env:"BACKEND"`
	MaxEntries int     `yaml:"max_entries" env:"MAX_ENTRIES"`
	TTL        string  `yaml:"ttl"         env:"TTL"`

	// StaleIfError keeps expired entries for this long so they can be served
	// when the upstream fails. Empty or "0s" disables stale serving.
	StaleIfError string `yaml:"stale_if_error" env:"STALE_IF_ERROR"`

	// UpdateAgeOnGet resets an entry's age on every fresh hit.
	UpdateAgeOnGet bool `yaml:"update_age_on_get" env:"UPDATE_AGE_ON_GET"`

	// CoalesceMisses makes concurrent misses for the same key share a single
	// upstream fetch.
	CoalesceMisses bool `yaml:"coalesce_misses" env:"COALESCE_MISSES"`

	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "15s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Upstream: UpstreamConfig{
			URL:              DefaultUpstreamURL,
			Action:           "getStudentData",
			Timeout:          "10s",
			UserAgent:        "Mozilla/5.0",
			MaxResponseBytes: 4 << 20, // 4 MiB
			MaxIdleConns:     100,
			IdleConnTimeout:  "90s",
			Transport: TransportConfig{
				DialTimeout:         "10s",
				DialKeepAlive:       "30s",
				TLSHandshakeTimeout: "10s",
			},
			CircuitBreaker: CircuitBreakerConfig{
				Threshold:    5,
				ResetTimeout: "30s",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			MaxRequests:   10,
			Window:        "60s",
			Backend:       BackendMemory,
			FailurePolicy: FailurePolicyInMemoryFallback,
		},
		Cache: CacheConfig{
			Enabled:        true,
			Backend:        BackendMemory,
			MaxEntries:     500,
			TTL:            "5m",
			CoalesceMisses: true,
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "sigmabio",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("SIGMABIO_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// A missing file is fine: defaults + env overrides still apply.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "SIGMABIO_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Redis"
// or env values like "INMEMORYFALLBACK" match the canonical constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.Backend = Backend(strings.ToLower(string(cfg.RateLimit.Backend)))
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.Cache.Backend = Backend(strings.ToLower(string(cfg.Cache.Backend)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateUpstream(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateCache(cfg); err != nil {
		return err
	}
	if cfg.UsesRedis() {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateUpstream(cfg *Config) error {
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream.url %q: %w", cfg.Upstream.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid upstream.url %q: scheme must be http or https", cfg.Upstream.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid upstream.url %q: host is required", cfg.Upstream.URL)
	}
	if cfg.Upstream.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream.max_response_bytes must be >= 0")
	}
	if cfg.Upstream.CircuitBreaker.Threshold < 0 {
		return fmt.Errorf("upstream.circuit_breaker.threshold must be >= 0")
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"upstream.transport.dial_timeout", cfg.Upstream.Transport.DialTimeout},
		{"upstream.transport.dial_keep_alive", cfg.Upstream.Transport.DialKeepAlive},
		{"upstream.transport.tls_handshake_timeout", cfg.Upstream.Transport.TLSHandshakeTimeout},
		{"upstream.circuit_breaker.reset_timeout", cfg.Upstream.CircuitBreaker.ResetTimeout},
		{"rate_limit.window", cfg.RateLimit.Window},
		{"cache.ttl", cfg.Cache.TTL},
		{"cache.stale_if_error", cfg.Cache.StaleIfError},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", d.name, d.val)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return nil
	}
	if rl.MaxRequests < 1 {
		return fmt.Errorf("rate_limit.max_requests must be >= 1")
	}
	if w, _ := ParseDuration(rl.Window, 0); w <= 0 {
		return fmt.Errorf("rate_limit.window must be a positive duration")
	}
	if !rl.Backend.Valid() {
		return fmt.Errorf("invalid rate_limit.backend %q: must be memory or redis", rl.Backend)
	}
	if fp := rl.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", fp)
	}
	for _, cidr := range rl.Identity.TrustedProxies {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("invalid rate_limit.identity.trusted_proxies entry %q: %w", cidr, err)
		}
	}
	if rl.Identity.TrustedIPDepth < 0 {
		return fmt.Errorf("rate_limit.identity.trusted_ip_depth must be >= 0")
	}
	return nil
}

func validateCache(cfg *Config) error {
	c := cfg.Cache
	if !c.Enabled {
		return nil
	}
	if !c.Backend.Valid() {
		return fmt.Errorf("invalid cache.backend %q: must be memory or redis", c.Backend)
	}
	if c.Backend == BackendMemory && c.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be >= 1")
	}
	if ttl, _ := ParseDuration(c.TTL, 0); ttl <= 0 {
		return fmt.Errorf("cache.ttl must be a positive duration")
	}
	return nil
}

func validateRedis(rc RedisConfig) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// UsesRedis reports whether any enabled component is backed by Redis.
func (c *Config) UsesRedis() bool {
	return (c.RateLimit.Enabled && c.RateLimit.Backend == BackendRedis) ||
		(c.Cache.Enabled && c.Cache.Backend == BackendRedis)
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if c.Upstream != old.Upstream {
		fields = append(fields, "upstream")
	}
	if c.RateLimit.Enabled != old.RateLimit.Enabled || c.RateLimit.Backend != old.RateLimit.Backend {
		fields = append(fields, "rate_limit.backend")
	}
	if c.RateLimit.FailurePolicy != old.RateLimit.FailurePolicy {
		fields = append(fields, "rate_limit.failure_policy")
	}
	if c.RateLimit.KeyPrefix != old.RateLimit.KeyPrefix {
		fields = append(fields, "rate_limit.key_prefix")
	}
	if !slices.Equal(c.RateLimit.Identity.TrustedProxies, old.RateLimit.Identity.TrustedProxies) ||
		c.RateLimit.Identity.TrustedIPDepth != old.RateLimit.Identity.TrustedIPDepth {
		fields = append(fields, "rate_limit.identity")
	}
	if c.Cache != old.Cache {
		fields = append(fields, "cache")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Logging != old.Logging {
		fields = append(fields, "logging")
	}
	if c.Tracing != old.Tracing {
		fields = append(fields, "tracing")
	}
	return fields
}

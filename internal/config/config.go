package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"secgate/gateway/internal/apikey"
	"secgate/gateway/internal/rbac"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen         string   `yaml:"listen"`
	ReadTimeoutMs  int      `yaml:"read_timeout_ms"`
	WriteTimeoutMs int      `yaml:"write_timeout_ms"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // debug|info|warn|error
	// AnonymizeIPKey enables HMAC anonymization of IPs in security events.
	AnonymizeIPKey string `yaml:"anonymize_ip_key"`
}

type TokenCfg struct {
	Alg       string `yaml:"alg"`
	Secret    string `yaml:"secret"`
	Issuer    string `yaml:"issuer"`
	SkewSec   int    `yaml:"skew_sec"`
	MaxTTLSec int    `yaml:"max_ttl_sec"`
}

type RedisCfg struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type BreakerCfg struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	CooldownMs       int `yaml:"cooldown_ms"`
}

type StoreCfg struct {
	Backend     string     `yaml:"backend"` // memory | redis
	Redis       RedisCfg   `yaml:"redis"`
	OpTimeoutMs int        `yaml:"op_timeout_ms"`
	Breaker     BreakerCfg `yaml:"breaker"`
}

type RateLimitCfg struct {
	Enabled          *bool  `yaml:"enabled"`
	Limit            int64  `yaml:"limit"`
	WindowMs         int    `yaml:"window_ms"`
	KeyBy            string `yaml:"key_by"` // ip | credential
	FallbackCapacity int    `yaml:"fallback_capacity"`
}

type ReputationCfg struct {
	Enabled   *bool `yaml:"enabled"`
	Threshold int64 `yaml:"threshold"`
	PeriodSec int   `yaml:"period_sec"`
}

type SessionCfg struct {
	Header         string `yaml:"header"`
	TTLSec         int    `yaml:"ttl_sec"`
	IdleTimeoutSec int    `yaml:"idle_timeout_sec"`
	BindIP         bool   `yaml:"bind_ip"`
}

type APIKeysCfg struct {
	Header      string       `yaml:"header"`
	DefaultRole string       `yaml:"default_role"`
	Keys        []apikey.Key `yaml:"keys"`
}

// FailurePolicy decides what a stage does when the store is unavailable.
type FailurePolicy string

const (
	PolicyOpen      FailurePolicy = "open"
	PolicyClosed    FailurePolicy = "closed"
	PolicySensitive FailurePolicy = "sensitive" // closed on routes flagged sensitive, open elsewhere
)

// FailsClosed reports whether a store outage must deny on a route.
func (p FailurePolicy) FailsClosed(sensitiveRoute bool) bool {
	switch p {
	case PolicyClosed:
		return true
	case PolicySensitive:
		return sensitiveRoute
	default:
		return false
	}
}

func (p FailurePolicy) valid() bool {
	return p == PolicyOpen || p == PolicyClosed || p == PolicySensitive
}

type FailurePolicyCfg struct {
	Reputation FailurePolicy `yaml:"reputation"`
	RateLimit  FailurePolicy `yaml:"rate_limit"`
	Revocation FailurePolicy `yaml:"revocation"`
}

type RouteRateCfg struct {
	Limit    int64  `yaml:"limit"`
	WindowMs int    `yaml:"window_ms"`
	Scope    string `yaml:"scope"`
}

// RouteRule is one entry of the route table; the first matching rule wins.
type RouteRule struct {
	Pattern   string         `yaml:"pattern"`
	Methods   []string       `yaml:"methods"`
	Roles     []string       `yaml:"roles"`
	Public    bool           `yaml:"public"`
	Sensitive bool           `yaml:"sensitive"`
	RateLimit *RouteRateCfg  `yaml:"rate_limit"`
	Re        *regexp.Regexp `yaml:"-"`
}

type PostgresCfg struct {
	DSN   string `yaml:"dsn"`
	Query string `yaml:"query"`
}

type ResolverCfg struct {
	Backend       string      `yaml:"backend"` // static | postgres
	DefaultRole   string      `yaml:"default_role"`
	RefreshBearer bool        `yaml:"refresh_bearer"`
	Postgres      PostgresCfg `yaml:"postgres"`

	// CacheTTLSec > 0 memoizes postgres lookups for that long.
	CacheTTLSec   int `yaml:"cache_ttl_sec"`
	CacheCapacity int `yaml:"cache_capacity"`
}

type EventsCfg struct {
	RedisStream struct {
		Enabled bool   `yaml:"enabled"`
		Stream  string `yaml:"stream"`
		MaxLen  int64  `yaml:"max_len"`
	} `yaml:"redis_stream"`
}

type SentryCfg struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type TAXIIPeerCfg struct {
	URL             string `yaml:"url"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	CollectionID    string `yaml:"collection_id"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
}

// ThreatIntelCfg lists sources that are denied before any counters are read.
type ThreatIntelCfg struct {
	Enabled       bool           `yaml:"enabled"`
	CacheCapacity int            `yaml:"cache_capacity"`
	MinConfidence int            `yaml:"min_confidence"`
	Blocklist     []string       `yaml:"blocklist"` // IPs or CIDRs
	Peers         []TAXIIPeerCfg `yaml:"peers"`
}

type ProxyCfg struct {
	Upstream string `yaml:"upstream"`
}

type Config struct {
	Server        ServerCfg         `yaml:"server"`
	Logging       LoggingCfg        `yaml:"logging"`
	Token         TokenCfg          `yaml:"token"`
	Store         StoreCfg          `yaml:"store"`
	RateLimit     RateLimitCfg      `yaml:"rate_limit"`
	Reputation    ReputationCfg     `yaml:"reputation"`
	Session       SessionCfg        `yaml:"session"`
	APIKeys       APIKeysCfg        `yaml:"api_keys"`
	FailurePolicy FailurePolicyCfg  `yaml:"failure_policy"`
	Routes        []RouteRule       `yaml:"routes"`
	Principals    map[string]string `yaml:"principals"`
	Resolver      ResolverCfg       `yaml:"resolver"`
	Events        EventsCfg         `yaml:"events"`
	Sentry        SentryCfg         `yaml:"sentry"`
	ThreatIntel   ThreatIntelCfg    `yaml:"threat_intel"`
	Proxy         ProxyCfg          `yaml:"proxy"`
}

// Load reads path, applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML bytes, applies environment overrides and defaults.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)

	// defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 5000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 10000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Token.Alg == "" {
		cfg.Token.Alg = "HS256"
	}
	if cfg.Token.Issuer == "" {
		cfg.Token.Issuer = "secgate"
	}
	if cfg.Token.SkewSec == 0 {
		cfg.Token.SkewSec = 30
	}
	if cfg.Token.MaxTTLSec == 0 {
		cfg.Token.MaxTTLSec = 24 * 3600
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Redis.Prefix == "" {
		cfg.Store.Redis.Prefix = "secgate"
	}
	if cfg.Store.OpTimeoutMs == 0 {
		cfg.Store.OpTimeoutMs = 50
	}
	if cfg.Store.Breaker.FailureThreshold == 0 {
		cfg.Store.Breaker.FailureThreshold = 5
	}
	if cfg.Store.Breaker.SuccessThreshold == 0 {
		cfg.Store.Breaker.SuccessThreshold = 2
	}
	if cfg.Store.Breaker.CooldownMs == 0 {
		cfg.Store.Breaker.CooldownMs = 5000
	}
	if cfg.RateLimit.Enabled == nil {
		cfg.RateLimit.Enabled = boolPtr(true)
	}
	if cfg.RateLimit.Limit == 0 {
		cfg.RateLimit.Limit = 100
	}
	if cfg.RateLimit.WindowMs == 0 {
		cfg.RateLimit.WindowMs = 60000
	}
	if cfg.RateLimit.KeyBy == "" {
		cfg.RateLimit.KeyBy = "ip"
	}
	if cfg.RateLimit.FallbackCapacity == 0 {
		cfg.RateLimit.FallbackCapacity = 10000
	}
	if cfg.Reputation.Enabled == nil {
		cfg.Reputation.Enabled = boolPtr(true)
	}
	if cfg.Reputation.Threshold == 0 {
		cfg.Reputation.Threshold = 10
	}
	if cfg.Reputation.PeriodSec == 0 {
		cfg.Reputation.PeriodSec = 3600
	}
	if cfg.Session.Header == "" {
		cfg.Session.Header = "X-Session-Id"
	}
	if cfg.Session.TTLSec == 0 {
		cfg.Session.TTLSec = 7 * 24 * 3600
	}
	if cfg.APIKeys.Header == "" {
		cfg.APIKeys.Header = "X-Api-Key"
	}
	if cfg.APIKeys.DefaultRole == "" {
		cfg.APIKeys.DefaultRole = apikey.DefaultRole
	}
	if cfg.FailurePolicy.Reputation == "" {
		cfg.FailurePolicy.Reputation = PolicySensitive
	}
	if cfg.FailurePolicy.RateLimit == "" {
		cfg.FailurePolicy.RateLimit = PolicyOpen
	}
	if cfg.FailurePolicy.Revocation == "" {
		cfg.FailurePolicy.Revocation = PolicyClosed
	}
	if cfg.Resolver.Backend == "" {
		cfg.Resolver.Backend = "static"
	}
	if cfg.Events.RedisStream.Stream == "" {
		cfg.Events.RedisStream.Stream = "secgate:events"
	}
	if cfg.Events.RedisStream.MaxLen == 0 {
		cfg.Events.RedisStream.MaxLen = 100000
	}
	if cfg.Sentry.SampleRate == 0 {
		cfg.Sentry.SampleRate = 1.0
	}
	if cfg.ThreatIntel.CacheCapacity == 0 {
		cfg.ThreatIntel.CacheCapacity = 50000
	}
	for i := range cfg.ThreatIntel.Peers {
		if cfg.ThreatIntel.Peers[i].PollIntervalSec == 0 {
			cfg.ThreatIntel.Peers[i].PollIntervalSec = 300
		}
	}

	for i := range cfg.Routes {
		rt := &cfg.Routes[i]
		re, err := regexp.Compile(rt.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid route pattern %q: %w", rt.Pattern, err)
		}
		rt.Re = re
		rt.Roles = rbac.Normalize(rt.Roles)
		for j, m := range rt.Methods {
			rt.Methods[j] = strings.ToUpper(strings.TrimSpace(m))
		}
		if rt.RateLimit != nil && rt.RateLimit.Scope == "" {
			rt.RateLimit.Scope = fmt.Sprintf("route%d", i)
		}
	}
	return &cfg, nil
}

// applyEnv lets secrets stay out of the YAML file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SECGATE_TOKEN_SECRET"); v != "" {
		cfg.Token.Secret = v
	}
	if v := os.Getenv("SECGATE_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("SECGATE_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("SECGATE_POSTGRES_DSN"); v != "" {
		cfg.Resolver.Postgres.DSN = v
	}
	if v := os.Getenv("SECGATE_SENTRY_DSN"); v != "" {
		cfg.Sentry.DSN = v
	}
}

func boolPtr(b bool) *bool { return &b }

func (c *Config) RateLimitEnabled() bool {
	return c.RateLimit.Enabled != nil && *c.RateLimit.Enabled
}

func (c *Config) ReputationEnabled() bool {
	return c.Reputation.Enabled != nil && *c.Reputation.Enabled
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowMs) * time.Millisecond
}

func (c *Config) ReputationPeriod() time.Duration {
	return time.Duration(c.Reputation.PeriodSec) * time.Second
}

func (c *Config) TokenSkew() time.Duration {
	return time.Duration(c.Token.SkewSec) * time.Second
}

func (c *Config) TokenMaxTTL() time.Duration {
	return time.Duration(c.Token.MaxTTLSec) * time.Second
}

func (c *Config) StoreOpTimeout() time.Duration {
	return time.Duration(c.Store.OpTimeoutMs) * time.Millisecond
}

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Store.Breaker.CooldownMs) * time.Millisecond
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLSec) * time.Second
}

func (p TAXIIPeerCfg) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSec) * time.Second
}

func (c *Config) ResolverCacheTTL() time.Duration {
	return time.Duration(c.Resolver.CacheTTLSec) * time.Second
}

func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutSec) * time.Second
}

func (c *Config) Validate() error {
	switch c.Token.Alg {
	case "HS256", "HS384", "HS512":
	default:
		return errors.New("token.alg must be HS256, HS384 or HS512")
	}
	if len(c.Token.Secret) < 32 {
		return errors.New("token.secret required (>=32 bytes); set it in YAML or SECGATE_TOKEN_SECRET")
	}
	if c.Token.SkewSec < 0 || c.Token.MaxTTLSec < 0 {
		return errors.New("token.skew_sec and token.max_ttl_sec must be non-negative")
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr required when store.backend is redis")
		}
	default:
		return errors.New("store.backend must be 'memory' or 'redis'")
	}
	if c.Store.OpTimeoutMs < 0 {
		return errors.New("store.op_timeout_ms must be >= 0")
	}
	if c.Store.Breaker.FailureThreshold < 0 || c.Store.Breaker.SuccessThreshold < 0 || c.Store.Breaker.CooldownMs < 0 {
		return errors.New("store.breaker values must be >= 0")
	}

	if c.RateLimit.Limit <= 0 || c.RateLimit.WindowMs <= 0 {
		return errors.New("rate_limit.limit and rate_limit.window_ms must be > 0")
	}
	switch c.RateLimit.KeyBy {
	case "ip", "credential":
	default:
		return errors.New("rate_limit.key_by must be 'ip' or 'credential'")
	}
	if c.Reputation.Threshold <= 0 || c.Reputation.PeriodSec <= 0 {
		return errors.New("reputation.threshold and reputation.period_sec must be > 0")
	}
	if c.Session.TTLSec <= 0 || c.Session.IdleTimeoutSec < 0 {
		return errors.New("session.ttl_sec must be > 0 and session.idle_timeout_sec >= 0")
	}

	for name, p := range map[string]FailurePolicy{
		"reputation": c.FailurePolicy.Reputation,
		"rate_limit": c.FailurePolicy.RateLimit,
		"revocation": c.FailurePolicy.Revocation,
	} {
		if !p.valid() {
			return fmt.Errorf("failure_policy.%s must be open, closed or sensitive (got %q)", name, p)
		}
	}

	for i, rt := range c.Routes {
		if rt.Pattern == "" {
			return fmt.Errorf("routes[%d].pattern required", i)
		}
		if rt.Public && len(rt.Roles) > 0 {
			return fmt.Errorf("routes[%d] (%s): public routes cannot require roles", i, rt.Pattern)
		}
		if rl := rt.RateLimit; rl != nil && (rl.Limit <= 0 || rl.WindowMs <= 0) {
			return fmt.Errorf("routes[%d].rate_limit limit and window_ms must be > 0", i)
		}
	}

	ids := make(map[string]bool, len(c.APIKeys.Keys))
	for i, k := range c.APIKeys.Keys {
		if strings.TrimSpace(k.Secret()) == "" {
			return fmt.Errorf("api_keys.keys[%d]: empty key", i)
		}
		if ids[k.ID()] {
			return fmt.Errorf("api_keys.keys[%d]: duplicate id %q", i, k.ID())
		}
		ids[k.ID()] = true
	}

	switch c.Resolver.Backend {
	case "static":
	case "postgres":
		if c.Resolver.Postgres.DSN == "" {
			return errors.New("resolver.postgres.dsn required when resolver.backend is postgres")
		}
	default:
		return errors.New("resolver.backend must be 'static' or 'postgres'")
	}

	if c.Resolver.CacheTTLSec < 0 || c.Resolver.CacheCapacity < 0 {
		return errors.New("resolver.cache_ttl_sec and resolver.cache_capacity must be >= 0")
	}

	if c.Events.RedisStream.Enabled && c.Store.Backend != "redis" {
		return errors.New("events.redis_stream requires store.backend redis")
	}
	if c.Sentry.SampleRate < 0 || c.Sentry.SampleRate > 1 {
		return errors.New("sentry.sample_rate must be in [0,1]")
	}
	if c.ThreatIntel.MinConfidence < 0 || c.ThreatIntel.MinConfidence > 100 {
		return errors.New("threat_intel.min_confidence must be in [0,100]")
	}
	for i, entry := range c.ThreatIntel.Blocklist {
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("threat_intel.blocklist[%d]: %q is not an IP or CIDR", i, entry)
		}
	}
	for i, p := range c.ThreatIntel.Peers {
		u, err := url.Parse(p.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("threat_intel.peers[%d].url must be an absolute URL", i)
		}
		if p.CollectionID == "" {
			return fmt.Errorf("threat_intel.peers[%d].collection_id required", i)
		}
		if p.PollIntervalSec < 0 {
			return fmt.Errorf("threat_intel.peers[%d].poll_interval_sec must be >= 0", i)
		}
	}
	if c.Proxy.Upstream != "" {
		u, err := url.Parse(c.Proxy.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("proxy.upstream must be an absolute URL (got %q)", c.Proxy.Upstream)
		}
	}
	return nil
}

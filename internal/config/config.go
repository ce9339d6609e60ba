// Package config provides YAML configuration loading with validation,
// environment variable substitution, and environment overrides for the
// gateway.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	Admission AdmissionConfig `yaml:"admission" json:"admission"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Health    HealthConfig    `yaml:"health" json:"health"`
	Router    RouterConfig    `yaml:"router" json:"router"`
	Breaker   BreakerConfig   `yaml:"breaker_defaults" json:"breaker_defaults"`
	Services  []ServiceConfig `yaml:"services" json:"services"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds the data-plane and operational HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port" env:"MESHGATE_PORT"`
	OpsPort         int           `yaml:"ops_port" json:"ops_port" env:"MESHGATE_OPS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	GlobalTimeout   time.Duration `yaml:"global_timeout" json:"global_timeout"` // 0 disables the global deadline
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"` // CIDR notation
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level" env:"MESHGATE_LOG_LEVEL"`    // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output" env:"MESHGATE_LOG_OUTPUT"` // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`                 // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`                 // number of rotated files to keep; default: 3
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// AdmissionConfig holds the per-client rate limiter settings.
type AdmissionConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second" env:"MESHGATE_ADMISSION_RPS"`
	Burst             int           `yaml:"burst" json:"burst" env:"MESHGATE_ADMISSION_BURST"`
	ClientTTL         time.Duration `yaml:"client_ttl" json:"client_ttl"` // idle time before a client's bucket is dropped
}

// AuthConfig holds JWT authentication settings.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret" env:"MESHGATE_JWT_SECRET"`
	Issuer    string `yaml:"issuer" json:"issuer"`
	Audience  string `yaml:"audience" json:"audience"`
}

// CacheConfig holds response cache settings.
// Enabled defaults to true; services opt in per-service via cache_ttl.
type CacheConfig struct {
	Enabled   *bool `yaml:"enabled" json:"enabled"`
	MaxSizeMB int   `yaml:"max_size_mb" json:"max_size_mb"`
}

// IsEnabled returns whether the response cache is enabled (defaults to true).
func (c CacheConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// MaxBytes returns the cache capacity in bytes.
func (c CacheConfig) MaxBytes() int64 {
	return int64(c.MaxSizeMB) << 20
}

// HealthConfig holds endpoint health monitor settings.
type HealthConfig struct {
	ProbeInterval    time.Duration `yaml:"probe_interval" json:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	RecoveryInterval time.Duration `yaml:"recovery_interval" json:"recovery_interval"`
}

// RouterConfig holds retry backoff and response size settings.
type RouterConfig struct {
	BackoffBase      time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	MaxResponseBytes int64         `yaml:"max_response_bytes" json:"max_response_bytes"`
}

// BreakerConfig holds circuit breaker settings. The top-level
// breaker_defaults block applies to every service; a service's breaker
// block overrides individual fields.
type BreakerConfig struct {
	WindowSize        int           `yaml:"window_size" json:"window_size"`
	VolumeThreshold   int           `yaml:"volume_threshold" json:"volume_threshold"`
	ErrorThresholdPct float64       `yaml:"error_threshold_pct" json:"error_threshold_pct"`
	ResetTimeout      time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	TimeoutTripLimit  int           `yaml:"timeout_trip_limit" json:"timeout_trip_limit"`
}

// ServiceConfig declares one routable service.
type ServiceConfig struct {
	Name             string           `yaml:"name" json:"name"`
	Prefixes         []string         `yaml:"prefixes" json:"prefixes"`
	Endpoints        []EndpointConfig `yaml:"endpoints" json:"endpoints"`
	Strategy         string           `yaml:"strategy" json:"strategy"` // "round-robin", "least-connections", "weighted", "random"; default: "round-robin"
	Timeout          time.Duration    `yaml:"timeout" json:"timeout"`
	MaxRetries       int              `yaml:"max_retries" json:"max_retries"` // additional attempts after the first; default: 2
	CacheTTL         time.Duration    `yaml:"cache_ttl" json:"cache_ttl"`     // 0 disables caching for this service
	FailureThreshold int              `yaml:"failure_threshold" json:"failure_threshold"`
	AuthRequired     bool             `yaml:"auth_required" json:"auth_required"`
	HealthPath       string           `yaml:"health_path" json:"health_path"`
	MaxConcurrent    int              `yaml:"max_concurrent" json:"max_concurrent"` // 0 disables the bulkhead
	Breaker          *BreakerConfig   `yaml:"breaker" json:"breaker,omitempty"`
}

// EndpointConfig declares one upstream target of a service.
type EndpointConfig struct {
	Target string `yaml:"target" json:"target"`
	Weight int    `yaml:"weight" json:"weight"`
}

// BreakerSettings resolves the service's breaker configuration: the
// global defaults with any per-service override fields applied on top.
func (s ServiceConfig) BreakerSettings(defaults BreakerConfig) BreakerConfig {
	out := defaults
	if s.Breaker == nil {
		return out
	}
	if s.Breaker.WindowSize > 0 {
		out.WindowSize = s.Breaker.WindowSize
	}
	if s.Breaker.VolumeThreshold > 0 {
		out.VolumeThreshold = s.Breaker.VolumeThreshold
	}
	if s.Breaker.ErrorThresholdPct > 0 {
		out.ErrorThresholdPct = s.Breaker.ErrorThresholdPct
	}
	if s.Breaker.ResetTimeout > 0 {
		out.ResetTimeout = s.Breaker.ResetTimeout
	}
	if s.Breaker.TimeoutTripLimit > 0 {
		out.TimeoutTripLimit = s.Breaker.TimeoutTripLimit
	}
	return out
}

// ValidStrategies are the accepted load balancing strategy names.
var ValidStrategies = map[string]bool{
	"":                  true, // empty means default ("round-robin")
	"round-robin":       true,
	"least-connections": true,
	"weighted":          true,
	"random":            true,
}

// ValidLogLevels are the accepted log level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution and MESHGATE_* overrides, sets defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// MESHGATE_* variables win over file values.
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.OpsPort == 0 {
		cfg.Server.OpsPort = 9090
		if cfg.Server.Port == 9090 {
			cfg.Server.OpsPort = 9091
		}
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Admission.RequestsPerSecond == 0 {
		cfg.Admission.RequestsPerSecond = 100
	}
	if cfg.Admission.Burst == 0 {
		cfg.Admission.Burst = 50
	}
	if cfg.Admission.ClientTTL == 0 {
		cfg.Admission.ClientTTL = 3 * time.Minute
	}

	if cfg.Cache.MaxSizeMB == 0 {
		cfg.Cache.MaxSizeMB = 64
	}

	if cfg.Health.ProbeInterval == 0 {
		cfg.Health.ProbeInterval = 30 * time.Second
	}
	if cfg.Health.ProbeTimeout == 0 {
		cfg.Health.ProbeTimeout = 5 * time.Second
	}
	if cfg.Health.RecoveryInterval == 0 {
		cfg.Health.RecoveryInterval = 60 * time.Second
	}

	if cfg.Router.BackoffBase == 0 {
		cfg.Router.BackoffBase = 100 * time.Millisecond
	}
	if cfg.Router.BackoffCap == 0 {
		cfg.Router.BackoffCap = 5 * time.Second
	}
	if cfg.Router.MaxResponseBytes == 0 {
		cfg.Router.MaxResponseBytes = 16 << 20
	}

	cb := &cfg.Breaker
	if cb.WindowSize == 0 {
		cb.WindowSize = 20
	}
	if cb.VolumeThreshold == 0 {
		cb.VolumeThreshold = 10
	}
	if cb.ErrorThresholdPct == 0 {
		cb.ErrorThresholdPct = 50
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30 * time.Second
	}
	if cb.TimeoutTripLimit == 0 {
		cb.TimeoutTripLimit = 5
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if svc.Strategy == "" {
			svc.Strategy = "round-robin"
		}
		if svc.Timeout == 0 {
			svc.Timeout = 5 * time.Second
		}
		if svc.MaxRetries == 0 {
			svc.MaxRetries = 2
		}
		if svc.FailureThreshold == 0 {
			svc.FailureThreshold = 3
		}
		if svc.HealthPath == "" {
			svc.HealthPath = "/health"
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.OpsPort < 1 || cfg.Server.OpsPort > 65535 {
		return fmt.Errorf("server.ops_port must be between 1 and 65535, got %d", cfg.Server.OpsPort)
	}
	if cfg.Server.OpsPort == cfg.Server.Port {
		return fmt.Errorf("server.ops_port must differ from server.port")
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be non-negative")
	}
	if cfg.Server.GlobalTimeout < 0 {
		return fmt.Errorf("server.global_timeout must be non-negative")
	}
	for i, cidr := range cfg.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("server.trusted_proxies[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
		if cfg.Logging.MaxBackups < 0 {
			return fmt.Errorf("logging.max_backups must be non-negative")
		}
	}

	if cfg.Admission.Enabled {
		if cfg.Admission.RequestsPerSecond <= 0 {
			return fmt.Errorf("admission.requests_per_second must be positive")
		}
		if cfg.Admission.Burst <= 0 {
			return fmt.Errorf("admission.burst must be positive")
		}
		if cfg.Admission.ClientTTL <= 0 {
			return fmt.Errorf("admission.client_ttl must be positive")
		}
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	if cfg.Cache.MaxSizeMB < 0 {
		return fmt.Errorf("cache.max_size_mb must be non-negative")
	}

	if cfg.Health.ProbeInterval <= 0 {
		return fmt.Errorf("health.probe_interval must be positive")
	}
	if cfg.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health.probe_timeout must be positive")
	}
	if cfg.Health.RecoveryInterval <= 0 {
		return fmt.Errorf("health.recovery_interval must be positive")
	}

	if cfg.Router.BackoffBase <= 0 {
		return fmt.Errorf("router.backoff_base must be positive")
	}
	if cfg.Router.BackoffCap < cfg.Router.BackoffBase {
		return fmt.Errorf("router.backoff_cap must be at least backoff_base")
	}
	if cfg.Router.MaxResponseBytes < 1 {
		return fmt.Errorf("router.max_response_bytes must be positive")
	}

	if err := validateBreaker("breaker_defaults", cfg.Breaker); err != nil {
		return err
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}

	seenNames := make(map[string]bool)
	seenPrefixes := make(map[string]bool)
	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if seenNames[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		seenNames[svc.Name] = true

		if len(svc.Endpoints) == 0 {
			return fmt.Errorf("services[%d] (%s): at least one endpoint is required", i, svc.Name)
		}
		for j, ep := range svc.Endpoints {
			if ep.Target == "" {
				return fmt.Errorf("services[%d].endpoints[%d]: target is required", i, j)
			}
			u, err := url.Parse(ep.Target)
			if err != nil {
				return fmt.Errorf("services[%d].endpoints[%d]: invalid URL: %w", i, j, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("services[%d].endpoints[%d]: scheme must be http or https, got %q", i, j, u.Scheme)
			}
			if u.Host == "" {
				return fmt.Errorf("services[%d].endpoints[%d]: host is required", i, j)
			}
			if ep.Weight < 0 {
				return fmt.Errorf("services[%d].endpoints[%d]: weight must be non-negative", i, j)
			}
		}

		for j, prefix := range svc.Prefixes {
			if !strings.HasPrefix(prefix, "/") {
				return fmt.Errorf("services[%d].prefixes[%d] must start with /", i, j)
			}
			if seenPrefixes[prefix] {
				return fmt.Errorf("duplicate service prefix: %s", prefix)
			}
			seenPrefixes[prefix] = true
		}

		if !ValidStrategies[svc.Strategy] {
			return fmt.Errorf("services[%d].strategy must be one of round-robin, least-connections, weighted, random; got %q", i, svc.Strategy)
		}
		if svc.Timeout < 0 {
			return fmt.Errorf("services[%d].timeout must be non-negative", i)
		}
		if svc.MaxRetries < 0 {
			return fmt.Errorf("services[%d].max_retries must be non-negative", i)
		}
		if svc.CacheTTL < 0 {
			return fmt.Errorf("services[%d].cache_ttl must be non-negative", i)
		}
		if svc.FailureThreshold < 0 {
			return fmt.Errorf("services[%d].failure_threshold must be non-negative", i)
		}
		if svc.MaxConcurrent < 0 {
			return fmt.Errorf("services[%d].max_concurrent must be non-negative", i)
		}
		if svc.Breaker != nil {
			if err := validateBreaker(fmt.Sprintf("services[%d].breaker", i), *svc.Breaker); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateBreaker checks a breaker block. Zero fields are allowed on
// per-service overrides (they inherit the defaults); set fields must be sane.
func validateBreaker(section string, cb BreakerConfig) error {
	if cb.WindowSize < 0 {
		return fmt.Errorf("%s.window_size must be non-negative", section)
	}
	if cb.VolumeThreshold < 0 {
		return fmt.Errorf("%s.volume_threshold must be non-negative", section)
	}
	if cb.ErrorThresholdPct < 0 || cb.ErrorThresholdPct > 100 {
		return fmt.Errorf("%s.error_threshold_pct must be between 0 and 100", section)
	}
	if cb.ResetTimeout < 0 {
		return fmt.Errorf("%s.reset_timeout must be non-negative", section)
	}
	if cb.TimeoutTripLimit < 0 {
		return fmt.Errorf("%s.timeout_trip_limit must be non-negative", section)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	for _, svc := range cfg.Services {
		if svc.AuthRequired && !cfg.Auth.Enabled {
			warnings = append(warnings, fmt.Sprintf("service %q sets auth_required but auth is disabled", svc.Name))
		}
		if svc.CacheTTL > 0 && !cfg.Cache.IsEnabled() {
			warnings = append(warnings, fmt.Sprintf("service %q sets cache_ttl but the cache is disabled", svc.Name))
		}
		if svc.Strategy == "weighted" {
			total := 0
			for _, ep := range svc.Endpoints {
				total += ep.Weight
			}
			if total == 0 {
				warnings = append(warnings, fmt.Sprintf("service %q uses weighted strategy with no positive weights", svc.Name))
			}
		}
	}
	return warnings
}

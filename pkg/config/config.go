package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full gateway configuration. Values come from an optional
// YAML file; command-line flags override file values.
type Config struct {
	// ListenAddr is the address of the client + admin HTTP surface.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the BoltDB store.
	DataDir string `yaml:"data_dir"`

	// ModelsRoot is mounted read-only into every engine container.
	ModelsRoot string `yaml:"models_root"`

	// RepoCacheDir is the writable mount engines download remote repos into.
	RepoCacheDir string `yaml:"repo_cache_dir"`

	// Engine images launched by the lifecycle manager.
	EngineImageTransformer string `yaml:"engine_image_transformer"`
	EngineImageQuantized   string `yaml:"engine_image_quantized"`

	// OfflineMode refuses image pulls and remote-download model starts.
	OfflineMode bool `yaml:"offline_mode"`

	// UpstreamInternalKey is the shared secret between gateway and engines.
	UpstreamInternalKey string `yaml:"upstream_internal_key"`

	// ContainerdSocket overrides the default containerd socket path.
	ContainerdSocket string `yaml:"containerd_socket"`

	// EngineNetwork names the private bridge ensured before each model
	// start. If the bridge cannot be created the start falls back to the
	// runtime default bridge. Empty disables the ensure step.
	EngineNetwork string `yaml:"engine_network"`

	// Health poller tuning.
	HealthTTL     time.Duration `yaml:"health_ttl"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`

	// Circuit breaker tuning. The breaker is off unless enabled.
	BreakerEnabled       bool          `yaml:"breaker_enabled"`
	BreakerOpenThreshold int           `yaml:"breaker_open_threshold"`
	BreakerCooldown      time.Duration `yaml:"breaker_cooldown"`

	// Rate limiting. RedisAddr empty disables both mechanisms.
	RedisAddr              string  `yaml:"redis_addr"`
	RedisPassword          string  `yaml:"redis_password"`
	RateLimitRPS           float64 `yaml:"rate_limit_rps"`
	RateLimitBurst         int     `yaml:"rate_limit_burst"`
	StreamingConcurrencyCap int64  `yaml:"streaming_concurrency_cap"`

	// Request deadlines.
	RequestTimeoutUnary  time.Duration `yaml:"request_timeout_unary"`
	RequestTimeoutStream time.Duration `yaml:"request_timeout_stream"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`

	// Production rejects the development auth bypass at startup.
	Production    bool `yaml:"production"`
	DevAuthBypass bool `yaml:"dev_auth_bypass"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config with the documented defaults applied.
func Default() *Config {
	return &Config{
		ListenAddr:              ":8084",
		DataDir:                 "/var/lib/cortex",
		ModelsRoot:              "/var/lib/cortex/models",
		RepoCacheDir:            "/var/lib/cortex/repo-cache",
		EngineImageTransformer:  "cortexhub/engine-transformer:latest",
		EngineImageQuantized:    "cortexhub/engine-quantized:latest",
		EngineNetwork:           "cortex0",
		HealthTTL:               15 * time.Second,
		ProbeInterval:           15 * time.Second,
		ProbeTimeout:            3 * time.Second,
		BreakerOpenThreshold:    5,
		BreakerCooldown:         30 * time.Second,
		RateLimitRPS:            0,
		RateLimitBurst:          0,
		StreamingConcurrencyCap: 32,
		RequestTimeoutUnary:     2 * time.Minute,
		RequestTimeoutStream:    10 * time.Minute,
		DrainTimeout:            30 * time.Second,
		LogLevel:                "info",
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.ModelsRoot == "" {
		return fmt.Errorf("models_root must be set")
	}
	if c.Production && c.DevAuthBypass {
		return fmt.Errorf("dev_auth_bypass is not permitted in production")
	}
	if c.BreakerEnabled && c.BreakerOpenThreshold < 1 {
		return fmt.Errorf("breaker_open_threshold must be >= 1")
	}
	if c.HealthTTL <= 0 || c.ProbeInterval <= 0 {
		return fmt.Errorf("health_ttl and probe_interval must be positive")
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerType distinguishes the writer from its replicas.
type ServerType string

const (
	// ServerTypeWriter marks the single primary server. Must be servers[0].
	ServerTypeWriter ServerType = "writer"
	// ServerTypeReplica marks a streaming replica.
	ServerTypeReplica ServerType = "replica"
)

// ServerConfig describes one server in the registry.
type ServerConfig struct {
	// Name is the server's display name — the identity reconfigure compares
	// on. Two servers with the same name are treated as the same server even
	// if their address changed.
	Name string `mapstructure:"name"`

	// Address is the driver-level connection string or host:port.
	Address string `mapstructure:"address"`

	// Type is "writer" (exactly one, at index 0) or "replica".
	Type ServerType `mapstructure:"type"`

	// Load is the nominal weight used by the reader selector's weighted pick.
	Load int `mapstructure:"load"`

	// GroupLoads overrides Load for specific query groups.
	GroupLoads map[string]int `mapstructure:"group_loads"`

	// MaxLag is this server's own lag budget in seconds. Zero means "use the
	// cluster default maxLag"; a negative value means "never exclude for lag"
	// (an always-eligible static/archive replica).
	MaxLag float64 `mapstructure:"max_lag"`

	// IsStatic marks a statically-replicated archive host that never catches
	// up to the primary position and should not be penalized for it.
	IsStatic bool `mapstructure:"is_static"`
}

// LoadMonitorConfig selects the load-monitor capability (rescale + lagTimes).
type LoadMonitorConfig struct {
	// Type is "null" (no external monitoring; weights are static) or "poll"
	// (periodically rescale weights from an external source).
	Type         string        `mapstructure:"type"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig configures the pkg/logger sink.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures the Prometheus metrics registry namespace.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// SrvCacheConfig configures the process-local cache tier.
type SrvCacheConfig struct {
	Capacity    int           `mapstructure:"capacity"`
	ReadOnlyTTL time.Duration `mapstructure:"read_only_ttl"`
	PositionTTL time.Duration `mapstructure:"position_ttl"`
}

// WANCacheConfig configures the cluster-wide Redis-backed cache tier. A
// disabled WAN cache degrades the read-only probe to process-local-only.
type WANCacheConfig struct {
	Enabled bool `mapstructure:"enabled"`

	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`

	ReadOnlyFlagTTL time.Duration `mapstructure:"read_only_flag_ttl"`
}

// CacheConfig groups both tiers backing the read-only probe and position tracker.
type CacheConfig struct {
	Srv SrvCacheConfig `mapstructure:"srv"`
	WAN WANCacheConfig `mapstructure:"wan"`
}

// DriverConfig configures the pgx-backed Database handles opened against
// each server descriptor's address.
type DriverConfig struct {
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	ApplicationName string        `mapstructure:"application_name"`
}

// RetryConfig is the resilience.RetryPolicy applied to silent connection
// attempts during reader selection and to the cluster-wide read-only probe.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     bool          `mapstructure:"jitter"`
}

// Config is the complete balancer configuration surface, including the
// ambient pieces a runnable instance needs.
type Config struct {
	Servers []ServerConfig `mapstructure:"servers"`

	LocalDomain    string  `mapstructure:"local_domain"`
	MaxLag         float64 `mapstructure:"max_lag"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
	ReadOnlyReason string  `mapstructure:"read_only_reason"`
	DefaultGroup   string  `mapstructure:"default_group"`

	// RoundStage, when non-empty, resumes a previously-persisted
	// callback-stage round instead of starting fresh at Cursory. Must name
	// one of the round.Stage String() values (e.g. "COMMIT_CALLBACKS").
	RoundStage string `mapstructure:"round_stage"`

	// RoundID is the persisted round's id, required alongside RoundStage.
	RoundID string `mapstructure:"round_id"`

	LoadMonitor LoadMonitorConfig `mapstructure:"load_monitor"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Driver      DriverConfig      `mapstructure:"driver"`
	Retry       RetryConfig       `mapstructure:"retry"`
}

// LoadConfig loads configuration from a YAML file, falling back to
// environment variables and defaults for anything the file doesn't set.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables and
// defaults only, with no config file.
func LoadConfigFromEnv() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("local_domain", "local")
	viper.SetDefault("max_lag", 6.0)
	viper.SetDefault("wait_timeout", "10s")
	viper.SetDefault("read_only_reason", "")
	viper.SetDefault("default_group", "DEFAULT")
	viper.SetDefault("round_stage", "")
	viper.SetDefault("round_id", "")

	viper.SetDefault("load_monitor.type", "null")
	viper.SetDefault("load_monitor.poll_interval", "5s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	viper.SetDefault("metrics.namespace", "dbloadbalancer")

	viper.SetDefault("cache.srv.capacity", 1024)
	viper.SetDefault("cache.srv.read_only_ttl", "5s")
	viper.SetDefault("cache.srv.position_ttl", "24h")

	viper.SetDefault("cache.wan.enabled", false)
	viper.SetDefault("cache.wan.addr", "localhost:6379")
	viper.SetDefault("cache.wan.db", 0)
	viper.SetDefault("cache.wan.pool_size", 10)
	viper.SetDefault("cache.wan.min_idle_conns", 1)
	viper.SetDefault("cache.wan.dial_timeout", "5s")
	viper.SetDefault("cache.wan.read_timeout", "3s")
	viper.SetDefault("cache.wan.write_timeout", "3s")
	viper.SetDefault("cache.wan.max_retries", 3)
	viper.SetDefault("cache.wan.min_retry_backoff", "8ms")
	viper.SetDefault("cache.wan.max_retry_backoff", "512ms")
	viper.SetDefault("cache.wan.read_only_flag_ttl", "30s")

	viper.SetDefault("driver.connect_timeout", "10s")
	viper.SetDefault("driver.query_timeout", "30s")
	viper.SetDefault("driver.ssl_mode", "disable")
	viper.SetDefault("driver.application_name", "dbloadbalancer")

	viper.SetDefault("retry.max_retries", 2)
	viper.SetDefault("retry.base_delay", "50ms")
	viper.SetDefault("retry.max_delay", "1s")
	viper.SetDefault("retry.multiplier", 2.0)
	viper.SetDefault("retry.jitter", true)
}

// Validate checks structural invariants a configuration must satisfy
// before a balancer can be constructed from it.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("servers: at least one server (the writer) is required")
	}

	if c.Servers[0].Type != ServerTypeWriter {
		return fmt.Errorf("servers[0] must have type %q (index 0 is always the writer)", ServerTypeWriter)
	}

	seenNames := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required (display names are the reconfigure identity)", i)
		}
		if seenNames[s.Name] {
			return fmt.Errorf("servers[%d]: duplicate server name %q", i, s.Name)
		}
		seenNames[s.Name] = true

		if i > 0 && s.Type == ServerTypeWriter {
			return fmt.Errorf("servers[%d]: only index 0 may have type %q", i, ServerTypeWriter)
		}
		if s.Load < 0 {
			return fmt.Errorf("servers[%d]: load must be >= 0", i)
		}
		for group, w := range s.GroupLoads {
			if w < 0 {
				return fmt.Errorf("servers[%d]: group_loads[%s] must be >= 0", i, group)
			}
		}
	}

	if c.MaxLag < 0 {
		return fmt.Errorf("max_lag must be >= 0")
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait_timeout must be > 0")
	}
	if c.DefaultGroup == "" {
		return fmt.Errorf("default_group cannot be empty")
	}
	if c.RoundStage != "" && c.RoundID == "" {
		return fmt.Errorf("round_id is required when round_stage is set")
	}

	if c.Cache.WAN.Enabled {
		if c.Cache.WAN.Addr == "" {
			return fmt.Errorf("cache.wan.addr is required when cache.wan.enabled is true")
		}
		if c.Cache.WAN.PoolSize <= 0 {
			return fmt.Errorf("cache.wan.pool_size must be > 0")
		}
	}
	if c.Cache.Srv.Capacity <= 0 {
		return fmt.Errorf("cache.srv.capacity must be > 0")
	}

	return nil
}

// IsReadOnlyForced reports whether configuration unconditionally forces
// read-only mode, bypassing the two-tier probe entirely.
func (c *Config) IsReadOnlyForced() bool {
	return c.ReadOnlyReason != ""
}

// WriterIndex is always 0: the writer is always servers[0].
func (c *Config) WriterIndex() int {
	return 0
}

// ReplicaIndices returns every server index other than the writer.
func (c *Config) ReplicaIndices() []int {
	indices := make([]int, 0, len(c.Servers)-1)
	for i := 1; i < len(c.Servers); i++ {
		indices = append(indices, i)
	}
	return indices
}

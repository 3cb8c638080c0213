// Package config loads godispatch settings from defaults, config files,
// GODISPATCH_* environment variables and runtime overrides, in increasing
// order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Workers   int             `mapstructure:"workers"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Task      TaskConfig      `mapstructure:"task"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Journal   JournalConfig   `mapstructure:"journal"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// LoggingConfig configures the server logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`

	// Profile is STRUCTURED (JSON) or CONSOLE.
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// WebSocketConfig configures terminal sessions.
type WebSocketConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	MaxPayload        int64         `mapstructure:"max_payload"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	FramesPerSecond   float64       `mapstructure:"frames_per_second"`
	Burst             int           `mapstructure:"burst"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// TaskConfig configures the scheduler.
type TaskConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	MailboxCapacity int           `mapstructure:"mailbox_capacity"`
}

// TerminalConfig configures the terminal directory.
type TerminalConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// StoreConfig selects the database. An empty Path and URL use the default
// file under the application data directory.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	// BusyTimeout bounds waits on a database file locked by another process.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// RedisConfig configures the presence mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// ArchiveConfig configures the S3 result archive. An empty Bucket disables it.
type ArchiveConfig struct {
	Bucket         string        `mapstructure:"bucket"`
	Prefix         string        `mapstructure:"prefix"`
	Region         string        `mapstructure:"region"`
	Endpoint       string        `mapstructure:"endpoint"`
	Profile        string        `mapstructure:"profile"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	QueueSize      int           `mapstructure:"queue_size"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Environment string  `mapstructure:"environment"`
}

// JournalConfig configures the lifecycle journal. An empty Path disables it;
// "-" writes to stdout.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// SetDefaults registers every default on v. Durations are strings so they
// read back as written.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)

	v.SetDefault("websocket.heartbeat_interval", "30s")
	v.SetDefault("websocket.heartbeat_timeout", "60s")
	v.SetDefault("websocket.max_payload", 1<<20)
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.frames_per_second", 50.0)
	v.SetDefault("websocket.burst", 100)
	v.SetDefault("websocket.allowed_origins", []string{})

	v.SetDefault("task.tick_interval", "1s")
	v.SetDefault("task.timeout", "5m")
	v.SetDefault("task.queue_capacity", 10000)
	v.SetDefault("task.mailbox_capacity", 100)

	v.SetDefault("terminal.stale_after", "10m")

	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.busy_timeout", "5s")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "godispatch:")
	v.SetDefault("redis.ttl", "2m")

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "results/")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("archive.queue_size", 256)
	v.SetDefault("archive.upload_timeout", "30s")

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("journal.path", "")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	switch c.Logging.Profile {
	case "STRUCTURED", "CONSOLE":
	default:
		return fmt.Errorf("logging.profile %q must be structured or console", c.Logging.Profile)
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter %q must be none or stdout", c.Tracing.Exporter)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Store.BusyTimeout < 0 {
		return fmt.Errorf("store.busy_timeout must not be negative")
	}
	if c.Task.QueueCapacity < 0 {
		return fmt.Errorf("task.queue_capacity must not be negative")
	}
	return nil
}

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/godispatch/internal/observability"
)

//go:embed app.yaml
var appYAML []byte

// Identity names the binary, its env prefix and its config file stem.
type Identity struct {
	Vendor      string `yaml:"vendor"`
	BinaryName  string `yaml:"binary_name"`
	EnvPrefix   string `yaml:"env_prefix"`
	ConfigName  string `yaml:"config_name"`
	Description string `yaml:"description"`
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// ciBoundaryVars bound project root discovery in CI checkouts, in order.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// LoadIdentity parses the embedded application identity.
func LoadIdentity() (*Identity, error) {
	var id Identity
	if err := yaml.Unmarshal(appYAML, &id); err != nil {
		return nil, fmt.Errorf("parse app identity: %w", err)
	}
	if id.BinaryName == "" || id.EnvPrefix == "" || id.ConfigName == "" {
		return nil, errors.New("app identity is incomplete")
	}
	return &id, nil
}

// SetConfigFile pins an explicit config file, skipping discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration from defaults, discovered config files,
// GODISPATCH_* variables and the given runtime overrides. The result is
// also published for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	id, err := LoadIdentity()
	if err != nil {
		return nil, err
	}

	configMu.Lock()
	appIdentity = id
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", explicit, err)
		}
	} else {
		for _, path := range configSearchPaths() {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			v.SetConfigFile(path)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merge config %s: %w", path, err)
			}
			observability.CLILogger.Debug("Merged config file", zap.String("path", path))
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	decode := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// GetIdentity returns the identity recorded by the last Load, or nil.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}

	p := id.EnvPrefix
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "MAX_BODY_BYTES", Path: "server.max_body_bytes"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "METRICS_PORT", Path: "metrics.port"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "DEBUG", Path: "debug.enabled"},
		{Name: p + "PPROF", Path: "debug.pprof_enabled"},
		{Name: p + "WORKERS", Path: "workers"},
		{Name: p + "HEARTBEAT_INTERVAL", Path: "websocket.heartbeat_interval"},
		{Name: p + "HEARTBEAT_TIMEOUT", Path: "websocket.heartbeat_timeout"},
		{Name: p + "WS_ALLOWED_ORIGINS", Path: "websocket.allowed_origins"},
		{Name: p + "TICK_INTERVAL", Path: "task.tick_interval"},
		{Name: p + "TASK_TIMEOUT", Path: "task.timeout"},
		{Name: p + "QUEUE_CAPACITY", Path: "task.queue_capacity"},
		{Name: p + "STALE_AFTER", Path: "terminal.stale_after"},
		{Name: p + "DB_PATH", Path: "store.path"},
		{Name: p + "DB_URL", Path: "store.url"},
		{Name: p + "DB_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: p + "DB_BUSY_TIMEOUT", Path: "store.busy_timeout"},
		{Name: p + "REDIS_ADDR", Path: "redis.addr"},
		{Name: p + "REDIS_PASSWORD", Path: "redis.password"},
		{Name: p + "REDIS_DB", Path: "redis.db"},
		{Name: p + "ARCHIVE_BUCKET", Path: "archive.bucket"},
		{Name: p + "ARCHIVE_PREFIX", Path: "archive.prefix"},
		{Name: p + "ARCHIVE_REGION", Path: "archive.region"},
		{Name: p + "ARCHIVE_ENDPOINT", Path: "archive.endpoint"},
		{Name: p + "TRACING_EXPORTER", Path: "tracing.exporter"},
		{Name: p + "TRACING_SAMPLE_RATIO", Path: "tracing.sample_ratio"},
		{Name: p + "JOURNAL_PATH", Path: "journal.path"},
	}
}

// configSearchPaths lists config files in merge order: user files first,
// then the project file, so the project wins.
func configSearchPaths() []string {
	paths := getUserConfigPaths()

	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return paths
	}
	if root, err := findProjectRoot(); err == nil {
		paths = append(paths, filepath.Join(root, id.ConfigName+".yaml"))
	}
	return paths
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	var paths []string
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.ConfigName, id.ConfigName+".yaml"))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(dir, id.ConfigName, id.ConfigName+".yaml")
		if len(paths) == 0 || paths[0] != p {
			paths = append(paths, p)
		}
	}
	return paths
}

// findProjectRoot walks up from the working directory to the nearest go.mod
// or .git. In CI, an absolute existing boundary directory that contains the
// working directory caps the walk. Without a marker the working directory
// itself is the root.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	boundary := ""
	if isCI() {
		boundary = ciBoundary(cwd)
	}
	if boundary == "" {
		if home, err := os.UserHomeDir(); err == nil && isWithin(home, cwd) {
			boundary = home
		}
	}

	dir := cwd
	for {
		if hasMarker(dir) {
			return dir, nil
		}
		if boundary != "" && dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func isCI() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS"} {
		if strings.EqualFold(os.Getenv(name), "true") {
			return true
		}
	}
	return false
}

func ciBoundary(cwd string) string {
	for _, name := range ciBoundaryVars {
		dir := strings.TrimSpace(os.Getenv(name))
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		dir = filepath.Clean(dir)
		if isWithin(dir, cwd) {
			return dir
		}
	}
	return ""
}

func hasMarker(dir string) bool {
	for _, marker := range []string{"go.mod", ".git"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

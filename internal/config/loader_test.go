package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findRepoRootForTest(t *testing.T) string {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	for dir := cwd; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		if filepath.Dir(dir) == dir {
			break
		}
	}
	t.Fatalf("could not locate repo root containing go.mod from %s", cwd)
	return ""
}

// resetAppIdentity clears package state. Tests only.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Health.Enabled)
	assert.False(t, cfg.Debug.PprofEnabled)
	assert.Equal(t, 4, cfg.Workers)

	assert.Equal(t, 30*time.Second, cfg.WebSocket.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.HeartbeatTimeout)
	assert.Equal(t, time.Second, cfg.Task.TickInterval)
	assert.Equal(t, 5*time.Minute, cfg.Task.Timeout)
	assert.Equal(t, 10000, cfg.Task.QueueCapacity)
	assert.Equal(t, 100, cfg.Task.MailboxCapacity)
	assert.Equal(t, 10*time.Minute, cfg.Terminal.StaleAfter)
	assert.Equal(t, 5*time.Second, cfg.Store.BusyTimeout)
	assert.Equal(t, "godispatch:", cfg.Redis.KeyPrefix)
	assert.Empty(t, cfg.Redis.Addr, "presence mirror is off by default")
	assert.Empty(t, cfg.Archive.Bucket, "archive is off by default")
	assert.Equal(t, "none", cfg.Tracing.Exporter)

	assert.Same(t, cfg, GetConfig())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GODISPATCH_PORT", "3000")
	t.Setenv("GODISPATCH_LOG_LEVEL", "warn")
	t.Setenv("GODISPATCH_METRICS_ENABLED", "false")
	t.Setenv("GODISPATCH_READ_TIMEOUT", "45s")
	t.Setenv("GODISPATCH_HEARTBEAT_TIMEOUT", "2m")
	t.Setenv("GODISPATCH_TASK_TIMEOUT", "90s")
	t.Setenv("GODISPATCH_QUEUE_CAPACITY", "0")
	t.Setenv("GODISPATCH_STALE_AFTER", "-1s")
	t.Setenv("GODISPATCH_REDIS_ADDR", "localhost:6379")
	t.Setenv("GODISPATCH_WS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("GODISPATCH_ARCHIVE_BUCKET", "results-bucket")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 2*time.Minute, cfg.WebSocket.HeartbeatTimeout)
	assert.Equal(t, 90*time.Second, cfg.Task.Timeout)
	assert.Equal(t, 0, cfg.Task.QueueCapacity, "zero disables the capacity check")
	assert.Equal(t, -time.Second, cfg.Terminal.StaleAfter)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WebSocket.AllowedOrigins)
	assert.Equal(t, "results-bucket", cfg.Archive.Bucket)
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("GODISPATCH_PORT", "4000")
	t.Setenv("GODISPATCH_TICK_INTERVAL", "250ms")

	cfg, err := Load(context.Background(), map[string]any{
		"server":  map[string]any{"port": 5000},
		"task":    map[string]any{"queue_capacity": 5},
		"logging": map[string]any{"profile": "console"},
	})
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port, "runtime override beats env")
	assert.Equal(t, 250*time.Millisecond, cfg.Task.TickInterval, "env beats default")
	assert.Equal(t, 5, cfg.Task.QueueCapacity)
	assert.Equal(t, "CONSOLE", cfg.Logging.Profile)
	assert.Equal(t, 5000, GetConfig().Server.Port)
}

func TestLoadExplicitConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "godispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7070\ntask:\n  timeout: 90s\n"), 0o600))

	SetConfigFile(path)
	defer SetConfigFile("")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Task.Timeout)

	SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load(context.Background())
	assert.Error(t, err)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		want      string
	}{
		{"profile", map[string]any{"logging": map[string]any{"profile": "fancy"}}, "logging.profile"},
		{"exporter", map[string]any{"tracing": map[string]any{"exporter": "jaeger"}}, "tracing.exporter"},
		{"workers", map[string]any{"workers": 0}, "workers"},
		{"port", map[string]any{"server": map[string]any{"port": 70000}}, "server.port"},
		{"busy timeout", map[string]any{"store": map[string]any{"busy_timeout": "-1s"}}, "store.busy_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), tt.overrides)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadIdentity(t *testing.T) {
	id, err := LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, "godispatch", id.BinaryName)
	assert.Equal(t, "GODISPATCH_", id.EnvPrefix)
	assert.Equal(t, "godispatch", id.ConfigName)
}

func TestEnvSpecs(t *testing.T) {
	_, err := Load(context.Background())
	require.NoError(t, err)

	names := make(map[string]string)
	for _, spec := range getEnvSpecs() {
		assert.Contains(t, spec.Name, "GODISPATCH_")
		assert.NotEmpty(t, spec.Path, spec.Name)
		names[spec.Name] = spec.Path
	}
	assert.Equal(t, "server.port", names["GODISPATCH_PORT"])
	assert.Equal(t, "logging.level", names["GODISPATCH_LOG_LEVEL"])
	assert.Equal(t, "websocket.heartbeat_interval", names["GODISPATCH_HEARTBEAT_INTERVAL"])
	assert.Equal(t, "task.queue_capacity", names["GODISPATCH_QUEUE_CAPACITY"])
	assert.Equal(t, "store.path", names["GODISPATCH_DB_PATH"])
	assert.Equal(t, "store.busy_timeout", names["GODISPATCH_DB_BUSY_TIMEOUT"])
	assert.Equal(t, "redis.addr", names["GODISPATCH_REDIS_ADDR"])
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
}

func TestFindProjectRoot(t *testing.T) {
	repoRoot := findRepoRootForTest(t)

	t.Run("CI boundary outside HOME", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", repoRoot)

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)

		_, err = Load(context.Background())
		require.NoError(t, err)
	})

	t.Run("GitHub Actions workspace", func(t *testing.T) {
		t.Setenv("GITHUB_ACTIONS", "true")
		t.Setenv("GITHUB_WORKSPACE", repoRoot)

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})

	for name, boundary := range map[string]string{
		"empty":              "",
		"relative":           "./relative/path",
		"nonexistent":        "/nonexistent/path/that/does/not/exist",
		"not containing cwd": os.TempDir(),
	} {
		t.Run("ignored boundary "+name, func(t *testing.T) {
			t.Setenv("CI", "true")
			t.Setenv("FULMEN_WORKSPACE_ROOT", boundary)
			t.Setenv("GITHUB_WORKSPACE", "")
			t.Setenv("CI_PROJECT_DIR", "")
			t.Setenv("WORKSPACE", "")

			root, err := findProjectRoot()
			require.NoError(t, err)
			assert.NotEmpty(t, root)
		})
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/godispatch/internal/config"
	"github.com/3leaps/godispatch/internal/observability"
	"github.com/3leaps/godispatch/internal/server"
	"github.com/3leaps/godispatch/internal/server/handlers"
	"github.com/3leaps/godispatch/pkg/archive"
	"github.com/3leaps/godispatch/pkg/connection"
	"github.com/3leaps/godispatch/pkg/coordinator"
	"github.com/3leaps/godispatch/pkg/eventlog"
	"github.com/3leaps/godispatch/pkg/presence"
	"github.com/3leaps/godispatch/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch coordinator",
	Long: `Run the HTTP API and terminal WebSocket endpoint.

Terminals connect to /ws/{terminalId}; tasks are submitted to
/api/task/submit. Optional components are enabled by configuration:
  redis.addr       mirror terminal presence into Redis
  archive.bucket   copy finalized results to S3
  journal.path     append lifecycle records as JSONL ("-" for stdout)

Examples:
  godispatch serve
  godispatch serve --port 9000 --db ./dispatch.db
  GODISPATCH_REDIS_ADDR=localhost:6379 godispatch serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default from config)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if f := cmd.Flags().Lookup("host"); f != nil && f.Changed {
		overrides["server.host"] = f.Value.String()
	}
	if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
		overrides["server.port"] = port
	}
	cfg, err := loadConfig(cmd, overrides)
	if err != nil {
		return err
	}

	logger, err := observability.InitServerLogger("godispatch", cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Metrics.Enabled {
		observability.InitTelemetry()
	}

	shutdownTracing, err := observability.InitTracing("godispatch", observability.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		SampleRatio: cfg.Tracing.SampleRatio,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid tracing configuration", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	opts := []coordinator.Option{coordinator.WithLogger(logger)}
	if observability.TelemetrySystem != nil {
		opts = append(opts, coordinator.WithMetrics(observability.TelemetrySystem))
	}

	instance, _ := os.Hostname()

	journal, closeJournal, err := openJournal(cfg.Journal.Path, instance)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot open journal", err)
	}
	defer closeJournal()
	if journal != nil {
		opts = append(opts, coordinator.WithJournal(journal))
	}

	var mirror *presence.Mirror
	if cfg.Redis.Addr != "" {
		mirror, err = presence.New(presence.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
			Instance:  instance,
		})
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid redis configuration", err)
		}
		defer func() { _ = mirror.Close() }()
		if err := mirror.Ping(ctx); err != nil {
			logger.Warn("Redis unreachable at startup; presence mirroring is best-effort", zap.Error(err))
		}
		opts = append(opts, coordinator.WithPresence(mirror))
	}

	if cfg.Archive.Bucket != "" {
		s3, err := archive.NewS3(ctx, archive.Config{
			Bucket:         cfg.Archive.Bucket,
			Prefix:         cfg.Archive.Prefix,
			Region:         cfg.Archive.Region,
			Endpoint:       cfg.Archive.Endpoint,
			Profile:        cfg.Archive.Profile,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot configure result archive", err)
		}
		opts = append(opts, coordinator.WithArchiver(archive.NewAsync(s3, archive.AsyncConfig{
			Workers:       cfg.Workers,
			QueueSize:     cfg.Archive.QueueSize,
			UploadTimeout: cfg.Archive.UploadTimeout,
		}, logger.Named("archive"))))
	}

	coord := coordinator.New(db, coordinatorConfig(cfg), opts...)
	coord.Start(ctx)

	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	if cfg.Health.Enabled {
		registerHealthChecks(coord, mirror, cfg.Metrics.Enabled)
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port).WithTimeouts(server.Timeouts{
		Read:     cfg.Server.ReadTimeout,
		Write:    cfg.Server.WriteTimeout,
		Idle:     cfg.Server.IdleTimeout,
		Shutdown: cfg.Server.ShutdownTimeout,
	})
	if cfg.Debug.PprofEnabled {
		srv.EnableProfiler()
	}
	srv.Mount(handlers.NewAPI(coord, coord.WebSocket(), cfg.Server.MaxBodyBytes))

	logger.Info("Starting godispatch",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.Bool("redis", mirror != nil),
		zap.Bool("archive", cfg.Archive.Bucket != ""),
		zap.Bool("journal", journal != nil),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case <-srv.ShutdownRequested():
		logger.Info("Shutdown requested by admin endpoint")
	case err := <-errCh:
		_ = coord.Close(context.Background())
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Warn("Coordinator shutdown incomplete", zap.Error(err))
	}
	logger.Info("godispatch stopped")
	return nil
}

func coordinatorConfig(cfg *config.Config) coordinator.Config {
	return coordinator.Config{
		Scheduler: scheduler.Config{
			TickInterval:    cfg.Task.TickInterval,
			TaskTimeout:     cfg.Task.Timeout,
			QueueCapacity:   cfg.Task.QueueCapacity,
			MailboxCapacity: cfg.Task.MailboxCapacity,
		},
		Connection: connection.Config{
			HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
			HeartbeatTimeout:  cfg.WebSocket.HeartbeatTimeout,
		},
		WebSocket: connection.WSConfig{
			MaxPayload:      cfg.WebSocket.MaxPayload,
			WriteTimeout:    cfg.WebSocket.WriteTimeout,
			FramesPerSecond: cfg.WebSocket.FramesPerSecond,
			Burst:           cfg.WebSocket.Burst,
			AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
		},
		StaleAfter: cfg.Terminal.StaleAfter,
	}
}

// openJournal opens the lifecycle journal. An empty path disables it.
func openJournal(path, instance string) (*eventlog.JSONLWriter, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	var (
		w       io.Writer = os.Stdout
		closeFn           = func() error { return nil }
	)
	if path != "-" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", path, err)
		}
		w, closeFn = f, f.Close
	}
	jw := eventlog.NewJSONLWriter(w, instance)
	return jw, func() {
		_ = jw.Close()
		_ = closeFn()
	}, nil
}

func registerHealthChecks(coord *coordinator.Coordinator, mirror *presence.Mirror, metrics bool) {
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()

	hm.RegisterChecker("store", handlers.HealthCheckerFunc(coord.Ping))
	hm.RegisterChecker("signal", signalHealthChecker{})
	if metrics {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	if mirror != nil {
		hm.RegisterChecker("redis", handlers.HealthCheckerFunc(mirror.Ping))
	}
}

// signalHealthChecker reports healthy while the process can still receive
// shutdown signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	return observability.TelemetryReady(ctx)
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

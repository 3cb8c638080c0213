package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/godispatch/internal/config"
	errwrap "github.com/3leaps/godispatch/internal/errors"
	"github.com/3leaps/godispatch/internal/observability"
	"github.com/3leaps/godispatch/pkg/presence"
	"github.com/3leaps/godispatch/pkg/store"
)

var (
	doctorProviders []string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and the configured database,
and suggest fixes for common issues.

Examples:
  godispatch doctor                    # Environment and database checks
  godispatch doctor --provider redis   # Also ping the presence mirror
  godispatch doctor --provider s3      # Also check archive credentials`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringSliceVar(&doctorProviders, "provider", nil, "Run provider-specific checks (redis, s3)")
}

type doctorRun struct {
	num   int
	total int
	ok    bool
}

func (d *doctorRun) step() string {
	s := fmt.Sprintf("[%d/%d]", d.num, d.total)
	d.num++
	return s
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	withRedis, withS3 := false, false
	for _, p := range doctorProviders {
		switch p {
		case "redis":
			withRedis = true
		case "s3":
			withS3 = true
		default:
			ExitWithCode(observability.CLILogger, foundry.ExitInvalidArgument, "Unknown --provider value",
				errwrap.NewValidationError("unknown provider", map[string]any{"provider": p}))
		}
	}

	d := &doctorRun{num: 1, total: 6, ok: true}
	if withRedis {
		d.total++
	}
	if withS3 {
		d.total += 2
	}

	// Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("%s Checking Go version... ✅ %s", d.step(), goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("%s Checking Go version... ⚠️  %s (recommended: go1.23+)", d.step(), goVersion),
			zap.String("go_version", goVersion))
		d.ok = false
	}

	// Crucible and gofulmen
	version := crucible.GetVersion()
	if version.Crucible != "" {
		observability.CLILogger.Info(fmt.Sprintf("%s Checking Crucible access... ✅ v%s", d.step(), version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("%s Checking Crucible access... ❌ Cannot access Crucible", d.step()))
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
	}
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("%s Checking Gofulmen access... ✅ v%s", d.step(), version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("%s Checking Gofulmen access... ❌ Cannot access Gofulmen", d.step()))
		d.ok = false
	}

	// Config
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("%s Checking configuration... ❌ Invalid configuration", d.step()),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitInvalidArgument, "Invalid configuration",
			errwrap.WrapInternal(cmd.Context(), err, "Invalid configuration"))
		return
	}
	configDir, _ := os.UserConfigDir()
	observability.CLILogger.Info(fmt.Sprintf("%s Checking configuration... ✅ loaded", d.step()),
		zap.String("config_dir", configDir),
		zap.String("listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))

	// Database
	d.ok = checkDatabase(cmd.Context(), d, cfg.Store) && d.ok

	// Environment
	observability.CLILogger.Info(fmt.Sprintf("%s Checking environment... ✅ %s/%s", d.step(), runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	if withRedis {
		d.ok = runRedisCheck(cmd.Context(), d, cfg.Redis) && d.ok
	}
	if withS3 {
		d.ok = runS3Checks(cmd.Context(), d) && d.ok
	}

	observability.CLILogger.Info("")
	if d.ok {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkDatabase reports the schema version of the configured database
// without migrating it.
func checkDatabase(ctx context.Context, d *doctorRun, cfg config.StoreConfig) bool {
	step := d.step()
	sc, err := resolveStoreConfig(cfg)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("%s Checking database... ❌ %v", step, err))
		return false
	}
	db, err := store.Open(ctx, sc)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("%s Checking database... ❌ Cannot open %s", step, describeStore(sc)),
			zap.Error(err))
		return false
	}
	defer func() { _ = db.Close() }()

	v, err := store.CurrentSchemaVersion(ctx, db)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("%s Checking database... ❌ Cannot read schema", step), zap.Error(err))
		return false
	}
	switch {
	case v == store.SchemaVersion:
		observability.CLILogger.Info(fmt.Sprintf("%s Checking database... ✅ %s (schema v%d)", step, describeStore(sc), v))
		return true
	case v < store.SchemaVersion:
		observability.CLILogger.Warn(fmt.Sprintf("%s Checking database... ⚠️  schema v%d, run 'godispatch db migrate' (want v%d)",
			step, v, store.SchemaVersion))
		return false
	default:
		observability.CLILogger.Error(fmt.Sprintf("%s Checking database... ❌ schema v%d is newer than this binary (v%d)",
			step, v, store.SchemaVersion))
		return false
	}
}

func runRedisCheck(ctx context.Context, d *doctorRun, cfg config.RedisConfig) bool {
	step := d.step()
	if cfg.Addr == "" {
		observability.CLILogger.Warn(fmt.Sprintf("%s Checking Redis... ⚠️  redis.addr is not set", step))
		return false
	}
	mirror, err := presence.New(presence.Config{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, KeyPrefix: cfg.KeyPrefix})
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("%s Checking Redis... ❌ %v", step, err))
		return false
	}
	defer func() { _ = mirror.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := mirror.Ping(pingCtx); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("%s Checking Redis... ❌ Cannot reach %s", step, cfg.Addr), zap.Error(err))
		return false
	}
	entries, err := mirror.List(pingCtx)
	if err != nil {
		observability.CLILogger.Warn(fmt.Sprintf("%s Checking Redis... ⚠️  %s reachable but presence index unreadable", step, cfg.Addr), zap.Error(err))
		return true
	}
	observability.CLILogger.Info(fmt.Sprintf("%s Checking Redis... ✅ %s (%d terminal(s) mirrored)", step, cfg.Addr, len(entries)))
	return true
}

// runS3Checks verifies that archive uploads can find AWS credentials.
func runS3Checks(ctx context.Context, d *doctorRun) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Archive Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("%s Checking AWS credentials... ❌ Cannot load AWS config", d.step()),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("%s Checking AWS credentials... ❌ Cannot retrieve credentials", d.step()),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("%s Checking AWS credentials... ✅ Found credentials", d.step()),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("%s Checking credential source... ✅ %s", d.step(), source),
		zap.String("credential_source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials for the result archive:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' and set archive.profile, or")
	observability.CLILogger.Info("  3. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - archive.endpoint (GODISPATCH_ARCHIVE_ENDPOINT) and archive.force_path_style")
	observability.CLILogger.Info("")
}

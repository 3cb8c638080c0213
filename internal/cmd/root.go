// Package cmd implements the godispatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/godispatch/internal/config"
	"github.com/3leaps/godispatch/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile     string
	verbose     bool
	appIdentity *config.Identity
)

var rootCmd = &cobra.Command{
	Use:   "godispatch",
	Short: "Task dispatch coordinator for connected terminals",
	Long: `godispatch accepts tasks over HTTP, queues them by priority and pushes
them to terminals connected over WebSocket, tracking each task until a
result arrives or its deadline passes.

Run the coordinator:
  godispatch serve

Inspect or drive a coordinator database from the shell:
  godispatch terminals list
  godispatch tasks submit --data '{"op":"print"}' --priority high
  godispatch tasks apply --manifest batch.yaml`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: discovered godispatch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().String("log-level", "", "Server log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("db", "", "Database path (default: app data dir)")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("db"))
}

// SetVersionInfo records build metadata injected by main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity loaded by initConfig, or nil before it runs.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// Execute runs the root command and exits with the code carried by the
// returned error, if any.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var coded *exitCodeError
		if errors.As(err, &coded) {
			observability.CLILogger.Error(coded.message, zap.Error(coded.err))
			os.Exit(coded.code)
		}
		observability.CLILogger.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

// setDefaults registers config defaults on the global viper instance used
// for flag binding.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initConfig(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger("godispatch", verbose)

	id, err := config.LoadIdentity()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid app identity", err)
	}
	appIdentity = id

	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	}
	viper.SetEnvPrefix(strings.TrimSuffix(id.EnvPrefix, "_"))
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	return nil
}

// loadConfig loads the layered config with changed persistent flags as
// runtime overrides.
func loadConfig(cmd *cobra.Command, extra map[string]any) (*config.Config, error) {
	overrides := map[string]any{}
	flags := map[string]string{"log-level": "logging.level", "db": "store.path"}
	for name, key := range flags {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		overrides[key] = f.Value.String()
	}
	for k, v := range extra {
		overrides[k] = v
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &exitCodeError{code: code, message: message, err: err}
}

// ExitWithCode logs and terminates the process immediately.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}

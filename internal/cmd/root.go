// Package cmd implements the deviceingest command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/deviceingest/internal/config"
	"github.com/3leaps/deviceingest/internal/observability"
)

// AppIdentity names the binary and its config/data directories.
type AppIdentity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var (
	cfgFile string
	verbose bool

	versionInfo = buildInfo{Version: "dev", Commit: "none", BuildDate: "unknown"}
	appIdentity = &AppIdentity{
		BinaryName: "deviceingest",
		ConfigName: config.AppName,
		EnvPrefix:  config.EnvPrefix,
	}
)

var rootCmd = &cobra.Command{
	Use:   "deviceingest",
	Short: "Replace a user group's device data from its configured sources",
	Long: `deviceingest runs one ingest job: it fetches every device-data source
configured in the job description, parses and merges the records and
replaces the group's persisted data with the result.

Examples:
  deviceingest run < job.json
  deviceingest run --job job.yaml /var/run/ingest
  deviceingest validate --job job.json`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// SetVersionInfo records build metadata injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the application identity.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	defer observability.Sync()
	if err == nil {
		return 0
	}

	var ee *exitCodeError
	if errors.As(err, &ee) {
		if !ee.reported {
			observability.CLILogger.Error(ee.message, zap.Error(ee.err), zap.Int("exit_code", ee.code))
			_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", ee.Error())
		}
		return ee.code
	}

	// Usage errors from cobra (unknown flag, bad args).
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// loadConfig loads runtime configuration and reconfigures the CLI logger
// from it. The --verbose flag always wins over logging.level.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, cfgFile)
	if err != nil {
		return nil, err
	}
	if err := observability.Configure(observability.Options{
		Name:       appIdentity.BinaryName,
		Level:      cfg.Logging.Level,
		Verbose:    verbose,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// exitCodeError carries a process exit code through cobra.
type exitCodeError struct {
	code    int
	message string
	err     error

	// reported is set when the failure was already logged.
	reported bool
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, message: message, err: err}
}

// reportedExit signals an exit code whose cause was already logged.
func reportedExit(code int) error {
	return &exitCodeError{code: code, message: "ingest failed", reported: true}
}

// Package cmd implements the hpcmeter command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcmeter/internal/config"
	"github.com/3leaps/hpcmeter/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "hpcmeter",
	Short: "Track cluster jobs and account their energy footprint",
	Long: `hpcmeter polls a cluster scheduler for job records, estimates each
job's energy use, carbon footprint and cost, and aggregates the results
into per-user usage statistics and monthly reports.

Typical flow:
  hpcmeter track              # poll the scheduler into the job database
  hpcmeter usage              # aggregate jobs into the usage database
  hpcmeter report previous    # build last month's report
  hpcmeter serve              # expose usage over HTTP`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRoot,
}

var (
	cfgFile string
	verbose bool

	// cfg is loaded once per invocation by initRoot.
	cfg *config.Config
)

// versionInfo is stamped by SetVersionInfo from main's ldflags.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func initRoot(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cmd.Context(), cfgFile)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if _, err := observability.Init(level, cfg.Logging.Profile); err != nil {
		return err
	}
	return nil
}

// exitCodeError carries a process exit code alongside the error chain.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError creates an error that makes the CLI exit with the given code.
func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, message: message, err: err}
}

// Execute runs the CLI. It installs signal handling so in-flight work
// shuts down cleanly on interrupt.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	observability.Sync()
	if err == nil {
		return
	}

	observability.CLILogger.Error("command failed", zap.Error(err))
	observability.Sync()

	var coded *exitCodeError
	if errors.As(err, &coded) {
		os.Exit(coded.code)
	}
	os.Exit(1)
}

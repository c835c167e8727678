package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcmeter/internal/observability"
	"github.com/3leaps/hpcmeter/internal/server"
	"github.com/3leaps/hpcmeter/internal/server/handlers"
	"github.com/3leaps/hpcmeter/pkg/usagestore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the usage API over HTTP",
	Long: `Serve the aggregated usage data over HTTP: 15-minute usage rows,
monthly reports, user metadata, plus health and version endpoints.

The server is read-only; it never writes to the usage database.`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	store, err := usagestore.Open(ctx, cfg.UsageDB)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open usage database", err)
	}
	defer func() { _ = store.Close() }()

	api := handlers.NewUsageAPI(store, log)

	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("usage_db", api)

	host := serveHost
	if host == "" {
		host = cfg.Server.Host
	}
	port := servePort
	if port == 0 {
		port = cfg.Server.Port
	}

	srv := server.New(host, port, api, handlers.VersionInfo{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
	}, log)
	srv.WithTimeouts(server.Timeouts{
		Read:     cfg.Server.ReadTimeout,
		Write:    cfg.Server.WriteTimeout,
		Idle:     cfg.Server.IdleTimeout,
		Shutdown: cfg.Server.ShutdownTimeout,
	})

	log.Info("starting usage API",
		zap.String("addr", srv.Addr()),
		zap.String("usage_db", cfg.UsageDB))

	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
	}
	return nil
}

package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/api"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/orchestrator"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/parallel"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runtime and its status API",
	Long: `Start every built-in component in dependency order and serve the HTTP
status API until SIGINT or SIGTERM, then stop components in reverse order.

Examples:
  # Start with defaults (127.0.0.1:8089)
  quorum-core serve

  # Start on custom host and port
  quorum-core serve --host 0.0.0.0 --port 3000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost          string
	servePort          int
	serveAllowCommands bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "",
		"Host address to bind to (default from config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0,
		"Port to listen on (default from config)")
	serveCmd.Flags().BoolVar(&serveAllowCommands, "allow-commands", false,
		"run task commands submitted over HTTP through sh -c")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	allowCommands := cfg.Server.AllowCommands || serveAllowCommands
	var opts []orchestrator.Option
	if allowCommands {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithWorker(parallel.NewCommandWorker(wd)))
		logger.Warn("command execution over HTTP is enabled", "workdir", wd)
	}

	rt, err := newRuntime(cfg, logger, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := rt.Start(ctx)
	if err != nil {
		shutdownRuntime(rt, logger)
		return fmt.Errorf("starting components: %w", err)
	}
	var failed []string
	for id, ok := range results {
		if !ok {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)
	logger.Info("components started",
		slog.Int("total", len(results)),
		slog.Any("failed", failed),
		slog.Any("order", rt.Resources.Status().InitializationOrder),
	)

	server := api.NewServer(rt,
		api.WithLogger(logger.Logger),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithCommandExecution(allowCommands),
	)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(ctx, addr)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
		serveErr = <-errCh
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server failed", slog.String("error", serveErr.Error()))
		}
	}

	shutdownRuntime(rt, logger)
	logger.Info("server stopped")
	if serveErr != nil {
		return fmt.Errorf("serving: %w", serveErr)
	}
	return nil
}

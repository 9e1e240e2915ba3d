package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/mcpserver"
	goutils "github.com/jkaninda/go-utils"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operation catalog as MCP tools on stdio",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sanduku --config path` and `sanduku serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	}
}

// runServe starts Sanduku in MCP stdio mode. stdout carries the protocol,
// so all logging goes to stderr.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadOrDefault(goutils.Env("SANDUKU_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopMonitor, err := startMonitor(ctx, sc)
	if err != nil {
		return err
	}
	defer stopMonitor()

	srv := mcpserver.New(sc.Dispatcher, cfg.MCP, version, logger)
	logger.Info("mcp server starting",
		slog.String("mode", cfg.MCP.ModeName()),
		slog.Int("tools", srv.ToolCount()),
		slog.String("version", version),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
		return nil
	case err := <-errCh:
		// The client closing stdin is a normal way to end a session.
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("mcp client disconnected")
		return nil
	}
}

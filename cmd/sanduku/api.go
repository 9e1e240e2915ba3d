package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/events"
	"github.com/jkaninda/sanduku/internal/httpapi"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	goutils "github.com/jkaninda/go-utils"
)

var (
	apiConfigPath string
	apiListenAddr string
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the REST API server",
	RunE:  runAPI,
}

func init() {
	apiCmd.Flags().StringVar(&apiConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	apiCmd.Flags().StringVar(&apiListenAddr, "listen", "", "override listen address (e.g. :8089)")
}

// runAPI starts Sanduku in REST API mode.
func runAPI(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadOrDefault(goutils.Env("SANDUKU_CONFIG", apiConfigPath))
	if err != nil {
		return err
	}
	// An explicit `sanduku api` invocation means serve HTTP even when the
	// config file has no server section.
	if cfg.Server == nil {
		cfg.Server = &config.ServerConfig{Enabled: true}
	}
	if apiListenAddr != "" {
		cfg.Server.ListenAddr = apiListenAddr
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

	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.Server.RateLimit.BurstSize,
		})
	}

	apiCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		Version:        version,
		EnableDocs:     cfg.Server.EnableDocs,
		MaxRequestSize: cfg.Server.MaxRequestSize(),
		APIKeys:        cfg.Server.APIKeys,
		HealthChecker:  sc.Obs.HealthOrNil(),
	}
	if mc := sc.Obs.MetricsOrNil(); mc != nil {
		apiCfg.MetricsRegistry = mc.Registry
		apiCfg.Metrics = mc
		apiCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		apiCfg.Tracer = ts.Tracer()
	}

	api := httpapi.New(apiCfg, sc.Dispatcher, limiter, logger).
		WithOperationLog(sc.Store)
	if cfg.Server.SSE {
		api.WithEventBus(sc.Bus)
	}
	wsServer := events.NewServer(sc.Bus, cfg.Events.StreamToken(), logger)
	api.WithHandler(cfg.Events.WSPath(), wsServer.Handler())

	errs := make(chan error, 1)
	go func() {
		errs <- api.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case err := <-errs:
		if err != nil {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
		}
	}

	// Drain in-flight requests, bounded.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := api.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}

	return nil
}

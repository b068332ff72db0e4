package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/server"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox engine HTTP API",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `ngome --config path` and `ngome serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the engine with the HTTP API in front of it.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("NGOME_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if cfg.Server == nil {
		cfg.Server = &config.ServerConfig{}
	}
	if serveAddr != "" {
		cfg.Server.ListenAddr = serveAddr
	}

	logger.Info("starting in serve mode", slog.String("addr", cfg.Server.Addr()))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ec, err := buildEngine(ctx, cfg, logger, cfg.Server.Events)
	if err != nil {
		return err
	}
	defer ec.Close()

	// Build API key → caller ID mapping from config + env override.
	apiKeys := cfg.Server.APIKeys
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("NGOME_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	gwCfg := server.Config{
		ListenAddr: cfg.Server.Addr(),
		EnableDocs: cfg.Server.EnableDocs,
		APIKeys:    apiKeys,
		RateLimit: ratelimit.Config{
			RequestsPerMinute: cfg.Server.RateLimitPerMinute,
			BurstSize:         cfg.Server.RateLimitBurst,
		},
	}
	if m := ec.Obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := server.NewGateway(gwCfg, ec.Manager, ec.Registry, logger)
	if ec.Store != nil {
		gw.WithAudit(ec.Store)
	}
	if ec.Hub != nil {
		gw.WithEvents(ec.Hub)
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}

	return nil
}

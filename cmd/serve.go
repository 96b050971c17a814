package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"g4f-bridge/internal/config"
	"g4f-bridge/internal/logging"
	"g4f-bridge/internal/metrics"
	"g4f-bridge/internal/provider/hub"
	"g4f-bridge/internal/registry"
	"g4f-bridge/internal/router"
	"g4f-bridge/internal/server"
)

const serveUsage = `Usage:
  g4f-bridge serve [--config <path>] [--host <addr>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file
  --host   string   Override listen address from configuration
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, overrideHost string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&overrideHost, "host", "", "override listen address")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overrideHost != "" {
		cfg.Server.Host = overrideHost
	}
	if overridePort != 0 {
		if overridePort < 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	reg, err := registry.New(cfg.ModelTable())
	if err != nil {
		return fmt.Errorf("build model registry: %w", err)
	}

	providers, err := hub.FromConfig(cfg.Providers, hub.NewHTTPClient())
	if err != nil {
		return err
	}
	for _, name := range reg.Providers() {
		if !providers.Has(name) {
			slog.Warn("provider has no upstream configured; its models will fail", "provider", name)
		}
	}

	if cfg.Server.APIKey == "" {
		slog.Warn("API_KEY not set - server running without authentication",
			"recommendation", "set API_KEY or server.api_key to require a bearer token")
	} else {
		slog.Info("authentication enabled", "mode", "bearer")
	}

	var m *metrics.Metrics
	if cfg.Server.Metrics.Enabled {
		m = metrics.New()
	}

	srv, err := server.New(cfg, router.New(reg, providers), m)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

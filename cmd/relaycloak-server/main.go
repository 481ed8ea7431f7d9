// Command relaycloak-server runs the TLS-disguised relay described by
// SPEC_FULL.md: it loads a configuration file, builds the TLS listener,
// and dispatches accepted connections into the session core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"relaycloak/internal/auth"
	"relaycloak/internal/config"
	"relaycloak/internal/logging"
	"relaycloak/internal/resolver"
	"relaycloak/internal/server"
	"relaycloak/internal/telemetry/trafficstats"
)

func main() {
	configPath := flag.String("config", "", "path to the relaycloak server configuration file (JSON or YAML)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: relaycloak-server -config path/to/config.json")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaycloak-server: %v\n", err)
		os.Exit(1)
	}

	log := buildLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("relaycloak-server: interrupt received, shutting down...")
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Printf("relaycloak-server: %v", err)
		os.Exit(1)
	}
}

// loadConfig picks the JSON or YAML loader by the config file's
// extension, following the teacher's habit of treating ".yaml"/".yml" as
// the YAML format and everything else as JSON.
func loadConfig(path string) (*config.Configuration, error) {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return config.LoadYAML(path)
	}
	return config.LoadJSON(path)
}

func buildLogger(cfg *config.Configuration) logging.Logger {
	if cfg.Log.Format == "legacy" || cfg.Log.Format == "" {
		return logging.NewLogLogger()
	}
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return logging.NewSlogLogger(os.Stdout, cfg.Log.Format, level)
}

func run(ctx context.Context, cfg *config.Configuration, log logging.Logger) error {
	res := buildResolver(cfg)
	authenticator := buildAuthenticator()

	srv, err := server.New(cfg, authenticator, res, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ln, err := srv.Listen(ctx)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() { _ = ln.Close() }()

	log.Printf("relaycloak-server: listening on %s (pipeline=%t)", cfg.Listen, cfg.Pipeline.Enabled)

	if cfg.Pipeline.Enabled {
		return srv.ServePipeline(ctx, ln)
	}
	return srv.Serve(ctx, ln)
}

func buildResolver(cfg *config.Configuration) resolver.Resolver {
	if cfg.DNS.Upstream != "" {
		return resolver.NewMiekgResolver(cfg.DNS.Upstream)
	}
	return resolver.NewStdResolver(nil)
}

func buildAuthenticator() auth.Authenticator {
	collector := trafficstats.NewCollector()
	return auth.NewMeteredAuthenticator(auth.NoopAuthenticator{}, collector)
}

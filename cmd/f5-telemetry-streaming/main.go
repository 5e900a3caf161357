// Command f5-telemetry-streaming runs the telemetry streaming agent: it
// loads the stored declaration, opens event listener sockets, schedules
// pollers and forwards normalized records to the configured consumers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blheatwole/f5-telemetry-streaming/agent"
	"github.com/blheatwole/f5-telemetry-streaming/kvstore"
	"github.com/blheatwole/f5-telemetry-streaming/metric"
	"github.com/blheatwole/f5-telemetry-streaming/vault"
)

// bootstrapConfig is the process-level YAML configuration. Everything
// telemetry-specific arrives later as a declaration.
type bootstrapConfig struct {
	LogLevel      string `yaml:"logLevel"`
	AdminAddress  string `yaml:"adminAddress"`
	StorageDir    string `yaml:"storageDir"`
	SecretKeyFile string `yaml:"secretKeyFile"`
	TraceDir      string `yaml:"traceDir"`
}

func defaultBootstrap() bootstrapConfig {
	return bootstrapConfig{
		LogLevel:     "info",
		AdminAddress: ":8080",
		StorageDir:   "/var/lib/f5-telemetry",
	}
}

func loadBootstrap(path string) (bootstrapConfig, error) {
	cfg := defaultBootstrap()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug", "verbose":
		return slog.LevelDebug
	case "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildVault(path string, logger *slog.Logger) vault.Vault {
	if path == "" {
		logger.Warn("no secret key configured, cipher text passes through")
		return vault.Plain{}
	}
	key, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("secret key unreadable, cipher text passes through", "error", err)
		return vault.Plain{}
	}
	local, err := vault.NewLocal(key)
	if err != nil {
		logger.Warn("secret key invalid, cipher text passes through", "error", err)
		return vault.Plain{}
	}
	return local
}

func run() error {
	configPath := flag.String("config", "", "path to bootstrap config file (YAML)")
	flag.Parse()

	cfg, err := loadBootstrap(*configPath)
	if err != nil {
		return err
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	store, err := kvstore.NewFileStore(cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("open declaration store: %w", err)
	}

	metrics := metric.NewRegistry()
	a, err := agent.New(agent.Options{
		Logger:       logger,
		Metrics:      metrics,
		Vault:        buildVault(cfg.SecretKeyFile, logger),
		Store:        store,
		LogLevel:     levelVar,
		TraceBaseDir: cfg.TraceDir,
	})
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	adminServer := &http.Server{
		Addr:              cfg.AdminAddress,
		Handler:           a.AdminMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("admin endpoint listening", "address", cfg.AdminAddress)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin endpoint failed", "error", err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = adminServer.Shutdown(shutdownCtx)

	cancel()
	a.Stop()
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

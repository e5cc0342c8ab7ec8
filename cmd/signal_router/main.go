package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"signal_router/internal/bootstrap"
	"signal_router/internal/config"
	"signal_router/pkg/logging"
	"signal_router/pkg/telemetry"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile    = flag.String("env", ".env", "Path to dotenv file with account credentials")
)

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "signal_router: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Environment and configuration
	if err := config.LoadEnvFile(*envFile); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		return err
	}

	// 2. Telemetry before the logger so the zap core is teed into the OTel bridge
	tel, err := telemetry.Setup(cfg.Telemetry.ServiceName, telemetry.Options{
		TraceToStdout: cfg.Telemetry.TraceToStdout,
		LogToStdout:   cfg.Telemetry.LogToStdout,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Server.AdminToken == "" {
		logger.Warn("No admin token configured, the admin API is unauthenticated")
	}

	// 3. Wire and run
	app, err := bootstrap.New(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run()
}

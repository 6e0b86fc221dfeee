package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"credlayer/internal/api"
	"credlayer/internal/app"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	envFile := os.Getenv(EnvFileKey)
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Info("The .env file not found.")
	}
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	stopServer, done := api.RunServerInterruptible(cfg.Port, a)
	select {
	case <-ctx.Done():
		log.Info("shutting down")
		close(stopServer)
		err = <-done
	case err = <-done:
	}
	if closeErr := a.Close(); closeErr != nil {
		log.WithError(closeErr).Warn("failed to close storage")
	}
	if err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

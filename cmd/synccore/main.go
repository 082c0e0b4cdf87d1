package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emberjournal/synccore"
	"github.com/emberjournal/synccore/pkg/config"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile  = flag.String("config", getEnv("SYNCCORE_CONFIG", "config/synccore.yaml"), "Configuration file")
	metricsAddr = flag.String("metrics-addr", getEnv("SYNCCORE_METRICS_ADDR", ""), "Health/metrics listen address (overrides config)")
)

func main() {
	flag.Parse()

	log.Printf("Starting synccore v%s", Version)
	log.Printf("Config: %s", *configFile)

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}

	ctx := context.Background()
	engine, err := synccore.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := engine.Close(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	log.Println("Stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

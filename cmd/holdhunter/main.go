package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/hunter"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
	redisClient "github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/redis"
)

func main() {
	// A missing .env is fine; the process environment still applies
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithField("pod_id", cfg.PodID).Info("Starting hold hunter")

	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.FromNumber == "" {
		logger.Fatal("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required")
	}

	// Initialize metrics
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Connect to Redis
	redisConfig := redisClient.DefaultConnectionConfig()
	redisConfig.URL = cfg.RedisURL

	redis, err := redisClient.NewClient(redisConfig, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	service := hunter.NewService(redis.Redis(), provider.NewTwilio(cfg, logger), cfg, prometheus.DefaultGatherer, logger, m)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start service")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := service.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during service shutdown")
	}

	logger.Info("Hold hunter shutdown complete")
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aipgate/internal/audit"
	"aipgate/internal/platform/config"
	"aipgate/internal/platform/httpserver"
	"aipgate/internal/platform/logger"
	"aipgate/internal/platform/metrics"
	platformredis "aipgate/internal/platform/redis"
	"aipgate/internal/pool"
	httptransport "aipgate/internal/transport/http"
	"aipgate/internal/upstream"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the internal packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logger.New("info").Error("configuration error", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := platformredis.New(ctx, cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	store := pool.NewRedisStore(redisClient.Client)
	m := metrics.New()

	var sink audit.Sink = audit.LogSink{Logger: log}
	if len(cfg.AuditBrokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(ctx, cfg.AuditBrokers, cfg.AuditTopic)
		if err != nil {
			log.Error("audit kafka sink unavailable, falling back to log sink", "error", err)
		} else {
			defer kafkaSink.Close()
			sink = kafkaSink
		}
	}
	publisher := audit.NewPublisher(sink, log)
	go publisher.Run(ctx)

	tokenClient := upstream.NewTokenClient(cfg.TokenURL)
	recognizer := upstream.NewRecognizeClient(cfg.RecognizeURL)

	manager, err := pool.NewManager(store, tokenClient, cfg.Credentials, pool.Config{
		TokenMaxUses:         cfg.TokenMaxUses,
		MonthlyQuotaLimit:    cfg.MonthlyQuotaLimit,
		QPSLimit:             cfg.QPSLimit,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		HealthCheckInterval:  cfg.HealthCheckInterval,
	},
		pool.WithLogger(log),
		pool.WithMetrics(m),
		pool.WithAudit(publisher),
	)
	if err != nil {
		log.Error("pool initialization failed", "error", err)
		os.Exit(1)
	}

	if cfg.ClearTokensOnStart {
		deleted, err := manager.ClearTokens(ctx)
		if err != nil {
			log.Error("startup token sweep failed", "error", err)
			os.Exit(1)
		}
		log.Info("startup token sweep complete", "deleted", deleted)
	}

	handler := httptransport.NewHandler(manager, recognizer, log, m, cfg.APIKey != "", cfg.TokenMaxUses)
	router := httptransport.NewRouter(handler, log, m, cfg.APIKey)

	srv := httpserver.New(cfg.Addr, router)

	go func() {
		log.Info("server starting", "addr", cfg.Addr, "credentials", len(cfg.Credentials))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

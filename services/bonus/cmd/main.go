// Package main is the entry point for Bonus Service
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/promo-platform/pkg/events"
	"github.com/promo-platform/services/bonus/internal/config"
	"github.com/promo-platform/services/bonus/internal/metrics"
	"github.com/promo-platform/services/bonus/internal/service"
)

const healthService = "bonus.v1.BonusService"

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Setup logger
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting bonus service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"storage", cfg.Storage,
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Storage, ledger and dedupe
	deps, err := setupStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up storage", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	// Create event publisher; events are disabled when RabbitMQ is unavailable
	var publisher service.EventPublisher
	rabbit, err := events.NewRabbitMQPublisher(events.DefaultPublisherConfig(cfg.RabbitMQURL), logger)
	if err != nil {
		logger.Warn("failed to connect to RabbitMQ, events disabled", "error", err)
	} else {
		publisher = rabbit
		defer rabbit.Close()
	}

	// Create bonus engine
	engineCfg := service.DefaultConfig()
	engineCfg.ExpirationDays = cfg.ExpirationDays
	engineCfg.ExpiryBatchSize = cfg.ExpiryBatchSize
	engineCfg.TurnoverRetries = cfg.TurnoverRetries

	engine := service.NewBonusEngine(
		deps.Templates,
		deps.Bonuses,
		deps.Transactions,
		deps.Ledger,
		publisher,
		deps.Deduper,
		m,
		logger,
		engineCfg,
	)
	engine.UseActivityTracker(deps.Tracker)

	// Consume upstream trigger and activity events
	consumer, err := events.NewRabbitMQConsumer(events.ConsumerConfig{
		URL:           cfg.RabbitMQURL,
		PrefetchCount: 50,
	}, logger)
	if err != nil {
		logger.Warn("failed to connect consumer, trigger events disabled", "error", err)
	} else {
		bindings := []events.Binding{
			{Exchange: events.ExchangePayments, RoutingKey: events.EventDepositCompleted},
			{Exchange: events.ExchangePayments, RoutingKey: events.EventPurchaseCompleted},
			{Exchange: events.ExchangeActivity, RoutingKey: events.EventActionCompleted},
			{Exchange: events.ExchangeActivity, RoutingKey: events.EventActivityRecorded},
		}
		if err := consumer.Subscribe(events.QueueBonusTriggers, bindings, engine.HandleEvent); err != nil {
			logger.Error("failed to subscribe", "queue", events.QueueBonusTriggers, "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(ctx); err != nil {
			logger.Error("failed to start consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Stop()
	}

	// Expiry sweep
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		runExpirySweep(ctx, engine, cfg.ExpirySweepInterval, logger)
	}()

	// Create gRPC server. It serves health checks only; bonus operations are
	// driven by the event consumer and the engine API.
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			loggingInterceptor(logger),
			recoveryInterceptor(logger),
			metricsInterceptor(reg),
		),
	)

	// Register health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging
	reflection.Register(grpcServer)

	// Start gRPC server
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("gRPC server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("gRPC server error", "error", err)
		}
	}()

	// Create HTTP server for metrics and health
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if name, err := deps.Ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(fmt.Sprintf(`{"status":"not ready","error":%q}`, name)))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new requests
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)

	// Stop background work before closing stores
	stop()
	<-sweepDone

	// Shutdown HTTP server
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}

	// Shutdown gRPC server
	grpcServer.GracefulStop()

	logger.Info("bonus service stopped")
}

// runExpirySweep expires overdue bonuses every interval until ctx is done
func runExpirySweep(ctx context.Context, engine *service.BonusEngine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.ExpireOldBonuses(ctx); err != nil && ctx.Err() == nil {
				logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// Helper functions

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

// gRPC interceptors

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		logger.Info("grpc request",
			"method", info.FullMethod,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)

		return resp, err
	}
}

func recoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				err = fmt.Errorf("internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func metricsInterceptor(reg prometheus.Registerer) grpc.UnaryServerInterceptor {
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bonus_grpc_request_duration_seconds",
			Help:    "gRPC request duration by method and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "code"},
	)
	reg.MustRegister(duration)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := "ok"
		if err != nil {
			code = "error"
		}
		duration.WithLabelValues(info.FullMethod, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/amodvardhan/INDMoneyPlus/libs/health"
	"github.com/amodvardhan/INDMoneyPlus/libs/httpmiddleware"
	"github.com/amodvardhan/INDMoneyPlus/libs/kafka"
	"github.com/amodvardhan/INDMoneyPlus/libs/logging"
	"github.com/amodvardhan/INDMoneyPlus/libs/metrics"
	"github.com/amodvardhan/INDMoneyPlus/libs/trace"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/config"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/connector"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/consumer"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/events"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/handlers"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/idempotency"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/instruments"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/lifecycle"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/orchmetrics"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/reconcile"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/routing"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/service"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/validation"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type orderStore interface {
	service.Store
	lifecycle.Store
	reconcile.Store
	Ping(ctx context.Context) error
	ListBrokerConfigs(ctx context.Context, activeOnly bool) ([]storage.BrokerConfig, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(registry)
	orchMetrics := orchmetrics.New(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	var store orderStore
	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		logger.Warn("using in-memory storage; orders are lost on restart")
		store = storage.NewMemoryStore()
	default:
		pool, err := connectDB(cfg)
		if err != nil {
			logger.Error("db connection failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = storage.New(pool)
	}
	ready.AddCheck("storage", store.Ping)

	var idemClient redis.Cmdable
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unavailable, idempotency falls back to storage", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
		idemClient = rdb
	}
	idem := idempotency.NewStore(idemClient, idempotency.Options{
		Prefix:   cfg.Redis.KeyPrefix,
		TTL:      cfg.Redis.TTL,
		ClaimTTL: cfg.Redis.ClaimTTL,
	}, logger, orchMetrics)

	// producer feeds the consumer's dead-letter topic; eventSink also
	// dead-letters order events that fail to publish.
	var producer, eventSink kafka.Publisher
	if cfg.Kafka.Enabled {
		syncProducer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer syncProducer.Close()
		producer = syncProducer
		eventSink = syncProducer
		if cfg.Kafka.Topics.DeadLetter != "" {
			eventSink = kafka.NewDLQPublisher(syncProducer, syncProducer, cfg.Kafka.Topics.DeadLetter, logger)
		}
	}
	eventPublisher := events.NewPublisher(eventSink, events.Options{
		Topic:          cfg.Kafka.Topics.OrderEvents,
		Enabled:        cfg.Kafka.Enabled && cfg.Events.Enabled,
		PublishTimeout: cfg.Events.PublishTimeout,
	}, logger, orchMetrics)

	connectors, err := buildConnectors(cfg, store, logger, orchMetrics)
	if err != nil {
		logger.Error("connector registry init failed", "error", err)
		os.Exit(1)
	}

	catalog, err := instruments.NewCatalog(cfg.Instruments...)
	if err != nil {
		logger.Error("instrument catalog init failed", "error", err)
		os.Exit(1)
	}
	strategy, err := routing.NewStrategy(cfg.Routing, catalog)
	if err != nil {
		logger.Error("routing strategy init failed", "error", err)
		os.Exit(1)
	}

	validator := validation.New(cfg.Validation, catalog, instruments.StaticPriceSource{
		Catalog:  catalog,
		Fallback: cfg.FallbackReferencePrice,
	})
	lifecycleMgr := lifecycle.NewManager(store, eventPublisher, logger, orchMetrics)

	batchSvc := service.NewBatchService(service.Dependencies{
		Store:                store,
		Idempotency:          idem,
		Validator:            validator,
		Router:               routing.NewRouter(connectors, strategy),
		Connectors:           connectors,
		Lifecycle:            lifecycleMgr,
		Reconciler:           reconcile.NewEngine(store, logger, orchMetrics),
		Logger:               logger,
		Metrics:              orchMetrics,
		PlacementConcurrency: cfg.Connectors.PlacementConcurrency,
	})

	httpServer := buildHTTPServer(cfg, ready, registry, httpMetrics, handlers.New(batchSvc, logger), logger)

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr())
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	if cfg.Kafka.Enabled && cfg.Kafka.ConsumeExecutions {
		group, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer group.Close()
		group.WithRetry(cfg.Kafka.MaxAttempts, cfg.Kafka.RetryBackoff)
		if cfg.Kafka.Topics.DeadLetter != "" {
			group.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
		}

		executions := consumer.NewExecutionConsumer(batchSvc, logger, orchMetrics)
		go func() {
			logger.Info("execution consumer starting", "topic", cfg.Kafka.Topics.Executions)
			if err := group.Consume(consumerCtx, []string{cfg.Kafka.Topics.Executions}, executions); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	ready.SetReady(true)

	go func() {
		logger.Info("order-orchestrator grpc starting", "addr", cfg.GRPC.Addr())
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("order-orchestrator http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(cfg, grpcServer, healthServer, httpServer, ready, consumerCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// buildConnectors loads active broker rows and wraps each connector with a
// timeout and circuit breaker.
func buildConnectors(cfg *config.Config, store orderStore, logger *slog.Logger, m *orchmetrics.Metrics) (*connector.Registry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := store.ListBrokerConfigs(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list broker configs: %w", err)
	}
	registry, err := connector.NewRegistryFromConfigs(rows, logger)
	if err != nil {
		return nil, err
	}
	opts := connector.GuardOptions{
		PlaceTimeout:  cfg.Connectors.PlaceTimeout,
		StatusTimeout: cfg.Connectors.StatusTimeout,
		Breaker:       cfg.Connectors.Breaker,
	}
	registry.Decorate(func(c connector.Connector) connector.Connector {
		return connector.NewGuarded(c, opts, logger, m)
	})
	logger.Info("brokers registered", "brokers", registry.Names())
	return registry, nil
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, httpMetrics *metrics.HTTPMetrics, handler *handlers.Handler, logger *slog.Logger) *http.Server {
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", handlers.IdempotencyKeyHeader, httpmiddleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition", "Idempotent-Replayed", trace.TraceIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.CORSOrigins) == 0 || slices.Contains(cfg.CORSOrigins, "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	}

	router := gin.New()
	router.Use(cors.New(corsCfg))
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, httpMetrics))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, cfg.JWTSecret)

	return &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(cfg *config.Config, grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	timeout := cfg.App.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		grpcServer.Stop()
	}
	logger.Info("shutdown complete")
}

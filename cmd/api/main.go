package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/painel-back/internal/cache"
	"github.com/iago/painel-back/internal/config"
	httpserver "github.com/iago/painel-back/internal/http"
	"github.com/iago/painel-back/internal/http/handlers"
	"github.com/iago/painel-back/internal/messaging"
	"github.com/iago/painel-back/internal/queue"
	"github.com/iago/painel-back/internal/repository"
	"github.com/iago/painel-back/internal/sales"
	"github.com/iago/painel-back/internal/service"
	"github.com/iago/painel-back/internal/upstream"
	"github.com/iago/painel-back/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[painel-back] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, repoCloser := setupRepository(ctx, cfg, logger)
	defer repoCloser()

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	resultCache, cacheCloser := setupCache(ctx, cfg, logger)
	defer cacheCloser()

	reportsService := service.NewReportsService(service.ReportsConfig{
		Sales:     setupSales(cfg, logger),
		Messaging: setupMessaging(cfg, logger),
		Cache:     resultCache,
		TTL:       time.Duration(cfg.ReportCacheTTLSeconds) * time.Second,
		Logger:    logger,
	})
	jobsService := service.NewJobsService(repo, producer)
	api := handlers.NewAPI(reportsService, jobsService, logger)

	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(consumer, repo, reportsService, logger)
		go processor.Start(ctx)
		logger.Printf("worker enabled and started")
	} else {
		logger.Printf("worker disabled by configuration")
	}

	// Report requests may run up to the aggregator runtime budget before
	// the response is written.
	writeTimeout := time.Duration(max(cfg.SalesMaxRuntimeSeconds, cfg.MessagingMaxRuntimeSeconds)+30) * time.Second

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func setupCache(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (cache.ResultCache, func()) {
	memory := func() cache.ResultCache {
		return cache.NewMemoryCache(cache.MemoryConfig{MaxEntries: cfg.ReportCacheMaxEntries})
	}
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using in-memory report cache")
		return memory(), func() {}
	}

	redisCache, err := cache.NewRedisCache(ctx, cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.ReportCachePrefix,
		Logger:   logger,
	})
	if err != nil {
		logger.Printf("failed to initialize redis report cache, fallback to memory: %v", err)
		return memory(), func() {}
	}
	logger.Printf("redis report cache initialized prefix=%s", cfg.ReportCachePrefix)
	return redisCache, func() {
		_ = redisCache.Close()
	}
}

func upstreamClient(cfg config.Config, logger *log.Logger, name string) *upstream.Client {
	return upstream.NewClient(upstream.Config{
		Service:           name,
		Timeout:           time.Duration(cfg.UpstreamTimeoutMS) * time.Millisecond,
		MaxRetries:        cfg.UpstreamMaxRetries,
		RequestsPerSecond: cfg.UpstreamRPS,
		Burst:             cfg.UpstreamBurst,
		Logger:            logger,
	})
}

func setupSales(cfg config.Config, logger *log.Logger) service.SalesSource {
	clusters := make([]sales.Cluster, 0, len(cfg.SalesClusters))
	for _, cluster := range cfg.SalesClusters {
		clusters = append(clusters, sales.Cluster{
			Name:     cluster.Name,
			Endpoint: cluster.Endpoint,
			Username: cluster.Username,
			Password: cluster.Password,
		})
	}
	if len(clusters) == 0 {
		logger.Printf("SALES_CLUSTERS not configured, sales reports disabled")
		return nil
	}

	logger.Printf("sales aggregator initialized clusters=%d concurrency=%d", len(clusters), cfg.SalesConcurrency)
	return sales.NewAggregator(sales.Config{
		Clusters:     clusters,
		Concurrency:  cfg.SalesConcurrency,
		MaxRuntime:   time.Duration(cfg.SalesMaxRuntimeSeconds) * time.Second,
		MaxRangeDays: cfg.SalesMaxRangeDays,
		MaxDailyDays: cfg.SalesMaxDailyDays,
		Client:       upstreamClient(cfg, logger, "sales"),
		Logger:       logger,
	})
}

func setupMessaging(cfg config.Config, logger *log.Logger) service.MessagingSource {
	if cfg.MessagingToken == "" {
		logger.Printf("MESSAGING_TOKEN not configured, messaging reports disabled")
		return nil
	}

	logger.Printf("messaging aggregator initialized base_url=%s", cfg.MessagingBaseURL)
	return messaging.NewAggregator(messaging.Config{
		BaseURL:              cfg.MessagingBaseURL,
		Token:                cfg.MessagingToken,
		MustScanFilter:       cfg.MessagingMustScan,
		TrackedUsers:         cfg.MessagingTrackedUsers,
		RequestTags:          cfg.MessagingRequestTags,
		MaxChannels:          cfg.MessagingMaxChannels,
		MaxThreadsPerChannel: cfg.MessagingMaxThreads,
		MaxHistoryPages:      cfg.MessagingMaxHistoryPages,
		MaxReplyPages:        cfg.MessagingMaxReplyPages,
		ChannelConcurrency:   cfg.MessagingChannelConcurrency,
		ThreadConcurrency:    cfg.MessagingThreadConcurrency,
		MaxRuntime:           time.Duration(cfg.MessagingMaxRuntimeSeconds) * time.Second,
		Client:               upstreamClient(cfg, logger, "messaging"),
		Logger:               logger,
	})
}

func setupRepository(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repository.JobsRepository, func()) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory repository")
		return repository.NewMemoryJobsRepository(), func() {}
	}

	pgRepo, err := repository.NewPostgresJobsRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("failed to initialize postgres repository, fallback to memory: %v", err)
		return repository.NewMemoryJobsRepository(), func() {}
	}
	logger.Printf("postgres repository initialized")
	return pgRepo, func() {
		pgRepo.Close()
	}
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (queue.Producer, queue.Consumer, func()) {
	var (
		baseProducer queue.Producer
		consumer     queue.Consumer
		baseCloser   = func() {}
	)

	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using local queue fallback")
		local := queue.NewLocalQueue(512, cfg.QueueMaxAttempts, logger)
		baseProducer = local
		consumer = local
	} else {
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Stream:      cfg.RedisStream,
			DLQStream:   cfg.RedisDLQ,
			Group:       cfg.RedisGroup,
			Consumer:    cfg.RedisConsumer,
			MaxAttempts: cfg.QueueMaxAttempts,
			Logger:      logger,
		})
		if err != nil {
			logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
			local := queue.NewLocalQueue(512, cfg.QueueMaxAttempts, logger)
			baseProducer = local
			consumer = local
		} else {
			logger.Printf("redis streams queue initialized")
			baseProducer = streams
			consumer = streams
			baseCloser = func() {
				_ = streams.Close()
			}
		}
	}

	producer := baseProducer
	batchingCloser := func() {}
	if cfg.QueueBatchingEnabled {
		batching := queue.NewBatchingProducer(ctx, baseProducer, queue.BatchingConfig{
			MaxBatchSize:       cfg.QueueBatchSize,
			FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
			FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
			QueueCapacity:      cfg.QueueBatchQueueCapacity,
			MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
		})
		producer = batching
		batchingCloser = batching.Close
		logger.Printf(
			"queue batching enabled size=%d flush_ms=%d queue_capacity=%d max_in_flight=%d",
			cfg.QueueBatchSize,
			cfg.QueueBatchFlushMS,
			cfg.QueueBatchQueueCapacity,
			cfg.QueueBatchMaxInFlight,
		)
	}

	return producer, consumer, func() {
		batchingCloser()
		baseCloser()
	}
}

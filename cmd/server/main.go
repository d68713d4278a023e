package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/like-service/internal/config"
	"github.com/koopa0/system-design/like-service/internal/httpapi"
	"github.com/koopa0/system-design/like-service/internal/like"
	"github.com/koopa0/system-design/like-service/internal/migrations"
	"github.com/koopa0/system-design/like-service/internal/notify"
	"github.com/koopa0/system-design/like-service/internal/postgres"
	"github.com/koopa0/system-design/like-service/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "like-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// 載入配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 設定日誌
	log, err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := like.NewMetrics(reg)

	// 執行資料庫遷移
	if err := migrations.Run(cfg.PostgresDSN(), log); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// 連接 PostgreSQL
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      cfg.PostgresDSN(),
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := postgres.NewRepository(pool, log)

	// 快取：Redis 可用時以記憶體作為降級備援
	memory := like.NewMemoryStore(cfg.Like.CacheCapacity, cfg.Like.CacheShards)
	var (
		store    like.Store = memory
		settler  like.Settler = memory
		fallback *like.FallbackStore
	)
	checks := map[string]httpapi.Pinger{"postgres": repo}

	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			// 啟動時 Redis 不可用仍可服務，FallbackStore 會自動降級
			log.Warn("redis not reachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}

		fallback = like.NewFallbackStore(
			like.NewRedisStore(redisClient, cfg.Redis.KeyTTL),
			memory,
			cfg.Redis.FallbackThreshold,
			log,
			metrics,
		)
		store, settler = fallback, fallback
		checks["redis"] = fallback
	}

	// 通知傳輸
	notifier, err := notify.New(notify.Config{
		Driver:       cfg.Notify.Driver,
		NATSURL:      cfg.Notify.NATSURL,
		NATSSubject:  cfg.Notify.NATSSubject,
		KafkaBrokers: cfg.Notify.KafkaBrokers,
		KafkaTopic:   cfg.Notify.KafkaTopic,
	}, log)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			log.Warn("failed to close notifier", "error", err)
		}
	}()

	scheduler := like.NewSyncScheduler(repo, like.SyncConfig{
		FlushInterval: cfg.Like.FlushInterval,
		BatchSize:     cfg.Like.BatchSize,
		MaxRetries:    cfg.Like.MaxRetries,
		WriteTimeout:  cfg.Like.WriteTimeout,
	}, log, like.WithSettler(settler), like.WithSyncMetrics(metrics))

	// 記憶體快取滿載（大量待同步項目被釘住）時提早 flush
	memory.OnPressure(scheduler.RequestFlush)

	publisher := like.NewEventPublisher(notifier, like.PublisherConfig{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
		Timeout:   cfg.Notify.Timeout,
	}, log, metrics)

	service := like.NewService(repo, like.NewResolver(repo), store, scheduler, publisher, log,
		like.WithStateLoader(repo, cfg.Like.BackfillTimeout),
		like.WithPerKeyLock(cfg.Like.SerializePerKey),
		like.WithMetrics(metrics),
	)

	reconciler := like.NewReconciler(repo, scheduler.FlushLock(), cfg.Like.ReconcileInterval, log, metrics)
	reconciler.Start()

	handler := httpapi.NewHandler(service, httpapi.Options{
		JWTSecret: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		Gatherer:  reg,
		Checks:    checks,
	}, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.Server.Port, "redis", cfg.Redis.Enabled, "notify", cfg.Notify.Driver)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)
	}

	// 給予 30 秒時間完成當前請求與最後一次 flush
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gracefulShutdown(shutdownCtx, log, srv, publisher, scheduler, reconciler, fallback)

	log.Info("server stopped")
	return nil
}

// gracefulShutdown 依序停止：HTTP -> 通知 -> 同步排程（最後一次 flush）-> 對帳 -> 快取
func gracefulShutdown(
	ctx context.Context,
	log *slog.Logger,
	srv *http.Server,
	publisher *like.EventPublisher,
	scheduler *like.SyncScheduler,
	reconciler *like.Reconciler,
	fallback *like.FallbackStore,
) {
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("failed to shutdown server", "error", err)
		// 強制關閉伺服器
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("failed to force close server", "error", closeErr)
		}
	}

	if err := publisher.Shutdown(ctx); err != nil {
		log.Warn("notification queue not drained", "error", err)
	}

	if err := scheduler.Shutdown(ctx); err != nil {
		log.Error("final flush incomplete", "error", err, "pending", scheduler.Pending())
	}

	reconciler.Stop()

	if fallback != nil {
		fallback.Close()
	}
}

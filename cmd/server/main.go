package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"billdesk/backend/internal/auth"
	"billdesk/backend/internal/cache"
	"billdesk/backend/internal/config"
	"billdesk/backend/internal/events"
	"billdesk/backend/internal/httpapi"
	"billdesk/backend/internal/lineage"
	"billdesk/backend/internal/lock"
	"billdesk/backend/internal/logger"
	"billdesk/backend/internal/metrics"
	"billdesk/backend/internal/reconcile"
	"billdesk/backend/internal/report"
	"billdesk/backend/internal/service"
	"billdesk/backend/internal/store"
	"billdesk/backend/internal/store/memory"
	pgstore "billdesk/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	slog.SetDefault(log)

	if err := validateSecurityConfig(cfg); err != nil {
		fatal(log, "invalid security configuration", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)
	lockWait := time.Duration(cfg.LockWaitMillis) * time.Millisecond

	var pg *pgstore.Store
	if cfg.DatabaseURL != "" {
		var err error
		pg, err = pgstore.New(ctx, cfg.DatabaseURL, cfg.BillNumberPrefix, lockWait)
		if err != nil {
			fatal(log, "postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if cfg.DBMigrate {
			if err := pg.Migrate(ctx); err != nil {
				fatal(log, "migrations failed", err)
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository ready", "backend", "postgres")
	} else {
		repo = memory.NewSeeded(cfg.BillNumberPrefix)
		log.Info("repository ready", "backend", "memory")
	}

	reportCache := cache.ReportCache(cache.NoopReportCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using noop cache", "error", err)
		} else {
			reportCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("cache ready", "backend", "redis")
		}
	} else {
		log.Info("cache ready", "backend", "noop")
	}

	publisher, err := buildPublisher(cfg)
	if err != nil {
		fatal(log, "event sink unavailable", err)
	}
	closers = append(closers, publisher.Close)
	log.Info("event sink ready", "sink", cfg.EventSink)

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.New()
	}

	linker := lineage.New(repo, cfg.MaxLineageDepth)
	reconciler := reconcile.New(repo, linker, lock.NewManager(lockWait), collector)
	reports := report.New(repo, reportCache, time.Duration(cfg.ReportCacheTTLSeconds)*time.Second, log)
	svc := service.New(repo, reconciler, linker, reports, publisher, log)

	if pg != nil {
		if _, err := svc.EnsureAdmin(ctx, cfg.BootstrapAdminUser, cfg.BootstrapAdminPass); err != nil {
			fatal(log, "admin bootstrap failed", err)
		}
	}
	authn := auth.New(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, authn, cfg.AllowedOrigin, collector, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("billdesk listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(log, "server error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error("close error", "error", err)
		}
	}

	log.Info("server stopped")
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

func buildPublisher(cfg config.Config) (events.Publisher, error) {
	switch cfg.EventSink {
	case "", "none":
		return events.NoopPublisher{}, nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("EVENT_SINK=kafka requires KAFKA_BROKERS")
		}
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "rabbitmq":
		if cfg.RabbitMQURL == "" {
			return nil, fmt.Errorf("EVENT_SINK=rabbitmq requires RABBITMQ_URL")
		}
		pub, err := events.DialRabbit(cfg.RabbitMQURL, cfg.RabbitMQQueue)
		if err != nil {
			return nil, err
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown EVENT_SINK %q", cfg.EventSink)
	}
}

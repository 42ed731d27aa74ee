package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"caption-scheduler/internal/config"
	"caption-scheduler/internal/flags"
	"caption-scheduler/internal/logging"
	"caption-scheduler/internal/notify"
	"caption-scheduler/internal/queue"
	"caption-scheduler/internal/ratelimit"
	"caption-scheduler/internal/store"
	"caption-scheduler/internal/telemetry"
	workerproc "caption-scheduler/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	manager := queue.NewManager(st, queue.Options{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		QueueSizeLimit:     cfg.QueueSizeLimit,
		DefaultJobTimeout:  cfg.DefaultJobTimeout,
		Limiter:            ratelimit.New(redisClient),
		Flags:              flags.NewStoreSource(st, log),
		Logger:             log,
	})

	handler, err := workerproc.NewCaptionHandler(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init caption handler")
	}

	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyAPIKey)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	processor := workerproc.NewProcessor(cfg, manager, st, handler.Handle, notifier, log)
	log.WithFields(map[string]any{
		"poll_interval":  cfg.WorkerPollInterval,
		"max_concurrent": cfg.MaxConcurrentTasks,
	}).Info("worker started")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.WithError(err).Warn("worker stopped")
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"caption-scheduler/internal/api"
	"caption-scheduler/internal/config"
	"caption-scheduler/internal/control"
	"caption-scheduler/internal/flags"
	"caption-scheduler/internal/logging"
	"caption-scheduler/internal/notify"
	"caption-scheduler/internal/queue"
	"caption-scheduler/internal/ratelimit"
	"caption-scheduler/internal/store"
	"caption-scheduler/internal/sysinfo"
	"caption-scheduler/internal/termination"
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
	limiter := ratelimit.New(redisClient)

	manager := queue.NewManager(st, queue.Options{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		QueueSizeLimit:     cfg.QueueSizeLimit,
		DefaultJobTimeout:  cfg.DefaultJobTimeout,
		Limiter:            limiter,
		Flags:              flags.NewStoreSource(st, log),
		Logger:             log,
	})

	collector := sysinfo.NewRuntimeCollector(st, nil)
	controlSvc := control.NewService(st, collector, log)

	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyAPIKey)
	}
	terminator := termination.NewManager(manager, st, notifier, log)

	server := api.New(manager, controlSvc, terminator, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

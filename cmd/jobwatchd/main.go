package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jobwatch/jobwatch/internal/api"
	"github.com/jobwatch/jobwatch/internal/config"
	"github.com/jobwatch/jobwatch/internal/job"
	"github.com/jobwatch/jobwatch/internal/notification"
	"github.com/jobwatch/jobwatch/internal/push"
	"github.com/jobwatch/jobwatch/internal/queue"
	"github.com/jobwatch/jobwatch/internal/webhook"
)

func main() {
	envFile := flag.String("env", ".env", "optional env file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	notes, err := notification.NewSQLiteStore(store.DB())
	if err != nil {
		slog.Error("notification store", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := push.NewHub(nil)
	var pub push.Publisher = hub
	if cfg.RedisURL != "" {
		relay, err := push.NewRedisRelay(ctx, cfg.RedisURL, hub, nil)
		if err != nil {
			slog.Error("redis relay", "error", err)
			os.Exit(1)
		}
		defer relay.Close()
		go relay.Run(ctx)
		pub = relay
		slog.Info("push relay enabled")
	}

	hooks := webhook.NewSender(nil)
	q := queue.New(cfg, store, notes, pub, hooks, nil)

	if err := q.Recovery(ctx); err != nil {
		slog.Error("recovery", "error", err)
		os.Exit(1)
	}
	q.Start(ctx)
	q.StartCleanup(ctx)

	mux := http.NewServeMux()
	h := api.NewHandler(store, notes, q, hub, cfg, nil)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(nil),
		api.Auth(cfg.APIKeys),
		api.RateLimit(ctx, cfg.RateLimitRPS),
	)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: websocket and SSE responses stay open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("jobwatchd listening", "addr", cfg.ListenAddr, "workers", cfg.Concurrency)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	q.Wait()

	// Retrying deliveries get a bounded grace period; the rest are dropped with the process.
	drained := make(chan struct{})
	go func() {
		hooks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(10 * time.Second):
		slog.Warn("shutdown: webhook deliveries still pending")
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/coderoom/internal/api"
	"github.com/manpreetbhatti/coderoom/internal/app"
	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/executor"
	"github.com/manpreetbhatti/coderoom/internal/metrics"
	"github.com/manpreetbhatti/coderoom/internal/ratelimit"
	"github.com/manpreetbhatti/coderoom/internal/retention"
	"github.com/manpreetbhatti/coderoom/internal/room"
	"github.com/manpreetbhatti/coderoom/internal/session"
	"github.com/manpreetbhatti/coderoom/internal/ws"
)

func main() {
	// Local .env is optional
	_ = godotenv.Load()

	cfg, err := app.LoadConfig()
	if err != nil {
		app.NewLogger(os.Stderr, "dev", "info").Error("load config", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Error("open run history", "path", cfg.DBPath, "err", err)
		os.Exit(1)
	}
	defer database.Close()

	if cfg.JDoodleClientID == "" || cfg.JDoodleClientSecret == "" {
		logger.Warn("JDOODLE_CLIENT_ID or JDOODLE_CLIENT_SECRET is empty; executions will fail")
	}

	m := metrics.New()
	store := room.NewStore()
	hub := ws.NewHub(logger, m)
	gateway := session.NewGateway(store, hub, logger, m)

	provider := executor.NewJDoodle(cfg.JDoodleURL, cfg.JDoodleClientID, cfg.JDoodleClientSecret, &http.Client{})
	dispatcher := executor.NewDispatcher(provider, hub, database, cfg.ExecTimeout, logger, m)

	limiters := ratelimit.PerMinute(cfg.RunRatePerMinute)
	sweeper := retention.New(database, retention.Config{
		Interval:    cfg.RetentionInterval,
		MaxAge:      cfg.RunRetention,
		KeepPerRoom: cfg.RunKeepPerRoom,
	}, logger)

	apiHandler := api.New(hub, store, database, dispatcher, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, gateway, w, r)
	})
	mux.Handle("/metrics", m.Handler())
	apiHandler.Routes(mux, limiters.Middleware)

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.Origins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr, "db", cfg.DBPath, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return limiters.Run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()

		err := srv.Shutdown(shutdownCtx)
		hub.Shutdown(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

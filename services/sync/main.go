package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"github.com/dmsync/internal/config"
	"github.com/dmsync/internal/handler"
	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/middleware"
	"github.com/dmsync/internal/synchronizer"
	"github.com/dmsync/internal/ws"
)

func main() {
	logger.SetPrefix("sync")
	migrate := flag.Bool("migrate", false, "apply local cache migrations and exit")
	dev := flag.Bool("dev", false, "embedded PostgreSQL, in-memory remote and directory, local media")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("starting sync daemon")

	if err := run(cfg, *dev, *migrate); err != nil {
		logger.Errorf("sync: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, dev, migrateOnly bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comp, err := build(ctx, cfg, dev)
	if err != nil {
		return err
	}
	defer comp.close()
	if migrateOnly {
		logger.Info("migrations applied, exiting")
		return nil
	}

	s, err := synchronizer.New(synchronizer.Config{
		PageSize:      cfg.Sync.PageSize,
		IngestLimit:   cfg.Sync.IngestLimit,
		RetryAttempts: cfg.Sync.RetryAttempts,
		RetryBackoff:  cfg.Sync.RetryBackoff,
	}, comp.deps)
	if err != nil {
		return err
	}
	defer s.Close()

	hub := ws.NewHub(s, cfg.MaxWSConnections, comp.deps.Metrics)
	s.AddObserver(hub)

	me := comp.deps.Identity.CurrentUserID()
	chatsSub, err := comp.deps.Registry.ListenToUserChats(ctx, me, hub.ChatsChanged)
	if err != nil {
		return err
	}
	defer chatsSub.Unsubscribe()

	routes := handler.Routes{
		Chats:    handler.NewChatHandler(s, comp.deps.Registry, comp.deps.Identity, comp.deps.Auth, hub),
		Messages: handler.NewMessageHandler(s, comp.deps.Registry),
		WS:       handler.NewWSHandler(hub, cfg.CORSAllowedOrigins),
	}
	if comp.mediaServer != nil {
		routes.Media = comp.mediaServer
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router(cfg, comp, routes, me),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		logger.Info("hub stopped")
		return nil
	})
	g.Go(func() error {
		logger.Infof("server listening on %s (user=%s)", cfg.ServerAddr, me)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("server shutdown: %v", err)
		}
		return nil
	})
	return g.Wait()
}

func router(cfg *config.Config, comp *components, routes handler.Routes, me string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// WebSocket не сжимать: иначе ResponseWriter не реализует http.Hijacker.
	r.Use(func(next http.Handler) http.Handler {
		compress := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compress.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimit(cfg.RateLimitPerMinute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handler.Health)
	r.With(middleware.InternalOnly(cfg.MetricsSecret)).Handle("/metrics", comp.deps.Metrics.Handler())
	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(me, cfg.Identity.SessionSecret))
		routes.Mount(r)
	})
	return r
}

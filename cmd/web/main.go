package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	app "github.com/etitcombe/taskflow"
	"github.com/etitcombe/taskflow/auth"
	"github.com/etitcombe/taskflow/cache"
	"github.com/etitcombe/taskflow/config"
	"github.com/etitcombe/taskflow/db"
	"github.com/etitcombe/taskflow/realtime"
	"github.com/etitcombe/taskflow/tasks"
)

func main() {
	dotenv := config.LoadDotenv()

	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		charmlog.Fatal("loading config", "err", err)
	}

	logger := newLogger(cfg.Log)
	if dotenv != "" {
		logger.Debug("loaded environment file", "path", dotenv)
	}
	if cfg.Dev {
		logger.Warn("development mode, do not use in production")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database := db.New(cfg.Database.Driver, cfg.Database.DSN)
	if err := database.Open(); err != nil {
		logger.Fatal("opening database", "driver", cfg.Database.Driver, "err", err)
	}
	defer database.Close()

	taskCache := newCache(ctx, logger, cfg.Cache)

	scope, err := realtime.ParseScope(cfg.Realtime.Scope)
	if err != nil {
		logger.Fatal("realtime scope", "err", err)
	}
	hub := realtime.NewHub(scope, logger.WithPrefix("realtime"))
	go hub.Run(ctx)

	users := db.NewUserStore(database, cfg.Auth.Pepper)
	issuer := auth.NewIssuer(users, cfg.Auth.Secret, cfg.Auth.TokenTTL)
	svc := tasks.NewService(db.NewTaskStore(database), taskCache, hub,
		tasks.WithCacheTTL(cfg.Cache.TTL),
		tasks.WithLogger(logger.WithPrefix("tasks")),
	)

	server := newServer(logger, issuer, svc, hub, serverOptions{
		origins:    cfg.CORS.Origins,
		rateLimit:  cfg.Rate.Limit,
		rateWindow: cfg.Rate.Window,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		ErrorLog:     server.errorLog,
		Handler:      server,
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		s := <-sigint

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		logger.Info("shutting down", "signal", s)
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Error from closing listeners, or context timeout:
			logger.Error("HTTP server Shutdown", "err", err)
		}
		close(idleConnsClosed)
	}()

	logger.Info("taskflow listening", "addr", srv.Addr, "db", cfg.Database.Driver, "scope", hub.Scope())
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		// Error starting or closing listener:
		logger.Fatal("HTTP server ListenAndServe", "err", err)
	}

	<-idleConnsClosed
}

func newLogger(c config.LogConfig) *charmlog.Logger {
	level, err := charmlog.ParseLevel(c.Level)
	if err != nil {
		level = charmlog.InfoLevel
	}
	formatter := charmlog.TextFormatter
	switch c.Format {
	case "json":
		formatter = charmlog.JSONFormatter
	case "logfmt":
		formatter = charmlog.LogfmtFormatter
	}
	return charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
}

// newCache connects to redis when an address is configured and falls back
// to the in-process cache otherwise.
func newCache(ctx context.Context, logger *charmlog.Logger, c config.CacheConfig) app.Cache {
	if c.RedisAddr != "" {
		rc := cache.NewRedis(c.RedisAddr, c.RedisPassword, c.RedisDB)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			logger.Fatal("connecting to redis", "addr", c.RedisAddr, "err", err)
		}
		logger.Info("using redis cache", "addr", c.RedisAddr)
		return rc
	}

	mem := cache.NewMemory()
	go mem.Janitor(ctx, time.Minute)
	logger.Info("using in-memory cache")
	return mem
}

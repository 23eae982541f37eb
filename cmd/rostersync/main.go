package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"codeberg.org/rostersync/rostersync/pkg/api"
	"codeberg.org/rostersync/rostersync/pkg/auth"
	"codeberg.org/rostersync/rostersync/pkg/config"
	"codeberg.org/rostersync/rostersync/pkg/controller"
	"codeberg.org/rostersync/rostersync/pkg/history"
	"codeberg.org/rostersync/rostersync/pkg/notify"
	"codeberg.org/rostersync/rostersync/pkg/roster"
	"codeberg.org/rostersync/rostersync/pkg/roster/discord"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "/etc/rostersync/config.yaml", "Path to config")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			panic(err)
		}
		if cfg, err = config.LoadConfig(""); err != nil {
			panic(err)
		}
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: cfg.Directory.RequestTimeout}
	exec := auth.NewExecutor(auth.NewTokenCache(httpClient, logger), httpClient, logger)

	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.Discord.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Discord.WebhookURL, httpClient))
	}

	var (
		recorder controller.Recorder
		lister   api.HistoryLister
	)
	if cfg.History.Enabled {
		store, err := history.Open(ctx, cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			logger.Fatal("History store init failed", zap.Error(err))
		}
		defer store.Close()
		recorder, lister = store, store
	}

	orch := controller.NewOrchestrator(cfg, exec, newRosterProvider(cfg.Discord, httpClient, logger), notifiers, recorder, logger)
	mgr := controller.NewManager(orch, cfg.Schedule, logger)

	var wg sync.WaitGroup
	if len(cfg.Etcd.Endpoints) > 0 {
		elector, err := controller.NewElector(cfg.Etcd, logger)
		if err != nil {
			logger.Fatal("Etcd client init failed", zap.Error(err))
		}
		defer elector.Close()

		logger.Info("Using leader election", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		wg.Go(func() { elector.Run(ctx, mgr.Start) })
	} else {
		wg.Go(func() {
			if err := mgr.Start(ctx); err != nil {
				logger.Error("Manager stopped with error", zap.Error(err))
			}
		})
	}

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(ctx, orch, lister, logger, api.WithHealthCheck(cfg.Server.HealthCheck))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	sCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	wg.Wait()
	handler.Wait()
	logger.Info("Shutdown complete")
}

func newRosterProvider(c config.DiscordConfig, client *http.Client, logger *zap.Logger) roster.Provider {
	if c.Token != "" {
		logger.Info("Using guild roster", zap.String("guild", c.GuildID))
		return discord.New(c, client, logger)
	}
	logger.Info("Using roster file", zap.String("path", c.RosterFile))
	return roster.NewStaticFile(c.RosterFile)
}

func initLogger(c config.LoggingConfig) *zap.Logger {
	lvl, _ := zapcore.ParseLevel(c.Level)
	cfg := zap.NewProductionConfig()
	if c.Format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, _ := cfg.Build()
	return l
}

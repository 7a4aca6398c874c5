package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/life-stream-dev/life-stream-go-push-server/internal/broadcast"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/config"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/event"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/registry"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/server"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/source"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config.json or a .toml file")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}
	loggerCallback := logger.Init(cfg)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback)

	var store database.Store
	switch cfg.Database.Driver {
	case "mongo":
		mongoStore, err := database.ConnectDatabase(cfg)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			_ = cleaner.Clean()
			os.Exit(1)
		}
		cleaner.Add(database.NewDBCloseCallback(mongoStore))
		store = mongoStore
	default:
		logger.Warn("Using the in-memory store, notifications are lost on restart")
		store = database.NewMemoryStore()
	}

	adapter := source.NewAdapter(store, source.BackoffFromConfig(cfg.Retry, config.Duration(cfg.Database.OperationTimeout)))
	srv := server.New(cfg, adapter, registry.New(), broadcast.NewCoordinator())
	cleaner.Add(srv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.InfoF("%s starting on node %s", cfg.App.Name, cfg.App.Hostname)
	if err := srv.Run(ctx); err != nil {
		logger.ErrorF("Server stopped with error, details: %v", err)
	}
	if err := cleaner.Clean(); err != nil {
		os.Exit(1)
	}
}

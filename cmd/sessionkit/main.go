package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/sessionkit/internal/config"
	"github.com/dmitrijs2005/sessionkit/internal/credstore"
	"github.com/dmitrijs2005/sessionkit/internal/logging"
	"github.com/dmitrijs2005/sessionkit/internal/profile"
	"github.com/dmitrijs2005/sessionkit/internal/realtime"
	"github.com/dmitrijs2005/sessionkit/internal/session"

	_ "modernc.org/sqlite"
)

func main() {
	cfg := config.LoadConfig()

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigs
		cancel()
	}()

	store, err := credstore.Open(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Error(ctx, "credential store init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	channel, err := realtime.New(cfg.APIOrigin, realtime.WSDialer{}, logger)
	if err != nil {
		logger.Error(ctx, "push channel init failed", "err", err)
		os.Exit(1)
	}

	manager := session.New(cfg, store, profile.NewHTTPFetcher(cfg.APIOrigin), channel, logger)
	channel.OnUpdate(manager.ApplyDelta)
	channel.OnError(func(msg string) {
		logger.Warn(ctx, "server pushed an error", "message", msg)
	})

	manager.Start(ctx)
	defer manager.Close()

	logger.Info(ctx, "session core started", "api", cfg.APIOrigin)
	<-ctx.Done()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/coderoom/internal/api"
	"github.com/manpreetbhatti/coderoom/internal/broker"
	"github.com/manpreetbhatti/coderoom/internal/config"
	"github.com/manpreetbhatti/coderoom/internal/logging"
	"github.com/manpreetbhatti/coderoom/internal/ratelimit"
	"github.com/manpreetbhatti/coderoom/internal/registry"
	"github.com/manpreetbhatti/coderoom/internal/snapshot"
	"github.com/manpreetbhatti/coderoom/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coderoom: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secret, err := jwtSecret(cfg, log)
	if err != nil {
		return err
	}

	// from here on the registry owns the store and closes it
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	reg := registry.New(store,
		registry.WithHasher(registry.NewBcryptHasher(cfg.BcryptCost)),
		registry.WithTokens(registry.NewTokens(secret, cfg.TokenTTL)),
		registry.WithParticipantsLimit(cfg.MaxParticipantsLimit),
		registry.WithLogger(log.Named("registry")))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := reg.Close(closeCtx); err != nil {
			log.Error("closing registry", zap.Error(err))
		}
	}()

	b := broker.New(reg, log.Named("broker"))

	snapshots := snapshot.New(reg, snapshot.Config{Interval: cfg.SnapshotInterval}, log.Named("snapshot"))
	snapshots.Start()
	defer snapshots.Stop()

	limiters := ratelimit.NewClientLimiters(cfg.MessagesPerSecond, cfg.MessageBurst)
	defer limiters.Stop()

	socket := ws.NewServer(b, limiters, log.Named("ws"), ws.Options{AllowedOrigins: cfg.Origins()})
	handler := api.NewRouter(api.New(reg, b, store, log.Named("api")), socket, cfg.Origins())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("coderoom server starting",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

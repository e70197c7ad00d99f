package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/coderoom/internal/config"
	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/registry"
)

// store is a room repository that can also report its own statistics.
type store interface {
	registry.Repository
	Stats(ctx context.Context) (map[string]any, error)
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		database, err := db.New(cfg.DBPath, log.Named("db"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return database, nil

	case config.StoreRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rs, err := db.DialRedis(dialCtx, cfg.RedisAddr, cfg.RedisRoomTTL)
		if err != nil {
			return nil, err
		}
		log.Info("redis store connected",
			zap.String("addr", cfg.RedisAddr),
			zap.Duration("room_ttl", cfg.RedisRoomTTL))
		return rs, nil

	case config.StoreMemory:
		log.Warn("using in-memory store, rooms will not survive a restart")
		return db.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func jwtSecret(cfg config.Config, log *zap.Logger) ([]byte, error) {
	if cfg.JWTSecret != "" {
		return []byte(cfg.JWTSecret), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	log.Warn("JWT_SECRET not set, issued tokens are only valid until restart")
	return secret, nil
}

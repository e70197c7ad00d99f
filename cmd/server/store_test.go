package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/coderoom/internal/config"
	"github.com/manpreetbhatti/coderoom/internal/db"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()
	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		cfg     config.Config
		backend string
	}{
		{"sqlite", config.Config{StoreBackend: config.StoreSQLite, DBPath: filepath.Join(t.TempDir(), "rooms.db")}, "sqlite"},
		{"redis", config.Config{StoreBackend: config.StoreRedis, RedisAddr: mr.Addr()}, "redis"},
		{"memory", config.Config{StoreBackend: config.StoreMemory}, "memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := openStore(ctx, tt.cfg, log)
			require.NoError(t, err)

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.backend, stats["backend"])

			if closer, ok := s.(interface{ Close() error }); ok {
				assert.NoError(t, closer.Close())
			}
		})
	}

	_, err := openStore(ctx, config.Config{StoreBackend: "postgres"}, log)
	assert.Error(t, err)
}

func TestOpenStoreRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := openStore(context.Background(), config.Config{StoreBackend: config.StoreRedis, RedisAddr: addr}, zap.NewNop())
	assert.Error(t, err)
}

func TestJWTSecret(t *testing.T) {
	secret, err := jwtSecret(config.Config{JWTSecret: "configured"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []byte("configured"), secret)

	a, err := jwtSecret(config.Config{}, zap.NewNop())
	require.NoError(t, err)
	b, _ := jwtSecret(config.Config{}, zap.NewNop())
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

var _ store = (*db.Database)(nil)
var _ store = (*db.RedisStore)(nil)
var _ store = (*db.MemoryStore)(nil)

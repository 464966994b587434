// Package storage opens the queue.Store selected by configuration.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"priorityq/internal/config"
	"priorityq/internal/queue"
	memstore "priorityq/internal/storage/memory"
	mongostore "priorityq/internal/storage/mongo"
	pgstore "priorityq/internal/storage/postgres"
	redisstore "priorityq/internal/storage/redis"
	sqlitestore "priorityq/internal/storage/sqlite"
)

// Open connects to the configured backend. The returned close function
// releases its connections.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Store, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", cfg.Backend))

	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected", zap.String("path", cfg.SQLitePath))
		return db, db.Close, nil

	case config.BackendPostgres:
		s, err := pgstore.Open(ctx, pgstore.Config{DSN: cfg.PostgresDSN, MaxOpenConns: 25, MaxIdleConns: 10})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected")
		return s, s.Close, nil

	case config.BackendRedis:
		s, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
		return s, s.Close, nil

	case config.BackendMongo:
		s, err := mongostore.Open(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected")
		return s, s.Close, nil

	case config.BackendMemory:
		logger.Warn("using in-process store; items are lost on exit")
		return memstore.New(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

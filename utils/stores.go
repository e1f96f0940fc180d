// utils/stores.go
package utils

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"league-rankings/config"
	"league-rankings/storage"

	"go.uber.org/zap"
)

// Stores holds the backends chosen by configuration. Blobs carries match
// history and the published rankings; State carries the lock and the
// marker, and is Blobs itself unless LOCK_BACKEND=redis.
type Stores struct {
	Blobs storage.BlobStore
	State storage.KVStore

	closers []func() error
}

func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func OpenStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Stores, error) {
	s := &Stores{}

	switch cfg.StoreBackend {
	case "memory":
		s.Blobs = storage.NewMemory()
	case "filesystem":
		fs, err := storage.NewFilesystem(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		s.Blobs = fs
	case "s3":
		b, err := storage.NewS3(ctx, storage.S3Options{
			AccountID:         cfg.S3Config.AccountID,
			Endpoint:          cfg.S3Config.Endpoint,
			Region:            cfg.S3Config.Region,
			AccessKeyID:       cfg.S3Config.AccessKeyID,
			AccessKeySecret:   cfg.S3Config.AccessKeySecret,
			Bucket:            cfg.S3Config.Bucket,
			ConditionalWrites: cfg.S3Config.ConditionalWrites,
		})
		if err != nil {
			return nil, err
		}
		if !cfg.S3Config.ConditionalWrites {
			log.Warn("S3 conditional writes disabled; lock falls back to check-then-write")
		}
		s.Blobs = b
	case "postgres", "mysql":
		sql, err := storage.OpenSQL(cfg.StoreBackend, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if db, err := sql.DB.DB(); err == nil {
			s.closers = append(s.closers, db.Close)
		}
		s.Blobs = sql
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "league.db")
		}
		lite, err := storage.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, lite.Close)
		s.Blobs = lite
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	s.State = s.Blobs
	if cfg.LockBackend == "redis" {
		r, err := storage.NewRedis(ctx, storage.RedisOptions{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			Prefix:   cfg.RedisConfig.Prefix,
		})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append(s.closers, r.Close)
		s.State = r
	}

	log.Info("stores ready",
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("lock_backend", cfg.LockBackend))
	return s, nil
}

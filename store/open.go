// Package store selects and opens the configured history and audit backends.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/device-ledger/config"
	"github.com/warp/device-ledger/generic"
	memstore "github.com/warp/device-ledger/generic/store"
	"github.com/warp/device-ledger/store/postgres"
	"github.com/warp/device-ledger/store/redis"
	"github.com/warp/device-ledger/store/s3"
	"github.com/warp/device-ledger/store/sqlite"
)

// Resetter is implemented by backends that can drop all data (demo scenarios).
type Resetter interface {
	Reset(ctx context.Context) error
}

// Backend bundles the opened stores.
type Backend struct {
	Name    string
	History generic.HistoryScanner
	Audit   generic.AuditLog

	closers []func() error
}

// Close releases connections held by the backend.
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Reset clears history and audit data where the backend supports it.
func (b *Backend) Reset(ctx context.Context) error {
	seen := map[any]bool{}
	for _, s := range []any{b.History, b.Audit} {
		if seen[s] {
			continue
		}
		seen[s] = true
		r, ok := s.(Resetter)
		if !ok {
			return fmt.Errorf("%s backend does not support reset", b.Name)
		}
		if err := r.Reset(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Open connects the backend selected by cfg.Store. S3 keeps histories only,
// so its audit log is held in memory.
func Open(ctx context.Context, cfg config.Config) (*Backend, error) {
	b := &Backend{Name: cfg.Store}

	switch cfg.Store {
	case config.StoreMemory:
		b.History = memstore.NewMemory()
		b.Audit = memstore.NewMemoryAudit()

	case config.StoreSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.History, b.Audit = s, s
		b.closers = append(b.closers, s.Close)

	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.History, b.Audit = s, s
		b.closers = append(b.closers, s.Close)

	case config.StoreRedis:
		s, err := redis.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.History, b.Audit = s, s
		b.closers = append(b.closers, s.Close)

	case config.StoreS3:
		s, err := s3.New(ctx, s3.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			Prefix:    cfg.S3.Prefix,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		b.History = s
		b.Audit = memstore.NewMemoryAudit()

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	return b, nil
}

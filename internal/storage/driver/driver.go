// Package driver opens the storage.Store selected by configuration.
package driver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamestore/internal/config"
	"github.com/cory-johannsen/gamestore/internal/storage"
	"github.com/cory-johannsen/gamestore/internal/storage/filestore"
	"github.com/cory-johannsen/gamestore/internal/storage/postgres"
)

// Driver names accepted in storage.driver.
const (
	File     = "file"
	Postgres = "postgres"
)

// Options tune Open beyond what configuration carries.
type Options struct {
	// Migrate applies pending schema migrations before a postgres store is returned.
	Migrate bool
	// HashCost overrides the bcrypt cost for new passwords. Zero keeps the default.
	HashCost int
}

// Open returns the store named by sc.Driver.
//
// Precondition: sc and dc have passed config validation.
// Postcondition: The caller owns the returned store and must Close it.
func Open(ctx context.Context, sc config.StorageConfig, dc config.DatabaseConfig, opts Options, logger *zap.Logger) (storage.Store, error) {
	switch sc.Driver {
	case File:
		var fileOpts []filestore.Option
		if opts.HashCost > 0 {
			fileOpts = append(fileOpts, filestore.WithHashCost(opts.HashCost))
		}
		s, err := filestore.Open(sc.Path, fileOpts...)
		if err != nil {
			return nil, err
		}
		logger.Info("file store opened", zap.String("path", sc.Path))
		return s, nil

	case Postgres:
		if opts.Migrate {
			if err := postgres.MigrateUp(dc.DSN()); err != nil {
				return nil, err
			}
			logger.Info("database schema migrated")
		}
		pool, err := postgres.NewPool(ctx, dc)
		if err != nil {
			return nil, err
		}
		var pgOpts []postgres.StoreOption
		if opts.HashCost > 0 {
			pgOpts = append(pgOpts, postgres.WithHashCost(opts.HashCost))
		}
		logger.Info("database connected",
			zap.String("host", dc.Host),
			zap.String("name", dc.Name),
		)
		return postgres.NewStore(pool, pgOpts...), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
}

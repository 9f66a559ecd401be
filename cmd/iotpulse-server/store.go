package main

import (
	"context"
	"fmt"

	"github.com/iotpulse/internal/config"
	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/storage"
	"github.com/iotpulse/internal/storage/pgstore"
	"github.com/iotpulse/internal/storage/sqlstore"
)

func openStore(ctx context.Context, c config.StorageConfig, log logger.Logger) (storage.Store, error) {
	switch c.Driver {
	case config.DriverMemory:
		if c.Journal == "" {
			log.Warn().Msg("memory storage without a journal; data is lost on exit")
			return storage.NewMemoryStore(), nil
		}
		s, err := storage.OpenMemoryStore(c.Journal)
		if err != nil {
			return nil, err
		}
		log.Info().Str("journal", c.Journal).Msg("memory storage restored from journal")
		return s, nil

	case config.DriverMySQL:
		s, err := sqlstore.Open(ctx, c.DSN, c.MaxConns)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("mysql storage ready")
		return s, nil

	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, c.DSN, c.MaxConns, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownDriver, c.Driver)
}

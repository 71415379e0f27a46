// Package app wires configuration, storage, events and the pipeline service.
package app

import (
	"context"
	"fmt"

	"github.com/rpattn/contactsync/internal/config"
	"github.com/rpattn/contactsync/internal/db"
	"github.com/rpattn/contactsync/internal/events"
	"github.com/rpattn/contactsync/internal/ingestion"
	"github.com/rpattn/contactsync/internal/repository"
	"github.com/rpattn/contactsync/internal/repository/memstore"
	"github.com/rpattn/contactsync/pkg/normalize"

	"go.uber.org/zap"
)

// App holds the long-lived components of one process.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Service   *ingestion.Service
	Publisher events.Publisher

	conn *db.Connection
}

// New opens the configured store and builds the pipeline on top of it.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	normalizer, err := normalize.New(normalize.Config{
		DefaultRegion:  cfg.Normalizer.DefaultRegion,
		MinPhoneDigits: cfg.Normalizer.MinPhoneDigits,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure normalizer: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}

	var store repository.Store
	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		logger.Warn("app: using in-memory storage, nothing will be persisted")
		store = memstore.New().Repositories()
	case config.StorageDriverPostgres:
		conn, connErr := db.NewConnection(ctx, cfg.Database)
		if connErr != nil {
			return nil, connErr
		}
		a.conn = conn
		store = repository.NewStore(conn.Pool)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	publisher, err := events.New(events.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		ContactTopic: cfg.Kafka.ContactTopic,
		RunTopic:     cfg.Kafka.RunTopic,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	a.Publisher = publisher

	a.Service = ingestion.NewService(normalizer, store, publisher, logger, ingestion.Options{
		StorageTimeout: cfg.Storage.Timeout,
		Policy: ingestion.StatusPolicy{
			ErrorThreshold:      cfg.RunPolicy.ErrorThreshold,
			DowngradesAsWarning: cfg.RunPolicy.DowngradesAsWarning,
		},
		Strict: cfg.Development(),
	})
	return a, nil
}

// Health pings the database; the in-memory store is always healthy.
func (a *App) Health(ctx context.Context) error {
	if a.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.Config.Storage.Timeout)
	defer cancel()
	if err := a.conn.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// Close releases the publisher and the connection pool.
func (a *App) Close() {
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Logger.Warn("app: failed to close event publisher", zap.Error(err))
		}
	}
	if a.conn != nil {
		a.conn.Close()
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"variation-radar/internal/config"
	"variation-radar/internal/model"
)

// ErrNotConfigured indicates the backend was not initialised.
var ErrNotConfigured = errors.New("storage: backend not configured")

// HistoryStore persists bounded per-instrument price histories.
type HistoryStore interface {
	LoadHistory(ctx context.Context, instrument string, limit int) ([]model.Sample, error)
	// SaveHistory replaces the stored history of instrument with samples, oldest first.
	SaveHistory(ctx context.Context, instrument string, samples []model.Sample) error
}

// AlertStore persists the capped alert log.
type AlertStore interface {
	AppendAlert(ctx context.Context, rec model.AlertRecord, limit int) error
	AttachEnrichment(ctx context.Context, id string, items []model.ContextItem, at time.Time) error
	ListRecentAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error)
}

// SubscriberStore persists the subscriber set keyed by recipient id.
type SubscriberStore interface {
	// AddSubscriber returns false when the recipient is already registered.
	AddSubscriber(ctx context.Context, sub model.Subscriber) (bool, error)
	// RemoveSubscriber returns false when the recipient was not registered.
	RemoveSubscriber(ctx context.Context, recipientID string) (bool, error)
	ListSubscribers(ctx context.Context) ([]model.Subscriber, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend aggregates every persisted collection.
type Backend interface {
	HistoryStore
	AlertStore
	SubscriberStore
	Close() error
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (Backend, error) {
	log := logger.With().Str("component", "storage").Str("driver", cfg.Driver).Logger()

	switch cfg.Driver {
	case "", "file":
		store, err := NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		log.Info().Str("dir", cfg.DataDir).Msg("file storage opened")
		return store, nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "radar.db")
		}
		store, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("sqlite storage opened")
		return store, nil
	case "postgres":
		pool, err := NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		log.Info().Msg("postgres storage opened")
		return store, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

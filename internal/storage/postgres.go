package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"variation-radar/internal/config"
	"variation-radar/internal/model"
)

//go:embed schema.sql
var postgresSchema string

const (
	insertSampleSQL = `INSERT INTO price_samples (instrument, observed_at, price) VALUES ($1, $2, $3);`

	clearSamplesSQL = `DELETE FROM price_samples WHERE instrument = $1;`

	loadHistorySQL = `SELECT observed_at, price::text FROM (
        SELECT id, observed_at, price
        FROM price_samples
        WHERE instrument = $1
        ORDER BY id DESC
        LIMIT $2
    ) recent
    ORDER BY id ASC;`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        instrument,
        variation_pct,
        price,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	trimAlertsSQL = `DELETE FROM alerts
    WHERE seq NOT IN (SELECT seq FROM alerts ORDER BY seq DESC LIMIT $1);`

	attachEnrichmentSQL = `UPDATE alerts
    SET enrichment = $2, enriched_at = $3
    WHERE id = $1;`

	listRecentAlertsSQL = `SELECT
        id,
        instrument,
        variation_pct::text,
        price::text,
        observed_at,
        enrichment,
        enriched_at
    FROM alerts
    ORDER BY seq DESC
    LIMIT $1;`

	insertSubscriberSQL = `INSERT INTO subscribers (recipient_id, username, first_name, registered_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (recipient_id) DO NOTHING;`

	deleteSubscriberSQL = `DELETE FROM subscribers WHERE recipient_id = $1;`

	listSubscribersSQL = `SELECT recipient_id, username, first_name, registered_at
    FROM subscribers
    ORDER BY registered_at, recipient_id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// PostgresStore persists every collection in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Migrate applies the embedded schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadHistory returns the newest limit samples, oldest first.
func (s *PostgresStore) LoadHistory(ctx context.Context, instrument string, limit int) ([]model.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, loadHistorySQL, instrument, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("load history: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]model.Sample, 0)
	for rows.Next() {
		var (
			observed time.Time
			priceStr string
		)
		if err := rows.Scan(&observed, &priceStr); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		samples = append(samples, model.Sample{Timestamp: observed.UTC(), Price: price})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// SaveHistory replaces the instrument's samples in one transaction.
func (s *PostgresStore) SaveHistory(ctx context.Context, instrument string, samples []model.Sample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, clearSamplesSQL, instrument); err != nil {
			return fmt.Errorf("clear samples: %w", err)
		}
		if len(samples) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, sample := range samples {
			batch.Queue(insertSampleSQL, instrument, sample.Timestamp, sample.Price.String())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert samples: %w", err)
		}
		return nil
	})
}

// AppendAlert persists an alert and trims the log.
func (s *PostgresStore) AppendAlert(ctx context.Context, rec model.AlertRecord, limit int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertAlertSQL,
			rec.ID,
			rec.Instrument,
			rec.VariationPct.String(),
			rec.Price.String(),
			rec.Timestamp,
		); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		if _, err := tx.Exec(ctx, trimAlertsSQL, limit); err != nil {
			return fmt.Errorf("trim alerts: %w", err)
		}
		return nil
	})
}

// AttachEnrichment stores context items on an existing alert.
func (s *PostgresStore) AttachEnrichment(ctx context.Context, id string, items []model.ContextItem, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode enrichment: %w", err)
	}
	cmdTag, execErr := pool.Exec(ctx, attachEnrichmentSQL, id, payload, at)
	if execErr != nil {
		return fmt.Errorf("attach enrichment: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *PostgresStore) ListRecentAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]model.AlertRecord, 0)
	for rows.Next() {
		var (
			rec          model.AlertRecord
			variationStr string
			priceStr     string
			enrichment   []byte
			enrichedAt   *time.Time
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Instrument,
			&variationStr,
			&priceStr,
			&rec.Timestamp,
			&enrichment,
			&enrichedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.VariationPct, convErr = decimal.NewFromString(variationStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse variation pct: %w", convErr)
		}
		rec.Price, convErr = decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		if err := json.Unmarshal(enrichment, &rec.Enrichment); err != nil {
			return nil, fmt.Errorf("decode enrichment: %w", err)
		}
		rec.EnrichedAt = enrichedAt

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// AddSubscriber registers a recipient once.
func (s *PostgresStore) AddSubscriber(ctx context.Context, sub model.Subscriber) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := pool.Exec(ctx, insertSubscriberSQL, sub.RecipientID, sub.Username, sub.FirstName, sub.RegisteredAt)
	if execErr != nil {
		return false, fmt.Errorf("add subscriber: %w", execErr)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// RemoveSubscriber drops a recipient.
func (s *PostgresStore) RemoveSubscriber(ctx context.Context, recipientID string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteSubscriberSQL, recipientID)
	if execErr != nil {
		return false, fmt.Errorf("remove subscriber: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// ListSubscribers returns subscribers in registration order.
func (s *PostgresStore) ListSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSubscribersSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list subscribers: %w", queryErr)
	}
	defer rows.Close()

	subs := make([]model.Subscriber, 0)
	for rows.Next() {
		var sub model.Subscriber
		if err := rows.Scan(&sub.RecipientID, &sub.Username, &sub.FirstName, &sub.RegisteredAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"variation-radar/internal/model"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS price_samples (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		instrument  TEXT    NOT NULL,
		observed_at INTEGER NOT NULL,
		price       TEXT    NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_samples_instrument ON price_samples(instrument, id)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id      TEXT    NOT NULL UNIQUE,
		instrument    TEXT    NOT NULL,
		variation_pct TEXT    NOT NULL,
		price         TEXT    NOT NULL,
		observed_at   INTEGER NOT NULL,
		enrichment    TEXT    NOT NULL DEFAULT '[]',
		enriched_at   INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS subscribers (
		recipient_id  TEXT PRIMARY KEY,
		username      TEXT NOT NULL DEFAULT '',
		first_name    TEXT NOT NULL DEFAULT '',
		registered_at INTEGER NOT NULL
	)`,
}

const (
	sqliteInsertSample = `INSERT INTO price_samples (instrument, observed_at, price) VALUES (?, ?, ?)`
	sqliteClearSamples = `DELETE FROM price_samples WHERE instrument = ?`
	sqliteLoadHistory = `SELECT observed_at, price FROM (
			SELECT id, observed_at, price FROM price_samples
			WHERE instrument = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`

	sqliteInsertAlert = `INSERT INTO alerts (alert_id, instrument, variation_pct, price, observed_at, enrichment)
		VALUES (?, ?, ?, ?, ?, '[]')`
	sqliteTrimAlerts = `DELETE FROM alerts
		WHERE seq NOT IN (SELECT seq FROM alerts ORDER BY seq DESC LIMIT ?)`
	sqliteAttachEnrichment = `UPDATE alerts SET enrichment = ?, enriched_at = ? WHERE alert_id = ?`
	sqliteRecentAlerts     = `SELECT alert_id, instrument, variation_pct, price, observed_at, enrichment, enriched_at
		FROM alerts ORDER BY seq DESC LIMIT ?`

	sqliteInsertSubscriber = `INSERT INTO subscribers (recipient_id, username, first_name, registered_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(recipient_id) DO NOTHING`
	sqliteDeleteSubscriber = `DELETE FROM subscribers WHERE recipient_id = ?`
	sqliteListSubscribers  = `SELECT recipient_id, username, first_name, registered_at FROM subscribers ORDER BY registered_at, recipient_id`
)

// SQLiteStore persists every collection in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (or creates) the database in WAL mode and runs migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := NewSQLiteStore(db)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewSQLiteStore wraps an already opened database without migrating it.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadHistory returns the newest limit samples, oldest first.
func (s *SQLiteStore) LoadHistory(ctx context.Context, instrument string, limit int) ([]model.Sample, error) {
	rows, err := s.db.QueryContext(ctx, sqliteLoadHistory, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	samples := make([]model.Sample, 0)
	for rows.Next() {
		var (
			observed int64
			priceStr string
		)
		if err := rows.Scan(&observed, &priceStr); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		samples = append(samples, model.Sample{Timestamp: fromUnixNano(observed), Price: price})
	}
	return samples, rows.Err()
}

// SaveHistory replaces the instrument's samples in one transaction.
func (s *SQLiteStore) SaveHistory(ctx context.Context, instrument string, samples []model.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqliteClearSamples, instrument); err != nil {
		return fmt.Errorf("clear samples: %w", err)
	}
	for _, sample := range samples {
		if _, err := tx.ExecContext(ctx, sqliteInsertSample, instrument, sample.Timestamp.UnixNano(), sample.Price.String()); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	return tx.Commit()
}

// AppendAlert inserts a record and trims the log.
func (s *SQLiteStore) AppendAlert(ctx context.Context, rec model.AlertRecord, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqliteInsertAlert,
		rec.ID,
		rec.Instrument,
		rec.VariationPct.String(),
		rec.Price.String(),
		rec.Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqliteTrimAlerts, limit); err != nil {
		return fmt.Errorf("trim alerts: %w", err)
	}
	return tx.Commit()
}

// AttachEnrichment stores context items on an existing alert.
func (s *SQLiteStore) AttachEnrichment(ctx context.Context, id string, items []model.ContextItem, at time.Time) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode enrichment: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqliteAttachEnrichment, string(payload), at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("attach enrichment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// ListRecentAlerts returns up to limit alerts, newest first.
func (s *SQLiteStore) ListRecentAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqliteRecentAlerts, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]model.AlertRecord, 0)
	for rows.Next() {
		var (
			rec          model.AlertRecord
			variationStr string
			priceStr     string
			observed     int64
			enrichment   string
			enrichedAt   sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Instrument, &variationStr, &priceStr, &observed, &enrichment, &enrichedAt); err != nil {
			return nil, err
		}
		if rec.VariationPct, err = decimal.NewFromString(variationStr); err != nil {
			return nil, fmt.Errorf("parse variation pct: %w", err)
		}
		if rec.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if err := json.Unmarshal([]byte(enrichment), &rec.Enrichment); err != nil {
			return nil, fmt.Errorf("decode enrichment: %w", err)
		}
		rec.Timestamp = fromUnixNano(observed)
		if enrichedAt.Valid {
			at := fromUnixNano(enrichedAt.Int64)
			rec.EnrichedAt = &at
		}
		alerts = append(alerts, rec)
	}
	return alerts, rows.Err()
}

// AddSubscriber registers a recipient once.
func (s *SQLiteStore) AddSubscriber(ctx context.Context, sub model.Subscriber) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqliteInsertSubscriber,
		sub.RecipientID, sub.Username, sub.FirstName, sub.RegisteredAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("add subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add subscriber: %w", err)
	}
	return n == 1, nil
}

// RemoveSubscriber drops a recipient.
func (s *SQLiteStore) RemoveSubscriber(ctx context.Context, recipientID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqliteDeleteSubscriber, recipientID)
	if err != nil {
		return false, fmt.Errorf("remove subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove subscriber: %w", err)
	}
	return n > 0, nil
}

// ListSubscribers returns subscribers in registration order.
func (s *SQLiteStore) ListSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListSubscribers)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	subs := make([]model.Subscriber, 0)
	for rows.Next() {
		var (
			sub        model.Subscriber
			registered int64
		)
		if err := rows.Scan(&sub.RecipientID, &sub.Username, &sub.FirstName, &registered); err != nil {
			return nil, err
		}
		sub.RegisteredAt = fromUnixNano(registered)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"variation-radar/internal/model"
)

const (
	alertsFile      = "alerts.json"
	subscribersFile = "users.json"
)

// FileStore keeps every collection as a JSON document under one directory.
// Writes go to a temp file first and are renamed into place.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Close is a no-op for file storage.
func (s *FileStore) Close() error {
	return nil
}

// LoadHistory reads the newest limit samples of an instrument. A missing file is an empty history.
func (s *FileStore) LoadHistory(_ context.Context, instrument string, limit int) ([]model.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var samples []model.Sample
	if err := s.readJSON(historyFile(instrument), &samples); err != nil {
		return nil, err
	}
	return model.History(samples).Trim(limit), nil
}

// SaveHistory rewrites the instrument's history file.
func (s *FileStore) SaveHistory(_ context.Context, instrument string, samples []model.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if samples == nil {
		samples = []model.Sample{}
	}
	return s.writeJSON(historyFile(instrument), samples)
}

// AppendAlert appends a record to the capped log.
func (s *FileStore) AppendAlert(_ context.Context, rec model.AlertRecord, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var alerts []model.AlertRecord
	if err := s.readJSON(alertsFile, &alerts); err != nil {
		return err
	}
	if rec.Enrichment == nil {
		rec.Enrichment = []model.ContextItem{}
	}
	alerts = append(alerts, rec)
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[len(alerts)-limit:]
	}
	return s.writeJSON(alertsFile, alerts)
}

// AttachEnrichment stores context items on an existing alert.
func (s *FileStore) AttachEnrichment(_ context.Context, id string, items []model.ContextItem, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var alerts []model.AlertRecord
	if err := s.readJSON(alertsFile, &alerts); err != nil {
		return err
	}
	for i := range alerts {
		if alerts[i].ID != id {
			continue
		}
		alerts[i].Enrichment = items
		stamp := at
		alerts[i].EnrichedAt = &stamp
		return s.writeJSON(alertsFile, alerts)
	}
	return fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
}

// ListRecentAlerts returns up to limit alerts, newest first.
func (s *FileStore) ListRecentAlerts(_ context.Context, limit int) ([]model.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var alerts []model.AlertRecord
	if err := s.readJSON(alertsFile, &alerts); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(alerts) {
		limit = len(alerts)
	}
	out := make([]model.AlertRecord, 0, limit)
	for i := len(alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, alerts[i])
	}
	return out, nil
}

// AddSubscriber registers a recipient once.
func (s *FileStore) AddSubscriber(_ context.Context, sub model.Subscriber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var subs []model.Subscriber
	if err := s.readJSON(subscribersFile, &subs); err != nil {
		return false, err
	}
	for _, existing := range subs {
		if existing.RecipientID == sub.RecipientID {
			return false, nil
		}
	}
	subs = append(subs, sub)
	if err := s.writeJSON(subscribersFile, subs); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveSubscriber drops a recipient.
func (s *FileStore) RemoveSubscriber(_ context.Context, recipientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var subs []model.Subscriber
	if err := s.readJSON(subscribersFile, &subs); err != nil {
		return false, err
	}
	kept := subs[:0]
	for _, existing := range subs {
		if existing.RecipientID != recipientID {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(subs) {
		return false, nil
	}
	if err := s.writeJSON(subscribersFile, kept); err != nil {
		return false, err
	}
	return true, nil
}

// ListSubscribers returns subscribers in registration order.
func (s *FileStore) ListSubscribers(_ context.Context) ([]model.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var subs []model.Subscriber
	if err := s.readJSON(subscribersFile, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *FileStore) readJSON(name string, dst any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// historyFile maps an instrument name to its history file. The readable slug is followed by
// a digest of the exact name, so "BTC/USD" and "BTC-USD" never share a file.
func historyFile(instrument string) string {
	slug := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return '_'
	}, instrument)
	sum := sha256.Sum256([]byte(instrument))
	return "history_" + slug + "_" + hex.EncodeToString(sum[:6]) + ".json"
}

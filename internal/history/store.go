// Package history keeps the bounded, persisted price history of every monitored instrument.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"variation-radar/internal/model"
)

// DefaultCapacity bounds the number of samples kept per instrument.
const DefaultCapacity = 1000

// Repository persists instrument histories.
type Repository interface {
	LoadHistory(ctx context.Context, instrument string, limit int) ([]model.Sample, error)
	// SaveHistory replaces the persisted history of instrument with samples.
	SaveHistory(ctx context.Context, instrument string, samples []model.Sample) error
}

// Store is the in-memory view of all histories, written through to a Repository.
// Each instrument has a single writer: the engine cycle.
type Store struct {
	repo     Repository
	capacity int
	logger   zerolog.Logger

	mu     sync.RWMutex
	series map[string]model.History
}

// NewStore builds a Store. A nil repository keeps history in memory only.
func NewStore(repo Repository, capacity int, logger zerolog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		repo:     repo,
		capacity: capacity,
		logger:   logger.With().Str("component", "history").Logger(),
		series:   make(map[string]model.History),
	}
}

// Capacity returns the per-instrument bound.
func (s *Store) Capacity() int {
	return s.capacity
}

// Load warms the in-memory histories from the repository. Instruments that fail to load
// start empty; the combined error is returned for the caller to report.
func (s *Store) Load(ctx context.Context, instruments []string) error {
	if s.repo == nil {
		return nil
	}

	var errs []error
	for _, instrument := range instruments {
		samples, err := s.repo.LoadHistory(ctx, instrument, s.capacity)
		if err != nil {
			s.logger.Warn().Err(err).Str("instrument", instrument).Msg("history load failed, starting empty")
			errs = append(errs, fmt.Errorf("load history %s: %w", instrument, err))
			continue
		}

		s.mu.Lock()
		s.series[instrument] = model.History(samples).Trim(s.capacity).Clone()
		s.mu.Unlock()

		s.logger.Debug().Str("instrument", instrument).Int("samples", len(samples)).Msg("history loaded")
	}
	return errors.Join(errs...)
}

// Append adds a sample, evicting the oldest beyond capacity, and persists the whole bounded
// history before returning. On persistence failure the sample stays in memory and an
// ErrPersistence error is returned together with the updated history; the next successful
// save writes the missing samples.
func (s *Store) Append(ctx context.Context, instrument string, sample model.Sample) (model.History, error) {
	s.mu.Lock()
	h := append(s.series[instrument], sample)
	if len(h) > s.capacity {
		// copy so the evicted prefix can be collected
		h = model.History(h).Trim(s.capacity).Clone()
	}
	s.series[instrument] = h
	snapshot := h.Clone()
	s.mu.Unlock()

	if s.repo == nil {
		return snapshot, nil
	}
	if err := s.repo.SaveHistory(ctx, instrument, snapshot); err != nil {
		return snapshot, fmt.Errorf("%w: save history %s: %w", model.ErrPersistence, instrument, err)
	}
	return snapshot, nil
}

// History returns a copy of the instrument's history.
func (s *Store) History(instrument string) model.History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series[instrument].Clone()
}

// Latest returns the most recent sample of an instrument.
func (s *Store) Latest(instrument string) (model.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series[instrument].Latest()
}

// LatestTwo returns the previous and latest samples, or ok=false when fewer than two exist.
func (s *Store) LatestTwo(instrument string) (prev, latest model.Sample, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.series[instrument]
	if len(h) < 2 {
		return model.Sample{}, model.Sample{}, false
	}
	return h[len(h)-2], h[len(h)-1], true
}

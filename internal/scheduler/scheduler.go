package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyRunning is returned when Run is called on an active loop.
	ErrAlreadyRunning = errors.New("scheduler: already running")
	// ErrInvalidInterval is returned when the interval is not positive.
	ErrInvalidInterval = errors.New("scheduler: interval must be positive")
)

// State is the lifecycle position of the loop.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// TickFunc is invoked once per cycle.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Interval is read before every sleep so changes apply from the next cycle.
	Interval     func() time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives the periodic check loop. Each instance runs at most one loop.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	state  State
	stopCh chan struct{}
	done   chan struct{}
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval == nil {
		return nil, fmt.Errorf("scheduler: interval source is required")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}, nil
}

// Fixed adapts a constant interval to the Options.Interval signature.
func Fixed(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether a loop is active and not stopping.
func (s *Scheduler) Running() bool {
	return s.State() == StateRunning
}

// Run blocks, invoking tick every interval until Stop is called or ctx is cancelled.
// Tick errors and panics are logged and never end the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	stopCh, done, err := s.begin()
	if err != nil {
		return err
	}
	return s.loop(ctx, tick, stopCh, done)
}

// Start enters Running before returning and runs the loop in the background.
// A second Start, or a Run, fails with ErrAlreadyRunning until the loop has exited.
func (s *Scheduler) Start(ctx context.Context, tick TickFunc) error {
	stopCh, done, err := s.begin()
	if err != nil {
		return err
	}
	go func() {
		if err := s.loop(ctx, tick, stopCh, done); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("scheduler loop ended")
		}
	}()
	return nil
}

func (s *Scheduler) begin() (chan struct{}, chan struct{}, error) {
	if s.opts.Interval() <= 0 {
		return nil, nil, ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return nil, nil, ErrAlreadyRunning
	}
	s.state = StateRunning
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	return s.stopCh, s.done, nil
}

func (s *Scheduler) loop(ctx context.Context, tick TickFunc, stopCh, done chan struct{}) error {
	defer func() {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		close(done)
		s.logger.Info().Msg("scheduler stopped")
	}()

	s.logger.Info().Dur("interval", s.opts.Interval()).Msg("scheduler started")

	if s.opts.StartupDelay > 0 {
		if err := s.sleep(ctx, stopCh, s.opts.StartupDelay); err != nil {
			return ignoreStop(err)
		}
	}
	if s.opts.AlignToStart {
		if err := s.sleep(ctx, stopCh, s.untilBoundary(s.opts.Interval())); err != nil {
			return ignoreStop(err)
		}
	}

	for {
		if s.State() != StateRunning {
			return nil
		}

		at := s.now().UTC()
		s.logger.Debug().Time("at", at).Msg("executing scheduled tick")
		if err := s.safeTick(ctx, tick, at); err != nil {
			s.logger.Error().Err(err).Time("at", at).Msg("tick execution failed")
		}

		interval := s.opts.Interval()
		if interval <= 0 {
			s.logger.Error().Dur("interval", interval).Msg("invalid interval, keeping previous cadence")
			interval = time.Minute
		}
		delay := interval
		if s.opts.AlignToStart {
			delay = s.untilBoundary(interval)
		}
		s.logger.Debug().Dur("delay", delay).Msg("waiting for next tick")

		if err := s.sleep(ctx, stopCh, delay); err != nil {
			return ignoreStop(err)
		}
	}
}

// Stop asks the loop to finish. An in-flight tick completes first.
// It reports whether a running loop was signalled.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return false
	}
	s.state = StateStopping
	close(s.stopCh)
	s.logger.Info().Msg("scheduler stop requested")
	return true
}

// Done is closed when the current loop exits. It returns nil if no loop was started.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

var errStopped = errors.New("stopped")

func ignoreStop(err error) error {
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

func (s *Scheduler) sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return errStopped
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) safeTick(ctx context.Context, tick TickFunc, at time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return tick(ctx, at)
}

func (s *Scheduler) untilBoundary(interval time.Duration) time.Duration {
	now := s.now().UTC()
	next := now.Truncate(interval)
	if !next.After(now) {
		next = next.Add(interval)
	}
	return next.Sub(now)
}

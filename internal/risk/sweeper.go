package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically evicts idle behavior records and prunes stale
// flags from the ones still active.
type Sweeper struct {
	scorer     *Scorer
	interval   time.Duration
	idleEvict  time.Duration
	flagMaxAge time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewSweeper creates a sweeper over the scorer's records.
func NewSweeper(scorer *Scorer, interval, idleEvict time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		scorer:     scorer,
		interval:   interval,
		idleEvict:  idleEvict,
		flagMaxAge: idleEvict,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in risk sweeper", "panic", fmt.Sprint(r))
		}
	}()

	if evicted := s.scorer.Sweep(s.idleEvict, s.flagMaxAge); evicted > 0 {
		s.logger.Debug("evicted idle risk records", "count", evicted)
	}
}

package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smarthub/internal/model"
)

// Syncer is the pass the scheduler drives.
type Syncer interface {
	Sync(ctx context.Context) (model.SyncResult, error)
}

// Scheduler runs a sync pass on start, on every interval tick and whenever
// Trigger is called. Triggers that arrive while a pass is running coalesce
// into one follow-up pass. Failed passes are logged and never retried
// before the next tick or trigger.
type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	trigger  chan struct{}

	Logger zerolog.Logger

	// OnResult, if non-nil, is called after every pass.
	OnResult func(model.SyncResult, error)

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(s Syncer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		syncer:   s,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		Logger:   zerolog.Nop(),
	}
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.stateMu.Lock()
	if s.running {
		s.stateMu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	s.stateMu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.stateMu.Lock()
			s.cancel = nil
			s.running = false
			s.stateMu.Unlock()
		}()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runOnce(runCtx, "startup")
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.runOnce(runCtx, "interval")
			case <-s.trigger:
				s.runOnce(runCtx, "trigger")
			}
		}
	}()
}

// Trigger requests a pass as soon as the loop is free. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for an in-flight pass to finish, bounded
// by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stateMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runOnce(ctx context.Context, reason string) {
	if s.syncer == nil {
		return
	}
	res, err := s.syncer.Sync(ctx)
	switch {
	case err == nil:
		s.Logger.Debug().Str("reason", reason).
			Int("scanned", res.Scanned).
			Int("embedded", res.Embedded).
			Msg("scheduled sync finished")
	case errors.Is(err, context.Canceled):
		s.Logger.Debug().Str("reason", reason).Msg("scheduled sync cancelled")
	default:
		s.Logger.Error().Err(err).Str("reason", reason).Msg("scheduled sync failed")
	}
	if s.OnResult != nil {
		s.OnResult(res, err)
	}
}

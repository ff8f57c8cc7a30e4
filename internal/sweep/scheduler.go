// Package sweep runs the expiry sweep on a timer and keeps a history of
// executed sweeps.
package sweep

import (
	"context"
	"sync"
	"time"

	"emby-panel/internal/reconcile"

	"go.uber.org/zap"
)

const TriggerScheduler = "scheduler"

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	ExpirySweep(ctx context.Context, opts reconcile.SweepOptions) (*reconcile.SweepResult, error)
}

type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewScheduler(sweeper Sweeper, interval time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		timeout:  5 * time.Minute,
		log:      log.Named("scheduler"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs a sweep immediately and then every interval until Stop. It is a
// no-op when the interval is not positive.
func (s *Scheduler) Start() {
	if s.interval <= 0 {
		close(s.done)
		return
	}
	s.log.Info("expiry sweep scheduled", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()

		s.run()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.run()
			}
		}
	}()
}

// Stop ends the loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result, err := s.sweeper.ExpirySweep(ctx, reconcile.SweepOptions{Trigger: TriggerScheduler})
	if err != nil {
		s.log.Error("scheduled expiry sweep failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled expiry sweep finished",
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("disabled", result.Disabled),
		zap.Int("failed", len(result.Failed)))
}

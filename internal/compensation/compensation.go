// Package compensation implements the scheduler for compensating actions,
// the best-effort undo of a partially completed multi-store write.
package compensation

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/logging"
)

// Action defines a compensating action.
type Action func(ctx context.Context) error

// Scheduler runs compensating actions in the background after a fixed delay.
// Each action is attempted once, failures are logged and never retried.
type Scheduler struct {
	delay   time.Duration
	timeout time.Duration

	wg sync.WaitGroup
}

// NewScheduler creates a new Scheduler. A zero timeout disables the
// per-action timeout.
func NewScheduler(delay, timeout time.Duration) *Scheduler {
	return &Scheduler{
		delay:   delay,
		timeout: timeout,
	}
}

// Schedule schedules the given action. It returns immediately, the action
// runs with a context detached from ctx (keeping its context ID).
func (s *Scheduler) Schedule(ctx context.Context, name string, fields log.Fields, fn Action) {
	ctx = logging.Detach(ctx)

	f := log.Fields{
		"action": name,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}
	for k, v := range fields {
		f[k] = v
	}

	scheduledCounter(name).Inc()
	log.WithFields(f).WithField("delay", s.delay).Info("compensation: action scheduled")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if s.delay > 0 {
			time.Sleep(s.delay)
		}

		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		if err := fn(ctx); err != nil {
			failedCounter(name).Inc()
			log.WithFields(f).WithError(err).Error("compensation: action failed, manual reconciliation required")
			return
		}

		completedCounter(name).Inc()
		log.WithFields(f).Info("compensation: action completed")
	}()
}

// Wait blocks until all scheduled actions have completed.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

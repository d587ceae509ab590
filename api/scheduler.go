/*
scheduler.go - Background reconciliation and expiry scheduler

PURPOSE:
  Periodically runs two maintenance jobs:
    - the reconciliation audit (every member's totals vs their ledger)
    - the benefit expiry sweep (instances past their expiry -> expired)

DESIGN:
  - One background goroutine per job, each with its own ticker
  - Both jobs run once immediately on Start
  - A run never overlaps itself; a slow run just delays the next tick
  - Discrepancies are logged at error level. The audit never repairs a
    member: a discrepancy means a bug, and a human decides what to do.

CONFIGURATION:
  - AuditInterval:  How often to audit (default: 1 hour)
  - ExpiryInterval: How often to sweep (default: 5 minutes)
  - Enabled:        Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewScheduler(auditor, assigner, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation, RunExpiry (manual triggers)
  - loyalty/reconcile.go: Auditor
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

// Scheduler runs the reconciliation audit and the expiry sweep.
type Scheduler struct {
	Auditor        *loyalty.Auditor
	Assigner       *loyalty.BenefitAssigner
	AuditInterval  time.Duration
	ExpiryInterval time.Duration
	Enabled        bool

	log     logrus.FieldLogger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun ReconciliationResponse
}

// NewScheduler creates a scheduler with default intervals.
func NewScheduler(auditor *loyalty.Auditor, assigner *loyalty.BenefitAssigner, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		Auditor:        auditor,
		Assigner:       assigner,
		AuditInterval:  time.Hour,
		ExpiryInterval: 5 * time.Minute,
		Enabled:        true,
		log:            log.WithField("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.loop(ctx, s.AuditInterval, s.runAudit)
	go s.loop(ctx, s.ExpiryInterval, s.runExpiry)

	s.log.WithFields(logrus.Fields{
		"audit_interval":  s.AuditInterval.String(),
		"expiry_interval": s.ExpiryInterval.String(),
	}).Info("started")
}

// Stop cancels any in-flight run and waits for both loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, job func(context.Context)) {
	defer s.wg.Done()

	// Run immediately on start
	job(ctx)

	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			job(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runAudit(ctx context.Context) {
	found, err := s.Auditor.AuditAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Error("reconciliation audit failed")
		}
		return
	}

	s.mu.Lock()
	s.lastRun = toReconciliationResponse(found, time.Now())
	s.mu.Unlock()
}

func (s *Scheduler) runExpiry(ctx context.Context) {
	n, err := s.Assigner.ExpireDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Error("expiry sweep failed")
		}
		return
	}
	if n > 0 {
		s.log.WithField("expired", n).Info("benefits expired")
	}
}

// RunNow runs both jobs synchronously (for testing/admin).
func (s *Scheduler) RunNow(ctx context.Context) {
	s.runAudit(ctx)
	s.runExpiry(ctx)
}

// LastAudit returns the result of the most recent scheduled audit.
func (s *Scheduler) LastAudit() ReconciliationResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

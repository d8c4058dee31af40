/**
 * @description
 * Cron scheduler for the reconciliation job.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const reconcileJobTimeout = 2 * time.Minute

// Scheduler runs the periodic reconciliation pass.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	schedule   string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(reconciler *Reconciler, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
	}
}

// Start registers the reconciliation job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runReconciliation); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule reconciliation job\" schedule=%q err=%v", s.schedule, err)
		return err
	}
	log.Printf("level=info component=scheduler msg=\"scheduled reconciliation job\" schedule=%q policy=%s", s.schedule, s.reconciler.Policy().Mode)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runReconciliation() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileJobTimeout)
	defer cancel()

	if _, err := s.reconciler.RunPending(ctx); err != nil {
		log.Printf("level=error component=scheduler msg=\"reconciliation job failed\" err=%v", err)
	}
}

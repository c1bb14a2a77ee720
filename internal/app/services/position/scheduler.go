package position

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/raisefi/offering_layer/pkg/logger"
)

// AccrualScheduler periodically walks every position ledger and logs the
// scheduled per-period interest estimate. The figure is informative; payout
// admins fund distributions explicitly.
type AccrualScheduler struct {
	svc  *Service
	spec string
	log  *logger.Logger

	cron *cron.Cron
}

// NewAccrualScheduler creates a scheduler running on the given cron spec,
// for example "@every 1h".
func NewAccrualScheduler(svc *Service, spec string, log *logger.Logger) *AccrualScheduler {
	if spec == "" {
		spec = "@every 1h"
	}
	if log == nil {
		log = logger.NewDefault("accrual-scheduler")
	}
	return &AccrualScheduler{svc: svc, spec: spec, log: log}
}

// Name identifies the scheduler to the system manager.
func (a *AccrualScheduler) Name() string { return "position-accrual-scheduler" }

// Start launches the cron runner.
func (a *AccrualScheduler) Start(ctx context.Context) error {
	if a.cron != nil {
		return nil
	}
	runner := cron.New()
	if _, err := runner.AddFunc(a.spec, func() { a.tick(context.Background()) }); err != nil {
		return fmt.Errorf("schedule accrual job: %w", err)
	}
	runner.Start()
	a.cron = runner
	a.log.WithField("spec", a.spec).Info("accrual scheduler started")
	return nil
}

// Stop halts the cron runner and waits for a running tick to finish.
func (a *AccrualScheduler) Stop(ctx context.Context) error {
	if a.cron == nil {
		return nil
	}
	stopCtx := a.cron.Stop()
	a.cron = nil
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	a.log.Info("accrual scheduler stopped")
	return nil
}

func (a *AccrualScheduler) tick(ctx context.Context) {
	ledgers, err := a.svc.ListLedgers(ctx)
	if err != nil {
		a.log.WithError(err).Warn("accrual tick failed to list ledgers")
		return
	}
	for _, led := range ledgers {
		if led.Paused || led.TotalNormalized == 0 {
			continue
		}
		accrual, err := a.svc.ScheduledAccrual(ctx, led.OfferingID)
		if err != nil {
			a.log.WithError(err).
				WithField("offering_id", led.OfferingID).
				Warn("accrual estimate failed")
			continue
		}
		a.log.WithField("offering_id", led.OfferingID).
			WithField("period", led.CurrentPeriod+1).
			WithField("accrual", accrual).
			Info("scheduled accrual estimate")
	}
}

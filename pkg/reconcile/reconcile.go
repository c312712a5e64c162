// Package reconcile releases legs left behind by jobs that are gone or finished.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/lock"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/race"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
)

// Report counts what one sweep did
type Report struct {
	Scanned       int `json:"scanned"`
	Released      int `json:"released"`
	HungUp        int `json:"hung_up"`
	Ended         int `json:"ended"`
	LocksReleased int `json:"locks_released"`
}

type Reconciler struct {
	store    *store.Store
	locker   lock.Locker
	provider provider.Provider
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	onLegClosed func(legID string)
}

func New(st *store.Store, locker lock.Locker, p provider.Provider, logger *logrus.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store:    st,
		locker:   locker,
		provider: p,
		logger:   logger,
		metrics:  m,
	}
}

// OnLegClosed registers a hook run for every leg the sweep releases
func (r *Reconciler) OnLegClosed(fn func(legID string)) {
	r.onLegClosed = fn
}

// Run walks the active legs once. A leg whose job is missing or terminal has
// its winner lock released, its call hung up if still open, and is dropped
// from the active set. Legs of running jobs are left alone, so a second run
// finds nothing to do.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report

	ids, err := r.store.ActiveLegIDs(ctx)
	if err != nil {
		return report, err
	}

	for _, legID := range ids {
		report.Scanned++

		leg, err := r.store.GetLeg(ctx, legID)
		if errors.Is(err, store.ErrLegNotFound) {
			r.release(ctx, legID, &report)
			continue
		}
		if err != nil {
			return report, err
		}

		job, err := r.store.GetJob(ctx, leg.JobID)
		switch {
		case errors.Is(err, store.ErrJobNotFound):
		case err != nil:
			return report, err
		case !job.Status.IsTerminal():
			continue
		}

		r.releaseLeg(ctx, leg, &report)
	}

	if report.Released > 0 {
		r.logger.WithFields(logrus.Fields{
			"scanned":        report.Scanned,
			"released":       report.Released,
			"hung_up":        report.HungUp,
			"locks_released": report.LocksReleased,
		}).Info("Reconciled stuck legs")
	}
	return report, nil
}

func (r *Reconciler) releaseLeg(ctx context.Context, leg *models.CallLeg, report *Report) {
	logger := r.logger.WithFields(logrus.Fields{
		"job_id":   leg.JobID,
		"leg_id":   leg.ID,
		"call_sid": leg.CallSID,
		"status":   leg.Status,
	})

	released, err := r.locker.Release(ctx, constants.WinnerLockKey(leg.JobID), leg.ID)
	if err != nil {
		logger.WithError(err).Warn("Failed to release winner lock")
	} else if released {
		report.LocksReleased++
	}

	if r.onLegClosed != nil {
		r.onLegClosed(leg.ID)
	}

	if !leg.Status.IsTerminal() {
		if leg.CallSID != "" {
			hangupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := r.provider.Hangup(hangupCtx, leg.CallSID)
			cancel()
			if err != nil {
				logger.WithError(err).Warn("Failed to hang up stuck leg")
			} else {
				report.HungUp++
			}
		}
		ended, err := race.EndLeg(ctx, r.store, leg.ID, models.EventHangup, models.ReasonReconciled)
		if err != nil {
			logger.WithError(err).Warn("Failed to end stuck leg")
		} else if ended {
			report.Ended++
			r.metrics.LegTransitions.WithLabelValues(string(models.LegEnded)).Inc()
		}
	}

	r.release(ctx, leg.ID, report)
}

func (r *Reconciler) release(ctx context.Context, legID string, report *Report) {
	released, err := r.store.ReleaseActive(ctx, legID)
	if err != nil {
		r.logger.WithError(err).WithField("leg_id", legID).Warn("Failed to release leg")
		return
	}
	if released {
		report.Released++
	}
}

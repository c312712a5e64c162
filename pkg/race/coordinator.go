// Package race picks exactly one winning leg per job and hands it to the queue.
//
// Any number of legs, possibly on different pods, may report a live agent at
// the same instant. The winner lock (SET NX on winner:{jobId}) admits one of
// them; the others get ErrLockHeld and do nothing, leaving their calls to the
// winner's loser sweep.
package race

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/lock"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
)

var (
	ErrLockHeld       = errors.New("winner lock already held")
	ErrJobNotRunning  = errors.New("job is not running")
	ErrLegNotEligible = errors.New("leg can no longer win")
)

// Detection sources
const (
	SourceAudio    = "audio"
	SourceStrategy = "strategy"
	SourceManual   = "manual_override"
)

type Coordinator struct {
	store    *store.Store
	locker   lock.Locker
	executor *Executor
	lockTTL  time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func NewCoordinator(st *store.Store, locker lock.Locker, executor *Executor, lockTTL time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		store:    st,
		locker:   locker,
		executor: executor,
		lockTTL:  lockTTL,
		logger:   logger,
		metrics:  m,
	}
}

// OnDetected claims the job for legID and, if the claim succeeds, transfers it.
// A lost race returns ErrLockHeld and has no side effects.
func (c *Coordinator) OnDetected(ctx context.Context, legID, source string) error {
	logger := c.logger.WithFields(logrus.Fields{
		"leg_id": legID,
		"source": source,
	})

	leg, err := c.store.GetLeg(ctx, legID)
	if err != nil {
		return err
	}
	if leg.Status.IsTerminal() {
		return ErrLegNotEligible
	}

	job, err := c.store.GetJob(ctx, leg.JobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobRunning {
		return ErrJobNotRunning
	}

	key := constants.WinnerLockKey(job.ID)
	acquired, err := c.locker.TryAcquire(ctx, key, legID, c.lockTTL)
	if err != nil {
		c.metrics.RaceAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}
	if !acquired {
		c.metrics.RaceAttempts.WithLabelValues("lost").Inc()
		logger.WithField("job_id", job.ID).Info("Lost winner race")
		return ErrLockHeld
	}

	c.metrics.RaceAttempts.WithLabelValues("won").Inc()
	logger.WithField("job_id", job.ID).Info("Claimed winner lock")

	return c.executor.Execute(ctx, job, leg)
}

// Override marks a leg as confirmed live by an operator and races it
func (c *Coordinator) Override(ctx context.Context, legID string) error {
	if _, err := c.store.GetLeg(ctx, legID); err != nil {
		return err
	}
	if err := c.store.SetManualOverride(ctx, legID); err != nil {
		return err
	}
	if err := c.store.MarkLegEvent(ctx, legID, models.EventOverride, time.Now()); err != nil {
		return err
	}
	return c.OnDetected(ctx, legID, SourceManual)
}

// Lost reports whether err only means another leg got there first
func Lost(err error) bool {
	return errors.Is(err, ErrLockHeld) || errors.Is(err, ErrJobNotRunning) || errors.Is(err, ErrLegNotEligible)
}

package race

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/lock"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
)

const hangupTimeout = 15 * time.Second

var terminalLegs = []models.LegStatus{models.LegTransferred, models.LegEnded, models.LegFailed}

// Executor transfers the winning leg and sweeps the rest of the job
type Executor struct {
	store          *store.Store
	locker         lock.Locker
	provider       provider.Provider
	maxHangupDelay time.Duration
	logger         *logrus.Logger
	metrics        *metrics.Metrics

	onLegClosed func(legID string)
	sweeps      sync.WaitGroup
}

func NewExecutor(st *store.Store, locker lock.Locker, p provider.Provider, maxHangupDelay time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Executor {
	return &Executor{
		store:          st,
		locker:         locker,
		provider:       p,
		maxHangupDelay: maxHangupDelay,
		logger:         logger,
		metrics:        m,
	}
}

// OnLegClosed registers a hook run for the winner once transferred and for each loser the sweep ends
func (e *Executor) OnLegClosed(fn func(legID string)) {
	e.onLegClosed = fn
}

// Execute runs with the winner lock held by leg. On a failed redirect the
// lock is released so another leg can still win, and the error is returned.
func (e *Executor) Execute(ctx context.Context, job *models.Job, leg *models.CallLeg) error {
	logger := e.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"leg_id": leg.ID,
	})
	lockKey := constants.WinnerLockKey(job.ID)

	now := time.Now()
	res, err := e.store.TransitionLeg(ctx, leg.ID, store.LegTransition{
		To:        models.LegLive,
		BlockedIn: terminalLegs,
		EventType: models.EventLiveDetected,
		At:        now,
		Stamps:    []string{store.LegLiveDetectedAt},
	})
	if err == nil && !res.Applied {
		err = ErrLegNotEligible
	}
	if err != nil {
		e.release(lockKey, leg.ID, logger)
		return err
	}
	e.metrics.LegTransitions.WithLabelValues(string(models.LegLive)).Inc()

	if err := e.transfer(ctx, job, leg); err != nil {
		e.metrics.Transfers.WithLabelValues("failed").Inc()
		if markErr := e.store.MarkLegEvent(ctx, leg.ID, models.EventTransferError, time.Now()); markErr != nil {
			logger.WithError(markErr).Warn("Failed to record transfer failure")
		}
		e.release(lockKey, leg.ID, logger)
		logger.WithError(err).Error("Transfer failed, winner lock released")
		return err
	}

	// job before leg: a TRANSFERRED leg always belongs to a job that names it
	transferredAt := time.Now()
	applied, err := e.store.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobRunning}, models.JobTransferred, transferredAt, leg.ID)
	if err != nil {
		logger.WithError(err).Error("Failed to record transferred job")
		return fmt.Errorf("failed to record transfer of leg %s: %w", leg.ID, err)
	}
	if !applied {
		e.metrics.Transfers.WithLabelValues("aborted").Inc()
		e.release(lockKey, leg.ID, logger)
		e.abandon(ctx, leg, logger)
		logger.Warn("Job left RUNNING during transfer, leg abandoned")
		return ErrJobNotRunning
	}
	e.metrics.JobsFinished.WithLabelValues(string(models.JobTransferred)).Inc()

	if _, err := e.store.TransitionLeg(ctx, leg.ID, store.LegTransition{
		To:        models.LegTransferred,
		BlockedIn: terminalLegs,
		EventType: models.EventTransferred,
		At:        transferredAt,
		Stamps:    []string{store.LegTransferredAt},
	}); err != nil {
		logger.WithError(err).Error("Failed to record transferred leg")
	}
	e.metrics.LegTransitions.WithLabelValues(string(models.LegTransferred)).Inc()
	e.metrics.Transfers.WithLabelValues("succeeded").Inc()

	logger.WithFields(logrus.Fields{
		"queue_number": job.QueueNumber,
	}).Info("Transferred winning leg")

	if e.onLegClosed != nil {
		e.onLegClosed(leg.ID)
	}
	e.sweepLosers(job.ID, leg.ID)
	return nil
}

func (e *Executor) transfer(ctx context.Context, job *models.Job, leg *models.CallLeg) error {
	if leg.CallSID == "" {
		return fmt.Errorf("leg %s has no call to transfer", leg.ID)
	}
	if err := e.provider.Transfer(ctx, leg.CallSID, job.QueueNumber, job.QueueExtension); err != nil {
		return fmt.Errorf("failed to transfer leg %s: %w", leg.ID, err)
	}
	return nil
}

// abandon ends a leg whose job was stopped while its transfer was in flight
func (e *Executor) abandon(ctx context.Context, leg *models.CallLeg, logger *logrus.Entry) {
	ended, err := EndLeg(ctx, e.store, leg.ID, models.EventHangup, models.ReasonJobStopped)
	if err != nil {
		logger.WithError(err).Warn("Failed to end abandoned leg")
		return
	}
	if !ended {
		return
	}
	e.metrics.LegTransitions.WithLabelValues(string(models.LegEnded)).Inc()

	if leg.CallSID != "" {
		if err := e.provider.Hangup(ctx, leg.CallSID); err != nil {
			logger.WithError(err).Warn("Failed to hang up abandoned leg")
		}
	}
	if e.onLegClosed != nil {
		e.onLegClosed(leg.ID)
	}
}

func (e *Executor) release(key, owner string, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := e.locker.Release(ctx, key, owner); err != nil {
		logger.WithError(err).Error("Failed to release winner lock")
	}
}

// sweepLosers hangs up every other live leg, one goroutine per leg
func (e *Executor) sweepLosers(jobID, winnerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	legs, err := e.store.ListLegs(ctx, jobID)
	cancel()
	if err != nil {
		e.logger.WithError(err).WithField("job_id", jobID).Error("Failed to list legs for loser sweep")
		return
	}

	for _, leg := range legs {
		if leg.ID == winnerID || leg.Status.IsTerminal() {
			continue
		}

		var delay time.Duration
		if e.maxHangupDelay > 0 {
			delay = time.Duration(rand.Int63n(int64(e.maxHangupDelay)))
		}

		e.sweeps.Add(1)
		go func(leg *models.CallLeg, delay time.Duration) {
			defer e.sweeps.Done()
			time.Sleep(delay)
			e.hangupLoser(leg)
		}(leg, delay)
	}
}

func (e *Executor) hangupLoser(leg *models.CallLeg) {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()

	logger := e.logger.WithFields(logrus.Fields{
		"job_id":   leg.JobID,
		"leg_id":   leg.ID,
		"call_sid": leg.CallSID,
	})

	if leg.CallSID != "" {
		if err := e.provider.Hangup(ctx, leg.CallSID); err != nil {
			e.metrics.LoserHangups.WithLabelValues("failed").Inc()
			logger.WithError(err).Warn("Failed to hang up losing leg")
			return
		}
	}

	e.metrics.LoserHangups.WithLabelValues("succeeded").Inc()
	ended, err := EndLeg(ctx, e.store, leg.ID, models.EventHangup, "")
	if err != nil {
		logger.WithError(err).Warn("Failed to end losing leg")
	} else if ended {
		e.metrics.LegTransitions.WithLabelValues(string(models.LegEnded)).Inc()
	}

	if e.onLegClosed != nil {
		e.onLegClosed(leg.ID)
	}
	logger.Debug("Hung up losing leg")
}

// Wait blocks until every loser sweep started so far has finished
func (e *Executor) Wait() {
	e.sweeps.Wait()
}

// EndLeg moves a non-terminal leg to ENDED and stamps its end time
func EndLeg(ctx context.Context, st *store.Store, legID, eventType, reason string) (bool, error) {
	res, err := st.TransitionLeg(ctx, legID, store.LegTransition{
		To:        models.LegEnded,
		BlockedIn: terminalLegs,
		EventType: eventType,
		At:        time.Now(),
		Reason:    reason,
		Stamps:    []string{store.LegEndedAt},
	})
	if err != nil {
		return false, err
	}
	return res.Applied, nil
}

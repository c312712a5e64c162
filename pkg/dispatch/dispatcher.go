// Package dispatch starts and stops jobs and originates their calls. Placements
// are scheduled in a sorted set by due time, moved onto a stream by the
// leader-elected producer and placed by the consumer group workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/race"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
)

var (
	ErrInvalidLineCount = fmt.Errorf("line count must be between %d and %d", constants.MinLineCount, constants.MaxLineCount)
	ErrMissingNumber    = errors.New("destination and queue numbers are required")
	ErrJobFinished      = errors.New("job already finished")
)

const stopTimeout = 15 * time.Second

type Dispatcher struct {
	rdb      *redis.Client
	store    *store.Store
	provider provider.Provider
	cfg      config.PlacementConfig
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	onLegClosed func(legID string)
	jitter      func(max time.Duration) time.Duration
	now         func() time.Time
}

func NewDispatcher(rdb *redis.Client, st *store.Store, p provider.Provider, cfg config.PlacementConfig, logger *logrus.Logger, metrics *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		rdb:      rdb,
		store:    st,
		provider: p,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		jitter:   randomJitter,
		now:      time.Now,
	}
}

// OnLegClosed registers a hook run for every leg a stop tears down
func (d *Dispatcher) OnLegClosed(fn func(legID string)) {
	d.onLegClosed = fn
}

// StartJob creates the job with one DIALING leg per line, moves it to RUNNING
// and schedules every placement. Leg i is due after i staggers plus jitter.
func (d *Dispatcher) StartJob(ctx context.Context, req models.StartJobRequest) (*models.Job, error) {
	if req.LineCount < constants.MinLineCount || req.LineCount > constants.MaxLineCount {
		return nil, ErrInvalidLineCount
	}
	if strings.TrimSpace(req.DestinationNumber) == "" || strings.TrimSpace(req.QueueNumber) == "" {
		return nil, ErrMissingNumber
	}

	now := d.now()
	job := &models.Job{
		ID:                uuid.New().String(),
		DestinationNumber: strings.TrimSpace(req.DestinationNumber),
		QueueNumber:       strings.TrimSpace(req.QueueNumber),
		QueueExtension:    strings.TrimSpace(req.QueueExtension),
		QueueID:           req.QueueID,
		LineCount:         req.LineCount,
		Status:            models.JobCreated,
		CreatedAt:         now,
	}
	legs := make([]*models.CallLeg, req.LineCount)
	for i := range legs {
		legs[i] = &models.CallLeg{
			ID:     uuid.New().String(),
			JobID:  job.ID,
			Index:  i,
			Status: models.LegDialing,
		}
	}

	if err := d.store.CreateJob(ctx, job, legs); err != nil {
		return nil, err
	}
	if _, err := d.store.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobCreated}, models.JobRunning, now, ""); err != nil {
		return nil, err
	}

	schedule := make([]*redis.Z, len(legs))
	for i, leg := range legs {
		due := now.Add(time.Duration(i)*d.cfg.Stagger + d.jitter(d.cfg.Jitter))
		schedule[i] = &redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: scheduledMember(job.ID, leg.ID),
		}
	}
	if err := d.rdb.ZAdd(ctx, constants.ScheduledPlacements, schedule...).Err(); err != nil {
		return nil, fmt.Errorf("failed to schedule placements: %w", err)
	}
	if count, err := d.rdb.ZCard(ctx, constants.ScheduledPlacements).Result(); err == nil {
		d.metrics.ScheduledPlacements.Set(float64(count))
	}

	d.logger.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"line_count":  job.LineCount,
		"destination": job.DestinationNumber,
	}).Info("Job started")

	return d.store.GetJob(ctx, job.ID)
}

// StopJob moves the job to STOPPED, drops its unplaced legs from the schedule,
// tears down each open leg and hangs it up. Hangup failures are logged and the
// leg is ended regardless.
func (d *Dispatcher) StopJob(ctx context.Context, jobID string) (*models.Job, error) {
	stopped, err := d.store.TransitionJob(ctx, jobID, []models.JobStatus{models.JobCreated, models.JobRunning}, models.JobStopped, d.now(), "")
	if err != nil {
		return nil, err
	}
	if !stopped {
		return nil, ErrJobFinished
	}
	d.metrics.JobsFinished.WithLabelValues(string(models.JobStopped)).Inc()

	legs, err := d.store.ListLegs(ctx, jobID)
	if err != nil {
		return nil, err
	}

	members := make([]interface{}, len(legs))
	for i, leg := range legs {
		members[i] = scheduledMember(jobID, leg.ID)
	}
	if len(members) > 0 {
		if err := d.rdb.ZRem(ctx, constants.ScheduledPlacements, members...).Err(); err != nil {
			d.logger.WithError(err).WithField("job_id", jobID).Warn("Failed to unschedule placements")
		}
	}

	var wg sync.WaitGroup
	for _, leg := range legs {
		if leg.Status.IsTerminal() {
			continue
		}
		wg.Add(1)
		go func(leg *models.CallLeg) {
			defer wg.Done()
			d.stopLeg(leg)
		}(leg)
	}
	wg.Wait()

	d.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"legs":   len(legs),
	}).Info("Job stopped")

	return d.store.GetJob(ctx, jobID)
}

func (d *Dispatcher) stopLeg(leg *models.CallLeg) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	logger := d.logger.WithFields(logrus.Fields{
		"job_id":   leg.JobID,
		"leg_id":   leg.ID,
		"call_sid": leg.CallSID,
	})

	if d.onLegClosed != nil {
		d.onLegClosed(leg.ID)
	}
	if leg.CallSID != "" {
		if err := d.provider.Hangup(ctx, leg.CallSID); err != nil {
			logger.WithError(err).Warn("Failed to hang up leg of stopped job")
		}
	}

	ended, err := race.EndLeg(ctx, d.store, leg.ID, models.EventHangup, models.ReasonJobStopped)
	if err != nil {
		logger.WithError(err).Error("Failed to end leg of stopped job")
		return
	}
	if ended {
		d.metrics.LegTransitions.WithLabelValues(string(models.LegEnded)).Inc()
	}
}

// Job returns a job with its legs
func (d *Dispatcher) Job(ctx context.Context, jobID string) (*models.Job, []*models.CallLeg, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	legs, err := d.store.ListLegs(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, legs, nil
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

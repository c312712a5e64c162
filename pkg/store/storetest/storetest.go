// Package storetest builds a Store on an in-process Redis for tests in other packages.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
)

type Env struct {
	Store   *store.Store
	Redis   *redis.Client
	Mini    *miniredis.Miniredis
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

func New(t *testing.T) *Env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	return &Env{
		Store:   store.New(rdb, time.Hour, logger, m),
		Redis:   rdb,
		Mini:    mr,
		Logger:  logger,
		Metrics: m,
	}
}

// SeedJob writes a job in the given status with lines legs named {jobID}-leg-{i}
func (e *Env) SeedJob(t *testing.T, jobID string, lines int, status models.JobStatus) (*models.Job, []*models.CallLeg) {
	t.Helper()

	job := &models.Job{
		ID:                jobID,
		DestinationNumber: "+18008291040",
		QueueNumber:       "+15550100",
		QueueExtension:    "12",
		LineCount:         lines,
		Status:            status,
		CreatedAt:         time.Now(),
	}
	legs := make([]*models.CallLeg, lines)
	for i := range legs {
		legs[i] = &models.CallLeg{
			ID:     LegID(jobID, i),
			JobID:  jobID,
			Index:  i,
			Status: models.LegDialing,
		}
	}
	require.NoError(t, e.Store.CreateJob(context.Background(), job, legs))
	return job, legs
}

// Dial attaches a call sid, if given, and moves the leg to status without any hooks
func (e *Env) Dial(t *testing.T, legID, callSID string, status models.LegStatus) {
	t.Helper()

	ctx := context.Background()
	if callSID != "" {
		require.NoError(t, e.Store.AttachCall(ctx, legID, callSID))
	}
	if status == models.LegDialing {
		return
	}

	tr := store.LegTransition{To: status, EventType: string(status), At: time.Now()}
	if status.IsWinning() {
		tr.Stamps = []string{store.LegLiveDetectedAt}
	}
	_, err := e.Store.TransitionLeg(ctx, legID, tr)
	require.NoError(t, err)
}

func LegID(jobID string, i int) string {
	return fmt.Sprintf("%s-leg-%d", jobID, i)
}

func (e *Env) Leg(t *testing.T, legID string) *models.CallLeg {
	t.Helper()
	leg, err := e.Store.GetLeg(context.Background(), legID)
	require.NoError(t, err)
	return leg
}

func (e *Env) Job(t *testing.T, jobID string) *models.Job {
	t.Helper()
	job, err := e.Store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

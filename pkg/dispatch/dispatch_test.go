package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/legs"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/lock"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store/storetest"
)

var testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type fixture struct {
	env        *storetest.Env
	cfg        *config.Config
	fake       *provider.Fake
	dispatcher *Dispatcher
	producer   *Producer
	consumer   *Consumer
	closed     int32
}

func setup(t *testing.T) *fixture {
	env := storetest.New(t)
	cfg := &config.Config{
		PodID:             "pod-a",
		PublicBaseURL:     "https://hunter.example",
		ConsumerGroupName: "test-placers",
		Placement: config.PlacementConfig{
			MaxInFlight:    4,
			Stagger:        1500 * time.Millisecond,
			Jitter:         2 * time.Second,
			RingTimeoutSec: 45,
		},
	}
	fake := provider.NewFake()
	manager := legs.NewManager(env.Store, nil, nil, nil, env.Logger, env.Metrics)

	leader := NewLeaderElection(lock.NewRedisLocker(env.Redis), constants.PlacementLeaderKey, cfg.PodID, 10*time.Second, time.Hour, env.Logger, env.Metrics)

	f := &fixture{
		env:        env,
		cfg:        cfg,
		fake:       fake,
		dispatcher: NewDispatcher(env.Redis, env.Store, fake, cfg.Placement, env.Logger, env.Metrics),
		producer:   NewProducer(env.Redis, cfg.ConsumerGroupName, time.Hour, leader, env.Logger, env.Metrics),
		consumer:   NewConsumer(env.Redis, env.Store, fake, manager, cfg, env.Logger, env.Metrics),
	}
	f.dispatcher.now = func() time.Time { return testNow }
	f.dispatcher.jitter = func(time.Duration) time.Duration { return 100 * time.Millisecond }
	f.dispatcher.OnLegClosed(func(string) { atomic.AddInt32(&f.closed, 1) })

	require.NoError(t, f.producer.createConsumerGroup(context.Background()))
	return f
}

func (f *fixture) start(t *testing.T, lines int) (*models.Job, []*models.CallLeg) {
	t.Helper()
	job, err := f.dispatcher.StartJob(context.Background(), models.StartJobRequest{
		DestinationNumber: "+18008291040",
		QueueNumber:       "+15550100",
		QueueExtension:    "12",
		LineCount:         lines,
	})
	require.NoError(t, err)

	_, legs, err := f.dispatcher.Job(context.Background(), job.ID)
	require.NoError(t, err)
	return job, legs
}

// drain reads every undelivered placement and processes it synchronously
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	ctx := context.Background()

	streams, err := f.env.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    f.cfg.ConsumerGroupName,
		Consumer: f.consumer.consumerName,
		Streams:  []string{constants.PlacementStream, ">"},
		Count:    100,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	require.NoError(t, err)

	n := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			f.consumer.processMessage(ctx, message)
			n++
		}
	}
	return n
}

func TestStartJob_RejectsLineCountOutOfRange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, lines := range []int{0, -3, 101} {
		_, err := f.dispatcher.StartJob(ctx, models.StartJobRequest{
			DestinationNumber: "+18008291040",
			QueueNumber:       "+15550100",
			LineCount:         lines,
		})
		assert.ErrorIs(t, err, ErrInvalidLineCount, "lines=%d", lines)
	}

	_, err := f.dispatcher.StartJob(ctx, models.StartJobRequest{QueueNumber: "+15550100", LineCount: 2})
	assert.ErrorIs(t, err, ErrMissingNumber)

	count, err := f.env.Redis.ZCard(ctx, constants.ScheduledPlacements).Result()
	require.NoError(t, err)
	assert.Zero(t, count, "rejected jobs schedule nothing")
}

func TestStartJob_SchedulesStaggeredPlacements(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	job, legs := f.start(t, 4)
	assert.Equal(t, models.JobRunning, job.Status)
	require.NotNil(t, job.StartedAt)
	require.Len(t, legs, 4)

	for i, leg := range legs {
		assert.Equal(t, i, leg.Index)
		assert.Equal(t, models.LegDialing, leg.Status)
		assert.Empty(t, leg.CallSID)

		score, err := f.env.Redis.ZScore(ctx, constants.ScheduledPlacements, scheduledMember(job.ID, leg.ID)).Result()
		require.NoError(t, err)
		want := testNow.Add(time.Duration(i)*1500*time.Millisecond + 100*time.Millisecond)
		assert.Equal(t, float64(want.UnixMilli()), score, "leg %d", i)
	}
}

func TestProducer_PublishesOnlyDuePlacementsOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.start(t, 4)

	// legs 0 and 1 are due at +100ms and +1600ms
	n, err := f.producer.PublishDue(ctx, testNow.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.producer.PublishDue(ctx, testNow.Add(2*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.producer.PublishDue(ctx, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	length, err := f.env.Redis.XLen(ctx, constants.PlacementStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(4), length)
}

func TestProducer_ConcurrentPublishersClaimEachPlacementOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.start(t, 20)

	var total int64
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.producer.PublishDue(ctx, testNow.Add(time.Hour))
			assert.NoError(t, err)
			atomic.AddInt64(&total, int64(n))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), total)
	length, err := f.env.Redis.XLen(ctx, constants.PlacementStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(20), length)
}

func TestProducer_FailedPublishReschedulesPlacement(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.start(t, 2)

	// a key of the wrong type makes every append fail
	require.NoError(t, f.env.Redis.Del(ctx, constants.PlacementStream).Err())
	require.NoError(t, f.env.Redis.Set(ctx, constants.PlacementStream, "blocked", 0).Err())

	published, err := f.producer.PublishDue(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, published)

	scheduled, err := f.env.Redis.ZCard(ctx, constants.ScheduledPlacements).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), scheduled, "placements go back on the schedule")

	require.NoError(t, f.env.Redis.Del(ctx, constants.PlacementStream).Err())
	published, err = f.producer.PublishDue(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, published)
}

func TestConsumer_PlacesEachLegOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job, _ := f.start(t, 3)

	_, err := f.producer.PublishDue(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, f.drain(t))
	assert.Equal(t, 3, f.fake.PlacedCount())

	_, legs, err := f.dispatcher.Job(ctx, job.ID)
	require.NoError(t, err)
	for _, leg := range legs {
		assert.NotEmpty(t, leg.CallSID)
		assert.Equal(t, models.LegDialing, leg.Status)
	}

	req := f.fake.Placed[0]
	assert.Equal(t, "+18008291040", req.To)
	assert.Equal(t, "https://hunter.example/webhooks/voice?legId="+req.LegID, req.VoiceURL)
	assert.Equal(t, "https://hunter.example/webhooks/status?legId="+req.LegID, req.StatusURL)
	assert.Equal(t, 45, req.RingTimeout)

	pending, err := f.env.Redis.XPending(ctx, constants.PlacementStream, f.cfg.ConsumerGroupName).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count, "every placement is acknowledged")

	// a redelivered placement must not dial the leg again
	messages, err := f.env.Redis.XRange(ctx, constants.PlacementStream, "-", "+").Result()
	require.NoError(t, err)
	for _, message := range messages {
		f.consumer.processMessage(ctx, message)
	}
	assert.Equal(t, 3, f.fake.PlacedCount())
}

func TestConsumer_PlacementFailureFailsLeg(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fake.PlaceErr = func(provider.PlaceRequest) error { return errors.New("rate limited by carrier") }
	job, legs := f.start(t, 2)

	// only the first leg's placement is due
	_, err := f.producer.PublishDue(ctx, testNow.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, f.drain(t))

	leg := f.env.Leg(t, legs[0].ID)
	assert.Equal(t, models.LegFailed, leg.Status)
	assert.Equal(t, models.ReasonPlacementFailed, leg.FailureReason)
	assert.NotNil(t, leg.EndedAt)
	assert.Equal(t, models.JobRunning, f.env.Job(t, job.ID).Status, "the second line has not been placed yet")
}

func TestConsumer_AllPlacementsFailingFailsJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fake.PlaceErr = func(provider.PlaceRequest) error { return errors.New("provider down") }
	job, _ := f.start(t, 5)

	_, err := f.producer.PublishDue(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, f.drain(t))

	got := f.env.Job(t, job.ID)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.NotNil(t, got.StoppedAt)
	assert.Empty(t, got.WinningLegID)

	_, legs, err := f.dispatcher.Job(ctx, job.ID)
	require.NoError(t, err)
	for _, leg := range legs {
		assert.Equal(t, models.LegFailed, leg.Status)
	}
}

func TestConsumer_SkipsPlacementsOfStoppedJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job, _ := f.start(t, 2)

	_, err := f.producer.PublishDue(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	_, err = f.dispatcher.StopJob(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, f.drain(t))
	assert.Zero(t, f.fake.PlacedCount())
}

func TestStopJob_EndsEveryLegWithoutWinner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job, legs := f.start(t, 4)

	f.env.Dial(t, legs[0].ID, "CA-held", models.LegHolding)
	f.env.Dial(t, legs[1].ID, "CA-ringing", models.LegRinging)
	f.env.Dial(t, legs[2].ID, "", models.LegFailed)

	stopped, err := f.dispatcher.StopJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStopped, stopped.Status)
	assert.NotNil(t, stopped.StoppedAt)
	assert.Empty(t, stopped.WinningLegID)

	_, after, err := f.dispatcher.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LegEnded, after[0].Status)
	assert.Equal(t, models.LegEnded, after[1].Status)
	assert.Equal(t, models.LegFailed, after[2].Status, "terminal legs keep their status")
	assert.Equal(t, models.LegEnded, after[3].Status)
	assert.Equal(t, models.ReasonJobStopped, after[3].FailureReason)
	assert.NotNil(t, after[3].EndedAt)

	assert.ElementsMatch(t, []string{"CA-held", "CA-ringing"}, f.fake.HungUp())
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.closed))

	count, err := f.env.Redis.ZCard(ctx, constants.ScheduledPlacements).Result()
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = f.dispatcher.StopJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobFinished)
}

func TestStopJob_HangupFailureStillEndsLeg(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job, legs := f.start(t, 2)
	f.env.Dial(t, legs[0].ID, "CA-gone", models.LegAnswered)
	f.env.Dial(t, legs[1].ID, "CA-ok", models.LegAnswered)
	f.fake.HangupErr = func(callSID string) error {
		if callSID == "CA-gone" {
			return errors.New("call not found")
		}
		return nil
	}

	_, err := f.dispatcher.StopJob(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, models.LegEnded, f.env.Leg(t, legs[0].ID).Status)
	assert.Equal(t, models.LegEnded, f.env.Leg(t, legs[1].ID).Status)
	assert.Equal(t, []string{"CA-ok"}, f.fake.HungUp())
}

func TestLeaderElection_SingleLeader(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	locker := lock.NewRedisLocker(f.env.Redis)

	a := NewLeaderElection(locker, constants.PlacementLeaderKey, "pod-a", 10*time.Second, time.Hour, f.env.Logger, f.env.Metrics)
	b := NewLeaderElection(locker, constants.PlacementLeaderKey, "pod-b", 10*time.Second, time.Hour, f.env.Logger, f.env.Metrics)

	a.tryBecomeLeader(ctx)
	b.tryBecomeLeader(ctx)
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())

	a.tryBecomeLeader(ctx)
	assert.True(t, a.IsLeader(), "renewal keeps the lease")

	a.Stop()
	assert.False(t, a.IsLeader())

	b.tryBecomeLeader(ctx)
	assert.True(t, b.IsLeader())
}

func TestLeaderElection_LeaseExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	locker := lock.NewRedisLocker(f.env.Redis)

	a := NewLeaderElection(locker, constants.PlacementLeaderKey, "pod-a", 10*time.Second, time.Hour, f.env.Logger, f.env.Metrics)
	b := NewLeaderElection(locker, constants.PlacementLeaderKey, "pod-b", 10*time.Second, time.Hour, f.env.Logger, f.env.Metrics)

	a.tryBecomeLeader(ctx)
	require.True(t, a.IsLeader())

	f.env.Mini.FastForward(11 * time.Second)
	b.tryBecomeLeader(ctx)
	assert.True(t, b.IsLeader())

	a.tryBecomeLeader(ctx)
	assert.False(t, a.IsLeader(), "a lapsed lease is not renewed")
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/race"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
)

// Failer marks a leg failed and runs the job exhaustion check
type Failer interface {
	Fail(ctx context.Context, legID, reason string) (bool, error)
}

// Consumer originates calls for placements read from the stream. Every pod
// runs one; the consumer group spreads placements across them.
type Consumer struct {
	rdb          *redis.Client
	store        *store.Store
	provider     provider.Provider
	failer       Failer
	cfg          *config.Config
	limiter      *rate.Limiter
	slots        chan struct{}
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	consumerName string

	inFlight sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewConsumer(rdb *redis.Client, st *store.Store, p provider.Provider, failer Failer, cfg *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) *Consumer {
	maxInFlight := cfg.Placement.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	limit := rate.Inf
	if cfg.Placement.RatePerSecond > 0 {
		limit = rate.Limit(cfg.Placement.RatePerSecond)
	}

	return &Consumer{
		rdb:          rdb,
		store:        st,
		provider:     p,
		failer:       failer,
		cfg:          cfg,
		limiter:      rate.NewLimiter(limit, 1),
		slots:        make(chan struct{}, maxInFlight),
		logger:       logger,
		metrics:      metrics,
		consumerName: fmt.Sprintf("placer-%s", cfg.PodID),
		stopCh:       make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	c.logger.WithField("consumer_name", c.consumerName).Info("Starting placement consumer")

	go c.consumeLoop(ctx)
	go c.pendingMessagesRecovery(ctx)

	return nil
}

// Stop ends the read loops and waits for in-flight placements
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.inFlight.Wait()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
			c.consumeMessages(ctx)
		}
	}
}

func (c *Consumer) consumeMessages(ctx context.Context) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.ConsumerGroupName,
		Consumer: c.consumerName,
		Streams:  []string{constants.PlacementStream, ">"},
		Count:    int64(cap(c.slots)),
		Block:    time.Second,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("Failed to read from placement stream")
			time.Sleep(time.Second)
		}
		return
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			c.dispatch(ctx, message)
		}
	}
}

// dispatch runs one placement once an in-flight slot frees up
func (c *Consumer) dispatch(ctx context.Context, message redis.XMessage) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}

	c.inFlight.Add(1)
	go func() {
		defer func() {
			<-c.slots
			c.inFlight.Done()
		}()
		c.processMessage(ctx, message)
	}()
}

func (c *Consumer) processMessage(ctx context.Context, message redis.XMessage) {
	start := time.Now()
	defer func() {
		c.metrics.RedisOperationDuration.WithLabelValues("process_placement").Observe(time.Since(start).Seconds())
	}()

	ev, err := parsePlacementEvent(message)
	if err != nil {
		c.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse placement")
		c.metrics.StreamMessages.WithLabelValues("parse_error").Inc()
		c.acknowledgeMessage(ctx, message.ID)
		return
	}

	logger := c.logger.WithFields(logrus.Fields{
		"leg_id":     ev.LegID,
		"job_id":     ev.JobID,
		"message_id": message.ID,
	})

	outcome, err := c.place(ctx, ev, logger)
	if err != nil {
		// storage trouble: leave it pending so recovery retries it
		logger.WithError(err).Error("Failed to process placement")
		c.metrics.StreamMessages.WithLabelValues("error").Inc()
		return
	}

	if err := c.acknowledgeMessage(ctx, message.ID); err != nil {
		logger.WithError(err).Error("Failed to acknowledge placement")
		return
	}
	c.metrics.StreamMessages.WithLabelValues(outcome).Inc()
}

// place originates the leg's call unless it already has one. The returned
// outcome labels the stream message.
func (c *Consumer) place(ctx context.Context, ev *models.PlacementEvent, logger *logrus.Entry) (string, error) {
	leg, err := c.store.GetLeg(ctx, ev.LegID)
	if errors.Is(err, store.ErrLegNotFound) {
		logger.Warn("Placement for unknown leg")
		return "skipped", nil
	}
	if err != nil {
		return "", err
	}
	if leg.CallSID != "" || leg.Status != models.LegDialing {
		logger.WithField("status", leg.Status).Debug("Leg already placed")
		return "skipped", nil
	}

	job, err := c.store.GetJob(ctx, leg.JobID)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobRunning {
		logger.WithField("job_status", job.Status).Debug("Job no longer running, placement dropped")
		return "skipped", nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	placeStart := time.Now()
	callSID, err := c.provider.PlaceCall(ctx, provider.PlaceRequest{
		LegID:       leg.ID,
		To:          job.DestinationNumber,
		VoiceURL:    c.cfg.VoiceURL(leg.ID),
		StatusURL:   c.cfg.StatusCallbackURL(leg.ID),
		RingTimeout: c.cfg.Placement.RingTimeoutSec,
	})
	c.metrics.PlacementDuration.Observe(time.Since(placeStart).Seconds())

	if err != nil {
		c.metrics.LegsPlaced.WithLabelValues("failed").Inc()
		logger.WithError(err).Warn("Call placement failed")
		if _, failErr := c.failer.Fail(ctx, leg.ID, models.ReasonPlacementFailed); failErr != nil {
			return "", failErr
		}
		return "placement_failed", nil
	}

	if err := c.store.AttachCall(ctx, leg.ID, callSID); err != nil {
		return "", err
	}
	c.metrics.LegsPlaced.WithLabelValues("placed").Inc()
	logger.WithField("call_sid", callSID).Info("Call placed")

	// a stop or win that landed while the call was being placed missed this leg
	if job, err := c.store.GetJob(ctx, leg.JobID); err == nil && job.Status != models.JobRunning {
		c.abandon(ctx, job, leg.ID, callSID, logger)
	}
	return "placed", nil
}

func (c *Consumer) abandon(ctx context.Context, job *models.Job, legID, callSID string, logger *logrus.Entry) {
	if err := c.provider.Hangup(ctx, callSID); err != nil {
		logger.WithError(err).Warn("Failed to hang up call placed after stop")
	}
	reason := ""
	if job.Status == models.JobStopped {
		reason = models.ReasonJobStopped
	}
	if _, err := race.EndLeg(ctx, c.store, legID, models.EventHangup, reason); err != nil {
		logger.WithError(err).Warn("Failed to end leg placed after stop")
	}
}

func parsePlacementEvent(message redis.XMessage) (*models.PlacementEvent, error) {
	ev := &models.PlacementEvent{Attempt: 1}

	legID, ok := message.Values["leg_id"].(string)
	if !ok || legID == "" {
		return nil, fmt.Errorf("missing or invalid leg_id")
	}
	ev.LegID = legID

	if jobID, ok := message.Values["job_id"].(string); ok {
		ev.JobID = jobID
	}

	if dueStr, ok := message.Values["due_at"].(string); ok {
		due, err := strconv.ParseInt(dueStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid due_at format: %w", err)
		}
		ev.DueAt = time.UnixMilli(due)
	}

	if attemptStr, ok := message.Values["attempt"].(string); ok {
		if attempt, err := strconv.Atoi(attemptStr); err == nil {
			ev.Attempt = attempt
		}
	}
	return ev, nil
}

func (c *Consumer) acknowledgeMessage(ctx context.Context, messageID string) error {
	return c.rdb.XAck(ctx, constants.PlacementStream, c.cfg.ConsumerGroupName, messageID).Err()
}

func (c *Consumer) pendingMessagesRecovery(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.processPendingMessages(ctx, constants.DefaultPendingClaimIdle)
		}
	}
}

// processPendingMessages claims placements another consumer read but never
// acknowledged, typically because its pod died mid-placement
func (c *Consumer) processPendingMessages(ctx context.Context, minIdle time.Duration) int {
	pending, err := c.rdb.XPending(ctx, constants.PlacementStream, c.cfg.ConsumerGroupName).Result()
	if err != nil {
		c.logger.WithError(err).Error("Failed to get pending placements")
		return 0
	}
	if pending.Count == 0 {
		return 0
	}

	messages, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   constants.PlacementStream,
		Group:    c.cfg.ConsumerGroupName,
		Consumer: c.consumerName,
		MinIdle:  minIdle,
		Count:    10,
		Start:    "0-0",
	}).Result()
	if err != nil {
		c.logger.WithError(err).Error("Failed to auto-claim pending placements")
		return 0
	}

	if len(messages) > 0 {
		c.logger.WithField("claimed", len(messages)).Info("Recovering pending placements")
	}
	for _, message := range messages {
		c.processMessage(ctx, message)
	}
	return len(messages)
}

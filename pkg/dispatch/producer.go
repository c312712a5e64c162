package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
)

// Producer moves due placements from the schedule onto the placement stream.
// It only does so while this pod holds the placement lease.
type Producer struct {
	rdb      *redis.Client
	group    string
	interval time.Duration
	leader   *LeaderElection
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func NewProducer(rdb *redis.Client, group string, interval time.Duration, leader *LeaderElection, logger *logrus.Logger, metrics *metrics.Metrics) *Producer {
	return &Producer{
		rdb:      rdb,
		group:    group,
		interval: interval,
		leader:   leader,
		logger:   logger,
		metrics:  metrics,
	}
}

func (p *Producer) Start(ctx context.Context) error {
	if err := p.createConsumerGroup(ctx); err != nil {
		return err
	}

	p.leader.Start(ctx)
	go p.loop(ctx)

	p.logger.Info("Placement producer started")
	return nil
}

func (p *Producer) Stop() {
	p.leader.Stop()
}

func (p *Producer) IsLeader() bool {
	return p.leader.IsLeader()
}

func (p *Producer) createConsumerGroup(ctx context.Context) error {
	err := p.rdb.XGroupCreateMkStream(ctx, constants.PlacementStream, p.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	p.logger.WithField("consumer_group", p.group).Info("Consumer group ready")
	return nil
}

func (p *Producer) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.leader.stopCh:
			return
		case <-ticker.C:
			if p.leader.IsLeader() {
				if _, err := p.PublishDue(ctx, time.Now()); err != nil {
					p.logger.WithError(err).Error("Failed to publish due placements")
				}
			}
		}
	}
}

// PublishDue claims every placement due at or before now and appends it to the
// stream. A placement is claimed by removing it from the schedule, so two
// publishers never emit the same leg.
func (p *Producer) PublishDue(ctx context.Context, now time.Time) (int, error) {
	due, err := p.rdb.ZRangeByScoreWithScores(ctx, constants.ScheduledPlacements, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read due placements: %w", err)
	}

	published := 0
	for _, z := range due {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}

		removed, err := p.rdb.ZRem(ctx, constants.ScheduledPlacements, member).Result()
		if err != nil {
			p.logger.WithError(err).WithField("member", member).Error("Failed to claim placement")
			continue
		}
		if removed == 0 {
			continue
		}

		ev, err := parseScheduled(member, int64(z.Score))
		if err != nil {
			p.logger.WithError(err).WithField("member", member).Warn("Dropping malformed placement")
			continue
		}
		if err := p.publish(ctx, ev); err != nil {
			p.logger.WithError(err).WithField("leg_id", ev.LegID).Error("Failed to publish placement")
			// put it back so the next tick retries
			if err := p.rdb.ZAdd(ctx, constants.ScheduledPlacements, &redis.Z{Score: z.Score, Member: member}).Err(); err != nil {
				p.logger.WithError(err).WithField("leg_id", ev.LegID).Error("Failed to reschedule placement, leg will not be placed")
			}
			continue
		}
		published++
	}

	if count, err := p.rdb.ZCard(ctx, constants.ScheduledPlacements).Result(); err == nil {
		p.metrics.ScheduledPlacements.Set(float64(count))
	}
	return published, nil
}

func (p *Producer) publish(ctx context.Context, ev models.PlacementEvent) error {
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: constants.PlacementStream,
		Values: map[string]interface{}{
			"leg_id":  ev.LegID,
			"job_id":  ev.JobID,
			"due_at":  ev.DueAt.UnixMilli(),
			"attempt": ev.Attempt,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add placement to stream: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"leg_id":     ev.LegID,
		"job_id":     ev.JobID,
		"message_id": id,
	}).Debug("Published placement")
	return nil
}

// scheduledMember is the schedule's member for a leg: "{jobId}|{legId}"
func scheduledMember(jobID, legID string) string {
	return jobID + "|" + legID
}

func parseScheduled(member string, dueMS int64) (models.PlacementEvent, error) {
	jobID, legID, ok := strings.Cut(member, "|")
	if !ok || jobID == "" || legID == "" {
		return models.PlacementEvent{}, errors.New("invalid scheduled placement")
	}
	return models.PlacementEvent{
		LegID:   legID,
		JobID:   jobID,
		DueAt:   time.UnixMilli(dueMS),
		Attempt: 1,
	}, nil
}

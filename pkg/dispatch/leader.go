package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/lock"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
)

// LeaderElection keeps a renewable lease so that exactly one pod moves due
// placements onto the stream
type LeaderElection struct {
	locker   *lock.RedisLocker
	key      string
	podID    string
	ttl      time.Duration
	interval time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	isLeader bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewLeaderElection(locker *lock.RedisLocker, key, podID string, ttl, interval time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *LeaderElection {
	return &LeaderElection{
		locker:   locker,
		key:      key,
		podID:    podID,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
}

func (le *LeaderElection) Start(ctx context.Context) {
	le.logger.WithField("pod_id", le.podID).Info("Starting placement leader election")

	le.tryBecomeLeader(ctx)
	go le.loop(ctx)
}

func (le *LeaderElection) Stop() {
	le.stopOnce.Do(func() {
		close(le.stopCh)
		if le.IsLeader() {
			le.resign(context.Background())
		}
	})
}

func (le *LeaderElection) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

func (le *LeaderElection) setLeader(v bool) {
	le.mu.Lock()
	defer le.mu.Unlock()

	if v && !le.isLeader {
		le.logger.WithField("pod_id", le.podID).Info("Became placement leader")
		le.metrics.PlacementLeaderChanges.Inc()
	}
	if !v && le.isLeader {
		le.logger.WithField("pod_id", le.podID).Info("Lost placement leadership")
	}
	le.isLeader = v
}

func (le *LeaderElection) loop(ctx context.Context) {
	ticker := time.NewTicker(le.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-le.stopCh:
			return
		case <-ticker.C:
			le.tryBecomeLeader(ctx)
		}
	}
}

func (le *LeaderElection) tryBecomeLeader(ctx context.Context) {
	if le.IsLeader() {
		renewed, err := le.locker.Renew(ctx, le.key, le.podID, le.ttl)
		if err != nil {
			le.logger.WithError(err).Error("Failed to renew placement leadership")
			le.setLeader(false)
			return
		}
		if renewed {
			return
		}
		le.logger.Warn("Placement leadership renewal failed")
		le.setLeader(false)
	}

	acquired, err := le.locker.TryAcquire(ctx, le.key, le.podID, le.ttl)
	if err != nil {
		le.logger.WithError(err).Error("Failed to attempt placement leader election")
		return
	}
	if !acquired {
		// a restarted pod may still hold the lease under its own id
		holder, err := le.locker.Holder(ctx, le.key)
		acquired = err == nil && holder == le.podID
	}
	le.setLeader(acquired)
}

func (le *LeaderElection) resign(ctx context.Context) {
	if _, err := le.locker.Release(ctx, le.key, le.podID); err != nil {
		le.logger.WithError(err).Error("Failed to resign placement leadership")
	} else {
		le.logger.Info("Resigned placement leadership")
	}
	le.setLeader(false)
}

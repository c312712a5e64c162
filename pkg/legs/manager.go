// Package legs drives each call leg through its lifecycle from provider status
// callbacks, and fails the whole job once every leg has died without a winner.
package legs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/race"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/strategy"
)

var ErrUnknownStatus = errors.New("unknown provider call status")

var providerStatuses = map[string]models.LegStatus{
	"initiated":   models.LegDialing,
	"queued":      models.LegDialing,
	"ringing":     models.LegRinging,
	"answered":    models.LegAnswered,
	"in-progress": models.LegAnswered,
	"held":        models.LegHolding,
	"on-hold":     models.LegHolding,
	"completed":   models.LegEnded,
	"terminated":  models.LegEnded,
	"busy":        models.LegFailed,
	"no-answer":   models.LegFailed,
	"failed":      models.LegFailed,
	"canceled":    models.LegFailed,
}

// MapProviderStatus translates a provider call status into a leg status
func MapProviderStatus(status string) (models.LegStatus, error) {
	s, ok := providerStatuses[strings.ToLower(strings.TrimSpace(status))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
	return s, nil
}

var terminal = []models.LegStatus{models.LegTransferred, models.LegEnded, models.LegFailed}

// blockedFor lists the statuses from which a provider event must not move the leg
// to status: terminal legs never move, legs never step back toward dialing, and a
// leg already LIVE is not downgraded.
func blockedFor(status models.LegStatus) []models.LegStatus {
	blocked := append([]models.LegStatus{status}, terminal...)
	switch status {
	case models.LegDialing:
		blocked = append(blocked, models.LegRinging, models.LegAnswered, models.LegHolding, models.LegLive)
	case models.LegRinging:
		blocked = append(blocked, models.LegAnswered, models.LegHolding, models.LegLive)
	case models.LegAnswered, models.LegHolding:
		blocked = append(blocked, models.LegLive)
	case models.LegEnded, models.LegFailed:
		blocked = terminal
	}
	return blocked
}

// Racer receives legs that a detection source believes reached a live agent
type Racer interface {
	OnDetected(ctx context.Context, legID, source string) error
}

// Arming starts the timed digit presses on an answered leg
type Arming interface {
	Arm(legID, callSID string)
}

type Manager struct {
	store     *store.Store
	evaluator *strategy.Evaluator
	racer     Racer
	dtmf      Arming
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	onLegClosed func(legID string)
	now         func() time.Time
}

func NewManager(st *store.Store, evaluator *strategy.Evaluator, racer Racer, dtmf Arming, logger *logrus.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:     st,
		evaluator: evaluator,
		racer:     racer,
		dtmf:      dtmf,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// OnLegClosed registers a hook run whenever a leg ends or fails
func (m *Manager) OnLegClosed(fn func(legID string)) {
	m.onLegClosed = fn
}

// HandleStatus applies one provider status callback. legID may be empty, in
// which case the leg is resolved from callSID.
func (m *Manager) HandleStatus(ctx context.Context, legID, callSID, providerStatus string) error {
	status, err := MapProviderStatus(providerStatus)
	if err != nil {
		return err
	}

	if legID == "" {
		if legID, err = m.store.LegIDForCall(ctx, callSID); err != nil {
			return err
		}
	}

	logger := m.logger.WithFields(logrus.Fields{
		"leg_id":   legID,
		"call_sid": callSID,
		"status":   providerStatus,
	})

	tr := store.LegTransition{
		To:        status,
		BlockedIn: blockedFor(status),
		EventType: providerStatus,
		At:        m.now(),
	}
	switch status {
	case models.LegFailed:
		tr.Reason = providerStatus
		tr.Stamps = []string{store.LegEndedAt}
	case models.LegEnded:
		tr.Stamps = []string{store.LegEndedAt}
	}

	res, err := m.store.TransitionLeg(ctx, legID, tr)
	if err != nil {
		return err
	}

	if !res.Applied {
		if res.Previous == models.LegTransferred && status == models.LegEnded {
			if _, err := m.store.StampLegOnce(ctx, legID, store.LegEndedAt, tr.At); err != nil {
				logger.WithError(err).Warn("Failed to stamp end of transferred leg")
			}
		}
		logger.WithField("current", res.Previous).Debug("Ignored status callback")
		return nil
	}

	m.metrics.LegTransitions.WithLabelValues(string(status)).Inc()
	logger.WithField("previous", res.Previous).Info("Leg status changed")

	switch status {
	case models.LegAnswered:
		m.onAnswered(ctx, legID, callSID, tr.At, logger)
	case models.LegHolding:
		if _, err := m.store.StampLegOnce(ctx, legID, store.LegHoldStartedAt, tr.At); err != nil {
			logger.WithError(err).Warn("Failed to stamp hold start")
		}
	case models.LegEnded, models.LegFailed:
		m.closed(ctx, legID)
		return nil
	}

	m.evaluate(ctx, legID, logger)
	return nil
}

func (m *Manager) onAnswered(ctx context.Context, legID, callSID string, at time.Time, logger *logrus.Entry) {
	first, err := m.store.StampLegOnce(ctx, legID, store.LegAnsweredAt, at)
	if err != nil {
		logger.WithError(err).Warn("Failed to stamp answer")
	}
	if _, err := m.store.StampLegOnce(ctx, legID, store.LegHoldStartedAt, at); err != nil {
		logger.WithError(err).Warn("Failed to stamp hold start")
	}

	if !first || m.dtmf == nil {
		return
	}
	if callSID == "" {
		leg, err := m.store.GetLeg(ctx, legID)
		if err != nil {
			logger.WithError(err).Warn("Cannot arm digits without the call")
			return
		}
		callSID = leg.CallSID
	}
	m.dtmf.Arm(legID, callSID)
}

// evaluate runs the status-based strategies and races the leg when they agree
func (m *Manager) evaluate(ctx context.Context, legID string, logger *logrus.Entry) {
	if m.evaluator == nil || m.racer == nil {
		return
	}

	result, err := m.Strategies(ctx, legID)
	if err != nil {
		logger.WithError(err).Warn("Failed to evaluate strategies")
		return
	}
	if !result.Detected {
		return
	}

	logger.WithField("strategies", result.Passed).Info("Strategies agree on a live agent")
	if err := m.racer.OnDetected(ctx, legID, race.SourceStrategy); err != nil && !race.Lost(err) {
		logger.WithError(err).Error("Strategy detection failed to transfer")
	}
}

// Strategies evaluates the status-based strategies for a leg now. With
// strategies disabled every leg reports an empty result.
func (m *Manager) Strategies(ctx context.Context, legID string) (strategy.Result, error) {
	leg, err := m.store.GetLeg(ctx, legID)
	if err != nil {
		return strategy.Result{}, err
	}
	if m.evaluator == nil {
		return strategy.Result{}, nil
	}
	events, err := m.store.Events(ctx, legID)
	if err != nil {
		return strategy.Result{}, err
	}
	return m.evaluator.Evaluate(leg, events, m.now()), nil
}

// Fail marks a leg FAILED for reason unless it is already terminal or live
func (m *Manager) Fail(ctx context.Context, legID, reason string) (bool, error) {
	res, err := m.store.TransitionLeg(ctx, legID, store.LegTransition{
		To:        models.LegFailed,
		BlockedIn: append([]models.LegStatus{models.LegLive}, terminal...),
		EventType: reason,
		At:        m.now(),
		Reason:    reason,
		Stamps:    []string{store.LegEndedAt},
	})
	if err != nil {
		return false, err
	}
	if !res.Applied {
		return false, nil
	}

	m.metrics.LegTransitions.WithLabelValues(string(models.LegFailed)).Inc()
	m.logger.WithFields(logrus.Fields{
		"leg_id": legID,
		"reason": reason,
	}).Info("Leg failed")

	m.closed(ctx, legID)
	return true, nil
}

func (m *Manager) closed(ctx context.Context, legID string) {
	if m.onLegClosed != nil {
		m.onLegClosed(legID)
	}

	leg, err := m.store.GetLeg(ctx, legID)
	if err != nil {
		m.logger.WithError(err).WithField("leg_id", legID).Warn("Failed to load closed leg")
		return
	}
	if _, err := m.CheckExhausted(ctx, leg.JobID); err != nil {
		m.logger.WithError(err).WithField("job_id", leg.JobID).Error("Exhaustion check failed")
	}
}

// CheckExhausted fails the job when every leg is FAILED or ENDED and none ever
// went live. The job transition is a compare-and-set from RUNNING, so however
// many legs race through here the job fails once.
func (m *Manager) CheckExhausted(ctx context.Context, jobID string) (bool, error) {
	legs, err := m.store.ListLegs(ctx, jobID)
	if err != nil {
		return false, err
	}
	if len(legs) == 0 {
		return false, nil
	}

	for _, leg := range legs {
		if !leg.Status.IsTerminal() || leg.Status.IsWinning() || leg.LiveDetectedAt != nil {
			return false, nil
		}
	}

	failed, err := m.store.TransitionJob(ctx, jobID, []models.JobStatus{models.JobCreated, models.JobRunning}, models.JobFailed, m.now(), "")
	if err != nil {
		return false, err
	}
	if failed {
		m.metrics.JobsFinished.WithLabelValues(string(models.JobFailed)).Inc()
		m.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"legs":   len(legs),
		}).Warn("Every leg failed, job failed")
	}
	return failed, nil
}

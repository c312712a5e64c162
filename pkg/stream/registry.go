// Package stream receives the provider's live call audio over a websocket and
// runs each leg's classifier on it.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/alarm"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
)

var ErrLegClosed = errors.New("leg is no longer racing")

const (
	alarmTooBusy     = "too_busy"
	alarmStreamGrace = "stream_grace"

	// a digit press restarts the stream; the session waits this long for it
	defaultRebindGrace = 5 * time.Second
	actionTimeout      = 10 * time.Second
)

// Racer receives legs whose audio crossed the live-agent threshold
type Racer interface {
	OnDetected(ctx context.Context, legID, source string) error
}

// Failer marks a leg failed for a reason
type Failer interface {
	Fail(ctx context.Context, legID, reason string) (bool, error)
}

// Registry owns every open audio session on this pod. Sessions are keyed by
// leg; stream ids map onto them so a restarted stream resumes the same
// classifier.
type Registry struct {
	cfg      config.DetectionConfig
	store    *store.Store
	provider provider.Provider
	failer   Failer
	racer    Racer
	alarms   *alarm.Alarms
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	rebindGrace time.Duration

	mu       sync.Mutex
	byLeg    map[string]*Session
	byStream map[string]*Session
}

func NewRegistry(cfg config.DetectionConfig, st *store.Store, p provider.Provider, failer Failer, racer Racer, alarms *alarm.Alarms, logger *logrus.Logger, metrics *metrics.Metrics) *Registry {
	return &Registry{
		cfg:         cfg,
		store:       st,
		provider:    p,
		failer:      failer,
		racer:       racer,
		alarms:      alarms,
		logger:      logger,
		metrics:     metrics,
		rebindGrace: defaultRebindGrace,
		byLeg:       make(map[string]*Session),
		byStream:    make(map[string]*Session),
	}
}

// Open binds a stream to its leg's session, creating the session on the
// leg's first stream. legID may be empty when the stream carries only the call.
func (r *Registry) Open(ctx context.Context, streamSID, callSID, legID string) (*Session, error) {
	if legID == "" {
		id, err := r.store.LegIDForCall(ctx, callSID)
		if err != nil {
			return nil, err
		}
		legID = id
	}

	leg, err := r.store.GetLeg(ctx, legID)
	if err != nil {
		return nil, err
	}
	if leg.Status.IsTerminal() || leg.Status.IsWinning() {
		return nil, ErrLegClosed
	}
	if callSID == "" {
		callSID = leg.CallSID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.byLeg[legID]; ok {
		r.alarms.CancelOne(legID, alarmStreamGrace)
		if old := sess.rebind(streamSID); old != "" {
			delete(r.byStream, old)
		}
		r.byStream[streamSID] = sess
		r.logger.WithFields(logrus.Fields{
			"leg_id":     legID,
			"stream_sid": streamSID,
		}).Debug("Audio stream resumed")
		return sess, nil
	}

	answeredAt := time.Now()
	if leg.AnsweredAt != nil {
		answeredAt = *leg.AnsweredAt
	}
	sess := newSession(r, legID, callSID, streamSID, answeredAt)
	if leg.DTMF2SentAt != nil {
		sess.classifier.SetDTMF2(*leg.DTMF2SentAt)
	}

	r.byLeg[legID] = sess
	r.byStream[streamSID] = sess
	r.metrics.ActiveAudioSessions.Inc()

	r.logger.WithFields(logrus.Fields{
		"leg_id":     legID,
		"call_sid":   callSID,
		"stream_sid": streamSID,
	}).Info("Audio stream opened")
	return sess, nil
}

// Close detaches a stream. The leg's session survives for a short grace so a
// restarted stream picks up where this one left off.
func (r *Registry) Close(streamSID string) {
	r.mu.Lock()
	sess, ok := r.byStream[streamSID]
	if ok {
		delete(r.byStream, streamSID)
	}
	r.mu.Unlock()

	if !ok || !sess.detach(streamSID) {
		return
	}

	r.alarms.After(sess.legID, alarmStreamGrace, r.rebindGrace, func() {
		r.discard(sess, "stream closed")
	})
}

// CloseLeg discards the leg's session at once
func (r *Registry) CloseLeg(legID string) {
	r.mu.Lock()
	sess, ok := r.byLeg[legID]
	r.mu.Unlock()

	if ok {
		r.discard(sess, "leg closed")
	}
}

func (r *Registry) discard(sess *Session, why string) {
	r.mu.Lock()
	if r.byLeg[sess.legID] != sess {
		r.mu.Unlock()
		return
	}
	delete(r.byLeg, sess.legID)
	if streamSID := sess.currentStream(); streamSID != "" {
		delete(r.byStream, streamSID)
	}
	r.mu.Unlock()

	sess.close()
	r.alarms.CancelOne(sess.legID, alarmStreamGrace)
	r.metrics.ActiveAudioSessions.Dec()

	r.logger.WithFields(logrus.Fields{
		"leg_id": sess.legID,
		"reason": why,
	}).Info("Audio session discarded")
}

// ByLeg returns the leg's open session
func (r *Registry) ByLeg(legID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byLeg[legID]
	return sess, ok
}

// Snapshot returns the live classifier view of a leg on this pod
func (r *Registry) Snapshot(legID string) (models.DetectionSnapshot, bool) {
	sess, ok := r.ByLeg(legID)
	if !ok {
		return models.DetectionSnapshot{}, false
	}
	return sess.Snapshot(), true
}

// DTMF2Sent forwards the second digit press to the leg's classifier
func (r *Registry) DTMF2Sent(legID string, at time.Time) {
	if sess, ok := r.ByLeg(legID); ok {
		sess.setDTMF2(at)
	}
}

func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byLeg)
}

// CloseAll discards every session, used on shutdown
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byLeg))
	for _, sess := range r.byLeg {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		r.discard(sess, "shutdown")
	}
}

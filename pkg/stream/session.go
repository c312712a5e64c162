package stream

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/audio"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/detection"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/race"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
)

// Session is one leg's detection state: the feature extractor, the classifier
// and the guard that keeps a leg from being raced twice
type Session struct {
	registry *Registry
	legID    string
	callSID  string

	mu                sync.Mutex
	streamSID         string
	extractor         *audio.Extractor
	classifier        *detection.Classifier
	transferTriggered bool
	closed            bool
	updatedAt         time.Time
}

func newSession(r *Registry, legID, callSID, streamSID string, answeredAt time.Time) *Session {
	return &Session{
		registry:   r,
		legID:      legID,
		callSID:    callSID,
		streamSID:  streamSID,
		extractor:  audio.NewExtractor(),
		classifier: detection.New(r.cfg, answeredAt),
	}
}

func (s *Session) LegID() string {
	return s.legID
}

// Feed pushes one media payload received at at and acts on what the
// classifier concludes
func (s *Session) Feed(payload []byte, at time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var decisions []detection.Decision
	for _, sample := range s.extractor.Push(payload, at) {
		if d := s.classifier.Observe(sample); d.Kind != detection.KindNone {
			decisions = append(decisions, d)
		}
	}
	if len(decisions) > 0 {
		s.updatedAt = at
	}
	s.mu.Unlock()

	for _, d := range decisions {
		s.act(d)
	}
}

func (s *Session) act(d detection.Decision) {
	r := s.registry
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	logger := r.logger.WithFields(logrus.Fields{
		"leg_id":     s.legID,
		"decision":   d.Kind,
		"phase":      d.Phase,
		"confidence": d.Confidence,
	})
	r.metrics.ClassifierDecisions.WithLabelValues(string(d.Kind)).Inc()

	switch d.Kind {
	case detection.KindVoicemail:
		logger.Info("Voicemail greeting detected")
		s.failAndHangup(ctx, models.ReasonVoicemail, logger)

	case detection.KindTooBusy:
		logger.Info("Busy recording detected, waiting for it to finish")
		r.alarms.After(s.legID, alarmTooBusy, r.cfg.TooBusyGrace, func() {
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			defer cancel()
			s.failAndHangup(ctx, models.ReasonTooBusy, logger)
		})

	case detection.KindHoldMusic:
		logger.Info("Hold music confirmed")
		if _, err := r.store.StampLegOnce(ctx, s.legID, store.LegHoldStartedAt, d.At); err != nil {
			logger.WithError(err).Warn("Failed to stamp hold start")
		}
		if err := r.store.MarkLegEvent(ctx, s.legID, models.EventHoldMusic, d.At); err != nil {
			logger.WithError(err).Warn("Failed to record hold music")
		}

	case detection.KindLiveAgent:
		if !s.triggerTransfer() {
			return
		}
		logger.WithField("cues", d.Cues).Info("Live agent detected")
		if err := r.racer.OnDetected(ctx, s.legID, race.SourceAudio); err != nil && !race.Lost(err) {
			logger.WithError(err).Error("Live agent transfer failed")
		}

	default:
		logger.WithField("cues", d.Cues).Debug("Classifier progressed")
	}

	if err := r.store.SaveDetection(ctx, s.Snapshot()); err != nil {
		logger.WithError(err).Warn("Failed to save detection snapshot")
	}
}

func (s *Session) failAndHangup(ctx context.Context, reason string, logger *logrus.Entry) {
	r := s.registry
	failed, err := r.failer.Fail(ctx, s.legID, reason)
	if err != nil {
		logger.WithError(err).Error("Failed to fail leg")
		return
	}
	if !failed || s.callSID == "" {
		return
	}
	if err := r.provider.Hangup(ctx, s.callSID); err != nil {
		logger.WithError(err).Warn("Failed to hang up leg")
	}
}

// triggerTransfer flips the transfer guard and reports whether this call flipped it
func (s *Session) triggerTransfer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transferTriggered {
		return false
	}
	s.transferTriggered = true
	return true
}

func (s *Session) Snapshot() models.DetectionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.classifier.State()
	snap := models.DetectionSnapshot{
		LegID:            s.legID,
		Phase:            string(state.Phase),
		Confidence:       state.Confidence,
		HoldMusic:        state.HoldMusic,
		StrategiesPassed: []string{},
		Live:             state.Phase == detection.PhaseDetected,
		UpdatedAt:        s.updatedAt,
	}
	if !state.MusicStoppedAt.IsZero() {
		stopped := state.MusicStoppedAt
		snap.MusicStoppedAt = &stopped
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	return snap
}

func (s *Session) setDTMF2(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifier.SetDTMF2(at)
}

// rebind moves the session to a new stream and returns the one it replaced
func (s *Session) rebind(streamSID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.streamSID
	s.streamSID = streamSID
	if old == streamSID {
		return ""
	}
	return old
}

// detach clears streamSID if it is still the session's stream
func (s *Session) detach(streamSID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.streamSID != streamSID {
		return false
	}
	s.streamSID = ""
	return true
}

func (s *Session) currentStream() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

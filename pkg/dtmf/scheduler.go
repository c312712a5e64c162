package dtmf

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/alarm"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
)

const (
	alarmDigit1 = "dtmf1"
	alarmDigit2 = "dtmf2"

	sendTimeout = 10 * time.Second
)

// Listener learns when the second digit reached the call
type Listener interface {
	DTMF2Sent(legID string, at time.Time)
}

// Scheduler presses the two menu digits on every answered leg
type Scheduler struct {
	cfg      config.DTMFConfig
	provider provider.Provider
	store    *store.Store
	alarms   *alarm.Alarms
	logger   *logrus.Logger
	listener Listener
}

func New(cfg config.DTMFConfig, p provider.Provider, st *store.Store, alarms *alarm.Alarms, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		provider: p,
		store:    st,
		alarms:   alarms,
		logger:   logger,
	}
}

// SetListener must be called before the first leg is armed
func (s *Scheduler) SetListener(l Listener) {
	s.listener = l
}

// Arm schedules digit 1 after Delay1 and digit 2 after Delay1+Delay2
func (s *Scheduler) Arm(legID, callSID string) {
	s.alarms.After(legID, alarmDigit1, s.cfg.Delay1, func() {
		s.press(legID, callSID, s.cfg.Digit1, models.EventDTMF1Sent)
	})
	s.alarms.After(legID, alarmDigit2, s.cfg.Delay1+s.cfg.Delay2, func() {
		at, ok := s.press(legID, callSID, s.cfg.Digit2, models.EventDTMF2Sent, store.LegDTMF2SentAt)
		if ok && s.listener != nil {
			s.listener.DTMF2Sent(legID, at)
		}
	})

	s.logger.WithFields(logrus.Fields{
		"leg_id":   legID,
		"delay1":   s.cfg.Delay1,
		"delay2":   s.cfg.Delay2,
		"call_sid": callSID,
	}).Debug("Armed DTMF alarms")
}

func (s *Scheduler) press(legID, callSID, digits, eventType string, stamps ...string) (time.Time, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	logger := s.logger.WithFields(logrus.Fields{
		"leg_id": legID,
		"digits": digits,
		"event":  eventType,
	})

	leg, err := s.store.GetLeg(ctx, legID)
	if err != nil {
		logger.WithError(err).Warn("Skipping digit press, leg unavailable")
		return time.Time{}, false
	}
	if leg.Status.IsTerminal() || leg.Status == models.LegLive {
		logger.WithField("status", leg.Status).Debug("Skipping digit press, leg no longer on the menu")
		return time.Time{}, false
	}

	if err := s.provider.SendDigits(ctx, callSID, digits, legID); err != nil {
		logger.WithError(err).Error("Failed to send digits")
		return time.Time{}, false
	}

	at := time.Now()
	if err := s.store.MarkLegEvent(ctx, legID, eventType, at, stamps...); err != nil {
		logger.WithError(err).Warn("Failed to record digit press")
	}

	logger.Info("Sent DTMF digits")
	return at, true
}

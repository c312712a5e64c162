// Package alarm keeps one-shot timers grouped by leg so that every pending
// action for a leg can be cancelled when the leg or its job is torn down.
package alarm

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type handle struct {
	timer *time.Timer
}

type Alarms struct {
	mu     sync.Mutex
	byLeg  map[string]map[string]*handle
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Alarms {
	return &Alarms{
		byLeg:  make(map[string]map[string]*handle),
		logger: logger,
	}
}

// After arms fn to run once after d. An alarm with the same name for the
// same leg is replaced.
func (a *Alarms) After(legID, name string, d time.Duration, fn func()) {
	h := &handle{}

	a.mu.Lock()
	defer a.mu.Unlock()

	named, ok := a.byLeg[legID]
	if !ok {
		named = make(map[string]*handle)
		a.byLeg[legID] = named
	}
	if prev, ok := named[name]; ok {
		prev.timer.Stop()
	}
	named[name] = h

	h.timer = time.AfterFunc(d, func() {
		if !a.take(legID, name, h) {
			return
		}
		fn()
	})
}

// take removes h if it is still the armed alarm and reports whether it was
func (a *Alarms) take(legID, name string, h *handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	named, ok := a.byLeg[legID]
	if !ok || named[name] != h {
		return false
	}
	delete(named, name)
	if len(named) == 0 {
		delete(a.byLeg, legID)
	}
	return true
}

// Cancel stops every pending alarm of a leg and returns how many were stopped
func (a *Alarms) Cancel(legID string) int {
	a.mu.Lock()
	named := a.byLeg[legID]
	delete(a.byLeg, legID)
	a.mu.Unlock()

	for _, h := range named {
		h.timer.Stop()
	}

	if len(named) > 0 {
		a.logger.WithFields(logrus.Fields{
			"leg_id":    legID,
			"cancelled": len(named),
		}).Debug("Cancelled pending alarms")
	}
	return len(named)
}

// CancelOne stops a single named alarm
func (a *Alarms) CancelOne(legID, name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	named, ok := a.byLeg[legID]
	if !ok {
		return false
	}
	h, ok := named[name]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(named, name)
	if len(named) == 0 {
		delete(a.byLeg, legID)
	}
	return true
}

func (a *Alarms) Pending(legID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byLeg[legID])
}

// StopAll cancels everything; used on shutdown
func (a *Alarms) StopAll() {
	a.mu.Lock()
	all := a.byLeg
	a.byLeg = make(map[string]map[string]*handle)
	a.mu.Unlock()

	for _, named := range all {
		for _, h := range named {
			h.timer.Stop()
		}
	}
}

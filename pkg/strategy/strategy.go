// Package strategy detects a live agent from a leg's discrete status trajectory
// rather than its audio. It corroborates the audio classifier and covers legs
// whose media stream never opened.
package strategy

import (
	"time"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
)

// Strategy names reported in results and detection snapshots
const (
	HoldDuration       = "hold_duration"
	HoldToAnswer       = "hold_to_answer"
	AnsweredLong       = "answered_long"
	RepeatedHoldCycles = "repeated_hold_cycles"
	ManualOverride     = "manual_override"
)

type Result struct {
	Detected bool
	Passed   []string
}

type check struct {
	name string
	fn   func(leg *models.CallLeg, events []models.LegEvent, now time.Time) bool
}

type Evaluator struct {
	cfg    config.StrategyConfig
	checks []check
}

func NewEvaluator(cfg config.StrategyConfig) *Evaluator {
	e := &Evaluator{cfg: cfg}
	e.checks = []check{
		{HoldDuration, e.holdDuration},
		{HoldToAnswer, e.holdToAnswer},
		{AnsweredLong, e.answeredLong},
		{RepeatedHoldCycles, e.repeatedHoldCycles},
	}
	return e
}

// Evaluate runs every strategy against the leg. A manual override always
// detects; otherwise the configured number of strategies must agree.
func (e *Evaluator) Evaluate(leg *models.CallLeg, events []models.LegEvent, now time.Time) Result {
	var result Result

	if leg.ManualOverride {
		result.Passed = append(result.Passed, ManualOverride)
		result.Detected = true
	}

	if leg.Status.IsTerminal() || !e.cfg.Enabled {
		return result
	}

	passes := 0
	for _, c := range e.checks {
		if c.fn(leg, events, now) {
			result.Passed = append(result.Passed, c.name)
			passes++
		}
	}

	required := e.cfg.RequiredPasses
	if required < 1 {
		required = 1
	}
	if passes >= required {
		result.Detected = true
	}
	return result
}

func (e *Evaluator) holdDuration(leg *models.CallLeg, _ []models.LegEvent, now time.Time) bool {
	if leg.HoldStartedAt == nil {
		return false
	}
	return now.Sub(*leg.HoldStartedAt) >= e.cfg.MinHoldDuration
}

// holdToAnswer passes when the provider reported the call leaving hold
func (e *Evaluator) holdToAnswer(_ *models.CallLeg, events []models.LegEvent, _ time.Time) bool {
	held := false
	for _, ev := range events {
		switch ev.Status {
		case models.LegHolding:
			held = true
		case models.LegAnswered:
			if held {
				return true
			}
		}
	}
	return false
}

func (e *Evaluator) answeredLong(leg *models.CallLeg, _ []models.LegEvent, now time.Time) bool {
	if leg.AnsweredAt == nil {
		return false
	}
	return now.Sub(*leg.AnsweredAt) >= e.cfg.LongAnswerDuration
}

// repeatedHoldCycles counts entries into HOLDING, ignoring repeats of the same status
func (e *Evaluator) repeatedHoldCycles(_ *models.CallLeg, events []models.LegEvent, _ time.Time) bool {
	cycles := 0
	var prev models.LegStatus
	for _, ev := range events {
		if ev.Status == models.LegHolding && prev != models.LegHolding {
			cycles++
		}
		prev = ev.Status
	}
	return cycles >= e.cfg.MinHoldCycles
}

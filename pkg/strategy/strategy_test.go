package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
)

var now = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func events(statuses ...models.LegStatus) []models.LegEvent {
	out := make([]models.LegEvent, len(statuses))
	for i, s := range statuses {
		out[i] = models.LegEvent{Status: s, At: now.Add(time.Duration(i-len(statuses)) * time.Minute)}
	}
	return out
}

func testConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Enabled:            true,
		RequiredPasses:     2,
		MinHoldDuration:    2 * time.Minute,
		LongAnswerDuration: 10 * time.Minute,
		MinHoldCycles:      2,
	}
}

func TestEvaluate_NothingPassesOnFreshLeg(t *testing.T) {
	e := NewEvaluator(testConfig())
	leg := &models.CallLeg{Status: models.LegAnswered, AnsweredAt: ago(10 * time.Second)}

	result := e.Evaluate(leg, events(models.LegDialing, models.LegRinging, models.LegAnswered), now)

	assert.False(t, result.Detected)
	assert.Empty(t, result.Passed)
}

func TestEvaluate_SingleStrategyIsNotEnough(t *testing.T) {
	e := NewEvaluator(testConfig())
	leg := &models.CallLeg{
		Status:        models.LegHolding,
		AnsweredAt:    ago(3 * time.Minute),
		HoldStartedAt: ago(3 * time.Minute),
	}

	result := e.Evaluate(leg, events(models.LegAnswered, models.LegHolding), now)

	assert.False(t, result.Detected)
	assert.Equal(t, []string{HoldDuration}, result.Passed)
}

func TestEvaluate_TwoStrategiesDetect(t *testing.T) {
	e := NewEvaluator(testConfig())
	leg := &models.CallLeg{
		Status:        models.LegAnswered,
		AnsweredAt:    ago(5 * time.Minute),
		HoldStartedAt: ago(4 * time.Minute),
	}

	result := e.Evaluate(leg, events(models.LegAnswered, models.LegHolding, models.LegAnswered), now)

	assert.True(t, result.Detected)
	assert.Equal(t, []string{HoldDuration, HoldToAnswer}, result.Passed)
}

func TestEvaluate_RepeatedHoldCycles(t *testing.T) {
	e := NewEvaluator(testConfig())
	leg := &models.CallLeg{Status: models.LegHolding}

	once := e.Evaluate(leg, events(models.LegAnswered, models.LegHolding, models.LegHolding), now)
	assert.NotContains(t, once.Passed, RepeatedHoldCycles)

	twice := e.Evaluate(leg, events(models.LegHolding, models.LegAnswered, models.LegHolding), now)
	assert.Contains(t, twice.Passed, RepeatedHoldCycles)
	assert.Contains(t, twice.Passed, HoldToAnswer)
	assert.True(t, twice.Detected)
}

func TestEvaluate_AnsweredLong(t *testing.T) {
	e := NewEvaluator(testConfig())
	leg := &models.CallLeg{Status: models.LegAnswered, AnsweredAt: ago(11 * time.Minute)}

	result := e.Evaluate(leg, nil, now)
	assert.Equal(t, []string{AnsweredLong}, result.Passed)
}

func TestEvaluate_ManualOverrideAlwaysDetects(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	e := NewEvaluator(cfg)
	leg := &models.CallLeg{Status: models.LegRinging, ManualOverride: true}

	result := e.Evaluate(leg, nil, now)

	assert.True(t, result.Detected)
	assert.Equal(t, []string{ManualOverride}, result.Passed)
}

func TestEvaluate_TerminalLegsSkipHeuristics(t *testing.T) {
	e := NewEvaluator(testConfig())
	leg := &models.CallLeg{
		Status:        models.LegEnded,
		AnsweredAt:    ago(time.Hour),
		HoldStartedAt: ago(time.Hour),
	}

	result := e.Evaluate(leg, events(models.LegHolding, models.LegAnswered, models.LegHolding), now)

	assert.False(t, result.Detected)
	assert.Empty(t, result.Passed)
}

// Package detection classifies a leg's audio features into hold music, voicemail,
// "too busy" recordings and live agents.
//
// Each leg owns one Classifier. It is a small state machine:
//
//	AWAITING_DTMF2 -> HOLD_MUSIC_CONFIRMED -> SILENCE_DETECTED -> CONFIDENCE_ACCUMULATING -> DETECTED
//
// with VOICEMAIL and TOO_BUSY as terminal exits from the early phases, and a reset edge from
// SILENCE_DETECTED/CONFIDENCE_ACCUMULATING back to HOLD_MUSIC_CONFIRMED when music stops but no
// one speaks. The Classifier does no I/O and reads time only from the samples it is given.
package detection

import (
	"time"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/audio"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
)

type Phase string

const (
	PhaseAwaitingDTMF2          Phase = "AWAITING_DTMF2"
	PhaseHoldMusicConfirmed     Phase = "HOLD_MUSIC_CONFIRMED"
	PhaseSilenceDetected        Phase = "SILENCE_DETECTED"
	PhaseConfidenceAccumulating Phase = "CONFIDENCE_ACCUMULATING"
	PhaseDetected               Phase = "DETECTED"
	PhaseVoicemail              Phase = "VOICEMAIL"
	PhaseTooBusy                Phase = "TOO_BUSY"
)

// IsTerminal reports whether the classifier has stopped evaluating
func (p Phase) IsTerminal() bool {
	return p == PhaseDetected || p == PhaseVoicemail || p == PhaseTooBusy
}

// Kind names what an evaluation concluded
type Kind string

const (
	KindNone         Kind = "none"
	KindVoicemail    Kind = "voicemail"
	KindTooBusy      Kind = "too_busy"
	KindHoldMusic    Kind = "hold_music"
	KindMusicStopped Kind = "music_stopped"
	KindConfidence   Kind = "confidence"
	KindReset        Kind = "reset"
	KindLiveAgent    Kind = "live_agent"
)

// Cue names recorded when live-agent confidence grows
const (
	CueStrongSpeech   = "strong_speech"
	CueModerateSpeech = "moderate_speech"
	CueDynamics       = "dynamics"
	CueLatency        = "latency"
)

// Decision is the result of one evaluation
type Decision struct {
	Kind       Kind
	Phase      Phase
	Confidence float64
	At         time.Time
	Cues       []string
}

// State is a read-only view of the classifier
type State struct {
	Phase           Phase
	Confidence      float64
	HoldMusic       bool
	HoldConfirmedAt time.Time
	MusicStoppedAt  time.Time
	Samples         int
}

type Classifier struct {
	cfg     config.DetectionConfig
	history *audio.History

	phase      Phase
	answeredAt time.Time
	dtmf2At    time.Time
	lastEval   time.Time

	holdConfirmedAt time.Time
	musicStoppedAt  time.Time
	firstSpeechAt   time.Time
	latencyAwarded  bool
	confidence      float64
}

// New creates a classifier for a leg answered at answeredAt
func New(cfg config.DetectionConfig, answeredAt time.Time) *Classifier {
	return &Classifier{
		cfg:        cfg,
		history:    audio.NewHistory(constants.HistorySamples),
		phase:      PhaseAwaitingDTMF2,
		answeredAt: answeredAt,
	}
}

// SetDTMF2 records when the second digit was pressed; later calls are ignored
func (c *Classifier) SetDTMF2(at time.Time) {
	if c.dtmf2At.IsZero() {
		c.dtmf2At = at
	}
}

// Observe records a feature sample and evaluates the layers at most once per analysis interval
func (c *Classifier) Observe(s audio.Sample) Decision {
	c.history.Push(s)

	if c.phase.IsTerminal() {
		return c.decision(KindNone, s.At)
	}
	if !c.lastEval.IsZero() && s.At.Sub(c.lastEval) < c.cfg.AnalysisInterval {
		return c.decision(KindNone, s.At)
	}
	c.lastEval = s.At

	return c.evaluate(s.At)
}

func (c *Classifier) State() State {
	return State{
		Phase:           c.phase,
		Confidence:      c.confidence,
		HoldMusic:       !c.holdConfirmedAt.IsZero(),
		HoldConfirmedAt: c.holdConfirmedAt,
		MusicStoppedAt:  c.musicStoppedAt,
		Samples:         c.history.Len(),
	}
}

func (c *Classifier) evaluate(now time.Time) Decision {
	switch c.phase {
	case PhaseAwaitingDTMF2:
		if c.voicemail(now) {
			c.phase = PhaseVoicemail
			return c.decision(KindVoicemail, now)
		}
		if c.tooBusy(now) {
			c.phase = PhaseTooBusy
			return c.decision(KindTooBusy, now)
		}
		if c.holdMusic(now) {
			c.phase = PhaseHoldMusicConfirmed
			c.holdConfirmedAt = now
			return c.decision(KindHoldMusic, now)
		}

	case PhaseHoldMusicConfirmed:
		if c.tooBusy(now) {
			c.phase = PhaseTooBusy
			return c.decision(KindTooBusy, now)
		}
		if c.musicStopped() {
			c.phase = PhaseSilenceDetected
			c.musicStoppedAt = now
			return c.decision(KindMusicStopped, now)
		}

	case PhaseSilenceDetected, PhaseConfidenceAccumulating:
		return c.liveAgent(now)
	}

	return c.decision(KindNone, now)
}

// voicemail matches a greeting: moderate loudness with speech-like variability early in the call
func (c *Classifier) voicemail(now time.Time) bool {
	elapsed := now.Sub(c.answeredAt)
	if elapsed < c.cfg.VoicemailMinCallDuration || elapsed >= c.cfg.VoicemailMaxCallDuration {
		return false
	}

	window := c.history.Recent(c.cfg.VoicemailWindow)
	if window == nil {
		return false
	}

	energy := audio.MeanEnergy(window)
	return energy >= c.cfg.VoicemailEnergyMin &&
		energy <= c.cfg.VoicemailEnergyMax &&
		audio.MeanVariance(window) > c.cfg.VoicemailVarianceMin
}

// tooBusy matches the "all agents are busy, call back later" recording that follows the menu
func (c *Classifier) tooBusy(now time.Time) bool {
	if c.dtmf2At.IsZero() {
		return false
	}
	since := now.Sub(c.dtmf2At)
	if since < c.cfg.TooBusyMinAfterDTMF || since >= c.cfg.TooBusyMaxAfterDTMF {
		return false
	}

	window := c.history.Recent(c.cfg.TooBusyWindow)
	if window == nil {
		return false
	}

	energy := audio.MeanEnergy(window)
	return energy >= c.cfg.TooBusyEnergyMin && energy <= c.cfg.TooBusyEnergyMax
}

// holdMusic requires sustained, steady, never-quiet audio
func (c *Classifier) holdMusic(now time.Time) bool {
	if c.dtmf2At.IsZero() || now.Sub(c.dtmf2At) < c.cfg.HoldMinAfterDTMF {
		return false
	}

	window := c.history.Recent(c.cfg.HoldWindow)
	if window == nil {
		return false
	}

	energy := audio.MeanEnergy(window)
	if energy < c.cfg.HoldEnergyMin || energy > c.cfg.HoldEnergyMax {
		return false
	}
	if audio.MeanVariance(window) >= c.cfg.HoldVarianceMax {
		return false
	}
	for _, s := range window {
		if s.Energy < c.cfg.HoldEnergyFloor {
			return false
		}
	}
	return true
}

// musicStopped looks for music followed by near-silence
func (c *Classifier) musicStopped() bool {
	before := c.history.Before(c.cfg.SilenceWindow, c.cfg.MusicWindow)
	after := c.history.Recent(c.cfg.SilenceWindow)
	if before == nil || after == nil {
		return false
	}

	if audio.MeanEnergy(before) < c.cfg.MusicEnergyMin || audio.MeanVariance(before) > c.cfg.HoldVarianceMax {
		return false
	}
	for _, s := range after {
		if s.Energy >= c.cfg.SilenceEnergyMax {
			return false
		}
	}
	return true
}

// liveAgent accumulates confidence from speech cues heard after the music stopped
func (c *Classifier) liveAgent(now time.Time) Decision {
	window := c.history.Recent(c.cfg.LiveWindow)
	if window == nil || !window[0].At.After(c.musicStoppedAt) {
		return c.maybeReset(now)
	}

	var increment float64
	var cues []string

	speech := 0
	for _, s := range window {
		if c.isSpeech(s) {
			speech++
			if c.firstSpeechAt.IsZero() {
				c.firstSpeechAt = s.At
			}
		}
	}

	switch {
	case speech >= c.cfg.StrongSpeechCount:
		increment += c.cfg.StrongIncrement
		cues = append(cues, CueStrongSpeech)
	case speech >= c.cfg.ModerateSpeechCount:
		increment += c.cfg.ModerateIncrement
		cues = append(cues, CueModerateSpeech)
	}

	if audio.EnergyStdDev(window) >= c.cfg.DynamicsStdDevMin {
		increment += c.cfg.DynamicsIncrement
		cues = append(cues, CueDynamics)
	}

	if !c.latencyAwarded && speech >= c.cfg.ModerateSpeechCount && !c.firstSpeechAt.IsZero() {
		latency := c.firstSpeechAt.Sub(c.musicStoppedAt)
		if latency >= c.cfg.LatencyMin && latency <= c.cfg.LatencyMax {
			increment += c.cfg.LatencyIncrement
			cues = append(cues, CueLatency)
			c.latencyAwarded = true
		}
	}

	if increment == 0 {
		return c.maybeReset(now)
	}

	c.confidence += increment
	if c.cfg.ConfidenceCeiling > 0 && c.confidence > c.cfg.ConfidenceCeiling {
		c.confidence = c.cfg.ConfidenceCeiling
	}

	if c.confidence >= c.cfg.ConfidenceThreshold {
		c.phase = PhaseDetected
		d := c.decision(KindLiveAgent, now)
		d.Cues = cues
		return d
	}

	c.phase = PhaseConfidenceAccumulating
	d := c.decision(KindConfidence, now)
	d.Cues = cues
	return d
}

// maybeReset re-arms music-stop detection after a long quiet spell with little evidence
func (c *Classifier) maybeReset(now time.Time) Decision {
	if now.Sub(c.musicStoppedAt) <= c.cfg.ResetAfter || c.confidence >= c.cfg.ResetMaxConfidence {
		return c.decision(KindNone, now)
	}

	c.phase = PhaseHoldMusicConfirmed
	c.musicStoppedAt = time.Time{}
	c.firstSpeechAt = time.Time{}
	c.latencyAwarded = false
	c.confidence = 0
	return c.decision(KindReset, now)
}

func (c *Classifier) isSpeech(s audio.Sample) bool {
	return s.At.After(c.musicStoppedAt) &&
		s.Energy >= c.cfg.SpeechEnergyMin &&
		s.Variance >= c.cfg.SpeechVarianceMin
}

func (c *Classifier) decision(kind Kind, at time.Time) Decision {
	return Decision{
		Kind:       kind,
		Phase:      c.phase,
		Confidence: c.confidence,
		At:         at,
	}
}

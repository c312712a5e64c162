package audio

import (
	"math"
	"time"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
)

const (
	// FrameSamples is one 20ms provider frame at 8kHz
	FrameSamples = constants.SampleRate / 50
	// WindowSamples is one analysis window
	WindowSamples = constants.SampleRate * constants.AnalysisWindowMS / 1000

	sampleDuration = time.Second / constants.SampleRate
	windowDuration = constants.AnalysisWindowMS * time.Millisecond
)

// Sample is one analysis window's features
type Sample struct {
	Energy   float64
	Variance float64
	At       time.Time
}

// Extractor turns companded audio into per-window energy and variance.
// It is not safe for concurrent use; each audio connection owns one.
type Extractor struct {
	pending       []float64
	frameRMS      []float64
	windowSamples int

	// clock is the audio time of the last decoded sample
	clock time.Time
}

func NewExtractor() *Extractor {
	return &Extractor{
		pending:  make([]float64, 0, FrameSamples),
		frameRMS: make([]float64, 0, WindowSamples/FrameSamples+1),
	}
}

// Push decodes payload, which arrived at at, and returns the windows it
// completed. Windows close on frame boundaries once 250ms of audio has
// accumulated; the overshoot carries into the next window so the cadence does
// not drift. Each window is stamped with the audio time at which it nominally
// ends, so frames delivered in a burst still yield windows 250ms apart. The
// clock re-anchors to arrival time after a gap longer than one window.
func (e *Extractor) Push(payload []byte, at time.Time) []Sample {
	var out []Sample

	start := at.Add(-time.Duration(len(payload)) * sampleDuration)
	if e.clock.IsZero() || start.Sub(e.clock) > windowDuration {
		e.clock = start
	}

	for _, b := range payload {
		e.clock = e.clock.Add(sampleDuration)
		e.pending = append(e.pending, mulawTable[b])
		if len(e.pending) < FrameSamples {
			continue
		}

		e.frameRMS = append(e.frameRMS, rms(e.pending))
		e.pending = e.pending[:0]
		e.windowSamples += FrameSamples

		if e.windowSamples >= WindowSamples {
			energy, variance := meanAndVariance(e.frameRMS)
			e.windowSamples -= WindowSamples
			// the window nominally ended before the overshoot
			end := e.clock.Add(-time.Duration(e.windowSamples) * sampleDuration)
			out = append(out, Sample{Energy: energy, Variance: variance, At: end})
			e.frameRMS = e.frameRMS[:0]
		}
	}

	return out
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func meanAndVariance(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, sq / float64(len(values))
}

// MeanEnergy averages the energy of samples
func MeanEnergy(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Energy
	}
	return sum / float64(len(samples))
}

// MeanVariance averages the variance of samples
func MeanVariance(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Variance
	}
	return sum / float64(len(samples))
}

// EnergyStdDev is the population standard deviation of energy across samples
func EnergyStdDev(samples []Sample) float64 {
	energies := make([]float64, len(samples))
	for i, s := range samples {
		energies[i] = s.Energy
	}
	_, variance := meanAndVariance(energies)
	return math.Sqrt(variance)
}

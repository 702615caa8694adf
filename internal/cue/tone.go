// Package cue synthesizes and plays the short confirmation sounds the
// capture worker emits when a session starts or stops.
package cue

import (
	"math"
	"time"

	"github.com/gopxl/beep"
)

// Kind selects the cue shape.
type Kind int

const (
	// Start is a rising sweep.
	Start Kind = iota
	// Stop is a falling sweep.
	Stop
)

func (k Kind) String() string {
	if k == Stop {
		return "stop"
	}
	return "start"
}

type sweep struct {
	fromHz, toHz         float64
	fromCutoff, toCutoff float64
}

var sweeps = map[Kind]sweep{
	Start: {fromHz: 520, toHz: 880, fromCutoff: 1400, toCutoff: 4200},
	Stop:  {fromHz: 880, toHz: 440, fromCutoff: 4200, toCutoff: 1100},
}

const (
	detuneRatio = 1.0041 // about 7 cents
	attack      = 0.012  // seconds
)

// Tone returns a mono-in-stereo streamer of the given cue. It mixes two
// detuned triangle oscillators, runs them through a one-pole lowpass whose
// cutoff sweeps with the pitch, and shapes the result with an attack/decay
// envelope.
func Tone(kind Kind, rate beep.SampleRate, duration time.Duration, volume float64) beep.Streamer {
	total := rate.N(duration)
	return &toneStreamer{
		sweep:  sweeps[kind],
		rate:   float64(rate),
		total:  total,
		volume: math.Max(0, math.Min(1, volume)),
	}
}

type toneStreamer struct {
	sweep  sweep
	rate   float64
	total  int
	volume float64

	pos          int
	phaseA       float64
	phaseB       float64
	lowpassState float64
}

func (t *toneStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	if t.pos >= t.total {
		return 0, false
	}
	for i := range samples {
		if t.pos >= t.total {
			break
		}
		progress := float64(t.pos) / float64(t.total)
		freq := t.sweep.fromHz + (t.sweep.toHz-t.sweep.fromHz)*progress
		cutoff := t.sweep.fromCutoff + (t.sweep.toCutoff-t.sweep.fromCutoff)*progress

		raw := 0.5 * (triangle(t.phaseA) + triangle(t.phaseB))
		t.phaseA = math.Mod(t.phaseA+freq/t.rate, 1)
		t.phaseB = math.Mod(t.phaseB+freq*detuneRatio/t.rate, 1)

		alpha := 1 - math.Exp(-2*math.Pi*cutoff/t.rate)
		t.lowpassState += alpha * (raw - t.lowpassState)

		v := t.lowpassState * envelope(float64(t.pos)/t.rate, float64(t.total)/t.rate) * t.volume
		samples[i] = [2]float64{v, v}
		t.pos++
		n++
	}
	return n, true
}

func (t *toneStreamer) Err() error { return nil }

// triangle maps a phase in [0, 1) to [-1, 1].
func triangle(phase float64) float64 {
	return 4*math.Abs(phase-math.Floor(phase+0.5)) - 1
}

func envelope(at, length float64) float64 {
	if at < attack {
		return at / attack
	}
	decay := (at - attack) / math.Max(length-attack, 1e-6)
	return math.Exp(-4 * decay)
}

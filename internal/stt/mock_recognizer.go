package stt

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
)

// speechThreshold is the RMS level above which the mock treats a frame as speech.
const speechThreshold = 0.01

var mockPhrase = []string{"the", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog"}

type mockEngine struct {
	partialEvery int
	finalEvery   int
}

// NewMockEngine returns an engine that "recognizes" a fixed phrase while the
// input is louder than silence: a growing partial every partialEvery voiced
// frames and a final every finalEvery voiced frames.
func NewMockEngine(partialEvery, finalEvery int) Engine {
	if partialEvery <= 0 {
		partialEvery = 8
	}
	if finalEvery <= partialEvery {
		finalEvery = partialEvery * 5
	}
	return &mockEngine{partialEvery: partialEvery, finalEvery: finalEvery}
}

func (e *mockEngine) LoadModel(ctx context.Context, _ string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockModel{engine: e}, nil
}

type mockModel struct {
	engine *mockEngine
}

func (m *mockModel) NewRecognizer(sampleRate int) (Recognizer, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	return &mockRecognizer{
		partialEvery: m.engine.partialEvery,
		finalEvery:   m.engine.finalEvery,
		messages:     make(chan Message, 16),
	}, nil
}

type mockRecognizer struct {
	partialEvery int
	finalEvery   int

	mu       sync.Mutex
	voiced   int
	closed   bool
	messages chan Message
}

func (r *mockRecognizer) AcceptWaveform(samples []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recognizer closed")
	}
	if rms(samples) < speechThreshold {
		return nil
	}
	r.voiced++
	switch {
	case r.voiced%r.finalEvery == 0:
		r.emit(resultMessage(strings.Join(mockPhrase, " ")))
		r.voiced = 0
	case r.voiced%r.partialEvery == 0:
		words := r.voiced / r.partialEvery
		if words > len(mockPhrase) {
			words = len(mockPhrase)
		}
		r.emit(partialMessage(strings.Join(mockPhrase[:words], " ")))
	}
	return nil
}

// emit drops the message when nobody is draining.
func (r *mockRecognizer) emit(msg Message) {
	select {
	case r.messages <- msg:
	default:
	}
}

func (r *mockRecognizer) Messages() <-chan Message {
	return r.messages
}

func (r *mockRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.messages)
	return nil
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

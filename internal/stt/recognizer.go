package stt

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message kinds a streaming recognizer emits.
const (
	KindPartial = "partialresult"
	KindResult  = "result"
)

// Message is a raw recognizer event. Payload is the engine's JSON body,
// {"partial": "..."} for partial results and {"text": "..."} for final ones.
type Message struct {
	Kind    string
	Payload json.RawMessage
}

// Result is a decoded recognizer message.
type Result struct {
	Final bool
	Text  string
}

// Engine loads recognition models. It is the external recognition capability.
type Engine interface {
	LoadModel(ctx context.Context, path string) (Model, error)
}

// Model builds streaming recognizers bound to a sample rate.
type Model interface {
	NewRecognizer(sampleRate int) (Recognizer, error)
}

// Recognizer consumes mono float32 PCM and emits messages asynchronously.
// Messages is closed after Close returns.
type Recognizer interface {
	AcceptWaveform(samples []float32) error
	Messages() <-chan Message
	Close() error
}

type partialPayload struct {
	Partial string `json:"partial"`
}

type resultPayload struct {
	Text string `json:"text"`
}

// Decode extracts the text carried by msg. An empty Text means the engine
// produced nothing for this message.
func Decode(msg Message) (Result, error) {
	switch msg.Kind {
	case KindPartial:
		var p partialPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return Result{}, fmt.Errorf("decode partial result: %w", err)
			}
		}
		return Result{Text: p.Partial}, nil
	case KindResult:
		var r resultPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &r); err != nil {
				return Result{}, fmt.Errorf("decode result: %w", err)
			}
		}
		return Result{Final: true, Text: r.Text}, nil
	default:
		return Result{}, fmt.Errorf("unknown recognizer message kind %q", msg.Kind)
	}
}

func partialMessage(text string) Message {
	data, _ := json.Marshal(partialPayload{Partial: text})
	return Message{Kind: KindPartial, Payload: data}
}

func resultMessage(text string) Message {
	data, _ := json.Marshal(resultPayload{Text: text})
	return Message{Kind: KindResult, Payload: data}
}

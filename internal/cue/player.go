package cue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gopxl/beep"
	"github.com/mattn/go-shellwords"
)

// Player renders a finite streamer to an audio output.
type Player interface {
	Play(ctx context.Context, s beep.Streamer, rate beep.SampleRate) error
}

// execPlayer pipes signed 16-bit mono PCM into a short-lived output process
// such as aplay or pw-play. A {rate} placeholder in the command is replaced
// with the sample rate.
type execPlayer struct {
	command string
}

func NewExecPlayer(command string) (Player, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("cue command empty")
	}
	if _, err := shellwords.NewParser().Parse(command); err != nil {
		return nil, fmt.Errorf("parse cue command: %w", err)
	}
	return &execPlayer{command: command}, nil
}

func (p *execPlayer) Play(ctx context.Context, s beep.Streamer, rate beep.SampleRate) error {
	pcm, err := Render(s, rate)
	if err != nil {
		return err
	}
	args, err := shellwords.NewParser().Parse(strings.ReplaceAll(p.command, "{rate}", strconv.Itoa(int(rate))))
	if err != nil {
		return fmt.Errorf("parse cue command: %w", err)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = bytes.NewReader(pcm)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("cue player failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Render drains s into s16le mono bytes.
func Render(s beep.Streamer, rate beep.SampleRate) ([]byte, error) {
	format := beep.Format{SampleRate: rate, NumChannels: 1, Precision: 2}
	var out bytes.Buffer
	samples := make([][2]float64, 512)
	frame := make([]byte, format.Width())
	for {
		n, ok := s.Stream(samples)
		for _, sample := range samples[:n] {
			format.EncodeSigned(frame, sample)
			out.Write(frame)
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("render cue: %w", err)
	}
	return out.Bytes(), nil
}

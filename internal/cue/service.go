package cue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Service plays cues in the background. Playback failures are logged and
// never reach the caller.
type Service struct {
	cfg    config.CueConfig
	player Player
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.CueConfig, player Player, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		player: player,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "cue-service")),
	}
}

func (s *Service) PlayStart() { s.play(Start, time.Duration(s.cfg.StartDurationMS)*time.Millisecond) }

func (s *Service) PlayStop() { s.play(Stop, time.Duration(s.cfg.StopDurationMS)*time.Millisecond) }

func (s *Service) play(kind Kind, duration time.Duration) {
	if !s.cfg.Enabled || s.player == nil || s.ctx.Err() != nil {
		return
	}
	rate := beep.SampleRate(s.cfg.SampleRate)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, duration+5*time.Second)
		defer cancel()
		if err := s.player.Play(ctx, Tone(kind, rate, duration, s.cfg.Volume), rate); err != nil {
			s.logger.Warn("cue playback failed", slog.String("cue", kind.String()), slogError(err))
		}
	}()
}

// Close cancels pending playback and waits for it to finish.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

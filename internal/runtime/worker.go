package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/cue"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

// dialFunc opens a named bus connection.
type dialFunc func(ctx context.Context, name string) (*bus.Client, error)

// workerLauncher creates the capture-recognition worker on first use. The
// worker owns its own bus connection so it talks to the orchestrator only
// through messages.
type workerLauncher struct {
	cfg    config.Config
	dial   dialFunc
	parent context.Context
	logger *slog.Logger

	mu      sync.Mutex
	client  *bus.Client
	cues    *cue.Service
	binding *capture.Binding
}

func newWorkerLauncher(parent context.Context, cfg config.Config, dial dialFunc, logger *slog.Logger) *workerLauncher {
	return &workerLauncher{
		cfg:    cfg,
		dial:   dial,
		parent: parent,
		logger: logger.With(slog.String("component", "worker-launcher")),
	}
}

// Ensure creates the worker unless it already exists. A failed attempt leaves
// nothing behind and the next call tries again.
func (l *workerLauncher) Ensure(ctx context.Context, reason, justification string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.binding != nil {
		return nil
	}
	l.logger.Info("creating capture worker", slog.String("reason", reason), slog.String("justification", justification))

	source, err := audio.NewSource(l.cfg.Source)
	if err != nil {
		return fmt.Errorf("audio source: %w", err)
	}
	engine, err := newEngine(l.cfg.Engine)
	if err != nil {
		return fmt.Errorf("recognition engine: %w", err)
	}

	client, err := l.dial(ctx, "dictate-worker")
	if err != nil {
		return fmt.Errorf("worker bus: %w", err)
	}

	opts := capture.Options{
		Capture:      l.cfg.Capture,
		ModelPath:    l.cfg.Engine.ModelPath,
		StartTimeout: time.Duration(l.cfg.Engine.StartTimeoutMS) * time.Millisecond,
		Engine:       engine,
		Source:       source,
		Emitter:      capture.BusEmitter(client, l.logger),
	}
	var cues *cue.Service
	if l.cfg.Cues.Enabled {
		player, err := cue.NewExecPlayer(l.cfg.Cues.Command)
		if err != nil {
			l.logger.Warn("confirmation cues disabled", slogError(err))
		} else {
			cues = cue.NewService(l.parent, l.cfg.Cues, player, l.logger)
			opts.Cues = cues
		}
	}

	svc := capture.NewService(opts, l.logger)
	binding := capture.NewBinding(l.parent, svc, client, l.logger)
	if err := binding.Start(); err != nil {
		closeCues(cues)
		client.Close()
		return fmt.Errorf("worker control subscription: %w", err)
	}
	if err := client.Conn().Flush(); err != nil {
		binding.Close()
		closeCues(cues)
		client.Close()
		return fmt.Errorf("worker flush: %w", err)
	}

	l.client = client
	l.cues = cues
	l.binding = binding
	return nil
}

// Running reports whether the worker exists.
func (l *workerLauncher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.binding != nil
}

// Close stops any session and releases the worker.
func (l *workerLauncher) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.binding == nil {
		return
	}
	l.binding.Close()
	closeCues(l.cues)
	l.client.Close()
	l.binding, l.cues, l.client = nil, nil, nil
}

func closeCues(c *cue.Service) {
	if c != nil {
		c.Close()
	}
}

func newEngine(cfg config.EngineConfig) (stt.Engine, error) {
	switch cfg.Mode {
	case "exec":
		return stt.NewExecEngine(cfg)
	case "mock", "":
		return stt.NewMockEngine(cfg.PartialEvery, cfg.FinalEvery), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}

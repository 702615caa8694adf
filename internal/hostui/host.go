// Package hostui is a terminal host surface: an editable page that receives
// dictated text while its terminal has focus.
package hostui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/hosts"
	"github.com/loqalabs/loqa-dictate/internal/inject"
	"github.com/loqalabs/loqa-dictate/internal/protocol"

	tea "github.com/charmbracelet/bubbletea"
)

type Options struct {
	HostID   string
	Name     string
	Bus      *bus.Client
	Hosts    config.HostsConfig
	Injector config.InjectorConfig
	// ProgramOptions are appended to the defaults (alt screen, focus
	// reporting, ctx).
	ProgramOptions []tea.ProgramOption
}

// Run announces the host, serves relayed events into the UI loop and blocks
// until the user quits or ctx is cancelled.
func Run(ctx context.Context, opts Options, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "hostui"), slog.String("host_id", opts.HostID))

	var program *tea.Program
	renderer := inject.RendererFunc(func(view inject.OverlayView) {
		// Overlays render from inside Update and from fade timers; Send
		// must not block either.
		go program.Send(OverlayMsg{View: view})
	})

	surface := NewSurface()
	injector := inject.NewInjector(surface.Doc, opts.Injector, inject.RealScheduler, renderer, logger)

	announcer := hosts.NewAnnouncer(ctx, opts.Hosts, opts.Bus, opts.HostID, opts.Name, logger)
	if err := announcer.Start(); err != nil {
		return err
	}
	defer announcer.Close()
	if err := announcer.SetFocused(true); err != nil {
		logger.Warn("failed to announce focus", slog.String("error", err.Error()))
	}

	model := NewModel(surface, injector, opts.Name, announcer.SetFocused)
	programOpts := append([]tea.ProgramOption{
		tea.WithContext(ctx),
		tea.WithAltScreen(),
		tea.WithReportFocus(),
	}, opts.ProgramOptions...)
	program = tea.NewProgram(model, programOpts...)

	agent := inject.NewAgent(ctx, opts.Bus, opts.HostID, func(ev protocol.Event) {
		program.Send(EventMsg{Event: ev})
	}, logger)
	if err := agent.Start(); err != nil {
		return fmt.Errorf("subscribe host events: %w", err)
	}
	defer agent.Close()

	logger.Info("host surface running", slog.String("name", opts.Name))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

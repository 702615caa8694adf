// Package hosts tracks the host surfaces that can receive dictated text.
// Hosts run an Announcer; the orchestrator runs a Registry.
package hosts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Announcer publishes one host's presence, focus and heartbeat.
type Announcer struct {
	cfg    config.HostsConfig
	bus    *bus.Client
	id     string
	name   string
	log    *slog.Logger
	mu     sync.Mutex
	focus  bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAnnouncer(parent context.Context, cfg config.HostsConfig, busClient *bus.Client, hostID, name string, log *slog.Logger) *Announcer {
	ctx, cancel := context.WithCancel(parent)
	return &Announcer{
		cfg:    cfg,
		bus:    busClient,
		id:     hostID,
		name:   name,
		log:    log.With(slog.String("component", "host-announcer"), slog.String("host_id", hostID)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *Announcer) ID() string { return a.id }

// Start announces the host and begins heartbeating.
func (a *Announcer) Start() error {
	a.mu.Lock()
	err := a.announceLocked(true)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("announce host: %w", err)
	}
	interval := time.Duration(a.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	a.wg.Add(1)
	go a.runHeartbeat(interval)
	return nil
}

// SetFocused announces a focus change. Repeating the current focus is a no-op.
func (a *Announcer) SetFocused(focused bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.focus == focused {
		return nil
	}
	a.focus = focused
	return a.announceLocked(true)
}

// Close announces the host inactive and stops heartbeating.
func (a *Announcer) Close() {
	a.cancel()
	a.wg.Wait()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.focus = false
	if err := a.announceLocked(false); err != nil {
		a.log.Warn("failed to announce departure", slog.String("error", err.Error()))
	}
	_ = a.bus.Conn().Flush()
}

func (a *Announcer) runHeartbeat(interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			hb := protocol.HostHeartbeat{HostID: a.id, Timestamp: time.Now().UTC()}
			if err := a.bus.PublishJSON(protocol.HostHeartbeatSubject(a.id), hb); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) announceLocked(active bool) error {
	msg := protocol.HostAnnouncement{
		HostID:    a.id,
		Name:      a.name,
		Active:    active,
		Focused:   a.focus,
		Timestamp: time.Now().UTC(),
	}
	if err := a.bus.PublishJSON(protocol.SubjectHostAnnounce, msg); err != nil {
		return err
	}
	a.log.Debug("announced host", slog.Bool("active", active), slog.Bool("focused", a.focus))
	return nil
}

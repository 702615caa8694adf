package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type HostInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Active    bool      `json:"active"`
	Focused   bool      `json:"focused"`
	FocusedAt time.Time `json:"focused_at,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	Healthy   bool      `json:"healthy"`
}

// Registry tracks host surfaces from their announcements and heartbeats.
type Registry struct {
	cfg          config.HostsConfig
	log          *slog.Logger
	bus          *bus.Client
	mu           sync.RWMutex
	hosts        map[string]*HostInfo
	cancel       context.CancelFunc
	subs         []*nats.Subscription
	meter        metric.Meter
	hostGauge    metric.Int64ObservableGauge
	focusedGauge metric.Int64ObservableGauge
	now          func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.HostsConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := newRegistry(cfg, log)
	r.bus = busClient
	r.cancel = cancel

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)
	return r, nil
}

func newRegistry(cfg config.HostsConfig, log *slog.Logger) *Registry {
	return &Registry{
		cfg:   cfg,
		log:   log.With(slog.String("component", "host-registry")),
		hosts: make(map[string]*HostInfo),
		meter: otel.Meter("github.com/loqalabs/loqa-dictate/hosts"),
		now:   time.Now,
	}
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectHostAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectHostHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.HostAnnouncement
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid host announcement", slog.String("error", err.Error()))
		return
	}
	r.applyAnnouncement(announcement)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.HostHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid host heartbeat", slog.String("error", err.Error()))
		return
	}
	r.applyHeartbeat(hb)
}

// applyAnnouncement records a host's focus and activity. A host that
// announces itself inactive is forgotten.
func (r *Registry) applyAnnouncement(a protocol.HostAnnouncement) {
	if a.HostID == "" {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !a.Active {
		if _, ok := r.hosts[a.HostID]; ok {
			delete(r.hosts, a.HostID)
			r.log.Info("host left", slog.String("host_id", a.HostID))
		}
		return
	}
	host, ok := r.hosts[a.HostID]
	if !ok {
		host = &HostInfo{ID: a.HostID}
		r.hosts[a.HostID] = host
		r.log.Info("host joined", slog.String("host_id", a.HostID), slog.String("name", a.Name))
	}
	if a.Name != "" {
		host.Name = a.Name
	}
	if a.Focused && !host.Focused {
		host.FocusedAt = a.Timestamp
	}
	host.Active = true
	host.Focused = a.Focused
	host.LastSeen = a.Timestamp
	host.Healthy = true
}

func (r *Registry) applyHeartbeat(hb protocol.HostHeartbeat) {
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	host, ok := r.hosts[hb.HostID]
	if !ok {
		// Heartbeats only refresh known hosts; focus comes from announcements.
		return
	}
	host.LastSeen = hb.Timestamp
	host.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, host := range r.hosts {
		if host.Healthy && now.Sub(host.LastSeen) > timeout {
			host.Healthy = false
			r.log.Warn("host heartbeat timed out", slog.String("host_id", host.ID))
		}
	}
}

// Active returns the healthy, active, focused host that gained focus most
// recently.
func (r *Registry) Active() (HostInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *HostInfo
	for _, host := range r.hosts {
		if !host.Healthy || !host.Active || !host.Focused {
			continue
		}
		if best == nil || host.FocusedAt.After(best.FocusedAt) {
			best = host
		}
	}
	if best == nil {
		return HostInfo{}, false
	}
	return *best, true
}

// Query returns hosts matching filter, ordered by id.
func (r *Registry) Query(filter func(HostInfo) bool) []HostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []HostInfo
	for _, host := range r.hosts {
		copy := *host
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("dictate.hosts.known", metric.WithDescription("Number of known host surfaces"))
	if err != nil {
		return err
	}
	focusedGauge, err := r.meter.Int64ObservableGauge("dictate.hosts.focused", metric.WithDescription("Host surfaces reporting focus"))
	if err != nil {
		return err
	}
	r.hostGauge = gauge
	r.focusedGauge = focusedGauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		known, focused := r.snapshotCounts()
		obs.ObserveInt64(gauge, known)
		obs.ObserveInt64(focusedGauge, focused)
		return nil
	}, gauge, focusedGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, focused int64
	for _, host := range r.hosts {
		known++
		if host.Focused && host.Healthy {
			focused++
		}
	}
	return known, focused
}

func WithHealthyFilter() func(HostInfo) bool {
	return func(host HostInfo) bool { return host.Healthy }
}

func WithFocusedFilter() func(HostInfo) bool {
	return func(host HostInfo) bool { return host.Focused }
}

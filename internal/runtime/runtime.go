// Package runtime assembles the dictation daemon: the bus, the orchestrator,
// the host registry, the lazily created capture worker and the HTTP surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/hosts"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/orchestrator"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	server      *natsserver.EmbeddedServer
	client      *bus.Client
	store       *eventstore.Store
	registry    *hosts.Registry
	worker      *workerLauncher
	orch        *orchestrator.Service
	hub         *statusHub
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	readyCh     chan struct{}
	addr        atomic.Value
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		readyCh: make(chan struct{}),
	}
}

// Ready is closed once every component is serving.
func (r *Runtime) Ready() <-chan struct{} { return r.readyCh }

// Addr is the HTTP listen address, empty until ready or when HTTP is off.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// BusURL is the URL of the embedded bus, empty when an external bus is used.
func (r *Runtime) BusURL() string { return r.server.ClientURL() }

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx, metricsHandler); err != nil {
		cancel()
		r.stop()
		return err
	}

	r.ready.Store(true)
	close(r.readyCh)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()), slog.String("bus", r.BusURL()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.stop()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context, metricsHandler http.Handler) error {
	server, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.server = server

	client, err := r.dial(ctx, "dictated")
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.client = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	registry, err := hosts.NewRegistry(ctx, r.cfg.Hosts, client, r.logger)
	if err != nil {
		return fmt.Errorf("start host registry: %w", err)
	}
	r.registry = registry

	r.worker = newWorkerLauncher(ctx, r.cfg, r.dial, r.logger)
	r.hub = newStatusHub(func() protocol.StatusSnapshot { return r.orch.Snapshot() }, r.logger)

	r.orch = orchestrator.NewService(ctx, orchestrator.Options{
		Config:    r.cfg.Orchestrator,
		Bus:       client,
		Launcher:  r.worker,
		Directory: registry,
		Indicator: orchestrator.Indicators(orchestrator.BusIndicator(client, r.logger), r.hub),
		Store:     store,
	}, r.logger)
	if err := r.orch.Start(); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.hub.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	if r.cfg.HTTP.Enabled {
		if err := r.serveHTTP(metricsHandler); err != nil {
			return err
		}
	}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		r.serveMetrics(bind, metricsHandler)
	}
	return nil
}

func (r *Runtime) dial(ctx context.Context, name string) (*bus.Client, error) {
	if url := r.server.ClientURL(); url != "" {
		return bus.Dial(ctx, url, name, r.logger)
	}
	return bus.Connect(ctx, r.cfg.Bus, name, r.logger)
}

func (r *Runtime) serveHTTP(metricsHandler http.Handler) error {
	a := &api{
		ctrl:     r.orch,
		hosts:    r.registry,
		timeline: r.store,
		events:   r.hub,
		metrics:  metricsHandler,
		ready:    r.healthy,
		logger:   r.logger.With(slog.String("component", "http")),
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (r *Runtime) serveMetrics(bind string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	r.metricsSrv = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Warn("metrics server failed", slog.String("bind", bind), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	if !r.store.Enabled() {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) healthy() bool {
	return r.ready.Load() && r.client.Healthy() && r.orch.Healthy()
}

// stop releases whatever startComponents managed to build, newest first.
func (r *Runtime) stop() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.metricsSrv != nil {
		_ = r.metricsSrv.Shutdown(shutdownCtx)
	}
	if r.orch != nil {
		r.orch.Close()
	}
	if r.worker != nil {
		r.worker.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	r.wg.Wait()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.client != nil {
		r.client.Close()
	}
	r.server.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

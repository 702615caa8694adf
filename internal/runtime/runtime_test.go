package runtime

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func writeToneWav(t *testing.T, rate int, seconds float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	n := int(float64(rate) * seconds)
	samples := make([]int, n)
	for i := range samples {
		samples[i] = int(12000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func startRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	select {
	case <-rt.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("runtime failed to start: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("runtime did not become ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("runtime exited with error: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Error("runtime did not stop")
		}
	})
	return rt
}

func toggle(t *testing.T, base string) protocol.ControlResponse {
	t.Helper()
	resp, err := http.Post(base+"/v1/toggle", "application/json", nil)
	if err != nil {
		t.Fatalf("post toggle: %v", err)
	}
	defer resp.Body.Close()
	var out protocol.ControlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode toggle: %v", err)
	}
	return out
}

func waitForState(t *testing.T, base, state string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last protocol.StatusSnapshot
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/v1/status")
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&last)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if last.State == state {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected state %q, last snapshot %+v", state, last)
}

func TestRuntimeDictationRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.EventStore = config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
		RetentionDays: 30,
		MaxSessions:   100,
	}
	cfg.Source = config.SourceConfig{Mode: "wav", Path: writeToneWav(t, cfg.Capture.SampleRate, 1), Realtime: true}
	cfg.Cues.Enabled = false
	cfg.Orchestrator.ControlTimeoutMS = 5000

	rt := startRuntime(t, cfg)
	base := "http://" + rt.Addr()

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
	if rt.worker.Running() {
		t.Fatal("worker must not exist before the first start")
	}

	started := toggle(t, base)
	if !started.OK || started.Recording == nil || !*started.Recording {
		t.Fatalf("expected recording start, got %+v", started)
	}
	if !rt.worker.Running() {
		t.Fatal("expected the worker to be created on start")
	}
	waitForState(t, base, "recording")

	stopped := toggle(t, base)
	if !stopped.OK || stopped.Recording == nil || *stopped.Recording {
		t.Fatalf("expected recording stop, got %+v", stopped)
	}
	waitForState(t, base, "idle")

	var listing struct {
		Sessions []eventstore.Session `json:"sessions"`
	}
	resp, err = http.Get(base + "/v1/sessions")
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(listing.Sessions) != 1 {
		t.Fatalf("expected one recorded session, got %+v", listing.Sessions)
	}
}

func TestRuntimeReportsStartupFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.HTTP.Enabled = false
	cfg.Telemetry.PrometheusBind = ""
	cfg.EventStore = config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "file-not-dir", "events.db"),
		RetentionMode: "persistent",
	}
	if err := os.WriteFile(filepath.Dir(cfg.EventStore.Path), []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	rt := New(cfg, newLogger())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(context.Background()) }()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a startup error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not report the failure")
	}
}

package capture

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

func TestBindingServesStartAndStopOverBus(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	ctx := context.Background()
	workerConn, err := bus.Dial(ctx, srv.ClientURL(), "worker", newLogger())
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	t.Cleanup(workerConn.Close)
	orchConn, err := bus.Dial(ctx, srv.ClientURL(), "orchestrator", newLogger())
	if err != nil {
		t.Fatalf("dial orchestrator: %v", err)
	}
	t.Cleanup(orchConn.Close)

	events := make(chan *nats.Msg, 32)
	sub, err := orchConn.Conn().ChanSubscribe(protocol.SubjectWorkerEvents, events)
	if err != nil {
		t.Fatalf("subscribe events: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := orchConn.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	svc := NewService(Options{
		Capture:   config.CaptureConfig{SampleRate: 16000, Channels: 1, FrameSize: 4, QueueDepth: 4, InactivityTimeoutMS: 10000},
		ModelPath: "models/test",
		Engine:    &fakeEngine{},
		Source:    &fakeSource{},
		Emitter:   BusEmitter(workerConn, newLogger()),
	}, newLogger())
	binding := NewBinding(ctx, svc, workerConn, newLogger())
	if err := binding.Start(); err != nil {
		t.Fatalf("binding start: %v", err)
	}
	t.Cleanup(binding.Close)
	if err := workerConn.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	request := func(action string) protocol.ControlResponse {
		t.Helper()
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		var resp protocol.ControlResponse
		if err := orchConn.RequestJSON(reqCtx, protocol.SubjectWorkerControl, protocol.ControlRequest{Action: action}, &resp); err != nil {
			t.Fatalf("%s request: %v", action, err)
		}
		return resp
	}

	if resp := request(protocol.ActionStart); !resp.OK || resp.Recording == nil || !*resp.Recording {
		t.Fatalf("unexpected start response %+v", resp)
	}
	if resp := request(protocol.ActionGetStatus); resp.Recording == nil || !*resp.Recording {
		t.Fatalf("expected recording status, got %+v", resp)
	}
	if resp := request(protocol.ActionStop); !resp.OK || resp.Recording == nil || *resp.Recording {
		t.Fatalf("unexpected stop response %+v", resp)
	}
	if resp := request("rewind"); resp.Error == "" {
		t.Fatalf("expected error for unknown action, got %+v", resp)
	}

	want := []string{
		protocol.StatusDownloadingModel,
		protocol.StatusRequestingMic,
		protocol.StatusStartingAudio,
		protocol.StatusRecording,
		protocol.StatusStopped,
	}
	for _, state := range want {
		select {
		case msg := <-events:
			var ev protocol.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if ev.Type != protocol.TypeStatus || ev.State != state {
				t.Fatalf("expected status %q, got %+v", state, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", state)
		}
	}
}

func TestStartResponse(t *testing.T) {
	if resp := startResponse(ErrStartAborted); !resp.OK || *resp.Recording {
		t.Fatalf("aborted start should report not recording, got %+v", resp)
	}
	if resp := startResponse(ErrPermissionDenied); resp.OK || resp.Error == "" {
		t.Fatalf("failed start should be rejected, got %+v", resp)
	}
}

func TestBindingStopRightAfterStartLeavesIdle(t *testing.T) {
	control := func(action string) *nats.Msg {
		data, err := json.Marshal(protocol.ControlRequest{Action: action})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return &nats.Msg{Subject: protocol.SubjectWorkerControl, Data: data}
	}

	for i := 0; i < 20; i++ {
		h := newHarness(t, 10*time.Second)
		b := NewBinding(context.Background(), h.svc, nil, newLogger())

		b.handleControl(control(protocol.ActionStart))
		b.handleControl(control(protocol.ActionStop))
		b.wg.Wait()

		if h.svc.Recording() {
			t.Fatalf("run %d: stop that followed start left the worker recording", i)
		}
		var last protocol.Event
		for drained := false; !drained; {
			select {
			case s := <-h.events.ch:
				last = s.ev
			default:
				drained = true
			}
		}
		if last.State != protocol.StatusStopped {
			t.Fatalf("run %d: expected stopped as the final status, got %+v", i, last)
		}
	}
}

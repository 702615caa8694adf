package capture

import (
	"testing"
	"time"
)

// reusingStream hands out frames through the same backing buffer, like a
// real acquisition primitive.
type reusingStream struct {
	values []float32
	pos    int
	closed chan struct{}
}

func (s *reusingStream) Read(frame []float32) (int, error) {
	if s.pos >= len(s.values) {
		<-s.closed
		return 0, nil
	}
	for i := range frame {
		frame[i] = s.values[s.pos]
	}
	s.pos++
	return len(frame), nil
}

func (s *reusingStream) Close() error { close(s.closed); return nil }

func TestPumpCopiesFramesAndDropsWhenFull(t *testing.T) {
	stream := &reusingStream{values: []float32{1, 2, 3}, closed: make(chan struct{})}
	p := newPump(stream, 2)
	fast := newConsumer("fast", 8)
	slow := newConsumer("slow", 1)
	p.connect(fast)
	p.connect(slow)
	var dropped []string
	p.onDrop = func(name string) { dropped = append(dropped, name) }

	errs := make(chan error, 1)
	go func() { errs <- p.run() }()

	for _, want := range []float32{1, 2, 3} {
		select {
		case frame := <-fast.queue:
			if len(frame) != 2 || frame[0] != want || frame[1] != want {
				t.Fatalf("expected frame of %v, got %v", want, frame)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}

	p.stop()
	_ = stream.Close()
	if err := <-errs; err != nil {
		t.Fatalf("pump: %v", err)
	}
	if got := slow.dropped.Load(); got != 2 {
		t.Fatalf("expected 2 drops on the slow consumer, got %d", got)
	}
	if len(dropped) != 2 || dropped[0] != "slow" {
		t.Fatalf("unexpected drop callbacks %v", dropped)
	}
	if frame := <-slow.queue; frame[0] != 1 {
		t.Fatalf("slow consumer should hold the first frame, got %v", frame)
	}
}

func TestConsumerIgnoresFramesAfterDisconnect(t *testing.T) {
	c := newConsumer("level", 1)
	c.disconnect()
	c.disconnect()
	if !c.offer([]float32{1}) {
		t.Fatal("offer after disconnect should be a silent no-op")
	}
	if len(c.queue) != 0 || c.dropped.Load() != 0 {
		t.Fatal("disconnected consumer must not queue or count drops")
	}
	if err := c.run(func([]float32) error { t.Fatal("unexpected frame"); return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRMS(t *testing.T) {
	if got := rms([]float32{0.5, -0.5, 0.5, -0.5}); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
	if rms(nil) != 0 {
		t.Fatal("expected zero for empty frame")
	}
}

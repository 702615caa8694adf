package capture

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// consumer is one downstream connection of the pump. Frames are offered
// without blocking; a full queue drops the frame.
type consumer struct {
	name    string
	queue   chan []float32
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newConsumer(name string, depth int) *consumer {
	if depth <= 0 {
		depth = 1
	}
	return &consumer{
		name:  name,
		queue: make(chan []float32, depth),
		done:  make(chan struct{}),
	}
}

func (c *consumer) offer(frame []float32) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.queue <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// disconnect is idempotent.
func (c *consumer) disconnect() {
	c.once.Do(func() { close(c.done) })
}

// run hands queued frames to fn until disconnected. A non-nil error from fn
// ends the loop and is returned.
func (c *consumer) run(fn func([]float32) error) error {
	for {
		select {
		case <-c.done:
			return nil
		case frame := <-c.queue:
			if err := fn(frame); err != nil {
				return err
			}
		}
	}
}

// pump reads fixed-size frames from a stream and fans copies out to its
// consumers. The stream reuses its buffer, so every frame is copied before it
// leaves the pump.
type pump struct {
	stream    audio.Stream
	frameSize int
	consumers []*consumer
	onDrop    func(name string)

	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
}

func newPump(stream audio.Stream, frameSize int) *pump {
	ctx, cancel := context.WithCancel(context.Background())
	return &pump{
		stream:    stream,
		frameSize: frameSize,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (p *pump) connect(c *consumer) {
	p.consumers = append(p.consumers, c)
}

// run blocks until the stream fails or the pump is stopped. io.EOF is
// reported as nil.
func (p *pump) run() error {
	defer close(p.done)
	buf := make([]float32, p.frameSize)
	for {
		n, err := p.stream.Read(buf)
		if p.ctx.Err() != nil {
			return nil
		}
		if n > 0 {
			for _, c := range p.consumers {
				frame := make([]float32, n)
				copy(frame, buf[:n])
				if !c.offer(frame) && p.onDrop != nil {
					p.onDrop(c.name)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (p *pump) stop() {
	p.cancel()
}

// rms is the frame's root-mean-square level.
func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

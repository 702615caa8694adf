package inject

import (
	"sync"
	"time"
)

// OverlayKind names the two transient overlays.
type OverlayKind string

const (
	OverlayPreview   OverlayKind = "preview"
	OverlayIndicator OverlayKind = "indicator"
)

// OverlayState is the lifecycle of an overlay.
type OverlayState int

const (
	Hidden OverlayState = iota
	Visible
	FadingOut
)

func (s OverlayState) String() string {
	switch s {
	case Hidden:
		return "hidden"
	case Visible:
		return "visible"
	case FadingOut:
		return "fading_out"
	default:
		return "unknown"
	}
}

// OverlayView is what a renderer draws for one overlay.
type OverlayView struct {
	Kind  OverlayKind
	State OverlayState
	Text  string
}

// Renderer draws overlays. Overlays are top-most and never take input.
type Renderer interface {
	RenderOverlay(view OverlayView)
}

type RendererFunc func(OverlayView)

func (f RendererFunc) RenderOverlay(view OverlayView) { f(view) }

// Timer is a cancellable scheduled transition.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn after d on its own goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// RealScheduler is backed by time.AfterFunc.
var RealScheduler Scheduler = realScheduler{}

// Overlay is a transient UI element: Show makes it Visible, Hide fades it out
// and removes it once the fade elapses. A Show during the fade cancels the
// removal.
type Overlay struct {
	mu       sync.Mutex
	kind     OverlayKind
	fade     time.Duration
	sched    Scheduler
	renderer Renderer
	state    OverlayState
	text     string
	pending  Timer
	token    uint64
}

func NewOverlay(kind OverlayKind, fade time.Duration, sched Scheduler, renderer Renderer) *Overlay {
	if sched == nil {
		sched = RealScheduler
	}
	if renderer == nil {
		renderer = RendererFunc(func(OverlayView) {})
	}
	return &Overlay{kind: kind, fade: fade, sched: sched, renderer: renderer}
}

// Show makes the overlay visible with text. Showing the same text while
// already visible is a no-op.
func (o *Overlay) Show(text string) {
	o.mu.Lock()
	if o.state == Visible && o.text == text {
		o.mu.Unlock()
		return
	}
	o.cancelPendingLocked()
	o.state = Visible
	o.text = text
	view := o.viewLocked()
	o.mu.Unlock()
	o.renderer.RenderOverlay(view)
}

// Hide starts the fade. It is a no-op unless the overlay is Visible.
func (o *Overlay) Hide() {
	o.mu.Lock()
	if o.state != Visible {
		o.mu.Unlock()
		return
	}
	o.state = FadingOut
	o.token++
	token := o.token
	if o.fade <= 0 {
		o.state = Hidden
		o.text = ""
	} else {
		o.pending = o.sched.AfterFunc(o.fade, func() { o.remove(token) })
	}
	view := o.viewLocked()
	o.mu.Unlock()
	o.renderer.RenderOverlay(view)
}

func (o *Overlay) remove(token uint64) {
	o.mu.Lock()
	if o.token != token || o.state != FadingOut {
		o.mu.Unlock()
		return
	}
	o.state = Hidden
	o.text = ""
	o.pending = nil
	view := o.viewLocked()
	o.mu.Unlock()
	o.renderer.RenderOverlay(view)
}

func (o *Overlay) cancelPendingLocked() {
	o.token++
	if o.pending != nil {
		o.pending.Stop()
		o.pending = nil
	}
}

func (o *Overlay) State() OverlayState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Overlay) Text() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.text
}

func (o *Overlay) View() OverlayView {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewLocked()
}

func (o *Overlay) viewLocked() OverlayView {
	return OverlayView{Kind: o.kind, State: o.state, Text: o.text}
}

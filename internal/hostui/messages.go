package hostui

import (
	"github.com/loqalabs/loqa-dictate/internal/inject"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// EventMsg carries one relayed worker event into the UI loop.
type EventMsg struct {
	Event protocol.Event
}

// OverlayMsg asks for a redraw after an overlay changed state. Overlays may
// change from timer goroutines, so the view reads their state directly.
type OverlayMsg struct {
	View inject.OverlayView
}

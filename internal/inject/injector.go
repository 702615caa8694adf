package inject

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dom"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Injector applies relayed events to one host document. HandleEvent must be
// called from the goroutine that owns the document.
type Injector struct {
	doc       dom.Document
	label     string
	preview   *Overlay
	indicator *Overlay
	logger    *slog.Logger

	mu      sync.Mutex
	partial string
}

func NewInjector(doc dom.Document, cfg config.InjectorConfig, sched Scheduler, renderer Renderer, log *slog.Logger) *Injector {
	label := cfg.IndicatorLabel
	if label == "" {
		label = "Listening..."
	}
	return &Injector{
		doc:       doc,
		label:     label,
		preview:   NewOverlay(OverlayPreview, cfg.Fade(), sched, renderer),
		indicator: NewOverlay(OverlayIndicator, cfg.Fade(), sched, renderer),
		logger:    log.With(slog.String("component", "injector")),
	}
}

func (i *Injector) Preview() *Overlay   { return i.preview }
func (i *Injector) Indicator() *Overlay { return i.indicator }

// HandleEvent dispatches one relayed event.
func (i *Injector) HandleEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeResult:
		if err := i.Final(ev.Text); err != nil {
			if IsSilent(err) {
				i.logger.Debug("transcript not inserted", slog.String("error", err.Error()))
			} else {
				i.logger.Warn("transcript insertion failed", slog.String("error", err.Error()))
			}
		}
	case protocol.TypePartial:
		i.Partial(ev.Text)
	case protocol.TypeStatus:
		switch ev.State {
		case protocol.StatusRecording:
			i.indicator.Show(i.label)
		case protocol.StatusStopped:
			i.indicator.Hide()
			i.clearPreview()
		}
	default:
		i.logger.Debug("ignoring event", slog.String("type", ev.Type))
	}
}

// Final inserts text into the focused target and clears the preview. The
// preview is cleared even when no target accepts the text.
func (i *Injector) Final(text string) error {
	defer i.clearPreview()
	if text == "" {
		return nil
	}
	target, err := Resolve(i.doc)
	if err != nil {
		return err
	}
	if err := target.Insert(text); err != nil {
		return err
	}
	i.logger.Debug("inserted transcript",
		slog.String("target", target.Element().ID()),
		slog.String("kind", target.Kind().String()),
		slog.Int("chars", len([]rune(text))),
	)
	return nil
}

// Partial shows the in-progress hypothesis. Empty text clears it.
func (i *Injector) Partial(text string) {
	if text == "" {
		i.clearPreview()
		return
	}
	i.mu.Lock()
	i.partial = text
	i.mu.Unlock()
	i.preview.Show(text)
}

// PendingPartial is the latest partial not yet superseded by a final.
func (i *Injector) PendingPartial() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.partial
}

func (i *Injector) clearPreview() {
	i.mu.Lock()
	i.partial = ""
	i.mu.Unlock()
	i.preview.Hide()
}

// IsSilent reports whether err is an injection failure that should only be
// logged.
func IsSilent(err error) bool {
	return errors.Is(err, ErrNoFocusedTarget) || errors.Is(err, ErrNoSelection)
}

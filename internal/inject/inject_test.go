package inject

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/document"
	"github.com/loqalabs/loqa-dictate/internal/dom"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type manualTimer struct {
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(_ time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// fire runs every timer that is neither stopped nor already fired.
func (s *manualScheduler) fire() int {
	s.mu.Lock()
	var due []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
	return len(due)
}

type viewLog struct {
	mu    sync.Mutex
	views []OverlayView
}

func (l *viewLog) RenderOverlay(v OverlayView) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.views = append(l.views, v)
}

func (l *viewLog) of(kind OverlayKind) []OverlayView {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []OverlayView
	for _, v := range l.views {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

func newInjector(doc dom.Document) (*Injector, *manualScheduler, *viewLog) {
	sched := &manualScheduler{}
	views := &viewLog{}
	cfg := config.InjectorConfig{FadeMS: 150, IndicatorLabel: "Listening..."}
	return NewInjector(doc, cfg, sched, views, newLogger()), sched, views
}

func TestPlainInsertionRoundTrips(t *testing.T) {
	cases := []struct {
		name       string
		opts       document.FieldOptions
		initial    string
		start, end int
		text       string
		want       string
		caret      int
	}{
		{name: "after trailing space", initial: "foo ", start: 4, end: 4, text: "hello", want: "foo hello", caret: 9},
		{name: "between words", initial: "foobar", start: 3, end: 3, text: "hello", want: "foo hello bar", caret: 10},
		{name: "replaces selection", initial: "foo XXX bar", start: 4, end: 7, text: "hello", want: "foo hello bar", caret: 9},
		{name: "at start", initial: "world", start: 0, end: 0, text: "hello", want: "hello world", caret: 6},
		{name: "text carries its own spaces", initial: "ab", start: 1, end: 1, text: " x ", want: "a x b", caret: 4},
		{name: "empty field", initial: "", start: 0, end: 0, text: "hello", want: "hello", caret: 5},
		{name: "no selection api defaults to end", opts: document.FieldOptions{NoSelectionAPI: true}, initial: "foo", text: "hello", want: "foo hello", caret: 9},
		{name: "fallback without native insert", opts: document.FieldOptions{NoNativeInsert: true}, initial: "foobar", start: 3, end: 3, text: "hello", want: "foo hello bar", caret: 10},
		{name: "unicode whitespace", initial: "foo\u00a0", start: 4, end: 4, text: "hello", want: "foo\u00a0hello", caret: 9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := document.New()
			field := doc.NewField("f", tc.opts)
			doc.Append(field)
			field.Type(tc.initial)
			field.SetSelectionRange(tc.start, tc.end)
			field.Focus()

			var events []string
			doc.OnEvent(func(ev document.Event) { events = append(events, ev.Type) })

			inj, _, _ := newInjector(doc)
			if err := inj.Final(tc.text); err != nil {
				t.Fatalf("final: %v", err)
			}
			if field.Value() != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, field.Value())
			}
			if field.Caret() != tc.caret {
				t.Fatalf("expected caret %d, got %d", tc.caret, field.Caret())
			}
			if field.FrameworkValue() != tc.want {
				t.Fatalf("framework should observe %q, got %q", tc.want, field.FrameworkValue())
			}
			if want := []string{dom.EventInput, dom.EventChange, dom.EventInput}; !reflect.DeepEqual(events, want) {
				t.Fatalf("expected events %v, got %v", want, events)
			}
		})
	}
}

func TestRichInsertionReplacesRange(t *testing.T) {
	doc := document.New()
	rich := doc.NewRichText("notes", "Hello ", "world")
	doc.Append(rich)
	rich.Focus()
	rich.Select(6, 11)

	var events []string
	doc.OnEvent(func(ev document.Event) { events = append(events, ev.Target+":"+ev.Type) })

	inj, _, _ := newInjector(doc)
	if err := inj.Final("there"); err != nil {
		t.Fatalf("final: %v", err)
	}
	if want := []string{"Hello ", "there"}; !reflect.DeepEqual(rich.Runs(), want) {
		t.Fatalf("expected runs %v, got %v", want, rich.Runs())
	}
	if start, end, _ := rich.Range(); start != 11 || end != 11 {
		t.Fatalf("expected collapsed caret after run, got %d..%d", start, end)
	}
	if want := []string{"notes:input"}; !reflect.DeepEqual(events, want) {
		t.Fatalf("expected %v, got %v", want, events)
	}

	if err := inj.Final("again"); err != nil {
		t.Fatalf("final: %v", err)
	}
	if want := []string{"Hello ", "there", " again"}; !reflect.DeepEqual(rich.Runs(), want) {
		t.Fatalf("expected separator before second run, got %v", rich.Runs())
	}
}

func TestRichInsertionWithoutSelection(t *testing.T) {
	doc := document.New()
	rich := doc.NewRichText("notes", "x")
	doc.Append(rich)
	rich.Focus()
	rich.ClearSelection()

	inj, _, _ := newInjector(doc)
	if err := inj.Final("hello"); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}
	if rich.Text() != "x" {
		t.Fatalf("surface must be untouched, got %q", rich.Text())
	}
}

func TestResolveStrategies(t *testing.T) {
	t.Run("rich descendant is focused before insertion", func(t *testing.T) {
		doc := document.New()
		rich := doc.NewRichText("editor")
		wrapper := doc.NewContainer("wrapper").Append(doc.NewContainer("inner").Append(rich))
		doc.Append(wrapper)
		wrapper.Focus()

		target, err := Resolve(doc)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if target.Kind() != KindRichSurface || target.Element() != dom.Element(rich) {
			t.Fatalf("unexpected target %v %v", target.Kind(), target.Element().ID())
		}
		if err := target.Insert("hi"); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if doc.Focused() != dom.Element(rich) || rich.Text() != "hi" {
			t.Fatalf("expected focused rich surface with text, got %v %q", doc.Focused(), rich.Text())
		}
	})

	t.Run("shadow field is nested", func(t *testing.T) {
		doc := document.New()
		host := doc.NewContainer("widget")
		field := doc.NewField("widget-input", document.FieldOptions{})
		host.AttachShadow().Append(doc.NewContainer("shell").Append(field))
		doc.Append(host)
		host.Focus()

		target, err := Resolve(doc)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if target.Kind() != KindNested {
			t.Fatalf("expected nested target, got %v", target.Kind())
		}
		if err := target.Insert("hello"); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if field.Value() != "hello" || doc.Focused() != dom.Element(field) {
			t.Fatalf("expected text in focused inner field, got %q", field.Value())
		}
		if doc.ActiveElement() != dom.Element(host) {
			t.Fatal("active element should still report the shadow host")
		}
	})

	t.Run("focused shadow editable wins over the first one", func(t *testing.T) {
		doc := document.New()
		host := doc.NewContainer("widget")
		first := doc.NewField("first", document.FieldOptions{})
		second := doc.NewRichText("second")
		host.AttachShadow().Append(first, second)
		doc.Append(host)
		second.Focus()

		target, err := Resolve(doc)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if target.Kind() != KindNested || target.Element() != dom.Element(second) {
			t.Fatalf("expected nested rich target, got %v %s", target.Kind(), target.Element().ID())
		}
	})

	t.Run("light descendant beats shadow root", func(t *testing.T) {
		doc := document.New()
		host := doc.NewContainer("host")
		rich := doc.NewRichText("light")
		host.Append(rich)
		host.AttachShadow().Append(doc.NewField("shadowed", document.FieldOptions{}))
		doc.Append(host)
		host.Focus()

		target, err := Resolve(doc)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if target.Kind() != KindRichSurface {
			t.Fatalf("expected rich surface, got %v", target.Kind())
		}
	})

	t.Run("descendant search does not pierce nested shadow roots", func(t *testing.T) {
		doc := document.New()
		outer := doc.NewContainer("outer")
		inner := doc.NewContainer("inner")
		inner.AttachShadow().Append(doc.NewRichText("hidden"))
		outer.Append(inner)
		doc.Append(outer)
		outer.Focus()

		if _, err := Resolve(doc); !errors.Is(err, ErrNoFocusedTarget) {
			t.Fatalf("expected ErrNoFocusedTarget, got %v", err)
		}
	})

	t.Run("nothing focused", func(t *testing.T) {
		doc := document.New()
		doc.Append(doc.NewField("f", document.FieldOptions{}))
		if _, err := Resolve(doc); !errors.Is(err, ErrNoFocusedTarget) {
			t.Fatalf("expected ErrNoFocusedTarget, got %v", err)
		}
	})
}

func TestFinalWithoutTargetIsSilentNoop(t *testing.T) {
	doc := document.New()
	field := doc.NewField("f", document.FieldOptions{})
	doc.Append(field)
	field.Type("untouched")

	inj, _, _ := newInjector(doc)
	inj.HandleEvent(protocol.Partial("hello"))
	inj.HandleEvent(protocol.Result("hello"))

	if field.Value() != "untouched" {
		t.Fatalf("unfocused field mutated: %q", field.Value())
	}
	if inj.Preview().State() != FadingOut {
		t.Fatalf("preview should be cleared even without a target, got %v", inj.Preview().State())
	}
	if !IsSilent(ErrNoFocusedTarget) {
		t.Fatal("missing target must be a silent failure")
	}
}

func TestScriptedDictationSession(t *testing.T) {
	doc := document.New()
	field := doc.NewField("body", document.FieldOptions{Multiline: true})
	doc.Append(field)
	field.Type("foo ")
	field.Focus()

	inj, sched, views := newInjector(doc)

	inj.HandleEvent(protocol.Status(protocol.StatusRecording))
	inj.HandleEvent(protocol.Status(protocol.StatusRecording))
	if v := inj.Indicator().View(); v.State != Visible || v.Text != "Listening..." {
		t.Fatalf("unexpected indicator %+v", v)
	}
	if n := len(views.of(OverlayIndicator)); n != 1 {
		t.Fatalf("indicator show should be idempotent, rendered %d times", n)
	}

	for _, partial := range []string{"hello", "hello wor", "hello world"} {
		inj.HandleEvent(protocol.Partial(partial))
		if v := inj.Preview().View(); v.State != Visible || v.Text != partial {
			t.Fatalf("expected preview %q, got %+v", partial, v)
		}
		if inj.PendingPartial() != partial {
			t.Fatalf("pending partial should be %q", partial)
		}
	}

	inj.HandleEvent(protocol.Result("hello world"))
	if field.Value() != "foo hello world" {
		t.Fatalf("unexpected field value %q", field.Value())
	}
	if inj.PendingPartial() != "" {
		t.Fatal("final should clear pending partial")
	}
	if inj.Preview().State() != FadingOut {
		t.Fatalf("preview should fade after final, got %v", inj.Preview().State())
	}
	if n := sched.fire(); n != 1 {
		t.Fatalf("expected one scheduled removal, got %d", n)
	}

	inj.HandleEvent(protocol.Status(protocol.StatusStopped))
	if inj.Indicator().State() != FadingOut {
		t.Fatalf("indicator should fade on stop, got %v", inj.Indicator().State())
	}
	sched.fire()

	var previewStates []OverlayState
	var previewTexts []string
	for _, v := range views.of(OverlayPreview) {
		previewStates = append(previewStates, v.State)
		previewTexts = append(previewTexts, v.Text)
	}
	if want := []OverlayState{Visible, Visible, Visible, FadingOut, Hidden}; !reflect.DeepEqual(previewStates, want) {
		t.Fatalf("expected preview states %v, got %v", want, previewStates)
	}
	if want := []string{"hello", "hello wor", "hello world", "hello world", ""}; !reflect.DeepEqual(previewTexts, want) {
		t.Fatalf("expected preview texts %v, got %v", want, previewTexts)
	}
	if inj.Indicator().State() != Hidden || inj.Preview().State() != Hidden {
		t.Fatal("both overlays should be removed after stop")
	}
}

func TestStoppedHidesPreviewToo(t *testing.T) {
	inj, sched, _ := newInjector(document.New())
	inj.HandleEvent(protocol.Status(protocol.StatusRecording))
	inj.HandleEvent(protocol.Partial("half a sen"))
	inj.HandleEvent(protocol.Status(protocol.StatusStopped))
	sched.fire()
	if inj.Preview().State() != Hidden || inj.Indicator().State() != Hidden {
		t.Fatal("stopped should remove indicator and preview")
	}
	inj.HandleEvent(protocol.Partial("x"))
	inj.HandleEvent(protocol.Partial(""))
	if inj.Preview().State() != FadingOut {
		t.Fatalf("empty partial should clear preview, got %v", inj.Preview().State())
	}
}

func TestOverlayShowDuringFadeCancelsRemoval(t *testing.T) {
	sched := &manualScheduler{}
	views := &viewLog{}
	o := NewOverlay(OverlayPreview, 150*time.Millisecond, sched, views)

	o.Hide()
	if len(views.views) != 0 {
		t.Fatal("hiding a hidden overlay must not render")
	}
	o.Show("a")
	o.Hide()
	o.Show("b")
	if sched.fire() != 0 {
		t.Fatal("cancelled removal must not fire")
	}
	// A removal that races past Stop is discarded by its token.
	sched.timers[0].fn()
	if v := o.View(); v.State != Visible || v.Text != "b" {
		t.Fatalf("expected visible b, got %+v", v)
	}

	o.Hide()
	o.Hide()
	if sched.fire() != 1 || o.State() != Hidden {
		t.Fatalf("expected hidden after fade, got %v", o.State())
	}
}

func TestOverlayWithoutFadeHidesImmediately(t *testing.T) {
	o := NewOverlay(OverlayIndicator, 0, &manualScheduler{}, nil)
	o.Show("Listening...")
	o.Hide()
	if o.State() != Hidden || o.Text() != "" {
		t.Fatalf("expected immediate removal, got %+v", o.View())
	}
}

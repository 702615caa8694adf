package hostui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/loqa-dictate/internal/document"
	"github.com/loqalabs/loqa-dictate/internal/dom"
	"github.com/loqalabs/loqa-dictate/internal/inject"
	"github.com/loqalabs/loqa-dictate/internal/protocol"

	tea "github.com/charmbracelet/bubbletea"
)

// editable is what keyboard input can drive.
type editable interface {
	dom.Element
	Type(text string)
	Backspace()
	MoveCaret(delta int)
}

// Model is the bubbletea model for one host surface.
type Model struct {
	surface  *Surface
	injector *inject.Injector
	name     string

	// onFocus reports terminal focus changes; nil in tests that don't care.
	onFocus func(bool) error

	focusIndex    int
	terminalFocus bool
	status        string
	lastErr       string
	width         int
}

// NewModel wires the surface to the injector that receives relayed events.
func NewModel(surface *Surface, injector *inject.Injector, name string, onFocus func(bool) error) Model {
	return Model{
		surface:       surface,
		injector:      injector,
		name:          name,
		onFocus:       onFocus,
		focusIndex:    -1,
		terminalFocus: true,
		status:        "idle",
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.FocusMsg:
		m.setTerminalFocus(true)
		return m, nil

	case tea.BlurMsg:
		m.setTerminalFocus(false)
		return m, nil

	case EventMsg:
		m.injector.HandleEvent(msg.Event)
		if msg.Event.Type == protocol.TypeStatus {
			m.status = msg.Event.State
			m.lastErr = ""
			if msg.Event.State == protocol.StatusError {
				m.lastErr = msg.Event.Message
			}
		}
		return m, nil

	case OverlayMsg:
		return m, nil
	}
	return m, nil
}

func (m *Model) setTerminalFocus(focused bool) {
	m.terminalFocus = focused
	if m.onFocus == nil {
		return
	}
	if err := m.onFocus(focused); err != nil {
		m.lastErr = err.Error()
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyTab:
		m.cycleFocus(1)
		return m, nil
	case tea.KeyShiftTab:
		m.cycleFocus(-1)
		return m, nil
	case tea.KeyEsc:
		m.surface.Doc.Blur()
		m.focusIndex = -1
		return m, nil
	}

	ed, ok := m.surface.Doc.Focused().(editable)
	if !ok {
		return m, nil
	}
	switch msg.Type {
	case tea.KeyRunes:
		ed.Type(string(msg.Runes))
	case tea.KeySpace:
		ed.Type(" ")
	case tea.KeyEnter:
		if f, ok := ed.(*document.Field); ok && f.Multiline() {
			f.Type("\n")
		}
	case tea.KeyBackspace:
		ed.Backspace()
	case tea.KeyLeft:
		ed.MoveCaret(-1)
	case tea.KeyRight:
		ed.MoveCaret(1)
	}
	return m, nil
}

func (m *Model) cycleFocus(step int) {
	elements := m.surface.Doc.Focusable()
	if len(elements) == 0 {
		return
	}
	switch {
	case m.focusIndex < 0 && step > 0:
		m.focusIndex = 0
	case m.focusIndex < 0:
		m.focusIndex = len(elements) - 1
	default:
		m.focusIndex = (m.focusIndex + step + len(elements)) % len(elements)
	}
	elements[m.focusIndex].Focus()
}

func (m Model) View() string {
	var b strings.Builder

	header := titleStyle.Render("dictate host: " + m.name)
	if m.injector.Indicator().State() == inject.Visible {
		header = lipgloss.JoinHorizontal(lipgloss.Top, header, "  ", indicatorStyle.Render("● "+m.injector.Indicator().Text()))
	}
	b.WriteString(header)
	b.WriteString("\n\n")

	focused := m.surface.Doc.Focused()
	for _, el := range m.surface.Doc.Focusable() {
		isFocused := el == focused
		label := labelStyle.Render(m.surface.label(el.ID()))
		box := boxStyle
		if isFocused {
			label = focusedLabelStyle.Render(m.surface.label(el.ID()))
			box = focusedBoxStyle
		}
		b.WriteString(label)
		b.WriteString("\n")
		b.WriteString(box.Render(renderContent(el, isFocused)))
		b.WriteString("\n")
	}

	preview := m.injector.Preview().View()
	switch preview.State {
	case inject.Visible:
		b.WriteString(previewStyle.Render("… " + preview.Text))
		b.WriteString("\n")
	case inject.FadingOut:
		b.WriteString(fadingStyle.Render("… " + preview.Text))
		b.WriteString("\n")
	}

	status := fmt.Sprintf("status: %s  focus: %s  [tab] next  [shift+tab] prev  [esc] blur  [ctrl+c] quit", m.status, focusLabel(m.terminalFocus))
	if m.lastErr != "" {
		status += "  error: " + m.lastErr
	}
	b.WriteString(statusStyle.Render(status))
	return b.String()
}

func focusLabel(focused bool) string {
	if focused {
		return "terminal"
	}
	return "elsewhere"
}

func renderContent(el dom.Element, focused bool) string {
	var (
		text  []rune
		caret int
	)
	switch e := el.(type) {
	case *document.Field:
		text, caret = []rune(e.Value()), e.Caret()
	case *document.RichText:
		text = []rune(e.Text())
		start, _, ok := e.Range()
		caret = len(text)
		if ok {
			caret = start
		}
	default:
		return ""
	}
	if !focused {
		if len(text) == 0 {
			return " "
		}
		return string(text)
	}
	caret = min(max(caret, 0), len(text))
	under := " "
	rest := ""
	if caret < len(text) {
		under = string(text[caret])
		rest = string(text[caret+1:])
	}
	return string(text[:caret]) + caretStyle.Render(under) + rest
}

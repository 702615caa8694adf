package document

import (
	"github.com/loqalabs/loqa-dictate/internal/dom"
)

// FieldOptions shapes how a Field behaves toward editing tools.
type FieldOptions struct {
	Multiline bool
	// NoSelectionAPI hides the selection, like input types that have none.
	NoSelectionAPI bool
	// NoNativeInsert disables the undo-preserving insert primitive.
	NoNativeInsert bool
}

// Field is a plain text field. Its framework value models a reactive
// framework that caches the value it last observed: assignments through the
// element's own setter update the cache, native edits leave it stale until an
// input event follows a native setter assignment.
type Field struct {
	node
	opts      FieldOptions
	value     []rune
	selStart  int
	selEnd    int
	framework string
	pending   bool
}

var _ dom.PlainField = (*Field)(nil)

func (d *Document) NewField(id string, opts FieldOptions) *Field {
	f := &Field{node: node{id: id, doc: d}, opts: opts}
	f.self = f
	return f
}

func (f *Field) Multiline() bool { return f.opts.Multiline }

func (f *Field) Value() string { return string(f.value) }

// FrameworkValue is what the reactive framework believes the value is.
func (f *Field) FrameworkValue() string { return f.framework }

func (f *Field) SelectionRange() (int, int, bool) {
	if f.opts.NoSelectionAPI {
		return 0, 0, false
	}
	return f.selStart, f.selEnd, true
}

// Caret is the selection start whether or not the selection API is exposed.
func (f *Field) Caret() int { return f.selStart }

func (f *Field) SetSelectionRange(start, end int) {
	start = f.clamp(start)
	end = f.clamp(end)
	if end < start {
		end = start
	}
	f.selStart, f.selEnd = start, end
}

func (f *Field) InsertText(text string) bool {
	if f.opts.NoNativeInsert {
		return false
	}
	f.replaceSelection([]rune(text))
	return true
}

func (f *Field) SetValue(value string) {
	f.assign(value)
	f.framework = value
	f.pending = false
}

func (f *Field) SetNativeValue(value string) {
	f.assign(value)
	f.pending = true
}

func (f *Field) Dispatch(event string) {
	if event == dom.EventInput && f.pending {
		f.framework = string(f.value)
		f.pending = false
	}
	f.node.Dispatch(event)
}

// Type inserts text as the user would, at the caret.
func (f *Field) Type(text string) {
	f.replaceSelection([]rune(text))
	f.framework = string(f.value)
	f.node.Dispatch(dom.EventInput)
}

// Backspace deletes the selection or the character before the caret.
func (f *Field) Backspace() {
	if f.selStart == f.selEnd {
		if f.selStart == 0 {
			return
		}
		f.selStart--
	}
	f.replaceSelection(nil)
	f.framework = string(f.value)
	f.node.Dispatch(dom.EventInput)
}

// MoveCaret collapses the selection and moves the caret by delta runes.
func (f *Field) MoveCaret(delta int) {
	pos := f.clamp(f.selEnd + delta)
	f.selStart, f.selEnd = pos, pos
}

func (f *Field) replaceSelection(text []rune) {
	out := make([]rune, 0, len(f.value)-(f.selEnd-f.selStart)+len(text))
	out = append(out, f.value[:f.selStart]...)
	out = append(out, text...)
	out = append(out, f.value[f.selEnd:]...)
	f.value = out
	caret := f.selStart + len(text)
	f.selStart, f.selEnd = caret, caret
}

// assign replaces the whole value; the caret moves to the end when the
// value changed.
func (f *Field) assign(value string) {
	if value == string(f.value) {
		return
	}
	f.value = []rune(value)
	f.selStart, f.selEnd = len(f.value), len(f.value)
}

func (f *Field) clamp(pos int) int {
	if pos < 0 {
		return 0
	}
	if pos > len(f.value) {
		return len(f.value)
	}
	return pos
}

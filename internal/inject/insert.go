package inject

import (
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-dictate/internal/dom"
)

func insertRich(surface dom.RichSurface, text string) error {
	sel := surface.Selection()
	if sel == nil {
		return ErrNoSelection
	}
	sel.DeleteContents()
	if prev, ok := sel.CharBefore(); ok && needsSeparator(prev, leadingRune(text)) {
		text = " " + text
	}
	sel.InsertRun(text)
	surface.Dispatch(dom.EventInput)
	return nil
}

func insertPlain(field dom.PlainField, text string) {
	value := []rune(field.Value())
	start, end, ok := field.SelectionRange()
	if !ok {
		start, end = len(value), len(value)
	}
	start = clamp(start, 0, len(value))
	end = clamp(end, start, len(value))

	insert := text
	if start > 0 && needsSeparator(value[start-1], leadingRune(text)) {
		insert = " " + insert
	}
	if end < len(value) && needsSeparator(value[end], trailingRune(text)) {
		insert += " "
	}

	field.Focus()
	field.SetSelectionRange(start, end)
	if !field.InsertText(insert) {
		field.SetValue(string(value[:start]) + insert + string(value[end:]))
		caret := start + utf8.RuneCountInString(insert)
		field.SetSelectionRange(caret, caret)
	}
	field.Dispatch(dom.EventInput)
	field.Dispatch(dom.EventChange)
	notifyHostFramework(field)
}

// notifyHostFramework re-applies the current value through the platform's
// native setter and announces it, so a framework that shadows the value
// property observes a mutation it did not make itself.
func notifyHostFramework(field dom.PlainField) {
	field.SetNativeValue(field.Value())
	field.Dispatch(dom.EventInput)
}

// needsSeparator reports whether a space belongs between neighbor and the
// inserted edge. A missing edge (empty text) never needs one.
func needsSeparator(neighbor, edge rune) bool {
	if edge == utf8.RuneError {
		return false
	}
	return !unicode.IsSpace(neighbor) && !unicode.IsSpace(edge)
}

func leadingRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func trailingRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

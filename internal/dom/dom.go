// Package dom is the contract between the injector and a host document.
// Offsets are in runes.
package dom

// Notification names dispatched to elements after a mutation.
const (
	EventInput  = "input"
	EventChange = "change"
)

// Document is a host document with a single focused element.
type Document interface {
	// ActiveElement is the focused element, or nil. Elements focused inside a
	// shadow root are reported as their shadow host.
	ActiveElement() Element
}

// Element is a node in the host document.
type Element interface {
	ID() string
	// Children are the light-tree children.
	Children() []Element
	// ShadowRoot is the encapsulated sub-tree the element owns, or nil.
	ShadowRoot() Root
	Focus()
	Dispatch(event string)
}

// Root is an encapsulated sub-tree.
type Root interface {
	Children() []Element
	// ActiveElement is the focused element inside this root, or nil.
	ActiveElement() Element
}

// PlainField is a single- or multi-line text buffer with a caret.
type PlainField interface {
	Element
	Value() string
	// SelectionRange reports the selection; ok is false when the field has no
	// selection API.
	SelectionRange() (start, end int, ok bool)
	SetSelectionRange(start, end int)
	// InsertText replaces the selection through the host's undo-preserving
	// editing primitive. It returns false when the host has none.
	InsertText(text string) bool
	// SetValue assigns through the element's own value property, which a
	// reactive framework may have shadowed.
	SetValue(value string)
	// SetNativeValue assigns through the platform's underlying setter.
	SetNativeValue(value string)
}

// RichSurface is a rich editable region.
type RichSurface interface {
	Element
	// Selection is the live selection inside the surface, or nil.
	Selection() Selection
}

// Selection is a range within a rich surface.
type Selection interface {
	DeleteContents()
	// CharBefore is the character immediately before the range start.
	CharBefore() (rune, bool)
	// InsertRun inserts text as one run at the range start and collapses the
	// range to just after it.
	InsertRun(text string)
}

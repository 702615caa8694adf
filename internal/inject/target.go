// Package inject applies relayed dictation events to a host document: it
// resolves the focused editable target, splices recognized text into it and
// drives the preview and recording overlays.
package inject

import (
	"errors"

	"github.com/loqalabs/loqa-dictate/internal/dom"
)

var (
	ErrNoFocusedTarget = errors.New("no focused editable target")
	ErrNoSelection     = errors.New("rich surface has no selection")
)

// Kind tags the shape of an editable target.
type Kind int

const (
	KindPlainField Kind = iota
	KindRichSurface
	KindNested
)

func (k Kind) String() string {
	switch k {
	case KindPlainField:
		return "plain_field"
	case KindRichSurface:
		return "rich_surface"
	case KindNested:
		return "nested"
	default:
		return "unknown"
	}
}

// Target is a resolved editable surface. It is resolved fresh for every
// insertion and never kept.
type Target interface {
	Kind() Kind
	Element() dom.Element
	Insert(text string) error
}

type plainTarget struct {
	field dom.PlainField
}

func (t plainTarget) Kind() Kind           { return KindPlainField }
func (t plainTarget) Element() dom.Element { return t.field }

func (t plainTarget) Insert(text string) error {
	insertPlain(t.field, text)
	return nil
}

type richTarget struct {
	surface dom.RichSurface
	focus   bool
}

func (t richTarget) Kind() Kind           { return KindRichSurface }
func (t richTarget) Element() dom.Element { return t.surface }

func (t richTarget) Insert(text string) error {
	if t.focus {
		t.surface.Focus()
	}
	return insertRich(t.surface, text)
}

// nestedTarget is an editable inside a shadow root. Insert focuses the inner
// element and delegates to its own shape.
type nestedTarget struct {
	host  dom.Element
	inner Target
}

func (t nestedTarget) Kind() Kind           { return KindNested }
func (t nestedTarget) Element() dom.Element { return t.inner.Element() }

func (t nestedTarget) Insert(text string) error {
	t.inner.Element().Focus()
	return t.inner.Insert(text)
}

type strategy struct {
	name    string
	resolve func(focused dom.Element) (Target, bool)
}

// strategies run in order; the first match wins.
var strategies = []strategy{
	{name: "focused_rich", resolve: func(el dom.Element) (Target, bool) {
		rs, ok := el.(dom.RichSurface)
		if !ok {
			return nil, false
		}
		return richTarget{surface: rs}, true
	}},
	{name: "focused_plain", resolve: func(el dom.Element) (Target, bool) {
		pf, ok := el.(dom.PlainField)
		if !ok {
			return nil, false
		}
		return plainTarget{field: pf}, true
	}},
	{name: "rich_descendant", resolve: func(el dom.Element) (Target, bool) {
		rs := findFirst(el.Children(), func(e dom.Element) bool {
			_, ok := e.(dom.RichSurface)
			return ok
		})
		if rs == nil {
			return nil, false
		}
		return richTarget{surface: rs.(dom.RichSurface), focus: true}, true
	}},
	{name: "shadow_editable", resolve: func(el dom.Element) (Target, bool) {
		root := el.ShadowRoot()
		if root == nil {
			return nil, false
		}
		inner := root.ActiveElement()
		if inner == nil || !editable(inner) {
			inner = findFirst(root.Children(), editable)
		}
		if inner == nil {
			return nil, false
		}
		var target Target
		switch e := inner.(type) {
		case dom.RichSurface:
			target = richTarget{surface: e}
		case dom.PlainField:
			target = plainTarget{field: e}
		}
		return nestedTarget{host: el, inner: target}, true
	}},
}

// Resolve locates the editable target for the document's focused element.
func Resolve(doc dom.Document) (Target, error) {
	focused := doc.ActiveElement()
	if focused == nil {
		return nil, ErrNoFocusedTarget
	}
	for _, s := range strategies {
		if target, ok := s.resolve(focused); ok {
			return target, nil
		}
	}
	return nil, ErrNoFocusedTarget
}

func editable(el dom.Element) bool {
	switch el.(type) {
	case dom.RichSurface, dom.PlainField:
		return true
	}
	return false
}

// findFirst searches the light tree depth-first in document order. It does
// not descend into shadow roots.
func findFirst(elements []dom.Element, match func(dom.Element) bool) dom.Element {
	for _, el := range elements {
		if match(el) {
			return el
		}
		if found := findFirst(el.Children(), match); found != nil {
			return found
		}
	}
	return nil
}

// Package document is an in-memory host document: plain fields, rich text
// surfaces and containers that may own a shadow root. It implements the dom
// contract and is what the terminal host edits.
package document

import (
	"github.com/loqalabs/loqa-dictate/internal/dom"
)

// Event is a notification dispatched to an element.
type Event struct {
	Target string
	Type   string
}

// Document tracks the element tree, focus and dispatched events. It is not
// safe for concurrent use; hosts mutate it from their UI loop.
type Document struct {
	body      []dom.Element
	focused   dom.Element
	listeners []func(Event)
}

func New() *Document {
	return &Document{}
}

// Append adds top-level elements.
func (d *Document) Append(elements ...dom.Element) {
	d.body = append(d.body, elements...)
}

func (d *Document) Body() []dom.Element {
	return d.body
}

func (d *Document) ActiveElement() dom.Element {
	el := d.focused
	for el != nil {
		host := hostOf(el)
		if host == nil {
			return el
		}
		el = host
	}
	return nil
}

// Focused is the focused element itself, even when it lives in a shadow root.
func (d *Document) Focused() dom.Element {
	return d.focused
}

func (d *Document) Blur() {
	d.focused = nil
}

// OnEvent registers a listener for every dispatched event.
func (d *Document) OnEvent(fn func(Event)) {
	d.listeners = append(d.listeners, fn)
}

func (d *Document) emit(ev Event) {
	for _, fn := range d.listeners {
		fn(ev)
	}
}

// Focusable lists the focusable elements in tree order, descending into
// shadow roots.
func (d *Document) Focusable() []dom.Element {
	var out []dom.Element
	var walk func(els []dom.Element)
	walk = func(els []dom.Element) {
		for _, el := range els {
			switch el.(type) {
			case *Field, *RichText:
				out = append(out, el)
			}
			walk(el.Children())
			if root := el.ShadowRoot(); root != nil {
				walk(root.Children())
			}
		}
	}
	walk(d.body)
	return out
}

type hosted interface {
	setHost(host dom.Element)
	shadowHost() dom.Element
}

func hostOf(el dom.Element) dom.Element {
	if h, ok := el.(hosted); ok {
		return h.shadowHost()
	}
	return nil
}

// node is the part every element shares.
type node struct {
	id       string
	doc      *Document
	self     dom.Element
	children []dom.Element
	shadow   *ShadowRoot
	host     dom.Element
}

func (n *node) ID() string { return n.id }

func (n *node) Children() []dom.Element { return n.children }

func (n *node) ShadowRoot() dom.Root {
	if n.shadow == nil {
		return nil
	}
	return n.shadow
}

func (n *node) Focus() {
	n.doc.focused = n.self
}

func (n *node) Dispatch(event string) {
	n.doc.emit(Event{Target: n.id, Type: event})
}

func (n *node) setHost(host dom.Element) {
	n.host = host
	for _, child := range n.children {
		if h, ok := child.(hosted); ok {
			h.setHost(host)
		}
	}
}

func (n *node) shadowHost() dom.Element { return n.host }

func (n *node) adopt(children []dom.Element, host dom.Element) {
	for _, child := range children {
		if h, ok := child.(hosted); ok && host != nil {
			h.setHost(host)
		}
	}
	n.children = append(n.children, children...)
}

// Container is a generic element that groups children and may own a
// shadow root.
type Container struct {
	node
}

func (d *Document) NewContainer(id string) *Container {
	c := &Container{node: node{id: id, doc: d}}
	c.self = c
	return c
}

func (c *Container) Append(children ...dom.Element) *Container {
	c.adopt(children, c.host)
	return c
}

// AttachShadow gives the container an encapsulated sub-tree.
func (c *Container) AttachShadow() *ShadowRoot {
	if c.shadow == nil {
		c.shadow = &ShadowRoot{host: c}
	}
	return c.shadow
}

// ShadowRoot is the encapsulated sub-tree of a Container.
type ShadowRoot struct {
	host     *Container
	children []dom.Element
}

func (r *ShadowRoot) Append(children ...dom.Element) *ShadowRoot {
	for _, child := range children {
		if h, ok := child.(hosted); ok {
			h.setHost(r.host)
		}
	}
	r.children = append(r.children, children...)
	return r
}

func (r *ShadowRoot) Children() []dom.Element { return r.children }

func (r *ShadowRoot) ActiveElement() dom.Element {
	focused := r.host.doc.focused
	for focused != nil {
		host := hostOf(focused)
		if host == dom.Element(r.host) {
			return focused
		}
		focused = host
	}
	return nil
}

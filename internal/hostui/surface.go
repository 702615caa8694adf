package hostui

import (
	"github.com/loqalabs/loqa-dictate/internal/document"
)

// Surface is the editable page hosted by the terminal UI.
type Surface struct {
	Doc         *document.Document
	Title       *document.Field
	Body        *document.Field
	Notes       *document.RichText
	Widget      *document.Container
	WidgetInput *document.Field
}

// NewSurface builds the page: a title field, a multi-line body, a rich notes
// surface and a widget whose input lives in a shadow root.
func NewSurface() *Surface {
	doc := document.New()
	s := &Surface{
		Doc:         doc,
		Title:       doc.NewField("title", document.FieldOptions{}),
		Body:        doc.NewField("body", document.FieldOptions{Multiline: true}),
		Notes:       doc.NewRichText("notes"),
		Widget:      doc.NewContainer("widget"),
		WidgetInput: doc.NewField("widget-input", document.FieldOptions{}),
	}
	s.Widget.AttachShadow().Append(s.WidgetInput)
	doc.Append(s.Title, s.Body, s.Notes, s.Widget)
	return s
}

func (s *Surface) label(id string) string {
	switch id {
	case "title":
		return "Title"
	case "body":
		return "Body"
	case "notes":
		return "Notes (rich)"
	case "widget-input":
		return "Widget (shadow)"
	default:
		return id
	}
}

package document

import (
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/dom"
)

// RichText is a rich editable surface holding text as a list of runs. The
// selection is kept as absolute rune offsets over the concatenated text.
type RichText struct {
	node
	runs     []string
	start    int
	end      int
	hasRange bool
}

var _ dom.RichSurface = (*RichText)(nil)

func (d *Document) NewRichText(id string, runs ...string) *RichText {
	r := &RichText{node: node{id: id, doc: d}, runs: append([]string(nil), runs...)}
	r.self = r
	return r
}

func (r *RichText) Runs() []string {
	return append([]string(nil), r.runs...)
}

func (r *RichText) Text() string {
	return strings.Join(r.runs, "")
}

func (r *RichText) length() int {
	return len([]rune(r.Text()))
}

// Focus places a collapsed caret at the end when the surface has no range.
func (r *RichText) Focus() {
	if !r.hasRange {
		n := r.length()
		r.start, r.end, r.hasRange = n, n, true
	}
	r.node.Focus()
}

// Select sets the range, clamped to the text.
func (r *RichText) Select(start, end int) {
	n := r.length()
	start = min(max(start, 0), n)
	end = min(max(end, start), n)
	r.start, r.end, r.hasRange = start, end, true
}

func (r *RichText) ClearSelection() {
	r.hasRange = false
}

// Range reports the selection offsets.
func (r *RichText) Range() (start, end int, ok bool) {
	return r.start, r.end, r.hasRange
}

func (r *RichText) Selection() dom.Selection {
	if !r.hasRange {
		return nil
	}
	return richSelection{r}
}

// Type inserts text as the user would, extending the run under the caret.
func (r *RichText) Type(text string) {
	if !r.hasRange {
		return
	}
	r.deleteRange()
	i, off := r.locate(r.start)
	if len(r.runs) == 0 {
		r.runs = []string{text}
	} else {
		if i == len(r.runs) {
			i, off = len(r.runs)-1, len([]rune(r.runs[len(r.runs)-1]))
		}
		run := []rune(r.runs[i])
		r.runs[i] = string(run[:off]) + text + string(run[off:])
	}
	r.start += len([]rune(text))
	r.end = r.start
	r.node.Dispatch(dom.EventInput)
}

// Backspace deletes the range or the character before the caret.
func (r *RichText) Backspace() {
	if !r.hasRange {
		return
	}
	if r.start == r.end {
		if r.start == 0 {
			return
		}
		r.start--
	}
	r.deleteRange()
	r.node.Dispatch(dom.EventInput)
}

// MoveCaret collapses the range and moves the caret by delta runes.
func (r *RichText) MoveCaret(delta int) {
	pos := min(max(r.end+delta, 0), r.length())
	r.start, r.end, r.hasRange = pos, pos, true
}

// locate maps an absolute offset to a run index and an offset in that run.
// An offset on a run boundary resolves to the end of the earlier run.
func (r *RichText) locate(pos int) (int, int) {
	for i, run := range r.runs {
		n := len([]rune(run))
		if pos <= n {
			return i, pos
		}
		pos -= n
	}
	return len(r.runs), 0
}

func (r *RichText) deleteRange() {
	if r.start == r.end {
		return
	}
	out := make([]string, 0, len(r.runs))
	pos := 0
	for _, run := range r.runs {
		rs := []rune(run)
		runStart, runEnd := pos, pos+len(rs)
		pos = runEnd
		lo := min(max(r.start-runStart, 0), len(rs))
		hi := min(max(r.end-runStart, 0), len(rs))
		kept := string(rs[:lo]) + string(rs[hi:])
		if kept != "" {
			out = append(out, kept)
		}
	}
	r.runs = out
	r.end = r.start
}

func (r *RichText) insertRun(text string) {
	if text == "" {
		return
	}
	i, off := r.locate(r.start)
	var out []string
	switch {
	case i == len(r.runs):
		out = append(append(out, r.runs...), text)
	default:
		run := []rune(r.runs[i])
		out = append(out, r.runs[:i]...)
		if off > 0 {
			out = append(out, string(run[:off]))
		}
		out = append(out, text)
		if off < len(run) {
			out = append(out, string(run[off:]))
		}
		out = append(out, r.runs[i+1:]...)
	}
	r.runs = out
	r.start += len([]rune(text))
	r.end = r.start
}

type richSelection struct {
	r *RichText
}

func (s richSelection) DeleteContents() {
	s.r.deleteRange()
}

func (s richSelection) CharBefore() (rune, bool) {
	if s.r.start == 0 {
		return 0, false
	}
	text := []rune(s.r.Text())
	return text[s.r.start-1], true
}

func (s richSelection) InsertRun(text string) {
	s.r.insertRun(text)
}

package richtext

import (
	"strings"
	"unicode/utf8"
)

// Mark is a set of inline formatting flags.
type Mark uint8

const (
	MarkBold Mark = 1 << iota
	MarkItalic
	MarkStrike
)

// BlockKind is the structural type of a block.
type BlockKind uint8

const (
	Paragraph BlockKind = iota
	BulletItem
	OrderedItem
)

// block holds one line of text with per-rune marks. len(text) == len(marks).
type block struct {
	kind  BlockKind
	text  []rune
	marks []Mark
}

func (b *block) append(s string, m Mark) {
	for _, r := range s {
		b.text = append(b.text, r)
		b.marks = append(b.marks, m)
	}
}

// Selection is a range of plain-text offsets, From <= To.
type Selection struct {
	From int
	To   int
}

// Empty reports whether the selection is a caret.
func (s Selection) Empty() bool { return s.From == s.To }

// Document is an in-memory rich-text document. Offsets are plain-text
// positions counted in code points, with blocks separated by a single newline.
// A Document is not safe for concurrent use.
type Document struct {
	blocks []block
	sel    Selection
	stored *Mark
}

// New parses markup into a document with the caret at the end.
func New(markup string) (*Document, error) {
	d := &Document{}
	if err := d.SetContent(markup); err != nil {
		return nil, err
	}
	return d, nil
}

// SetContent replaces the document and moves the caret to the end.
func (d *Document) SetContent(markup string) error {
	blocks, err := parse(markup)
	if err != nil {
		return err
	}
	d.blocks = blocks
	d.normalize()
	end := d.Len()
	d.sel = Selection{From: end, To: end}
	d.stored = nil
	return nil
}

// HTML renders the document.
func (d *Document) HTML() string {
	return render(d.blocks)
}

// PlainText returns block texts joined by newlines.
func (d *Document) PlainText() string {
	var b strings.Builder
	for i := range d.blocks {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(d.blocks[i].text))
	}
	return b.String()
}

// Len is the plain-text length in code points.
func (d *Document) Len() int {
	n := 0
	for i := range d.blocks {
		if i > 0 {
			n++
		}
		n += len(d.blocks[i].text)
	}
	return n
}

// Selection returns the current selection.
func (d *Document) Selection() Selection { return d.sel }

// Select sets the selection, clamping it to the document.
func (d *Document) Select(from, to int) {
	if from > to {
		from, to = to, from
	}
	d.sel = Selection{From: d.clamp(from), To: d.clamp(to)}
	d.stored = nil
}

func (d *Document) clamp(pos int) int {
	if pos < 0 {
		return 0
	}
	if n := d.Len(); pos > n {
		return n
	}
	return pos
}

// locate maps a plain-text offset to a block index and an offset inside it.
// An offset on a separator resolves to the end of the preceding block.
func (d *Document) locate(pos int) (int, int) {
	for i := range d.blocks {
		n := len(d.blocks[i].text)
		if pos <= n {
			return i, pos
		}
		pos -= n + 1
	}
	last := len(d.blocks) - 1
	return last, len(d.blocks[last].text)
}

// Truncate keeps the first n plain-text code points, preserving block kinds
// and marks of the retained prefix.
func (d *Document) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if d.Len() <= n {
		return
	}
	remaining := n
	for i := range d.blocks {
		if i > 0 {
			if remaining == 0 {
				d.blocks = d.blocks[:i]
				break
			}
			remaining--
		}
		b := &d.blocks[i]
		if len(b.text) >= remaining {
			b.text = b.text[:remaining]
			b.marks = b.marks[:remaining]
			d.blocks = d.blocks[:i+1]
			break
		}
		remaining -= len(b.text)
	}
	d.normalize()
	d.sel = Selection{From: d.clamp(d.sel.From), To: d.clamp(d.sel.To)}
}

// InsertText replaces the selection with s and leaves the caret after it.
// Newlines in s split the current block.
func (d *Document) InsertText(s string) {
	d.deleteSelection()
	bi, off := d.locate(d.sel.From)
	m := d.marksAtCaret(bi, off)
	d.stored = nil

	b := &d.blocks[bi]
	tailText := append([]rune(nil), b.text[off:]...)
	tailMarks := append([]Mark(nil), b.marks[off:]...)
	b.text = b.text[:off]
	b.marks = b.marks[:off]

	lines := strings.Split(s, "\n")
	cur := bi
	for i, line := range lines {
		if i > 0 {
			nb := block{kind: d.blocks[cur].kind}
			d.blocks = append(d.blocks, block{})
			copy(d.blocks[cur+2:], d.blocks[cur+1:])
			d.blocks[cur+1] = nb
			cur++
		}
		d.blocks[cur].append(line, m)
	}
	d.blocks[cur].text = append(d.blocks[cur].text, tailText...)
	d.blocks[cur].marks = append(d.blocks[cur].marks, tailMarks...)

	pos := d.sel.From + utf8.RuneCountInString(s)
	d.sel = Selection{From: pos, To: pos}
}

// Delete removes the selected text. A caret selection is left untouched.
func (d *Document) Delete() {
	d.deleteSelection()
	d.stored = nil
}

func (d *Document) deleteSelection() {
	if d.sel.Empty() {
		return
	}
	fb, fo := d.locate(d.sel.From)
	tb, to := d.locate(d.sel.To)
	first := &d.blocks[fb]
	last := d.blocks[tb]
	text := append(append([]rune(nil), first.text[:fo]...), last.text[to:]...)
	marks := append(append([]Mark(nil), first.marks[:fo]...), last.marks[to:]...)
	first.text = text
	first.marks = marks
	d.blocks = append(d.blocks[:fb+1], d.blocks[tb+1:]...)
	d.sel.To = d.sel.From
}

func (d *Document) marksAtCaret(bi, off int) Mark {
	if d.stored != nil {
		return *d.stored
	}
	if off > 0 {
		return d.blocks[bi].marks[off-1]
	}
	return 0
}

// Apply runs a formatting command. On a caret selection, inline marks are
// stored for the next insertion.
func (d *Document) Apply(cmd Command) error {
	switch cmd {
	case Bold:
		d.toggleMark(MarkBold)
	case Italic:
		d.toggleMark(MarkItalic)
	case Strike:
		d.toggleMark(MarkStrike)
	case BulletList:
		d.toggleList(BulletItem)
	case OrderedList:
		d.toggleList(OrderedItem)
	default:
		_, err := ParseCommand(string(cmd))
		return err
	}
	return nil
}

// IsActive reports whether cmd applies to the whole selection.
func (d *Document) IsActive(cmd Command) bool {
	switch cmd {
	case Bold:
		return d.markActive(MarkBold)
	case Italic:
		return d.markActive(MarkItalic)
	case Strike:
		return d.markActive(MarkStrike)
	case BulletList:
		return d.listActive(BulletItem)
	case OrderedList:
		return d.listActive(OrderedItem)
	}
	return false
}

// eachCell calls fn for every rune cell inside the selection.
func (d *Document) eachCell(fn func(b *block, i int)) {
	fb, fo := d.locate(d.sel.From)
	tb, to := d.locate(d.sel.To)
	for bi := fb; bi <= tb; bi++ {
		b := &d.blocks[bi]
		start, end := 0, len(b.text)
		if bi == fb {
			start = fo
		}
		if bi == tb {
			end = to
		}
		for i := start; i < end; i++ {
			fn(b, i)
		}
	}
}

func (d *Document) markActive(m Mark) bool {
	if d.sel.Empty() {
		bi, off := d.locate(d.sel.From)
		return d.marksAtCaret(bi, off)&m != 0
	}
	cells, marked := 0, 0
	d.eachCell(func(b *block, i int) {
		cells++
		if b.marks[i]&m != 0 {
			marked++
		}
	})
	return cells > 0 && cells == marked
}

func (d *Document) toggleMark(m Mark) {
	if d.sel.Empty() {
		bi, off := d.locate(d.sel.From)
		next := d.marksAtCaret(bi, off) ^ m
		d.stored = &next
		return
	}
	set := !d.markActive(m)
	d.eachCell(func(b *block, i int) {
		if set {
			b.marks[i] |= m
		} else {
			b.marks[i] &^= m
		}
	})
}

func (d *Document) listActive(kind BlockKind) bool {
	fb, _ := d.locate(d.sel.From)
	tb, _ := d.locate(d.sel.To)
	for bi := fb; bi <= tb; bi++ {
		if d.blocks[bi].kind != kind {
			return false
		}
	}
	return true
}

func (d *Document) toggleList(kind BlockKind) {
	target := kind
	if d.listActive(kind) {
		target = Paragraph
	}
	fb, _ := d.locate(d.sel.From)
	tb, _ := d.locate(d.sel.To)
	for bi := fb; bi <= tb; bi++ {
		d.blocks[bi].kind = target
	}
}

func (d *Document) normalize() {
	if len(d.blocks) == 0 {
		d.blocks = []block{{kind: Paragraph}}
	}
}

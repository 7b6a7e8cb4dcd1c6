package richtext

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type parser struct {
	blocks []block
	cur    int
}

func parse(markup string) ([]block, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(markup), body)
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	p := &parser{cur: -1}
	for _, n := range nodes {
		p.walk(n, Paragraph, 0)
	}
	return p.blocks, nil
}

func (p *parser) start(kind BlockKind) {
	p.blocks = append(p.blocks, block{kind: kind})
	p.cur = len(p.blocks) - 1
}

func (p *parser) end() { p.cur = -1 }

func (p *parser) children(n *html.Node, item BlockKind, m Mark) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c, item, m)
	}
}

// walk flattens the node tree. item is the block kind new blocks take, which
// is a list item kind while inside ul/ol.
func (p *parser) walk(n *html.Node, item BlockKind, m Mark) {
	switch n.Type {
	case html.TextNode:
		if p.cur < 0 && strings.TrimSpace(n.Data) == "" {
			return
		}
		if p.cur < 0 {
			p.start(item)
		}
		p.blocks[p.cur].append(n.Data, m)
		return
	case html.ElementNode:
	default:
		p.children(n, item, m)
		return
	}

	switch n.DataAtom {
	case atom.P, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Div, atom.Blockquote, atom.Pre:
		// The first paragraph of a list item belongs to the item itself.
		if !(p.cur >= 0 && item != Paragraph && len(p.blocks[p.cur].text) == 0) {
			p.start(item)
		}
		p.children(n, item, m)
		p.end()
	case atom.Ul:
		p.end()
		p.children(n, BulletItem, m)
		p.end()
	case atom.Ol:
		p.end()
		p.children(n, OrderedItem, m)
		p.end()
	case atom.Li:
		p.start(item)
		p.children(n, item, m)
		p.end()
	case atom.Br:
		kind := item
		if p.cur >= 0 {
			kind = p.blocks[p.cur].kind
		}
		p.start(kind)
	case atom.Strong, atom.B:
		p.children(n, item, m|MarkBold)
	case atom.Em, atom.I:
		p.children(n, item, m|MarkItalic)
	case atom.S, atom.Strike, atom.Del:
		p.children(n, item, m|MarkStrike)
	case atom.Script, atom.Style:
	default:
		p.children(n, item, m)
	}
}

func element(a atom.Atom) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: a.String(), DataAtom: a}
}

// markTags lists mark elements from outermost to innermost.
var markTags = []struct {
	mark Mark
	tag  atom.Atom
}{
	{MarkBold, atom.Strong},
	{MarkItalic, atom.Em},
	{MarkStrike, atom.S},
}

func inline(parent *html.Node, b block) {
	for i := 0; i < len(b.text); {
		j := i + 1
		for j < len(b.text) && b.marks[j] == b.marks[i] {
			j++
		}
		host := parent
		for _, mt := range markTags {
			if b.marks[i]&mt.mark != 0 {
				el := element(mt.tag)
				host.AppendChild(el)
				host = el
			}
		}
		host.AppendChild(&html.Node{Type: html.TextNode, Data: string(b.text[i:j])})
		i = j
	}
}

func render(blocks []block) string {
	var buf strings.Builder
	var list *html.Node
	flush := func() {
		if list != nil {
			_ = html.Render(&buf, list)
			list = nil
		}
	}
	for _, b := range blocks {
		para := element(atom.P)
		inline(para, b)
		var tag atom.Atom
		switch b.kind {
		case BulletItem:
			tag = atom.Ul
		case OrderedItem:
			tag = atom.Ol
		default:
			flush()
			_ = html.Render(&buf, para)
			continue
		}
		if list == nil || list.DataAtom != tag {
			flush()
			list = element(tag)
		}
		li := element(atom.Li)
		li.AppendChild(para)
		list.AppendChild(li)
	}
	flush()
	return buf.String()
}

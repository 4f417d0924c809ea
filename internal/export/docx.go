package export

import (
	"fmt"
	"io"
	"strings"

	docx "baliance.com/gooxml/document"
	"baliance.com/gooxml/measurement"
	"baliance.com/gooxml/schema/soo/wml"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// run is a span of text with character formatting.
type run struct {
	Text   string
	Bold   bool
	Italic bool
	Mono   bool
	Break  bool
}

// para is one Word paragraph.
type para struct {
	Style     string
	Prefix    string
	Runs      []run
	PageBreak bool
}

// writeDOCX writes a Word document: title, a heading per page when page
// numbers are on, and a page break between pages. Markdown text is
// converted through its AST; plain text becomes one paragraph per
// blank-line separated block.
func writeDOCX(w io.Writer, doc document) error {
	var paras []para
	if doc.Title != "" {
		paras = append(paras, para{Style: "Title", Runs: []run{{Text: doc.Title}}})
	}
	md := goldmark.New()
	for i, p := range doc.Pages {
		if i > 0 {
			paras = append(paras, para{PageBreak: true})
		}
		if doc.PageNumbers {
			paras = append(paras, para{Style: "Heading2", Runs: []run{{Text: fmt.Sprintf("Page %d", p.Number)}}})
		}
		if doc.Markdown {
			paras = append(paras, markdownParas(md, []byte(p.Text))...)
			continue
		}
		for _, block := range strings.Split(p.Text, "\n\n") {
			if block = strings.TrimSpace(block); block != "" {
				paras = append(paras, para{Runs: []run{{Text: block}}})
			}
		}
	}

	out := docx.New()
	ensureStyles(out)
	for _, p := range paras {
		wp := out.AddParagraph()
		if p.Style != "" {
			wp.SetStyle(p.Style)
		}
		if p.PageBreak {
			wp.AddRun().AddPageBreak()
		}
		if p.Prefix != "" {
			wp.AddRun().AddText(p.Prefix)
		}
		for _, r := range p.Runs {
			wr := wp.AddRun()
			if r.Break {
				wr.AddBreak()
				continue
			}
			props := wr.Properties()
			if r.Mono {
				props.SetFontFamily("Courier New")
			}
			if r.Bold {
				props.SetBold(true)
			}
			if r.Italic {
				props.SetItalic(true)
			}
			wr.AddText(r.Text)
		}
	}
	return out.Save(w)
}

// ensureStyles adds the paragraph styles the converter uses when the
// default style set lacks them.
func ensureStyles(d *docx.Document) {
	have := map[string]bool{}
	for _, st := range d.Styles.Styles() {
		have[st.StyleID()] = true
	}
	add := func(id, name string) (docx.Style, bool) {
		if have[id] {
			return docx.Style{}, false
		}
		st := d.Styles.AddStyle(id, wml.ST_StyleTypeParagraph, false)
		st.SetName(name)
		st.SetBasedOn("Normal")
		return st, true
	}
	add("Title", "Title")
	for lvl := 1; lvl <= 3; lvl++ {
		add(fmt.Sprintf("Heading%d", lvl), fmt.Sprintf("heading %d", lvl))
	}
	if st, ok := add("ListParagraph", "List Paragraph"); ok {
		st.ParagraphProperties().SetStartIndent(measurement.Inch / 4)
	}
	if st, ok := add("Quote", "Quote"); ok {
		st.ParagraphProperties().SetStartIndent(measurement.Inch / 2)
		st.RunProperties().SetItalic(true)
	}
}

// markdownParas flattens the goldmark AST into paragraphs.
func markdownParas(md goldmark.Markdown, src []byte) []para {
	root := md.Parser().Parse(text.NewReader(src))
	var out []para
	var block func(n ast.Node, listDepth int)
	block = func(n ast.Node, listDepth int) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch node := c.(type) {
			case *ast.Heading:
				style := "Heading3"
				if node.Level <= 2 {
					style = fmt.Sprintf("Heading%d", node.Level)
				}
				out = append(out, para{Style: style, Runs: inline(node, src, run{})})
			case *ast.Paragraph, *ast.TextBlock:
				out = append(out, para{Runs: inline(node, src, run{})})
			case *ast.List:
				n := node.Start
				if n == 0 {
					n = 1
				}
				for item := node.FirstChild(); item != nil; item = item.NextSibling() {
					prefix := strings.Repeat("    ", listDepth) + "• "
					if node.IsOrdered() {
						prefix = fmt.Sprintf("%s%d. ", strings.Repeat("    ", listDepth), n)
						n++
					}
					start := len(out)
					block(item, listDepth+1)
					if start < len(out) {
						out[start].Prefix = prefix + out[start].Prefix
					}
					for i := start; i < len(out); i++ {
						out[i].Style = "ListParagraph"
					}
				}
			case *ast.FencedCodeBlock, *ast.CodeBlock:
				var b strings.Builder
				lines := c.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
				out = append(out, para{Runs: []run{{Text: strings.TrimRight(b.String(), "\n"), Mono: true}}})
			case *ast.Blockquote:
				start := len(out)
				block(node, listDepth)
				for i := start; i < len(out); i++ {
					out[i].Style = "Quote"
				}
			case *ast.ThematicBreak:
				out = append(out, para{})
			default:
				block(c, listDepth)
			}
		}
	}
	block(root, 0)
	return out
}

// inline collects the text runs below n, carrying emphasis down.
func inline(n ast.Node, src []byte, style run) []run {
	var out []run
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Text:
			r := style
			r.Text = string(node.Segment.Value(src))
			out = append(out, r)
			if node.HardLineBreak() {
				out = append(out, run{Break: true})
			} else if node.SoftLineBreak() {
				r := style
				r.Text = " "
				out = append(out, r)
			}
		case *ast.String:
			r := style
			r.Text = string(node.Value)
			out = append(out, r)
		case *ast.CodeSpan:
			r := style
			r.Mono = true
			r.Text = plain(node, src)
			out = append(out, r)
		case *ast.Emphasis:
			s := style
			if node.Level >= 2 {
				s.Bold = true
			} else {
				s.Italic = true
			}
			out = append(out, inline(node, src, s)...)
		case *ast.AutoLink:
			r := style
			r.Text = string(node.URL(src))
			out = append(out, r)
		default:
			out = append(out, inline(c, src, style)...)
		}
	}
	return out
}

func plain(n ast.Node, src []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
			continue
		}
		b.WriteString(plain(c, src))
	}
	return b.String()
}

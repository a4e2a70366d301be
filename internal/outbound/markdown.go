package outbound

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// Chunk is one deliverable piece of a reply. HTML carries Telegram entity
// markup; Plain is the fallback text resent when the server rejects the
// markup.
type Chunk struct {
	HTML  string
	Plain string
}

// Render splits a reply into chunks and renders each one to Telegram HTML.
// Chunking happens on the raw markdown so code fences and paragraphs line up
// with the preferred newline split points.
func Render(text string, maxLen int) []Chunk {
	plain := Chunks(text, maxLen)
	chunks := make([]Chunk, 0, len(plain))
	for _, p := range plain {
		html := ToTelegramHTML(p)
		if len(html) > maxLen || html == "" {
			html = escapeHTML(p)
		}
		chunks = append(chunks, Chunk{HTML: html, Plain: p})
	}
	return chunks
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
	goldmark.WithRenderer(renderer.NewRenderer(
		renderer.WithNodeRenderers(util.Prioritized(&tgHTML{}, 1)),
	)),
)

// ToTelegramHTML converts markdown to the HTML subset Telegram accepts:
// b, i, s, code, pre, a, blockquote. Headings become bold lines.
func ToTelegramHTML(md string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return escapeHTML(md)
	}
	return strings.TrimSpace(buf.String())
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

type tgHTML struct {
	ordinal int
}

func (r *tgHTML) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, noopNode)
	reg.Register(ast.KindHeading, r.heading)
	reg.Register(ast.KindParagraph, r.paragraph)
	reg.Register(ast.KindBlockquote, wrap("<blockquote>", "</blockquote>"))
	reg.Register(ast.KindFencedCodeBlock, r.fencedCode)
	reg.Register(ast.KindCodeBlock, r.codeBlock)
	reg.Register(ast.KindList, r.list)
	reg.Register(ast.KindListItem, r.listItem)
	reg.Register(ast.KindTextBlock, r.textBlock)
	reg.Register(ast.KindThematicBreak, r.thematicBreak)
	reg.Register(ast.KindHTMLBlock, r.htmlBlock)
	reg.Register(ast.KindText, r.text)
	reg.Register(ast.KindString, r.str)
	reg.Register(ast.KindCodeSpan, wrap("<code>", "</code>"))
	reg.Register(ast.KindEmphasis, r.emphasis)
	reg.Register(ast.KindLink, r.link)
	reg.Register(ast.KindAutoLink, r.autoLink)
	reg.Register(ast.KindImage, r.image)
	reg.Register(ast.KindRawHTML, r.rawHTML)
	reg.Register(extast.KindStrikethrough, wrap("<s>", "</s>"))
}

func noopNode(_ util.BufWriter, _ []byte, _ ast.Node, _ bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func wrap(open, close string) renderer.NodeRendererFunc {
	return func(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			_, _ = w.WriteString(open)
		} else {
			_, _ = w.WriteString(close)
		}
		return ast.WalkContinue, nil
	}
}

func (r *tgHTML) heading(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString("\n<b>")
	} else {
		_, _ = w.WriteString("</b>\n")
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) paragraph(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) fencedCode(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)
	if lang := n.Language(source); len(lang) > 0 {
		_, _ = fmt.Fprintf(w, "<pre><code class=\"language-%s\">", escapeHTML(string(lang)))
	} else {
		_, _ = w.WriteString("<pre><code>")
	}
	writeRawLines(w, source, node)
	_, _ = w.WriteString("</code></pre>")
	return ast.WalkSkipChildren, nil
}

func (r *tgHTML) codeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	_, _ = w.WriteString("<pre><code>")
	writeRawLines(w, source, node)
	_, _ = w.WriteString("</code></pre>")
	return ast.WalkSkipChildren, nil
}

func writeRawLines(w util.BufWriter, source []byte, node ast.Node) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		_, _ = w.WriteString(escapeHTML(string(seg.Value(source))))
	}
}

func (r *tgHTML) list(_ util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.List)
		if n.IsOrdered() {
			r.ordinal = int(n.Start)
		} else {
			r.ordinal = 0
		}
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) listItem(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		if node.Parent().(*ast.List).IsOrdered() {
			_, _ = fmt.Fprintf(w, "%d. ", r.ordinal)
			r.ordinal++
		} else {
			_, _ = w.WriteString("• ")
		}
	} else {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) textBlock(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering && node.Parent() != nil && node.Parent().Kind() != ast.KindListItem {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) thematicBreak(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString("\n---\n")
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) htmlBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	// Raw HTML from the agent is untrusted markup; show it as text.
	if entering {
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			_, _ = w.WriteString(escapeHTML(string(seg.Value(source))))
		}
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) text(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Text)
	_, _ = w.WriteString(escapeHTML(string(n.Segment.Value(source))))
	if n.SoftLineBreak() || n.HardLineBreak() {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) str(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(escapeHTML(string(node.(*ast.String).Value)))
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) emphasis(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	tag := "i"
	if node.(*ast.Emphasis).Level == 2 {
		tag = "b"
	}
	if entering {
		_, _ = fmt.Fprintf(w, "<%s>", tag)
	} else {
		_, _ = fmt.Fprintf(w, "</%s>", tag)
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) link(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = fmt.Fprintf(w, "<a href=\"%s\">", escapeHTML(string(node.(*ast.Link).Destination)))
	} else {
		_, _ = w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) autoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		url := escapeHTML(string(node.(*ast.AutoLink).URL(source)))
		_, _ = fmt.Fprintf(w, "<a href=\"%s\">%s</a>", url, url)
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) image(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	// No inline images over the Bot API; link to the source instead.
	if entering {
		_, _ = fmt.Fprintf(w, "<a href=\"%s\">", escapeHTML(string(node.(*ast.Image).Destination)))
	} else {
		_, _ = w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}

func (r *tgHTML) rawHTML(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.RawHTML)
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			_, _ = w.WriteString(escapeHTML(string(seg.Value(source))))
		}
	}
	return ast.WalkContinue, nil
}

package converter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	blankLines     = regexp.MustCompile(`\n{3,}`)
	trailingSpaces = regexp.MustCompile(`[ \t]+\n`)
)

func htmlToMarkdown(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	w := &mdWriter{}
	w.walk(doc)
	out := trailingSpaces.ReplaceAllString(w.b.String(), "\n")
	out = blankLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out) + "\n", nil
}

type mdWriter struct {
	b     strings.Builder
	lists []listState
	pre   int
}

type listState struct {
	ordered bool
	n       int
}

func (w *mdWriter) block() {
	s := w.b.String()
	if s == "" || strings.HasSuffix(s, "\n\n") {
		return
	}
	if strings.HasSuffix(s, "\n") {
		w.b.WriteString("\n")
		return
	}
	w.b.WriteString("\n\n")
}

// text writes s with runs of whitespace collapsed to one space.
func (w *mdWriter) text(s string) {
	if s == "" {
		return
	}
	if isSpace(s[0]) {
		w.space()
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return
	}
	w.b.WriteString(strings.Join(fields, " "))
	if isSpace(s[len(s)-1]) {
		w.space()
	}
}

func (w *mdWriter) space() {
	s := w.b.String()
	if s == "" || strings.HasSuffix(s, " ") || strings.HasSuffix(s, "\n") {
		return
	}
	w.b.WriteString(" ")
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

func (w *mdWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *mdWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if w.pre > 0 {
			w.b.WriteString(n.Data)
			return
		}
		w.text(n.Data)
		return
	case html.ElementNode:
	default:
		w.children(n)
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Head, atom.Noscript, atom.Template:
		return
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.block()
		level := int(n.Data[1] - '0')
		w.b.WriteString(strings.Repeat("#", level) + " ")
		w.children(n)
		w.block()
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer, atom.Main, atom.Table:
		w.block()
		w.children(n)
		w.block()
	case atom.Tr:
		w.children(n)
		w.b.WriteString("\n")
	case atom.Td, atom.Th:
		w.children(n)
		w.b.WriteString(" ")
	case atom.Br:
		w.b.WriteString("\\\n")
	case atom.Hr:
		w.block()
		w.b.WriteString("---")
		w.block()
	case atom.Strong, atom.B:
		w.wrap(n, "**")
	case atom.Em, atom.I:
		w.wrap(n, "_")
	case atom.Code:
		if w.pre > 0 {
			w.children(n)
			return
		}
		w.wrap(n, "`")
	case atom.Pre:
		w.block()
		w.b.WriteString("```\n")
		w.pre++
		w.children(n)
		w.pre--
		if !strings.HasSuffix(w.b.String(), "\n") {
			w.b.WriteString("\n")
		}
		w.b.WriteString("```")
		w.block()
	case atom.A:
		href := attr(n, "href")
		if href == "" {
			w.children(n)
			return
		}
		w.b.WriteString("[")
		w.children(n)
		w.b.WriteString("](" + href + ")")
	case atom.Img:
		w.b.WriteString("![" + attr(n, "alt") + "](" + attr(n, "src") + ")")
	case atom.Ul, atom.Ol:
		if len(w.lists) == 0 {
			w.block()
		}
		w.lists = append(w.lists, listState{ordered: n.DataAtom == atom.Ol})
		w.children(n)
		w.lists = w.lists[:len(w.lists)-1]
		if len(w.lists) == 0 {
			w.block()
		}
	case atom.Li:
		if s := w.b.String(); s != "" && !strings.HasSuffix(s, "\n") {
			w.b.WriteString("\n")
		}
		depth := len(w.lists)
		marker := "- "
		if depth > 0 {
			st := &w.lists[depth-1]
			if st.ordered {
				st.n++
				marker = fmt.Sprintf("%d. ", st.n)
			}
			w.b.WriteString(strings.Repeat("  ", depth-1))
		}
		w.b.WriteString(marker)
		w.children(n)
	case atom.Blockquote:
		w.block()
		inner := &mdWriter{}
		inner.children(n)
		for _, line := range strings.Split(strings.TrimSpace(inner.b.String()), "\n") {
			w.b.WriteString("> " + line + "\n")
		}
		w.block()
	default:
		w.children(n)
	}
}

func (w *mdWriter) wrap(n *html.Node, mark string) {
	w.b.WriteString(mark)
	w.children(n)
	w.b.WriteString(mark)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

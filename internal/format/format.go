// Package format renders model replies, which are loosely markdown, for
// the chat channels. Markdown goes through goldmark to HTML, and the
// HTML tree is then flattened to plain text (Signal, HTTP) or filtered
// down to the tag subset the Telegram Bot API accepts.
package format

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var markdown = goldmark.New()

var manyNewlines = regexp.MustCompile(`\n{3,}`)

// telegramTags are passed through by TelegramHTML.
var telegramTags = map[atom.Atom]bool{
	atom.B:      true,
	atom.Strong: true,
	atom.I:      true,
	atom.Em:     true,
	atom.U:      true,
	atom.S:      true,
	atom.Code:   true,
	atom.Pre:    true,
	atom.A:      true,
}

// render converts md to a parsed HTML fragment. On failure it returns
// nil and the caller falls back to the raw text.
func render(md string) []*html.Node {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return nil
	}
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(&buf, body)
	if err != nil {
		return nil
	}
	return nodes
}

// PlainText renders md as readable plain text: emphasis markers are
// dropped, list items become bullets or numbers, and paragraphs are
// separated by blank lines.
func PlainText(md string) string {
	nodes := render(md)
	if nodes == nil {
		return strings.TrimSpace(md)
	}
	var w strings.Builder
	for _, n := range nodes {
		writePlain(&w, n, nil)
	}
	return tidy(w.String())
}

// list tracks numbering for <ol>.
type list struct {
	ordered bool
	next    int
}

func writePlain(w *strings.Builder, n *html.Node, l *list) {
	switch n.Type {
	case html.TextNode:
		if t, ok := text(n); ok {
			w.WriteString(t)
		}
		return
	case html.ElementNode:
	default:
		return
	}

	switch n.DataAtom {
	case atom.Br:
		w.WriteString("\n")
		return
	case atom.Hr:
		w.WriteString("\n\n")
		return
	case atom.Ul, atom.Ol:
		child := &list{ordered: n.DataAtom == atom.Ol, next: 1}
		if s := attr(n, "start"); s != "" {
			if v, err := strconv.Atoi(s); err == nil {
				child.next = v
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			writePlain(w, c, child)
		}
		w.WriteString("\n")
		return
	case atom.Li:
		if l != nil && l.ordered {
			w.WriteString(strconv.Itoa(l.next) + ". ")
			l.next++
		} else {
			w.WriteString("• ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			writePlain(w, c, l)
		}
		w.WriteString("\n")
		return
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writePlain(w, c, l)
	}
	if isBlock(n.DataAtom) {
		w.WriteString("\n\n")
	}
}

// TelegramHTML renders md for Telegram's HTML parse mode. Tags outside
// the supported subset are unwrapped, text is escaped, and paragraphs
// and lists become newlines and bullets.
func TelegramHTML(md string) string {
	nodes := render(md)
	if nodes == nil {
		return html.EscapeString(strings.TrimSpace(md))
	}
	var w strings.Builder
	for _, n := range nodes {
		writeTelegram(&w, n, nil)
	}
	return tidy(w.String())
}

func writeTelegram(w *strings.Builder, n *html.Node, l *list) {
	switch n.Type {
	case html.TextNode:
		if t, ok := text(n); ok {
			w.WriteString(html.EscapeString(t))
		}
		return
	case html.ElementNode:
	default:
		return
	}

	children := func(l *list) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			writeTelegram(w, c, l)
		}
	}

	switch {
	case n.DataAtom == atom.Br:
		w.WriteString("\n")
	case n.DataAtom == atom.Ul || n.DataAtom == atom.Ol:
		children(&list{ordered: n.DataAtom == atom.Ol, next: 1})
		w.WriteString("\n")
	case n.DataAtom == atom.Li:
		if l != nil && l.ordered {
			w.WriteString(strconv.Itoa(l.next) + ". ")
			l.next++
		} else {
			w.WriteString("• ")
		}
		children(l)
		w.WriteString("\n")
	case isHeading(n.DataAtom):
		w.WriteString("<b>")
		children(l)
		w.WriteString("</b>\n\n")
	case n.DataAtom == atom.A:
		href := attr(n, "href")
		if href == "" {
			children(l)
			return
		}
		w.WriteString(`<a href="` + html.EscapeString(href) + `">`)
		children(l)
		w.WriteString("</a>")
	case telegramTags[n.DataAtom]:
		w.WriteString("<" + n.Data + ">")
		children(l)
		w.WriteString("</" + n.Data + ">")
	default:
		children(l)
		if isBlock(n.DataAtom) {
			w.WriteString("\n\n")
		}
	}
}

// text returns the content of a text node. Whitespace-only runs with a
// newline are goldmark's layout between blocks and are skipped, as is
// the newline goldmark writes after a <br>.
func text(n *html.Node) (string, bool) {
	if strings.TrimSpace(n.Data) == "" && strings.Contains(n.Data, "\n") {
		return "", false
	}
	t := n.Data
	if p := n.PrevSibling; p != nil && p.Type == html.ElementNode && p.DataAtom == atom.Br {
		t = strings.TrimPrefix(t, "\n")
	}
	return t, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func isHeading(a atom.Atom) bool {
	switch a {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Blockquote, atom.Pre, atom.Table, atom.Tr,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

// tidy trims trailing spaces on each line and collapses blank runs.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = strings.Join(lines, "\n")
	s = manyNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

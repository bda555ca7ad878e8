package prompts

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements never contribute text to a narrative.
var skipElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Iframe: true,
	atom.Svg:    true,
}

// NarrativeText reduces a narrative authored in the portal's rich-text
// editor to plain text. Block elements become paragraph breaks and list
// items become "- " bullets. Plain text input passes through unchanged
// apart from whitespace cleanup.
func NarrativeText(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	nodes, err := html.ParseFragment(strings.NewReader(raw), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return cleanWhitespace(raw)
	}

	var b strings.Builder
	for _, n := range nodes {
		extractText(n, &b)
	}
	return cleanWhitespace(b.String())
}

func extractText(n *html.Node, w *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		w.WriteString(n.Data)
		return
	case html.ElementNode:
		if skipElements[n.DataAtom] {
			return
		}
		if isBlockElement(n.DataAtom) {
			w.WriteString("\n\n")
		}
		switch n.DataAtom {
		case atom.Li:
			w.WriteString("\n- ")
		case atom.Br:
			w.WriteString("\n")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, w)
	}

	if n.Type == html.ElementNode && isBlockElement(n.DataAtom) {
		w.WriteString("\n\n")
	}
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table, atom.Tr, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of spaces within lines and squeezes
// consecutive blank lines.
func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	cleaned := make([]string, 0, len(lines))
	prevEmpty := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

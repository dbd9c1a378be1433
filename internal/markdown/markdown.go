// Package markdown analyzes record bodies: heading outline, title
// fallback, and link inventory for validation and search excerpts.
package markdown

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Heading is one outline entry.
type Heading struct {
	Level int
	Text  string
}

// Link is one inventory entry.
type Link struct {
	Text     string
	Target   string
	Internal bool // relative target within the records tree
}

// Analysis is the extracted structure of one markdown body.
type Analysis struct {
	Title    string // first level-1 heading, if any
	Headings []Heading
	Links    []Link
	Plain    string // text content with markup stripped, for excerpts
}

var parser = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Analyze parses source and extracts its structure. Parse errors do not
// occur: goldmark accepts any input, so malformed markdown degrades to
// literal text rather than failing validation.
func Analyze(source []byte) *Analysis {
	root := parser.Parser().Parse(text.NewReader(source))
	a := &Analysis{}
	var plain strings.Builder

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			h := Heading{Level: node.Level, Text: nodeText(node, source)}
			a.Headings = append(a.Headings, h)
			if h.Level == 1 && a.Title == "" {
				a.Title = h.Text
			}
		case *ast.Link:
			target := string(node.Destination)
			a.Links = append(a.Links, Link{
				Text:     nodeText(node, source),
				Target:   target,
				Internal: isInternal(target),
			})
		case *ast.AutoLink:
			target := string(node.URL(source))
			a.Links = append(a.Links, Link{Text: target, Target: target})
		case *ast.Text:
			plain.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				plain.WriteByte(' ')
			}
		case *ast.Paragraph, *ast.ListItem:
			if plain.Len() > 0 {
				plain.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})

	a.Plain = strings.Join(strings.Fields(plain.String()), " ")
	return a
}

// Excerpt returns the first max runes of the plain text.
func (a *Analysis) Excerpt(max int) string {
	runes := []rune(a.Plain)
	if len(runes) <= max {
		return a.Plain
	}
	return strings.TrimSpace(string(runes[:max]))
}

// InternalLinks filters the inventory to relative record references.
func (a *Analysis) InternalLinks() []Link {
	var out []Link
	for _, l := range a.Links {
		if l.Internal {
			out = append(out, l)
		}
	}
	return out
}

func isInternal(target string) bool {
	if target == "" || strings.HasPrefix(target, "#") {
		return false
	}
	return !strings.Contains(target, "://") && !strings.HasPrefix(target, "mailto:")
}

func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
		} else {
			sb.WriteString(nodeText(c, source))
		}
	}
	return sb.String()
}

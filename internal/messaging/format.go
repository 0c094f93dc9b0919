// ABOUTME: Markdown to WhatsApp markup rendering and outbound text sanitization.
// ABOUTME: Walks the goldmark AST; WhatsApp only understands a handful of markers.

package messaging

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markdown    = goldmark.New()
	blankLines  = regexp.MustCompile(`\n{3,}`)
	jsonWrapped = regexp.MustCompile(`(?s)^\s*[\[{].*[\]}]\s*$`)
)

// FormatWhatsApp renders markdown as WhatsApp text: **bold** and headings
// become *bold*, emphasis becomes _italic_, code becomes ```monospace```,
// and list items get bullets or numbers.
func FormatWhatsApp(md string) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var b bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := n.(type) {
		case *ast.Heading:
			if entering {
				b.WriteString("*")
			} else {
				b.WriteString("*\n\n")
			}
		case *ast.Paragraph:
			if !entering {
				b.WriteString("\n\n")
			}
		case *ast.TextBlock:
			if !entering {
				b.WriteString("\n")
			}
		case *ast.Text:
			if entering {
				b.Write(n.Segment.Value(src))
				if n.SoftLineBreak() || n.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(n.Value)
			}
		case *ast.Emphasis:
			if n.Level >= 2 {
				b.WriteString("*")
			} else {
				b.WriteString("_")
			}
		case *ast.CodeSpan:
			b.WriteString("```")
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				b.WriteString("```\n")
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
				b.WriteString("```\n\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.List:
			if !entering {
				b.WriteString("\n")
			}
		case *ast.ListItem:
			if entering {
				if list, ok := n.Parent().(*ast.List); ok && list.IsOrdered() {
					fmt.Fprintf(&b, "%d. ", list.Start+position(n))
				} else {
					b.WriteString("• ")
				}
			}
		case *ast.Link:
			if !entering {
				fmt.Fprintf(&b, " (%s)", n.Destination)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(n.URL(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Blockquote:
			if entering {
				b.WriteString("> ")
			}
		case *ast.ThematicBreak:
			if entering {
				b.WriteString("---\n\n")
			}
		case *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	out := blankLines.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out)
}

func position(n ast.Node) int {
	i := 0
	for s := n.PreviousSibling(); s != nil; s = s.PreviousSibling() {
		i++
	}
	return i
}

// LooksLikeJSON reports whether text appears to be structured data rather
// than a message meant for a person.
func LooksLikeJSON(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return false
	}
	lower := strings.ToLower(t)
	return t[0] == '{' || t[0] == '[' ||
		strings.HasPrefix(lower, "```json") ||
		jsonWrapped.MatchString(t) ||
		(strings.Contains(t, `"intent"`) && strings.Contains(t, `"confidence"`))
}

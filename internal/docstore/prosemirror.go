package docstore

import (
	"fmt"
	"html"
	"strings"
)

// Hosted fragments are ProseMirror JSON. NodeHTML renders a node tree to
// HTML for display and export; NodeText flattens it to plain text for
// validation (required/minLength checks run on text, not markup).

// NodeHTML renders a ProseMirror node (as decoded JSON) to HTML.
func NodeHTML(node map[string]any) string {
	nodeType, _ := node["type"].(string)
	if nodeType == "" {
		return ""
	}

	switch nodeType {
	case "doc", "fragment":
		return childrenHTML(node["content"])
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", childrenHTML(node["content"]))
	case "heading":
		level := 1
		if attrs, ok := node["attrs"].(map[string]any); ok {
			if lvl, ok := attrs["level"].(float64); ok {
				level = int(lvl)
			}
		}
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, childrenHTML(node["content"]), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", childrenHTML(node["content"]))
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", childrenHTML(node["content"]))
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", childrenHTML(node["content"]))
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", childrenHTML(node["content"]))
	case "codeBlock":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(childrenText(node["content"])))
	case "text":
		text, _ := node["text"].(string)
		marks, _ := node["marks"].([]any)
		return markedText(text, marks)
	case "hardBreak":
		return "<br>"
	case "horizontalRule":
		return "<hr>\n"
	default:
		return childrenHTML(node["content"])
	}
}

// NodeText flattens a ProseMirror node tree to plain text. Block nodes are
// separated by newlines; marks are ignored.
func NodeText(node map[string]any) string {
	nodeType, _ := node["type"].(string)
	switch nodeType {
	case "text":
		text, _ := node["text"].(string)
		return text
	case "hardBreak":
		return "\n"
	case "paragraph", "heading", "listItem", "blockquote", "codeBlock":
		return strings.TrimRight(childrenText(node["content"]), "\n") + "\n"
	default:
		return childrenText(node["content"])
	}
}

func childrenHTML(content any) string {
	items, ok := content.([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		if child, ok := item.(map[string]any); ok {
			b.WriteString(NodeHTML(child))
		}
	}
	return b.String()
}

func childrenText(content any) string {
	items, ok := content.([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		if child, ok := item.(map[string]any); ok {
			b.WriteString(NodeText(child))
		}
	}
	return b.String()
}

func markedText(text string, marks []any) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		mark, ok := marks[i].(map[string]any)
		if !ok {
			continue
		}
		markType, _ := mark["type"].(string)
		switch markType {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "link":
			href := ""
			if attrs, ok := mark["attrs"].(map[string]any); ok {
				href, _ = attrs["href"].(string)
			}
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}

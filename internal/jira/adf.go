package jira

import (
	"encoding/json"
	"strings"
)

// adfNode is one node of an Atlassian Document Format tree. Jira sends
// descriptions and custom rich-text fields in this shape.
type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

// FlattenDoc renders an ADF document to plain text. Non-document input
// (a plain JSON string, or something unparseable) is returned as-is so the
// caller never loses ticket content. Both webhook intake and ticket fetch go
// through this, keeping prompt content identical on either path.
func FlattenDoc(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var doc adfNode
	if err := json.Unmarshal(raw, &doc); err != nil {
		return strings.TrimSpace(string(raw))
	}

	var b strings.Builder
	for _, block := range doc.Content {
		b.WriteString(renderBlock(block))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func renderBlock(block adfNode) string {
	switch block.Type {
	case "paragraph", "heading":
		return renderInline(block.Content)
	case "bulletList", "orderedList":
		return renderList(block.Content)
	case "listItem":
		if len(block.Content) > 0 {
			return "- " + renderInline(block.Content[0].Content)
		}
		return "- "
	case "codeBlock":
		var code string
		if len(block.Content) > 0 {
			code = block.Content[0].Text
		}
		return "```\n" + code + "\n```"
	default:
		return renderInline(block.Content)
	}
}

func renderInline(content []adfNode) string {
	var b strings.Builder
	for _, node := range content {
		switch node.Type {
		case "text":
			b.WriteString(node.Text)
		case "hardBreak":
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderList(items []adfNode) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(renderBlock(item))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

package jira

import (
	"encoding/json"
	"testing"
)

func TestFlattenDoc_PlainString(t *testing.T) {
	got := FlattenDoc(json.RawMessage(`"just text"`))
	if got != "just text" {
		t.Errorf("FlattenDoc = %q, want %q", got, "just text")
	}
}

func TestFlattenDoc_Empty(t *testing.T) {
	if got := FlattenDoc(nil); got != "" {
		t.Errorf("FlattenDoc(nil) = %q, want empty", got)
	}
	if got := FlattenDoc(json.RawMessage(`null`)); got != "" {
		t.Errorf("FlattenDoc(null) = %q, want empty", got)
	}
}

func TestFlattenDoc_ParagraphsAndHeading(t *testing.T) {
	doc := `{
		"type": "doc", "version": 1,
		"content": [
			{"type": "heading", "content": [{"type": "text", "text": "Login"}]},
			{"type": "paragraph", "content": [
				{"type": "text", "text": "Users sign in"},
				{"type": "hardBreak"},
				{"type": "text", "text": "with email."}
			]}
		]
	}`
	want := "Login\nUsers sign in\nwith email."
	if got := FlattenDoc(json.RawMessage(doc)); got != want {
		t.Errorf("FlattenDoc = %q, want %q", got, want)
	}
}

func TestFlattenDoc_BulletList(t *testing.T) {
	doc := `{
		"type": "doc", "version": 1,
		"content": [{
			"type": "bulletList",
			"content": [
				{"type": "listItem", "content": [{"type": "paragraph", "content": [{"type": "text", "text": "first"}]}]},
				{"type": "listItem", "content": [{"type": "paragraph", "content": [{"type": "text", "text": "second"}]}]}
			]
		}]
	}`
	want := "- first\n- second"
	if got := FlattenDoc(json.RawMessage(doc)); got != want {
		t.Errorf("FlattenDoc = %q, want %q", got, want)
	}
}

func TestFlattenDoc_CodeBlock(t *testing.T) {
	doc := `{
		"type": "doc", "version": 1,
		"content": [{"type": "codeBlock", "content": [{"type": "text", "text": "curl -X POST /api"}]}]
	}`
	want := "```\ncurl -X POST /api\n```"
	if got := FlattenDoc(json.RawMessage(doc)); got != want {
		t.Errorf("FlattenDoc = %q, want %q", got, want)
	}
}

func TestFlattenDoc_UnknownBlockFallsBack(t *testing.T) {
	doc := `{
		"type": "doc", "version": 1,
		"content": [{"type": "panel", "content": [{"type": "text", "text": "inside a panel"}]}]
	}`
	if got := FlattenDoc(json.RawMessage(doc)); got != "inside a panel" {
		t.Errorf("FlattenDoc = %q, want %q", got, "inside a panel")
	}
}

func TestFlattenDoc_Garbage(t *testing.T) {
	// Unparseable input comes back trimmed rather than lost.
	if got := FlattenDoc(json.RawMessage(" not json ")); got != "not json" {
		t.Errorf("FlattenDoc = %q, want %q", got, "not json")
	}
}

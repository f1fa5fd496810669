package models

import (
	"testing"
)

func TestParseContentString(t *testing.T) {
	parts, err := ParseContent("plain text")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parts) != 1 || parts[0].Type != PartText || parts[0].Text != "plain text" {
		t.Fatalf("parts = %+v", parts)
	}
}

func TestParseContentTaggedList(t *testing.T) {
	parts, err := ParseContent([]any{
		"lead-in",
		map[string]any{"type": "text", "text": "tagged"},
		map[string]any{"type": "tool_call", "tool_call_id": "c1", "tool_name": "lookup", "args": map[string]any{"k": "v"}},
		map[string]any{"type": "tool_result", "tool_call_id": "c1", "result": []any{1, 2}},
		map[string]any{"type": "file", "file_ref": "abc", "mime_type": "image/png"},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parts) != 5 {
		t.Fatalf("parts = %d, want 5", len(parts))
	}
	if parts[0].Text != "lead-in" || parts[1].Text != "tagged" {
		t.Fatalf("text parts = %+v", parts[:2])
	}
	if parts[2].Type != PartToolCall || parts[2].ToolCallID != "c1" || string(parts[2].Args) != `{"k":"v"}` {
		t.Fatalf("tool call = %+v", parts[2])
	}
	if parts[3].Type != PartToolResult || string(parts[3].Result) != `[1,2]` {
		t.Fatalf("tool result = %+v", parts[3])
	}
	if parts[4].Type != PartFile || parts[4].FileRef != "abc" {
		t.Fatalf("file part = %+v", parts[4])
	}
}

func TestParseContentUnknownShapeKeptAsText(t *testing.T) {
	parts, err := ParseContent(map[string]any{"role": "user", "content": "chat shape"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parts) != 1 || parts[0].Text != "chat shape" {
		t.Fatalf("parts = %+v", parts)
	}

	parts, err = ParseContent(map[string]any{"weird": true})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parts) != 1 || parts[0].Type != PartText || parts[0].Text == "" {
		t.Fatalf("fallback dropped content: %+v", parts)
	}
}

func TestParseContentNil(t *testing.T) {
	parts, err := ParseContent(nil)
	if err != nil || parts != nil {
		t.Fatalf("nil content = %+v, %v", parts, err)
	}
}

func TestFilterOrphanedToolMessages(t *testing.T) {
	call := func(id string) Message {
		return Message{Role: RoleAssistant, Parts: []Part{{Type: PartToolCall, ToolCallID: id, ToolName: "t"}}}
	}
	result := func(id string) Message {
		return Message{Role: RoleTool, Parts: []Part{{Type: PartToolResult, ToolCallID: id}}}
	}
	msgs := []Message{
		{Role: RoleUser, Parts: []Part{TextPart("q")}},
		call("ok"),
		result("ok"),
		call("dangling"),       // crashed before its result landed
		result("from-nowhere"), // result without a call
		{Role: RoleAssistant, Parts: []Part{TextPart("a")}},
	}
	got := FilterOrphanedToolMessages(msgs)
	if len(got) != 4 {
		t.Fatalf("filtered to %d, want 4", len(got))
	}
	for _, m := range got {
		for _, p := range m.Parts {
			if p.ToolCallID == "dangling" || p.ToolCallID == "from-nowhere" {
				t.Fatalf("orphan survived: %+v", m)
			}
		}
	}
}

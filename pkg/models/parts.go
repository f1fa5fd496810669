package models

import (
	"encoding/json"
	"fmt"
)

type PartType string

const (
	PartText       PartType = "text"
	PartFile       PartType = "file"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one content fragment of a message. The Type tag selects which of
// the remaining fields are meaningful.
type Part struct {
	Type PartType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// file: Data holds inline bytes until the store offloads them to the
	// blob store and replaces them with FileRef (content address).
	FileRef  string `json:"file_ref,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`

	// tool call / tool result
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func TextPart(s string) Part { return Part{Type: PartText, Text: s} }

// ParseContent coerces an untyped content value into tagged parts.
// Accepted shapes: a plain string, a single map with a "type" tag, or a
// list of either. Anything unrecognized is re-marshaled and kept as a text
// part so no caller content is silently dropped.
func ParseContent(v any) ([]Part, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []Part{TextPart(t)}, nil
	case []any:
		out := make([]Part, 0, len(t))
		for _, e := range t {
			ps, err := ParseContent(e)
			if err != nil {
				return nil, err
			}
			out = append(out, ps...)
		}
		return out, nil
	case map[string]any:
		return []Part{parseMapPart(t)}, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unparseable content of type %T: %w", v, err)
		}
		return []Part{TextPart(string(b))}, nil
	}
}

func parseMapPart(m map[string]any) Part {
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	raw := func(k string) json.RawMessage {
		if m[k] == nil {
			return nil
		}
		b, err := json.Marshal(m[k])
		if err != nil {
			return nil
		}
		return b
	}
	switch PartType(str("type")) {
	case PartText:
		return TextPart(str("text"))
	case PartFile:
		return Part{Type: PartFile, FileRef: str("file_ref"), MimeType: str("mime_type"), Data: decodeInline(m["data"])}
	case PartToolCall:
		return Part{Type: PartToolCall, ToolCallID: str("tool_call_id"), ToolName: str("tool_name"), Args: raw("args")}
	case PartToolResult:
		return Part{Type: PartToolResult, ToolCallID: str("tool_call_id"), ToolName: str("tool_name"), Result: raw("result")}
	}
	// common untyped chat shape: {"role": ..., "content": "..."}
	if c, ok := m["content"].(string); ok {
		return TextPart(c)
	}
	// fallback: keep the shape verbatim as text
	b, err := json.Marshal(m)
	if err != nil {
		return TextPart(fmt.Sprintf("%v", m))
	}
	return TextPart(string(b))
}

func decodeInline(v any) []byte {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		// json []byte round-trips as base64 string; keep raw if not decodable
		var out []byte
		if err := json.Unmarshal([]byte(`"`+t+`"`), &out); err == nil {
			return out
		}
		return []byte(t)
	case []byte:
		return t
	}
	return nil
}

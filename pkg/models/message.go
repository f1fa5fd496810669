package models

import "strings"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Usage carries token accounting reported by the model provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Message is one logical turn in a thread: a user prompt, an assistant
// reply, a tool call or a tool result. Coordinates are immutable after
// creation; everything else under "generation outcome" may be patched.
type Message struct {
	ID     string `json:"id"`
	Thread string `json:"thread"`
	User   string `json:"user,omitempty"`
	Role   Role   `json:"role"`
	Parts  []Part `json:"parts,omitempty"`

	Order int64 `json:"order"`
	Step  int64 `json:"step_order"`

	Status Status `json:"status"`
	TS     int64  `json:"ts"`

	// Generation outcome, attached after the model call completes.
	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`

	// Embedded reports that an embedding row exists for this message.
	Embedded bool `json:"embedded,omitempty"`
}

// Coord returns the message's ordering coordinate.
func (m *Message) Coord() Coord { return Coord{Order: m.Order, Step: m.Step} }

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// FileRefs returns the content addresses of all file parts.
func (m *Message) FileRefs() []string {
	var out []string
	for _, p := range m.Parts {
		if p.Type == PartFile && p.FileRef != "" {
			out = append(out, p.FileRef)
		}
	}
	return out
}

// FilterOrphanedToolMessages drops tool-call messages whose corresponding
// tool-result is absent from msgs, and tool-results whose call is absent.
// Partial failures can leave a dangling call; a model call's message list
// must stay internally consistent, so readers filter rather than repair.
func FilterOrphanedToolMessages(msgs []Message) []Message {
	calls := map[string]bool{}
	results := map[string]bool{}
	for _, m := range msgs {
		for _, p := range m.Parts {
			switch p.Type {
			case PartToolCall:
				calls[p.ToolCallID] = true
			case PartToolResult:
				results[p.ToolCallID] = true
			}
		}
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		orphan := false
		for _, p := range m.Parts {
			if p.Type == PartToolCall && !results[p.ToolCallID] {
				orphan = true
			}
			if p.Type == PartToolResult && !calls[p.ToolCallID] {
				orphan = true
			}
		}
		if !orphan {
			out = append(out, m)
		}
	}
	return out
}

// Package llm abstracts the model provider behind a small client surface so
// the agent loop and the delta buffer never depend on a concrete backend.
package llm

import (
	"context"
	"encoding/json"

	"agentdb/pkg/models"
)

// ToolSpec describes one callable tool offered to the model. Schema is the
// JSON schema of the tool's arguments.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ToolCall is a tool invocation the model asked for.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Request is one model invocation: the assembled context plus generation
// parameters.
type Request struct {
	Model    string
	System   string
	Messages []models.Message
	Tools    []ToolSpec
	Options  map[string]any
}

// Response is the model's reply. A non-empty ToolCalls means the loop should
// run tools and call again.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        models.Usage
}

// Client is a chat-completion backend.
type Client interface {
	// Generate runs one blocking completion.
	Generate(ctx context.Context, req Request) (Response, error)
	// Stream runs one completion, delivering text fragments to emit as they
	// arrive. The returned Response carries the final accounting.
	Stream(ctx context.Context, req Request, emit func(fragment string) error) (Response, error)
	// Provider names the backend for message records.
	Provider() string
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

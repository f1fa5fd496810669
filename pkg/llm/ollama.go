package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"agentdb/pkg/logger"
	"agentdb/pkg/models"
)

// Ollama adapts a local ollama server to the Client and Embedder interfaces.
type Ollama struct {
	client     *api.Client
	model      string
	embedModel string
}

// NewOllama builds the adapter. baseURL defaults to the local daemon.
func NewOllama(baseURL, model, embedModel string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama base url: %w", err)
	}
	httpClient := &http.Client{Timeout: 120 * time.Second}
	return &Ollama{
		client:     api.NewClient(u, httpClient),
		model:      model,
		embedModel: embedModel,
	}, nil
}

func (o *Ollama) Provider() string { return "ollama" }

func (o *Ollama) Generate(ctx context.Context, req Request) (Response, error) {
	return o.chat(ctx, req, false, nil)
}

func (o *Ollama) Stream(ctx context.Context, req Request, emit func(string) error) (Response, error) {
	return o.chat(ctx, req, true, emit)
}

func (o *Ollama) chat(ctx context.Context, req Request, stream bool, emit func(string) error) (Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	creq := &api.ChatRequest{
		Model:    model,
		Messages: toAPIMessages(req.System, req.Messages),
		Options:  req.Options,
		Stream:   &stream,
		Tools:    toAPITools(req.Tools),
	}
	var out Response
	var text strings.Builder
	callSeq := 0
	err := o.client.Chat(ctx, creq, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			text.WriteString(resp.Message.Content)
			if emit != nil {
				if err := emit(resp.Message.Content); err != nil {
					return err
				}
			}
		}
		for _, tc := range resp.Message.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				return err
			}
			callSeq++
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   fmt.Sprintf("call-%d", callSeq),
				Name: tc.Function.Name,
				Args: args,
			})
		}
		if resp.Done {
			out.FinishReason = resp.DoneReason
			out.Usage = models.Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	out.Text = text.String()
	return out, nil
}

// toAPIMessages flattens stored messages into the provider's chat shape.
// Tool results travel as tool-role messages; everything else sends its text.
func toAPIMessages(system string, msgs []models.Message) []api.Message {
	out := make([]api.Message, 0, len(msgs)+1)
	if system != "" {
		out = append(out, api.Message{Role: "system", Content: system})
	}
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Type != models.PartToolResult {
				continue
			}
			out = append(out, api.Message{Role: "tool", Content: string(p.Result)})
		}
		if t := m.Text(); t != "" {
			out = append(out, api.Message{Role: string(m.Role), Content: t})
		}
	}
	return out
}

// toAPITools converts tool specs through a JSON round-trip, which keeps the
// conversion stable across the provider's schema struct revisions.
func toAPITools(specs []ToolSpec) []api.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]api.Tool, 0, len(specs))
	for _, s := range specs {
		schema := s.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		raw, err := json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  schema,
			},
		})
		if err != nil {
			logger.Warn("tool_spec_marshal_failed", "tool", s.Name, "error", err)
			continue
		}
		var t api.Tool
		if err := json.Unmarshal(raw, &t); err != nil {
			logger.Warn("tool_spec_convert_failed", "tool", s.Name, "error", err)
			continue
		}
		out = append(out, t)
	}
	return out
}

// Embed returns the embedding vector for text using the configured model.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	if o.embedModel == "" {
		return nil, fmt.Errorf("no embedding model configured")
	}
	resp, err := o.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  o.embedModel,
		Prompt: text,
	})
	if err != nil {
		return nil, err
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

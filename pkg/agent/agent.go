package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"agentdb/pkg/llm"
	"agentdb/pkg/logger"
	"agentdb/pkg/models"
	"agentdb/pkg/store"
	"agentdb/pkg/streams"
	"agentdb/pkg/telemetry"
)

var (
	// ErrRateLimited is returned when a user exceeds their generation budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrModelDisabled is returned by Generate and Stream when the server
	// runs without a model client (provider "none"); the store and buffer
	// APIs stay fully usable.
	ErrModelDisabled = errors.New("model disabled")
)

// Tool is one callable exposed to the model.
type Tool struct {
	Spec llm.ToolSpec
	Run  func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Options wires an Agent.
type Options struct {
	Client   llm.Client
	Embedder llm.Embedder
	Vectors  Vectors
	Engine   *streams.Engine
	System   string
	Model    string
	MaxSteps int
	RateRPS  float64
	Burst    int
}

// Agent drives the prompt / model / tool loop against the message store,
// leaving every turn it produces as ordered messages in the thread.
type Agent struct {
	client    llm.Client
	engine    *streams.Engine
	assembler *Assembler
	vectors   Vectors
	system    string
	model     string
	maxSteps  int

	toolsMu sync.RWMutex
	tools   map[string]Tool

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func New(opts Options) *Agent {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}
	vectors := opts.Vectors
	if vectors == nil {
		vectors = StoreVectors{}
	}
	a := &Agent{
		client:    opts.Client,
		engine:    opts.Engine,
		assembler: &Assembler{Embedder: opts.Embedder, Vectors: vectors},
		vectors:   vectors,
		system:    opts.System,
		model:     opts.Model,
		maxSteps:  opts.MaxSteps,
		tools:     map[string]Tool{},
		limiters:  map[string]*rate.Limiter{},
		rps:       rate.Limit(opts.RateRPS),
		burst:     opts.Burst,
	}
	if a.rps <= 0 {
		a.rps = rate.Inf
	}
	if a.burst <= 0 {
		a.burst = 1
	}
	return a
}

// RegisterTool makes a tool available to every subsequent generation.
func (a *Agent) RegisterTool(t Tool) {
	a.toolsMu.Lock()
	a.tools[t.Spec.Name] = t
	a.toolsMu.Unlock()
}

func (a *Agent) toolSpecs() []llm.ToolSpec {
	a.toolsMu.RLock()
	defer a.toolsMu.RUnlock()
	out := make([]llm.ToolSpec, 0, len(a.tools))
	for _, t := range a.tools {
		out = append(out, t.Spec)
	}
	return out
}

func (a *Agent) tool(name string) (Tool, bool) {
	a.toolsMu.RLock()
	defer a.toolsMu.RUnlock()
	t, ok := a.tools[name]
	return t, ok
}

// one limiter per user, created on first use
func (a *Agent) allow(user string) bool {
	a.limMu.Lock()
	lim, ok := a.limiters[user]
	if !ok {
		lim = rate.NewLimiter(a.rps, a.burst)
		a.limiters[user] = lim
	}
	a.limMu.Unlock()
	return lim.Allow()
}

// Assemble exposes the context assembler for the API layer.
func (a *Agent) Assemble(ctx context.Context, threadID string, opts ContextOptions) ([]models.Message, error) {
	return a.assembler.Assemble(ctx, threadID, opts)
}

// embed indexes a message's text for vector recall; failures only log.
func (a *Agent) embed(ctx context.Context, msg models.Message) {
	if a.assembler.Embedder == nil || a.vectors == nil {
		return
	}
	text := msg.Text()
	if text == "" {
		return
	}
	vec, err := a.assembler.Embedder.Embed(ctx, text)
	if err != nil {
		logger.Warn("embed_failed", "thread", msg.Thread, "id", msg.ID, "error", err)
		return
	}
	if err := a.vectors.Index(ctx, msg.Thread, msg.Coord(), msg.ID, vec); err != nil {
		logger.Warn("embed_index_failed", "thread", msg.Thread, "id", msg.ID, "error", err)
	}
}

// Generate appends the user prompt as a new round, runs the model and tool
// loop, and returns the final assistant message. Model failures are recorded
// on a failed assistant message rather than lost.
func (a *Agent) Generate(ctx context.Context, threadID, user string, parts []models.Part, ctxOpts ContextOptions) (models.Message, error) {
	if a.client == nil {
		return models.Message{}, ErrModelDisabled
	}
	if !a.allow(user) {
		return models.Message{}, ErrRateLimited
	}
	prompt, err := store.AppendMessage(threadID, models.Message{
		Role: models.RoleUser, User: user, Parts: parts,
	}, store.AppendOptions{})
	if err != nil {
		return models.Message{}, err
	}
	a.embed(ctx, prompt)

	anchor := prompt.Coord()
	ctxOpts.Anchor = &anchor
	ctxOpts.User = user
	if ctxOpts.Query == "" {
		ctxOpts.Query = prompt.Text()
	}
	history, err := a.assembler.Assemble(ctx, threadID, ctxOpts)
	if err != nil {
		return models.Message{}, err
	}

	for step := 0; step < a.maxSteps; step++ {
		resp, err := a.client.Generate(ctx, llm.Request{
			Model:    a.model,
			System:   a.system,
			Messages: history,
			Tools:    a.toolSpecs(),
		})
		if err != nil {
			telemetry.ModelCalls.WithLabelValues("error").Inc()
			return a.recordFailure(threadID, user, prompt.Order, err)
		}
		telemetry.ModelCalls.WithLabelValues("ok").Inc()

		if len(resp.ToolCalls) == 0 {
			final, err := store.AppendMessage(threadID, models.Message{
				Role:         models.RoleAssistant,
				User:         user,
				Parts:        []models.Part{models.TextPart(resp.Text)},
				Model:        a.model,
				Provider:     a.client.Provider(),
				Usage:        &resp.Usage,
				FinishReason: resp.FinishReason,
			}, store.AppendOptions{Order: prompt.Order})
			if err != nil {
				return models.Message{}, err
			}
			a.embed(ctx, final)
			return final, nil
		}

		history, err = a.runTools(ctx, threadID, user, prompt.Order, resp, history)
		if err != nil {
			return a.recordFailure(threadID, user, prompt.Order, err)
		}
	}
	return a.recordFailure(threadID, user, prompt.Order, errors.New("tool step budget exhausted"))
}

// runTools persists the model's tool calls and their results as steps of the
// current round and extends the in-flight history with both.
func (a *Agent) runTools(ctx context.Context, threadID, user string, order int64, resp llm.Response, history []models.Message) ([]models.Message, error) {
	callParts := make([]models.Part, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		callParts = append(callParts, models.Part{
			Type: models.PartToolCall, ToolCallID: tc.ID, ToolName: tc.Name, Args: tc.Args,
		})
	}
	if resp.Text != "" {
		callParts = append([]models.Part{models.TextPart(resp.Text)}, callParts...)
	}
	callMsg, err := store.AppendMessage(threadID, models.Message{
		Role: models.RoleAssistant, User: user, Parts: callParts,
		Model: a.model, Provider: a.client.Provider(), Usage: &resp.Usage,
	}, store.AppendOptions{Order: order})
	if err != nil {
		return nil, err
	}
	history = append(history, callMsg)

	for _, tc := range resp.ToolCalls {
		result, runErr := a.invoke(ctx, tc)
		status := models.StatusSuccess
		errText := ""
		if runErr != nil {
			status = models.StatusFailed
			errText = runErr.Error()
			result, _ = json.Marshal(map[string]string{"error": runErr.Error()})
		}
		resMsg, err := store.AppendMessage(threadID, models.Message{
			Role: models.RoleTool, User: user, Status: status, Error: errText,
			Parts: []models.Part{{
				Type: models.PartToolResult, ToolCallID: tc.ID, ToolName: tc.Name, Result: result,
			}},
		}, store.AppendOptions{Order: order})
		if err != nil {
			return nil, err
		}
		history = append(history, resMsg)
	}
	return history, nil
}

func (a *Agent) invoke(ctx context.Context, tc llm.ToolCall) (json.RawMessage, error) {
	t, ok := a.tool(tc.Name)
	if !ok {
		return nil, errors.New("unknown tool: " + tc.Name)
	}
	logger.Debug("tool_invoked", "tool", tc.Name, "call", tc.ID)
	return t.Run(ctx, tc.Args)
}

// recordFailure leaves a failed assistant step so the round shows what went
// wrong, then surfaces the original error.
func (a *Agent) recordFailure(threadID, user string, order int64, cause error) (models.Message, error) {
	msg, err := store.AppendMessage(threadID, models.Message{
		Role:     models.RoleAssistant,
		User:     user,
		Status:   models.StatusFailed,
		Error:    cause.Error(),
		Model:    a.model,
		Provider: a.client.Provider(),
	}, store.AppendOptions{Order: order})
	if err != nil {
		logger.Error("failure_record_failed", "thread", threadID, "error", err)
		return models.Message{}, cause
	}
	logger.Warn("generation_failed", "thread", threadID, "order", order, "error", cause)
	return msg, cause
}

// Stream is Generate with the assistant turn delivered incrementally through
// the delta buffer. The returned stream is already open; the caller follows
// it while generation proceeds.
func (a *Agent) Stream(ctx context.Context, threadID, user string, parts []models.Part, ctxOpts ContextOptions, policy string) (models.Stream, error) {
	if a.client == nil {
		return models.Stream{}, ErrModelDisabled
	}
	if !a.allow(user) {
		return models.Stream{}, ErrRateLimited
	}
	prompt, err := store.AppendMessage(threadID, models.Message{
		Role: models.RoleUser, User: user, Parts: parts,
	}, store.AppendOptions{})
	if err != nil {
		return models.Stream{}, err
	}
	a.embed(ctx, prompt)

	stream, err := a.engine.Open(threadID, streams.OpenOptions{
		Order:    prompt.Order,
		Policy:   policy,
		Model:    a.model,
		Provider: a.client.Provider(),
		User:     user,
	})
	if err != nil {
		return models.Stream{}, err
	}

	anchor := prompt.Coord()
	ctxOpts.Anchor = &anchor
	ctxOpts.User = user
	if ctxOpts.Query == "" {
		ctxOpts.Query = prompt.Text()
	}

	go a.streamRound(context.WithoutCancel(ctx), stream, threadID, user, prompt.Order, ctxOpts)
	return stream, nil
}

func (a *Agent) streamRound(ctx context.Context, stream models.Stream, threadID, user string, order int64, ctxOpts ContextOptions) {
	history, err := a.assembler.Assemble(ctx, threadID, ctxOpts)
	if err != nil {
		a.abortStream(stream.ID, err)
		return
	}
	for step := 0; step < a.maxSteps; step++ {
		resp, err := a.client.Stream(ctx, llm.Request{
			Model:    a.model,
			System:   a.system,
			Messages: history,
			Tools:    a.toolSpecs(),
		}, func(fragment string) error {
			return a.engine.Push(stream.ID, fragment)
		})
		if err != nil {
			telemetry.ModelCalls.WithLabelValues("error").Inc()
			a.abortStream(stream.ID, err)
			return
		}
		telemetry.ModelCalls.WithLabelValues("ok").Inc()

		if len(resp.ToolCalls) == 0 {
			msg, err := a.engine.Finish(stream.ID)
			if err != nil {
				logger.Error("stream_finish_failed", "stream", stream.ID, "error", err)
				return
			}
			fr := resp.FinishReason
			if _, err := store.PatchMessage(threadID, msg.ID, store.MessagePatch{
				Usage: &resp.Usage, FinishReason: &fr,
			}); err != nil {
				logger.Warn("stream_usage_patch_failed", "stream", stream.ID, "error", err)
			}
			a.embed(ctx, msg)
			return
		}

		// tool steps land as ordinary messages below the streaming one
		history, err = a.runTools(ctx, threadID, user, order, resp, history)
		if err != nil {
			a.abortStream(stream.ID, err)
			return
		}
	}
	a.abortStream(stream.ID, errors.New("tool step budget exhausted"))
}

func (a *Agent) abortStream(streamID string, cause error) {
	if _, err := a.engine.Abort(streamID, cause.Error()); err != nil {
		logger.Error("stream_abort_failed", "stream", streamID, "error", err)
	}
}

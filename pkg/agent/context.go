package agent

import (
	"context"
	"fmt"
	"sort"

	"agentdb/pkg/llm"
	"agentdb/pkg/logger"
	"agentdb/pkg/models"
	"agentdb/pkg/search"
	"agentdb/pkg/store"
	"agentdb/pkg/telemetry"
)

// Window is the symmetric expansion applied around each search hit: Before
// messages preceding it and After messages following it are pulled in so the
// hit keeps its conversational surroundings.
type Window struct {
	Before int `json:"before"`
	After  int `json:"after"`
}

// ContextOptions selects what goes into a model call's context.
type ContextOptions struct {
	// Recent includes the last N messages of the thread, in order.
	Recent int `json:"recent"`
	// Query drives search recall; empty disables both search legs.
	Query string `json:"query,omitempty"`
	// TextSearch and VectorSearch toggle the two hybrid legs independently.
	TextSearch   bool `json:"text_search,omitempty"`
	VectorSearch bool `json:"vector_search,omitempty"`
	// SearchLimit caps hits per leg before expansion.
	SearchLimit int `json:"search_limit,omitempty"`
	// Window expands each hit with its neighbors.
	Window Window `json:"window"`
	// Anchor bounds the primary thread: nothing after it is assembled. The
	// orchestrator anchors at the prompt so concurrent appends never leak in.
	Anchor *models.Coord `json:"anchor,omitempty"`
	// OtherThreads widens search to the user's other threads.
	OtherThreads bool   `json:"other_threads,omitempty"`
	User         string `json:"user,omitempty"`
	// ExcludeTools drops tool-role messages from the recency window.
	ExcludeTools bool `json:"exclude_tools,omitempty"`
	// Limit caps the assembled context; the newest primary-thread messages
	// survive the cut.
	Limit int `json:"limit,omitempty"`
}

// Vectors abstracts where embeddings live: the store's own rows or a remote
// index.
type Vectors interface {
	Index(ctx context.Context, threadID string, c models.Coord, msgID string, vec []float32) error
	Search(ctx context.Context, threadIDs []string, vec []float32, limit int) ([]store.Hit, error)
}

// StoreVectors keeps embeddings in pebble next to the messages.
type StoreVectors struct{}

func (StoreVectors) Index(_ context.Context, threadID string, c models.Coord, msgID string, vec []float32) error {
	return store.SaveEmbedding(threadID, c, msgID, vec)
}

func (StoreVectors) Search(_ context.Context, threadIDs []string, vec []float32, limit int) ([]store.Hit, error) {
	return store.SearchVectors(threadIDs, vec, limit)
}

// IndexVectors keeps embeddings in an external VectorIndex (qdrant or the
// in-memory index), with thread and coordinate carried as payload.
type IndexVectors struct {
	Idx search.VectorIndex
}

func (iv IndexVectors) Index(ctx context.Context, threadID string, c models.Coord, msgID string, vec []float32) error {
	err := iv.Idx.Add(ctx, msgID, vec, map[string]string{
		"thread": threadID,
		"coord":  c.String(),
	})
	if err != nil {
		return err
	}
	emb := true
	_, err = store.PatchMessage(threadID, msgID, store.MessagePatch{Embedded: &emb})
	return err
}

func (iv IndexVectors) Search(ctx context.Context, threadIDs []string, vec []float32, limit int) ([]store.Hit, error) {
	var out []store.Hit
	for _, tid := range threadIDs {
		hits, err := iv.Idx.Search(ctx, vec, limit, map[string]string{"thread": tid})
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			c, err := parseCoordPayload(h.Payload["coord"])
			if err != nil {
				continue
			}
			out = append(out, store.Hit{Thread: tid, Coord: c, MsgID: h.ID, Score: h.Score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Assembler builds model-call contexts from the store.
type Assembler struct {
	Embedder llm.Embedder
	Vectors  Vectors
}

type ctxKey struct {
	thread string
	coord  models.Coord
}

// Assemble gathers the recency window plus expanded search hits, deduplicated
// and ordered. Cross-thread context comes first, the primary thread last and
// ascending, so the prompt stays adjacent to the generation. Search legs
// degrade silently: a failing leg is logged and skipped, never fatal.
func (a *Assembler) Assemble(ctx context.Context, threadID string, opts ContextOptions) ([]models.Message, error) {
	telemetry.ContextAssemblies.Inc()
	seen := map[ctxKey]bool{}
	var primary, other []models.Message

	add := func(m models.Message) {
		k := ctxKey{thread: m.Thread, coord: m.Coord()}
		if seen[k] {
			return
		}
		seen[k] = true
		if m.Thread == threadID {
			primary = append(primary, m)
		} else {
			other = append(other, m)
		}
	}

	if opts.Recent > 0 {
		recent, _, err := store.ListMessages(threadID, store.ListOptions{
			UpTo:         opts.Anchor,
			Limit:        opts.Recent,
			Descending:   true,
			ExcludeTools: opts.ExcludeTools,
			Statuses:     []models.Status{models.StatusSuccess},
		})
		if err != nil {
			return nil, err
		}
		for i := len(recent) - 1; i >= 0; i-- {
			add(recent[i])
		}
	}

	for _, hit := range a.searchHits(ctx, threadID, opts) {
		for _, m := range expandHit(hit, opts.Window, threadID, opts.Anchor) {
			add(m)
		}
	}

	sortByCoord(other)
	sortByCoord(primary)
	out := append(other, primary...)
	out = models.FilterOrphanedToolMessages(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

func sortByCoord(msgs []models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Thread != msgs[j].Thread {
			return msgs[i].Thread < msgs[j].Thread
		}
		return msgs[i].Coord().Less(msgs[j].Coord())
	})
}

func (a *Assembler) searchHits(ctx context.Context, threadID string, opts ContextOptions) []store.Hit {
	if opts.Query == "" || (!opts.TextSearch && !opts.VectorSearch) {
		return nil
	}
	limit := opts.SearchLimit
	if limit <= 0 {
		limit = 5
	}
	threadIDs := []string{threadID}
	if opts.OtherThreads && opts.User != "" {
		ids, err := store.UserThreadIDs(opts.User)
		if err != nil {
			logger.Warn("context_thread_lookup_failed", "user", opts.User, "error", err)
		} else {
			for _, id := range ids {
				if id != threadID {
					threadIDs = append(threadIDs, id)
				}
			}
		}
	}
	var hits []store.Hit
	if opts.TextSearch {
		th, err := store.SearchText(threadIDs, opts.Query, limit)
		if err != nil {
			logger.Warn("context_text_search_failed", "thread", threadID, "error", err)
		} else {
			hits = append(hits, th...)
		}
	}
	if opts.VectorSearch && a.Embedder != nil && a.Vectors != nil {
		vec, err := a.Embedder.Embed(ctx, opts.Query)
		if err != nil {
			logger.Warn("context_embed_failed", "thread", threadID, "error", err)
		} else {
			vh, err := a.Vectors.Search(ctx, threadIDs, vec, limit)
			if err != nil {
				logger.Warn("context_vector_search_failed", "thread", threadID, "error", err)
			} else {
				hits = append(hits, vh...)
			}
		}
	}
	return hits
}

// expandHit returns the hit message with up to window.Before predecessors and
// window.After successors. The anchor bound applies only to the thread being
// generated into.
func expandHit(hit store.Hit, w Window, anchorThread string, anchor *models.Coord) []models.Message {
	var upTo *models.Coord
	if hit.Thread == anchorThread {
		upTo = anchor
		if anchor != nil && anchor.Less(hit.Coord) {
			return nil
		}
	}
	// hit itself plus predecessors: walk backwards from the hit coordinate
	before, _, err := store.ListMessages(hit.Thread, store.ListOptions{
		UpTo:       &hit.Coord,
		Limit:      w.Before + 1,
		Descending: true,
	})
	if err != nil {
		logger.Warn("context_expand_failed", "thread", hit.Thread, "coord", hit.Coord.String(), "error", err)
		return nil
	}
	out := make([]models.Message, 0, len(before)+w.After)
	for i := len(before) - 1; i >= 0; i-- {
		out = append(out, before[i])
	}
	if w.After > 0 {
		after, _, err := store.ListMessages(hit.Thread, store.ListOptions{
			After: &hit.Coord,
			UpTo:  upTo,
			Limit: w.After,
		})
		if err != nil {
			logger.Warn("context_expand_failed", "thread", hit.Thread, "coord", hit.Coord.String(), "error", err)
		} else {
			out = append(out, after...)
		}
	}
	return out
}

// parseCoordPayload reads the "(order,step)" form Coord.String emits.
func parseCoordPayload(s string) (models.Coord, error) {
	var c models.Coord
	_, err := fmt.Sscanf(s, "(%d,%d)", &c.Order, &c.Step)
	return c, err
}

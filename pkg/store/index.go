package store

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/cockroachdb/pebble"

	"agentdb/pkg/models"
	"agentdb/pkg/search"
)

// Lexical postings and embedding rows live beside the messages so hybrid
// context search never leaves the store.

func indexMessageText(b *pebble.Batch, threadID, ck, msgID, text string) error {
	for _, tok := range uniqueTokens(text) {
		if err := b.Set(postingKey(threadID, tok, ck), []byte(msgID), nil); err != nil {
			return err
		}
	}
	return nil
}

func deindexMessageText(b *pebble.Batch, threadID, ck, text string) error {
	for _, tok := range uniqueTokens(text) {
		if err := b.Delete(postingKey(threadID, tok, ck), nil); err != nil {
			return err
		}
	}
	return nil
}

func uniqueTokens(text string) []string {
	toks := search.Tokenize(text)
	seen := make(map[string]struct{}, len(toks))
	out := toks[:0]
	for _, t := range toks {
		// keep the key grammar intact
		t = strings.ReplaceAll(t, ":", "_")
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Hit is one search result with enough coordinates for window expansion.
type Hit struct {
	Thread string       `json:"thread"`
	Coord  models.Coord `json:"coord"`
	MsgID  string       `json:"msg_id"`
	Score  float64      `json:"score"`
}

// SearchText ranks messages in the given threads by how many query tokens
// they contain. Ties break toward newer coordinates.
func SearchText(threadIDs []string, query string, limit int) ([]Hit, error) {
	if db == nil {
		return nil, ErrNotOpen
	}
	tokens := uniqueTokens(query)
	if len(tokens) == 0 || limit <= 0 {
		return nil, nil
	}
	type key struct {
		thread string
		ck     string
	}
	scores := map[key]float64{}
	ids := map[key]string{}
	for _, tid := range threadIDs {
		for _, tok := range tokens {
			prefix := []byte("x:" + tid + ":" + tok + ":")
			iter, err := newIter(prefix, prefixUpperBound(prefix))
			if err != nil {
				return nil, err
			}
			for iter.First(); iter.Valid(); iter.Next() {
				ck := strings.TrimPrefix(string(iter.Key()), string(prefix))
				k := key{thread: tid, ck: ck}
				scores[k]++
				ids[k] = string(iter.Value())
			}
			if err := iter.Close(); err != nil {
				return nil, err
			}
		}
	}
	out := make([]Hit, 0, len(scores))
	for k, s := range scores {
		c, err := parseCoord(k.ck)
		if err != nil {
			continue
		}
		out = append(out, Hit{Thread: k.thread, Coord: c, MsgID: ids[k], Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[j].Coord.Less(out[i].Coord)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type embeddingRow struct {
	MsgID string    `json:"msg_id"`
	Vec   []float32 `json:"vec"`
}

// SaveEmbedding stores the vector for a message and flips its Embedded flag.
func SaveEmbedding(threadID string, c models.Coord, msgID string, vec []float32) error {
	if db == nil {
		return ErrNotOpen
	}
	row, err := json.Marshal(embeddingRow{MsgID: msgID, Vec: vec})
	if err != nil {
		return err
	}
	if err := db.Set(embeddingKey(threadID, coordKey(c)), row, pebble.Sync); err != nil {
		return err
	}
	emb := true
	_, err = PatchMessage(threadID, msgID, MessagePatch{Embedded: &emb})
	return err
}

// SearchVectors brute-force ranks stored embeddings in the given threads by
// cosine similarity. Fine for the per-thread scale the buffer holds; remote
// deployments use the qdrant index instead.
func SearchVectors(threadIDs []string, vec []float32, limit int) ([]Hit, error) {
	if db == nil {
		return nil, ErrNotOpen
	}
	if len(vec) == 0 || limit <= 0 {
		return nil, nil
	}
	var out []Hit
	for _, tid := range threadIDs {
		prefix := []byte("e:" + tid + ":")
		iter, err := newIter(prefix, prefixUpperBound(prefix))
		if err != nil {
			return nil, err
		}
		for iter.First(); iter.Valid(); iter.Next() {
			var row embeddingRow
			if err := json.Unmarshal(iter.Value(), &row); err != nil {
				continue
			}
			ck := strings.TrimPrefix(string(iter.Key()), string(prefix))
			c, err := parseCoord(ck)
			if err != nil {
				continue
			}
			out = append(out, Hit{Thread: tid, Coord: c, MsgID: row.MsgID, Score: search.Cosine(vec, row.Vec)})
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

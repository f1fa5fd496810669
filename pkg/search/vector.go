package search

import (
	"context"
	"math"
	"sort"
	"sync"
)

// VectorHit is one similarity result from a VectorIndex.
type VectorHit struct {
	ID      string
	Score   float64
	Payload map[string]string
}

// VectorIndex is the embedding-similarity backend used by context search.
// The store ships a pebble-backed scan; this interface exists so remote
// indexes (qdrant) and tests (memory) can slot in.
type VectorIndex interface {
	Add(ctx context.Context, id string, vec []float32, payload map[string]string) error
	Search(ctx context.Context, vec []float32, limit int, must map[string]string) ([]VectorHit, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Cosine returns the cosine similarity of two vectors; 0 when either is
// zero-length or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MemoryIndex is an in-process VectorIndex for tests and single-node use.
type MemoryIndex struct {
	mu   sync.RWMutex
	rows map[string]memoryRow
}

type memoryRow struct {
	vec     []float32
	payload map[string]string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{rows: map[string]memoryRow{}}
}

func (m *MemoryIndex) Add(_ context.Context, id string, vec []float32, payload map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	m.rows[id] = memoryRow{vec: append([]float32(nil), vec...), payload: cp}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, vec []float32, limit int, must map[string]string) ([]VectorHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []VectorHit
	for id, row := range m.rows {
		match := true
		for k, v := range must {
			if row.payload[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		out = append(out, VectorHit{ID: id, Score: Cosine(vec, row.vec), Payload: row.payload})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryIndex) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *MemoryIndex) Close() error { return nil }

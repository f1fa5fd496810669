package store

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/cockroachdb/pebble"

	"agentdb/pkg/logger"
	"agentdb/pkg/models"
)

var (
	db     *pebble.DB
	dbPath string

	// inlineLimit is the largest binary part kept inline on a message
	// before offload to the blob store.
	inlineLimit = 4 << 10

	// textIndexing controls whether appends maintain lexical postings.
	textIndexing = true
)

// threadLocks serializes read-modify-write cycles on a thread's ordering
// high-water mark. Striped so unrelated threads never contend.
var threadLocks [128]sync.Mutex

func lockThread(threadID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(threadID))
	return &threadLocks[h.Sum32()%uint32(len(threadLocks))]
}

// Open opens (or creates) a Pebble database at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	dbPath = ""
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// SetInlineLimit configures the blob-offload threshold in bytes.
func SetInlineLimit(n int) {
	if n > 0 {
		inlineLimit = n
	}
}

// SetTextIndexing toggles lexical posting maintenance on appends.
func SetTextIndexing(on bool) { textIndexing = on }

// Key layout. Coordinates are zero-padded so the pebble byte order of
// message keys equals the canonical (order, stepOrder) order.
//
//	t:<thread>:meta                 thread record
//	t:<thread>:m:<order>-<step>     message
//	t:<thread>:id:<msgID>           message id -> coordinate key
//	t:<thread>:strm:<streamID>      stream membership index
//	s:<stream>:meta                 stream record
//	s:<stream>:d:<seq>              delta
//	f:<hash>:meta / f:<hash>:data   content-addressed blobs
//	u:<user>:t:<thread>             user -> thread index
//	x:<thread>:<token>:<coord>      lexical posting -> msgID
//	e:<thread>:<coord>              embedding row
//	gc:thread:<thread>              scheduled cascade deletion

func threadMetaKey(threadID string) []byte {
	return []byte("t:" + threadID + ":meta")
}

func coordKey(c models.Coord) string {
	return fmt.Sprintf("%012d-%06d", c.Order, c.Step)
}

func messageKey(threadID string, c models.Coord) []byte {
	return []byte("t:" + threadID + ":m:" + coordKey(c))
}

func messagePrefix(threadID string) []byte {
	return []byte("t:" + threadID + ":m:")
}

func orderUpperBound(threadID string, order int64) []byte {
	return messageKey(threadID, models.Coord{Order: order + 1, Step: 0})
}

func messageIDKey(threadID, msgID string) []byte {
	return []byte("t:" + threadID + ":id:" + msgID)
}

func threadStreamKey(threadID, streamID string) []byte {
	return []byte("t:" + threadID + ":strm:" + streamID)
}

func streamMetaKey(streamID string) []byte {
	return []byte("s:" + streamID + ":meta")
}

func deltaKey(streamID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("s:%s:d:%010d", streamID, seq))
}

func deltaPrefix(streamID string) []byte {
	return []byte("s:" + streamID + ":d:")
}

func fileMetaKey(hash string) []byte { return []byte("f:" + hash + ":meta") }
func fileDataKey(hash string) []byte { return []byte("f:" + hash + ":data") }

func userThreadKey(user, threadID string) []byte {
	return []byte("u:" + user + ":t:" + threadID)
}

func postingKey(threadID, token, coord string) []byte {
	return []byte("x:" + threadID + ":" + token + ":" + coord)
}

func embeddingKey(threadID, coord string) []byte {
	return []byte("e:" + threadID + ":" + coord)
}

func gcThreadKey(threadID string) []byte { return []byte("gc:thread:" + threadID) }

// parseCoord recovers a coordinate from the trailing <order>-<step> segment
// of a message key.
func parseCoord(seg string) (models.Coord, error) {
	var c models.Coord
	if _, err := fmt.Sscanf(seg, "%d-%d", &c.Order, &c.Step); err != nil {
		return c, fmt.Errorf("malformed coordinate key %q: %w", seg, err)
	}
	return c, nil
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, for use as an iterator UpperBound.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff; no bound
}

func newIter(lower, upper []byte) (*pebble.Iterator, error) {
	return db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
}

package store

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/cockroachdb/pebble"

	"agentdb/pkg/models"
)

// SaveStream writes the stream record and its thread-membership index row.
func SaveStream(s models.Stream) error {
	if db == nil {
		return ErrNotOpen
	}
	b := db.NewBatch()
	defer b.Close()
	if err := setStreamLocked(b, s); err != nil {
		return err
	}
	if err := b.Set(threadStreamKey(s.Thread, s.ID), []byte(s.ID), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func setStreamLocked(b *pebble.Batch, s models.Stream) error {
	nb, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.Set(streamMetaKey(s.ID), nb, nil)
}

// GetStream returns the stream record.
func GetStream(streamID string) (models.Stream, error) {
	var s models.Stream
	if db == nil {
		return s, ErrNotOpen
	}
	v, closer, err := db.Get(streamMetaKey(streamID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return s, ErrNotFound
		}
		return s, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &s); err != nil {
		return s, err
	}
	return s, nil
}

// ListThreadStreams returns all streams currently buffered for a thread.
func ListThreadStreams(threadID string) ([]models.Stream, error) {
	if db == nil {
		return nil, ErrNotOpen
	}
	prefix := []byte("t:" + threadID + ":strm:")
	iter, err := newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Stream
	for iter.First(); iter.Valid(); iter.Next() {
		s, err := GetStream(string(iter.Value()))
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, iter.Error()
}

// AppendDeltas atomically writes a batch of delta rows and the updated
// stream record (sequence high-water mark, last-activity time).
func AppendDeltas(s models.Stream, deltas []models.Delta) error {
	if db == nil {
		return ErrNotOpen
	}
	b := db.NewBatch()
	defer b.Close()
	for _, d := range deltas {
		row, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := b.Set(deltaKey(s.ID, d.Seq), row, nil); err != nil {
			return err
		}
	}
	if err := setStreamLocked(b, s); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// ListDeltas returns a stream's deltas in sequence order, starting at
// fromSeq (inclusive).
func ListDeltas(streamID string, fromSeq uint64) ([]models.Delta, error) {
	if db == nil {
		return nil, ErrNotOpen
	}
	lower := deltaKey(streamID, fromSeq)
	prefix := deltaPrefix(streamID)
	iter, err := newIter(lower, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Delta
	for iter.First(); iter.Valid(); iter.Next() {
		var d models.Delta
		if err := json.Unmarshal(iter.Value(), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, iter.Error()
}

// DeleteStream removes the stream record, its deltas, and its membership row.
func DeleteStream(streamID, threadID string) error {
	if db == nil {
		return ErrNotOpen
	}
	b := db.NewBatch()
	defer b.Close()
	dp := deltaPrefix(streamID)
	if err := b.DeleteRange(dp, prefixUpperBound(dp), nil); err != nil {
		return err
	}
	if err := b.Delete(streamMetaKey(streamID), nil); err != nil {
		return err
	}
	if threadID != "" {
		if err := b.Delete(threadStreamKey(threadID, streamID), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// ListAllStreams walks every buffered stream record. The buffer is
// transient and small by construction, so the scan stays cheap.
func ListAllStreams() ([]models.Stream, error) {
	if db == nil {
		return nil, ErrNotOpen
	}
	prefix := []byte("s:")
	iter, err := newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Stream
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var s models.Stream
		if err := json.Unmarshal(iter.Value(), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, iter.Error()
}

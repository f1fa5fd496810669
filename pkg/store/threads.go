package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"agentdb/pkg/logger"
	"agentdb/pkg/models"
	"agentdb/pkg/telemetry"
	"agentdb/pkg/utils"
)

// CreateThread stores a new thread record. A zero ID is generated.
func CreateThread(th models.Thread) (models.Thread, error) {
	if db == nil {
		return th, ErrNotOpen
	}
	if th.ID == "" {
		th.ID = utils.GenThreadID()
	}
	now := time.Now().UTC().UnixNano()
	if th.CreatedTS == 0 {
		th.CreatedTS = now
	}
	if th.UpdatedTS == 0 {
		th.UpdatedTS = th.CreatedTS
	}
	b := db.NewBatch()
	defer b.Close()
	nb, err := json.Marshal(th)
	if err != nil {
		return th, err
	}
	if err := b.Set(threadMetaKey(th.ID), nb, nil); err != nil {
		return th, err
	}
	if th.User != "" {
		if err := b.Set(userThreadKey(th.User, th.ID), []byte(th.ID), nil); err != nil {
			return th, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("create_thread_failed", "thread", th.ID, "error", err)
		return th, err
	}
	logger.Info("thread_created", "thread", th.ID, "user", th.User)
	return th, nil
}

// GetThread returns the stored thread record for a given thread ID.
func GetThread(threadID string) (models.Thread, error) {
	var th models.Thread
	if db == nil {
		return th, ErrNotOpen
	}
	v, closer, err := db.Get(threadMetaKey(threadID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return th, ErrNotFound
		}
		return th, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &th); err != nil {
		return th, err
	}
	return th, nil
}

// saveThreadLocked writes the thread record. Callers hold the thread lock.
func saveThreadLocked(b *pebble.Batch, th models.Thread) error {
	nb, err := json.Marshal(th)
	if err != nil {
		return err
	}
	return b.Set(threadMetaKey(th.ID), nb, nil)
}

// PatchThread updates title/summary metadata. Nil fields are left alone.
func PatchThread(threadID string, title, summary *string) (models.Thread, error) {
	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()

	th, err := GetThread(threadID)
	if err != nil {
		return th, err
	}
	if th.Deleted {
		return th, ErrThreadDeleted
	}
	if title != nil {
		th.Title = *title
	}
	if summary != nil {
		th.Summary = *summary
	}
	th.UpdatedTS = time.Now().UTC().UnixNano()
	nb, err := json.Marshal(th)
	if err != nil {
		return th, err
	}
	if err := db.Set(threadMetaKey(threadID), nb, pebble.Sync); err != nil {
		logger.Error("patch_thread_failed", "thread", threadID, "error", err)
		return th, err
	}
	return th, nil
}

// ListThreads returns thread records, optionally restricted to one user.
func ListThreads(user string) ([]models.Thread, error) {
	if db == nil {
		return nil, ErrNotOpen
	}
	if user != "" {
		return listUserThreads(user)
	}
	prefix := []byte("t:")
	iter, err := newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Thread
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var th models.Thread
		if err := json.Unmarshal(iter.Value(), &th); err != nil {
			continue
		}
		out = append(out, th)
	}
	return out, iter.Error()
}

// UserThreadIDs resolves all thread ids owned by a user identifier.
func UserThreadIDs(user string) ([]string, error) {
	if db == nil {
		return nil, ErrNotOpen
	}
	prefix := []byte("u:" + user + ":t:")
	iter, err := newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, string(iter.Value()))
	}
	return out, iter.Error()
}

func listUserThreads(user string) ([]models.Thread, error) {
	ids, err := UserThreadIDs(user)
	if err != nil {
		return nil, err
	}
	out := make([]models.Thread, 0, len(ids))
	for _, id := range ids {
		th, err := GetThread(id)
		if err != nil {
			continue
		}
		out = append(out, th)
	}
	return out, nil
}

// DeleteThread soft-deletes the thread and schedules cascading deletion of
// its messages, streams and index rows. The cascade runs asynchronously in
// the retention sweeper so the delete call itself stays bounded.
func DeleteThread(threadID string) error {
	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()

	th, err := GetThread(threadID)
	if err != nil {
		return err
	}
	if th.Deleted {
		return nil // idempotent
	}
	now := time.Now().UTC().UnixNano()
	th.Deleted = true
	th.DeletedTS = now

	b := db.NewBatch()
	defer b.Close()
	if err := saveThreadLocked(b, th); err != nil {
		return err
	}
	req, _ := json.Marshal(map[string]int64{"requested_ts": now})
	if err := b.Set(gcThreadKey(threadID), req, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("delete_thread_failed", "thread", threadID, "error", err)
		return err
	}
	logger.Info("thread_soft_deleted", "thread", threadID)
	return nil
}

// PendingCascades returns thread ids queued for cascade deletion.
func PendingCascades() ([]string, error) {
	if db == nil {
		return nil, ErrNotOpen
	}
	prefix := []byte("gc:thread:")
	iter, err := newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, strings.TrimPrefix(string(iter.Key()), "gc:thread:"))
	}
	return out, iter.Error()
}

// RunCascades drains the cascade queue, deleting each queued thread's
// messages, streams, postings and embeddings, and releasing file refs.
// Best-effort: a failing thread is logged and left queued for the next run.
func RunCascades() (int, error) {
	ids, err := PendingCascades()
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		if err := cascadeThread(id); err != nil {
			logger.Error("cascade_failed", "thread", id, "error", err)
			continue
		}
		telemetry.CascadedThreads.Inc()
		done++
	}
	return done, nil
}

func cascadeThread(threadID string) error {
	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()

	// release blob refs held by the thread's messages before dropping them
	msgs, _, err := ListMessages(threadID, ListOptions{})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	b := db.NewIndexedBatch()
	defer b.Close()
	for _, m := range msgs {
		for _, ref := range m.FileRefs() {
			if err := releaseFileLocked(b, ref); err != nil {
				logger.Warn("cascade_file_release_failed", "thread", threadID, "ref", ref, "error", err)
			}
		}
	}

	// drop the thread's streams (meta + deltas) via the membership index
	strmPrefix := []byte("t:" + threadID + ":strm:")
	iter, err := newIter(strmPrefix, prefixUpperBound(strmPrefix))
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		sid := string(iter.Value())
		dp := deltaPrefix(sid)
		if err := b.DeleteRange(dp, prefixUpperBound(dp), nil); err != nil {
			iter.Close()
			return err
		}
		if err := b.Delete(streamMetaKey(sid), nil); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	// messages, id index, stream index, postings, embeddings
	for _, prefix := range [][]byte{
		messagePrefix(threadID),
		[]byte("t:" + threadID + ":id:"),
		strmPrefix,
		[]byte("x:" + threadID + ":"),
		[]byte("e:" + threadID + ":"),
	} {
		if err := b.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
			return err
		}
	}
	if err := b.Delete(gcThreadKey(threadID), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	telemetry.MessagesDeleted.Add(float64(len(msgs)))
	logger.Info("thread_cascaded", "thread", threadID, "messages", len(msgs))
	return nil
}

// RecoverLastOrder scans the thread's message keys and returns the highest
// order observed. Used to rebuild the high-water mark when a thread record
// predates the counter.
func RecoverLastOrder(threadID string) (int64, error) {
	if db == nil {
		return 0, ErrNotOpen
	}
	prefix := messagePrefix(threadID)
	iter, err := newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	key := iter.Key()
	if !bytes.HasPrefix(key, prefix) {
		return 0, nil
	}
	c, err := parseCoord(string(key[len(prefix):]))
	if err != nil {
		return 0, err
	}
	return c.Order, nil
}

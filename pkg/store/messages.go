package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"agentdb/pkg/logger"
	"agentdb/pkg/models"
	"agentdb/pkg/telemetry"
	"agentdb/pkg/utils"
)

// AppendOptions controls coordinate allocation for AppendMessage.
type AppendOptions struct {
	// Order attaches the message as the next step of an existing round.
	// Zero allocates a new root order (stepOrder 0).
	Order int64
}

// AppendMessage persists one message, allocating its (order, stepOrder)
// under the thread lock so concurrent appends to the same thread never
// collide. The thread is created implicitly on first use. Binary parts
// above the inline limit are offloaded to the blob store and replaced with
// content-addressed references.
func AppendMessage(threadID string, msg models.Message, opts AppendOptions) (models.Message, error) {
	if db == nil {
		return msg, ErrNotOpen
	}
	if !msg.Role.Valid() {
		return msg, errors.New("invalid role: " + string(msg.Role))
	}
	if msg.Status == "" {
		msg.Status = models.StatusSuccess
	}
	if !msg.Status.Valid() {
		return msg, errors.New("invalid status: " + string(msg.Status))
	}

	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC().UnixNano()
	created := false
	th, err := GetThread(threadID)
	if errors.Is(err, ErrNotFound) {
		th = models.Thread{ID: threadID, User: msg.User, CreatedTS: now}
		created = true
	} else if err != nil {
		return msg, err
	}
	if th.Deleted {
		return msg, ErrThreadDeleted
	}
	if th.LastOrder == 0 {
		// older records may predate the counter; rebuild from keys
		if rec, err := RecoverLastOrder(threadID); err == nil && rec > 0 {
			th.LastOrder = rec
		}
	}

	if opts.Order == 0 {
		th.LastOrder++
		msg.Order = th.LastOrder
		msg.Step = 0
	} else {
		if opts.Order > th.LastOrder {
			return msg, ErrUnknownOrder
		}
		step, err := nextStepLocked(threadID, opts.Order)
		if err != nil {
			return msg, err
		}
		msg.Order = opts.Order
		msg.Step = step
	}

	if msg.ID == "" {
		msg.ID = utils.GenMessageID()
	}
	msg.Thread = threadID
	if msg.TS == 0 {
		msg.TS = now
	}
	th.UpdatedTS = now

	b := db.NewIndexedBatch()
	defer b.Close()
	if err := offloadParts(b, &msg); err != nil {
		return msg, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}
	ck := coordKey(msg.Coord())
	if err := b.Set(messageKey(threadID, msg.Coord()), data, nil); err != nil {
		return msg, err
	}
	if err := b.Set(messageIDKey(threadID, msg.ID), []byte(ck), nil); err != nil {
		return msg, err
	}
	if textIndexing {
		if err := indexMessageText(b, threadID, ck, msg.ID, msg.Text()); err != nil {
			return msg, err
		}
	}
	if err := saveThreadLocked(b, th); err != nil {
		return msg, err
	}
	// implicit creation indexes the owner the same way CreateThread does
	if created && th.User != "" {
		if err := b.Set(userThreadKey(th.User, th.ID), []byte(th.ID), nil); err != nil {
			return msg, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("append_message_failed", "thread", threadID, "coord", msg.Coord().String(), "error", err)
		return msg, err
	}
	telemetry.MessagesAppended.WithLabelValues(string(msg.Role)).Inc()
	logger.Debug("message_appended", "thread", threadID, "id", msg.ID, "order", msg.Order, "step", msg.Step, "role", msg.Role)
	return msg, nil
}

// NextRootOrder allocates and persists the next root coordinate for the
// thread. The returned order is consumed even if no message is ever written
// at it; orders are never reused.
func NextRootOrder(threadID string) (models.Coord, error) {
	if db == nil {
		return models.Coord{}, ErrNotOpen
	}
	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC().UnixNano()
	th, err := GetThread(threadID)
	if errors.Is(err, ErrNotFound) {
		th = models.Thread{ID: threadID, CreatedTS: now}
	} else if err != nil {
		return models.Coord{}, err
	}
	if th.Deleted {
		return models.Coord{}, ErrThreadDeleted
	}
	th.LastOrder++
	th.UpdatedTS = now
	nb, err := json.Marshal(th)
	if err != nil {
		return models.Coord{}, err
	}
	if err := db.Set(threadMetaKey(threadID), nb, pebble.Sync); err != nil {
		return models.Coord{}, err
	}
	return models.Coord{Order: th.LastOrder, Step: 0}, nil
}

// NextStepOrder previews the next step coordinate within an order. It does
// not reserve; AppendMessage performs the scan and the write under one lock,
// so callers that need atomicity should append directly.
func NextStepOrder(threadID string, order int64) (models.Coord, error) {
	if db == nil {
		return models.Coord{}, ErrNotOpen
	}
	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()
	step, err := nextStepLocked(threadID, order)
	if err != nil {
		return models.Coord{}, err
	}
	return models.Coord{Order: order, Step: step}, nil
}

// nextStepLocked returns lastStepForOrder+1 (0 when the round is empty).
func nextStepLocked(threadID string, order int64) (int64, error) {
	lower := messageKey(threadID, models.Coord{Order: order, Step: 0})
	upper := orderUpperBound(threadID, order)
	iter, err := newIter(lower, upper)
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	prefix := messagePrefix(threadID)
	c, err := parseCoord(string(iter.Key()[len(prefix):]))
	if err != nil {
		return 0, err
	}
	return c.Step + 1, nil
}

// offloadParts moves oversized inline data to the blob store and takes a
// reference on every file part, so range deletes can release symmetrically.
func offloadParts(b *pebble.Batch, msg *models.Message) error {
	for i := range msg.Parts {
		p := &msg.Parts[i]
		if p.Type != models.PartFile {
			continue
		}
		switch {
		case len(p.Data) > inlineLimit:
			hash, err := putFileLocked(b, p.Data)
			if err != nil {
				return err
			}
			p.FileRef = hash
			p.Data = nil
		case p.FileRef != "":
			if err := addFileRefLocked(b, p.FileRef); err != nil {
				return err
			}
		}
	}
	return nil
}

// MessagePatch updates generation-outcome fields. Ordering coordinates are
// immutable; setting Order or Step fails with ErrOrderingImmutable.
type MessagePatch struct {
	Status       *models.Status `json:"status,omitempty"`
	Usage        *models.Usage  `json:"usage,omitempty"`
	Model        *string        `json:"model,omitempty"`
	Provider     *string        `json:"provider,omitempty"`
	FinishReason *string        `json:"finish_reason,omitempty"`
	Error        *string        `json:"error,omitempty"`
	Embedded     *bool          `json:"embedded,omitempty"`

	Order *int64 `json:"order,omitempty"`
	Step  *int64 `json:"step_order,omitempty"`
}

// PatchMessage applies p to the stored message.
func PatchMessage(threadID, msgID string, p MessagePatch) (models.Message, error) {
	if p.Order != nil || p.Step != nil {
		return models.Message{}, ErrOrderingImmutable
	}
	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()

	msg, key, err := getMessageLocked(threadID, msgID)
	if err != nil {
		return msg, err
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return msg, errors.New("invalid status: " + string(*p.Status))
		}
		msg.Status = *p.Status
	}
	if p.Usage != nil {
		msg.Usage = p.Usage
	}
	if p.Model != nil {
		msg.Model = *p.Model
	}
	if p.Provider != nil {
		msg.Provider = *p.Provider
	}
	if p.FinishReason != nil {
		msg.FinishReason = *p.FinishReason
	}
	if p.Error != nil {
		msg.Error = *p.Error
	}
	if p.Embedded != nil {
		msg.Embedded = *p.Embedded
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}
	if err := db.Set(key, data, pebble.Sync); err != nil {
		logger.Error("patch_message_failed", "thread", threadID, "id", msgID, "error", err)
		return msg, err
	}
	return msg, nil
}

// SetMessageContent replaces a message's parts and status; used when a
// finished stream merges its deltas into the canonical record. Postings are
// rebuilt for the new text.
func SetMessageContent(threadID, msgID string, parts []models.Part, status models.Status, errMsg string) (models.Message, error) {
	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()

	msg, key, err := getMessageLocked(threadID, msgID)
	if err != nil {
		return msg, err
	}
	b := db.NewIndexedBatch()
	defer b.Close()
	ck := coordKey(msg.Coord())
	if textIndexing {
		if err := deindexMessageText(b, threadID, ck, msg.Text()); err != nil {
			return msg, err
		}
	}
	msg.Parts = parts
	msg.Status = status
	msg.Error = errMsg
	if err := offloadParts(b, &msg); err != nil {
		return msg, err
	}
	if textIndexing {
		if err := indexMessageText(b, threadID, ck, msg.ID, msg.Text()); err != nil {
			return msg, err
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}
	if err := b.Set(key, data, nil); err != nil {
		return msg, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return msg, err
	}
	return msg, nil
}

func getMessageLocked(threadID, msgID string) (models.Message, []byte, error) {
	var msg models.Message
	v, closer, err := db.Get(messageIDKey(threadID, msgID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return msg, nil, ErrNotFound
		}
		return msg, nil, err
	}
	ck := string(v)
	closer.Close()
	c, err := parseCoord(ck)
	if err != nil {
		return msg, nil, err
	}
	key := messageKey(threadID, c)
	mv, closer, err := db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return msg, nil, ErrNotFound
		}
		return msg, nil, err
	}
	defer closer.Close()
	if err := json.Unmarshal(mv, &msg); err != nil {
		return msg, nil, err
	}
	return msg, key, nil
}

// GetMessage looks a message up by id.
func GetMessage(threadID, msgID string) (models.Message, error) {
	if db == nil {
		return models.Message{}, ErrNotOpen
	}
	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()
	msg, _, err := getMessageLocked(threadID, msgID)
	return msg, err
}

// GetMessageAt looks a message up by coordinate.
func GetMessageAt(threadID string, c models.Coord) (models.Message, error) {
	if db == nil {
		return models.Message{}, ErrNotOpen
	}
	var msg models.Message
	v, closer, err := db.Get(messageKey(threadID, c))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return msg, ErrNotFound
		}
		return msg, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// ListOptions bounds and filters a message listing.
type ListOptions struct {
	// After is an exclusive lower coordinate bound (pagination cursor).
	After *models.Coord
	// UpTo is an inclusive upper coordinate bound (continuation anchor);
	// nothing after it is returned.
	UpTo *models.Coord
	// Limit caps the result; zero means unbounded.
	Limit int
	// ExcludeTools drops tool-role messages.
	ExcludeTools bool
	// Statuses restricts to the given statuses when non-empty.
	Statuses []models.Status
	// Descending walks from the newest coordinate backwards.
	Descending bool
}

// ListMessages returns messages in (order, stepOrder) order with a stable
// cursor. The returned cursor is the coordinate of the last message when
// the limit was hit, nil when the listing is exhausted.
func ListMessages(threadID string, opts ListOptions) ([]models.Message, *models.Coord, error) {
	if db == nil {
		return nil, nil, ErrNotOpen
	}
	prefix := messagePrefix(threadID)
	lower := append([]byte(nil), prefix...)
	upper := prefixUpperBound(prefix)
	if opts.After != nil {
		// exclusive: start just past the cursor coordinate
		lower = messageKey(threadID, models.Coord{Order: opts.After.Order, Step: opts.After.Step + 1})
	}
	if opts.UpTo != nil {
		// inclusive: bound just past the anchor coordinate
		upper = messageKey(threadID, models.Coord{Order: opts.UpTo.Order, Step: opts.UpTo.Step + 1})
	}
	iter, err := newIter(lower, upper)
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	var out []models.Message
	var last *models.Coord
	visit := func() (stop bool) {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			return true
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("list_messages_bad_row", "thread", threadID, "key", string(iter.Key()), "error", err)
			return false
		}
		if opts.ExcludeTools && m.Role == models.RoleTool {
			return false
		}
		if len(opts.Statuses) > 0 {
			ok := false
			for _, s := range opts.Statuses {
				if m.Status == s {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
		out = append(out, m)
		c := m.Coord()
		last = &c
		return opts.Limit > 0 && len(out) >= opts.Limit
	}

	if opts.Descending {
		for ok := iter.Last(); ok; ok = iter.Prev() {
			if visit() {
				break
			}
		}
	} else {
		for ok := iter.First(); ok; ok = iter.Next() {
			if visit() {
				break
			}
		}
	}
	if err := iter.Error(); err != nil {
		return nil, nil, err
	}
	if opts.Limit > 0 && len(out) >= opts.Limit {
		return out, last, nil
	}
	return out, nil, nil
}

// DeleteMessageRange removes the contiguous coordinate range [start, end)
// along with id-index rows, postings, embeddings, and blob references.
// Single-message deletion is the range (c, c+1 step 0)... callers usually
// pass (order,0)..(order+1,0) to drop one whole round.
func DeleteMessageRange(threadID string, start, end models.Coord) (int, error) {
	if db == nil {
		return 0, ErrNotOpen
	}
	if !start.Less(end) {
		return 0, errors.New("empty or inverted range")
	}
	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()

	lower := messageKey(threadID, start)
	upper := messageKey(threadID, end)
	iter, err := newIter(lower, upper)
	if err != nil {
		return 0, err
	}
	b := db.NewIndexedBatch()
	defer b.Close()
	prefix := messagePrefix(threadID)
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		ck := string(iter.Key()[len(prefix):])
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			iter.Close()
			return 0, err
		}
		if err := b.Delete(messageIDKey(threadID, m.ID), nil); err != nil {
			iter.Close()
			return 0, err
		}
		if err := b.Delete(embeddingKey(threadID, ck), nil); err != nil {
			iter.Close()
			return 0, err
		}
		if textIndexing {
			if err := deindexMessageText(b, threadID, ck, m.Text()); err != nil {
				iter.Close()
				return 0, err
			}
		}
		for _, ref := range m.FileRefs() {
			if err := releaseFileLocked(b, ref); err != nil {
				logger.Warn("delete_range_file_release_failed", "thread", threadID, "ref", ref, "error", err)
			}
		}
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("delete_range_failed", "thread", threadID, "error", err)
		return 0, err
	}
	telemetry.MessagesDeleted.Add(float64(n))
	logger.Info("messages_deleted", "thread", threadID, "start", start.String(), "end", end.String(), "count", n)
	return n, nil
}

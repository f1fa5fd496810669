package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentdb/pkg/logger"
	"agentdb/pkg/models"
	"agentdb/pkg/store"
	"agentdb/pkg/telemetry"
	"agentdb/pkg/utils"
)

var (
	// ErrStreamClosed is returned by Push once a stream has finished or
	// aborted; late fragments are rejected, never silently appended.
	ErrStreamClosed = errors.New("stream closed")
	// ErrStreamNotFound covers streams never opened or already swept.
	ErrStreamNotFound = errors.New("stream not found")
)

// InactivityReason marks streams the janitor force-aborted.
const InactivityReason = "inactivity_timeout"

// Options tunes the delta buffer.
type Options struct {
	// FlushInterval throttles buffer-to-store flushes per stream.
	FlushInterval time.Duration
	// Retention keeps a closed stream's deltas available to late readers.
	Retention time.Duration
	// InactivityTimeout aborts live streams that stop receiving pushes.
	InactivityTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 250 * time.Millisecond
	}
	if o.Retention <= 0 {
		o.Retention = 5 * time.Minute
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = 10 * time.Minute
	}
}

// Engine buffers streaming message fragments in memory, flushing them to the
// store as chunked deltas on a throttle. One placeholder message is appended
// per stream at open; finish merges the deltas back into it.
type Engine struct {
	opts Options

	mu      sync.Mutex
	live    map[string]*state // stream id -> buffer
	byCoord map[string]string // thread + coord -> stream id
}

type state struct {
	mu      sync.Mutex
	rec     models.Stream
	chunker Chunker
	pending strings.Builder
	timer   *time.Timer
	// notify is closed and replaced whenever persisted deltas advance or
	// the stream closes; readers wait on it.
	notify chan struct{}
}

func New(opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		opts:    opts,
		live:    map[string]*state{},
		byCoord: map[string]string{},
	}
}

func coordIndex(threadID string, c models.Coord) string {
	return threadID + "|" + c.String()
}

// OpenOptions shapes a new stream.
type OpenOptions struct {
	// Order attaches the stream's message as the next step of an existing
	// round; zero opens a new root round.
	Order int64
	// Policy names the chunking policy ("raw", "word", "line", "regex:...").
	Policy   string
	Model    string
	Provider string
	User     string
}

// Open appends a pending placeholder message at the allocated coordinate and
// registers a live buffer for it.
func (e *Engine) Open(threadID string, opts OpenOptions) (models.Stream, error) {
	chunker, err := ForPolicy(opts.Policy)
	if err != nil {
		return models.Stream{}, err
	}
	msg, err := store.AppendMessage(threadID, models.Message{
		Role:     models.RoleAssistant,
		Status:   models.StatusPending,
		User:     opts.User,
		Model:    opts.Model,
		Provider: opts.Provider,
	}, store.AppendOptions{Order: opts.Order})
	if err != nil {
		return models.Stream{}, err
	}
	now := time.Now().UTC().UnixNano()
	rec := models.Stream{
		ID:           utils.GenStreamID(),
		Thread:       threadID,
		Message:      msg.ID,
		Order:        msg.Order,
		Step:         msg.Step,
		Status:       models.StreamStreaming,
		Policy:       opts.Policy,
		StartedTS:    now,
		LastActiveTS: now,
	}
	if err := store.SaveStream(rec); err != nil {
		return models.Stream{}, err
	}
	st := &state{rec: rec, chunker: chunker, notify: make(chan struct{})}
	e.mu.Lock()
	e.live[rec.ID] = st
	e.byCoord[coordIndex(threadID, rec.Coord())] = rec.ID
	e.mu.Unlock()
	telemetry.StreamsOpened.Inc()
	logger.Debug("stream_opened", "stream", rec.ID, "thread", threadID, "coord", rec.Coord().String(), "policy", opts.Policy)
	return rec, nil
}

func (e *Engine) liveState(streamID string) *state {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[streamID]
}

// Push buffers a text fragment and schedules a throttled flush. Fragments
// arriving after finish or abort fail with ErrStreamClosed.
func (e *Engine) Push(streamID, text string) error {
	st := e.liveState(streamID)
	if st == nil {
		if _, err := store.GetStream(streamID); err == nil {
			return ErrStreamClosed
		}
		return ErrStreamNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.rec.Closed() {
		return ErrStreamClosed
	}
	st.pending.WriteString(text)
	st.rec.LastActiveTS = time.Now().UTC().UnixNano()
	if st.timer == nil {
		st.timer = time.AfterFunc(e.opts.FlushInterval, func() { e.flushTimer(st) })
	}
	return nil
}

func (e *Engine) flushTimer(st *state) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.timer = nil
	if st.rec.Closed() {
		return
	}
	if err := e.flushLocked(st, false); err != nil {
		logger.Error("delta_flush_failed", "stream", st.rec.ID, "error", err)
	}
}

// flushLocked cuts the buffered text into deltas and persists them. With
// final set, the incomplete tail is flushed too.
func (e *Engine) flushLocked(st *state, final bool) error {
	buf := st.pending.String()
	chunks, rest := st.chunker.Cut(buf)
	if final && rest != "" {
		chunks = append(chunks, rest)
		rest = ""
	}
	st.pending.Reset()
	st.pending.WriteString(rest)
	if len(chunks) == 0 {
		return nil
	}
	now := time.Now().UTC().UnixNano()
	deltas := make([]models.Delta, len(chunks))
	for i, c := range chunks {
		deltas[i] = models.Delta{Seq: st.rec.NextSeq, Text: c, TS: now}
		st.rec.NextSeq++
	}
	st.rec.LastActiveTS = now
	start := time.Now()
	if err := store.AppendDeltas(st.rec, deltas); err != nil {
		// roll the sequence back so a retry re-issues the same numbers
		st.rec.NextSeq = deltas[0].Seq
		st.pending.Reset()
		for _, d := range deltas {
			st.pending.WriteString(d.Text)
		}
		st.pending.WriteString(rest)
		return err
	}
	telemetry.FlushLatency.Observe(time.Since(start).Seconds())
	telemetry.DeltasFlushed.Add(float64(len(deltas)))
	st.publishLocked()
	return nil
}

func (st *state) publishLocked() {
	close(st.notify)
	st.notify = make(chan struct{})
}

// Finish flushes everything buffered, merges the deltas into the placeholder
// message, and schedules the buffer for retention sweep. Finishing twice is
// a no-op returning the same merged message.
func (e *Engine) Finish(streamID string) (models.Message, error) {
	return e.close(streamID, models.StreamFinished, "")
}

// Abort closes the stream keeping whatever text already streamed. The
// message is marked failed with the given reason. Idempotent.
func (e *Engine) Abort(streamID, reason string) (models.Message, error) {
	return e.close(streamID, models.StreamAborted, reason)
}

// AbortByCoords aborts the stream occupying the given coordinate.
func (e *Engine) AbortByCoords(threadID string, c models.Coord, reason string) (models.Message, error) {
	e.mu.Lock()
	id, ok := e.byCoord[coordIndex(threadID, c)]
	e.mu.Unlock()
	if !ok {
		return models.Message{}, ErrStreamNotFound
	}
	return e.Abort(id, reason)
}

func (e *Engine) close(streamID string, status models.StreamStatus, reason string) (models.Message, error) {
	st := e.liveState(streamID)
	if st == nil {
		// already closed: report the merged message idempotently, whatever
		// status the stream closed with
		rec, err := store.GetStream(streamID)
		if err != nil {
			return models.Message{}, ErrStreamNotFound
		}
		if rec.Closed() {
			return store.GetMessage(rec.Thread, rec.Message)
		}
		return models.Message{}, ErrStreamClosed
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.rec.Closed() {
		return store.GetMessage(st.rec.Thread, st.rec.Message)
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if err := e.flushLocked(st, true); err != nil {
		return models.Message{}, err
	}
	deltas, err := store.ListDeltas(streamID, 0)
	if err != nil {
		return models.Message{}, err
	}
	var full strings.Builder
	for _, d := range deltas {
		full.WriteString(d.Text)
	}
	msgStatus := models.StatusSuccess
	if status == models.StreamAborted {
		msgStatus = models.StatusFailed
	}
	msg, err := store.SetMessageContent(st.rec.Thread, st.rec.Message,
		[]models.Part{models.TextPart(full.String())}, msgStatus, reason)
	if err != nil {
		return models.Message{}, err
	}
	now := time.Now().UTC()
	st.rec.Status = status
	st.rec.Reason = reason
	st.rec.LastActiveTS = now.UnixNano()
	st.rec.ExpiresAt = now.Add(e.opts.Retention).UnixNano()
	if err := store.SaveStream(st.rec); err != nil {
		return models.Message{}, err
	}
	st.publishLocked()
	e.mu.Lock()
	delete(e.live, streamID)
	delete(e.byCoord, coordIndex(st.rec.Thread, st.rec.Coord()))
	e.mu.Unlock()
	telemetry.StreamsClosed.WithLabelValues(string(status)).Inc()
	logger.Info("stream_closed", "stream", streamID, "thread", st.rec.Thread, "status", status, "reason", reason, "deltas", st.rec.NextSeq)
	return msg, nil
}

// Get returns the stream record, preferring the live in-memory copy.
func (e *Engine) Get(streamID string) (models.Stream, error) {
	if st := e.liveState(streamID); st != nil {
		st.mu.Lock()
		rec := st.rec
		st.mu.Unlock()
		return rec, nil
	}
	rec, err := store.GetStream(streamID)
	if errors.Is(err, store.ErrNotFound) {
		return rec, ErrStreamNotFound
	}
	return rec, err
}

// Deltas snapshots persisted deltas from fromSeq along with the current
// stream record. A subscriber attaching mid-stream calls this with fromSeq 0
// and receives every delta emitted so far.
func (e *Engine) Deltas(streamID string, fromSeq uint64) ([]models.Delta, models.Stream, error) {
	rec, err := e.Get(streamID)
	if err != nil {
		return nil, rec, err
	}
	deltas, err := store.ListDeltas(streamID, fromSeq)
	return deltas, rec, err
}

// Follow replays persisted deltas from fromSeq and then blocks for new ones,
// invoking fn per delta in sequence order, until the stream closes, fn
// errors, or ctx is done. The final stream record is returned so callers can
// report the close status.
func (e *Engine) Follow(ctx context.Context, streamID string, fromSeq uint64, fn func(models.Delta) error) (models.Stream, error) {
	for {
		deltas, rec, err := e.Deltas(streamID, fromSeq)
		if err != nil {
			return rec, err
		}
		for _, d := range deltas {
			if err := fn(d); err != nil {
				return rec, err
			}
			fromSeq = d.Seq + 1
		}
		if rec.Closed() && fromSeq >= rec.NextSeq {
			return rec, nil
		}
		st := e.liveState(streamID)
		if st == nil {
			// closed between the snapshot and here; loop to drain the tail
			continue
		}
		st.mu.Lock()
		if st.rec.NextSeq > fromSeq || st.rec.Closed() {
			st.mu.Unlock()
			continue
		}
		ch := st.notify
		st.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return rec, ctx.Err()
		}
	}
}

// SyncItem pairs a stream record with the deltas a subscriber has not seen.
type SyncItem struct {
	Stream models.Stream  `json:"stream"`
	Deltas []models.Delta `json:"deltas"`
	// Cursor is the fromSeq to pass on the next sync call.
	Cursor uint64 `json:"cursor"`
}

// Sync returns, for every buffered stream of the thread, the deltas past the
// caller's cursor. A first call (no cursor for a stream) gets the full
// history, which makes mid-stream attach complete by construction. Statuses
// filters when non-empty.
func (e *Engine) Sync(threadID string, cursors map[string]uint64, statuses []models.StreamStatus) ([]SyncItem, error) {
	recs, err := store.ListThreadStreams(threadID)
	if err != nil {
		return nil, err
	}
	out := make([]SyncItem, 0, len(recs))
	for _, rec := range recs {
		if len(statuses) > 0 {
			ok := false
			for _, s := range statuses {
				if rec.Status == s {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		from := cursors[rec.ID]
		deltas, err := store.ListDeltas(rec.ID, from)
		if err != nil {
			return nil, err
		}
		cursor := from
		if n := len(deltas); n > 0 {
			cursor = deltas[n-1].Seq + 1
		}
		out = append(out, SyncItem{Stream: rec, Deltas: deltas, Cursor: cursor})
	}
	return out, nil
}

// TimeoutInactive aborts live streams whose last push is older than the
// inactivity window. Returns how many were aborted.
func (e *Engine) TimeoutInactive(now time.Time) int {
	cutoff := now.Add(-e.opts.InactivityTimeout).UnixNano()
	e.mu.Lock()
	states := make(map[string]*state, len(e.live))
	for id, st := range e.live {
		states[id] = st
	}
	e.mu.Unlock()
	var stale []string
	for id, st := range states {
		st.mu.Lock()
		if st.rec.LastActiveTS <= cutoff {
			stale = append(stale, id)
		}
		st.mu.Unlock()
	}
	for _, id := range stale {
		if _, err := e.Abort(id, InactivityReason); err != nil {
			logger.Warn("stream_timeout_abort_failed", "stream", id, "error", err)
		}
	}
	if len(stale) > 0 {
		logger.Info("streams_timed_out", "count", len(stale))
	}
	return len(stale)
}

// SweepExpired deletes closed stream buffers past their retention window.
func (e *Engine) SweepExpired(now time.Time) (int, error) {
	recs, err := store.ListAllStreams()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if !rec.Closed() || rec.ExpiresAt == 0 || rec.ExpiresAt > now.UnixNano() {
			continue
		}
		if err := store.DeleteStream(rec.ID, rec.Thread); err != nil {
			logger.Warn("stream_sweep_failed", "stream", rec.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		logger.Info("streams_swept", "count", n)
	}
	return n, nil
}

// Recover aborts stream records left in the streaming state by an unclean
// shutdown; their in-memory buffers are gone, so the partial text persisted
// so far becomes the message body.
func (e *Engine) Recover() error {
	recs, err := store.ListAllStreams()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Closed() {
			continue
		}
		st := &state{rec: rec, chunker: ChunkFunc(rawCut), notify: make(chan struct{})}
		e.mu.Lock()
		e.live[rec.ID] = st
		e.byCoord[coordIndex(rec.Thread, rec.Coord())] = rec.ID
		e.mu.Unlock()
		if _, err := e.Abort(rec.ID, "recovered_after_restart"); err != nil {
			return fmt.Errorf("recover stream %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Close flushes every live buffer so a clean shutdown loses no fragments.
// Streams stay in the streaming state and are recovered on the next start.
func (e *Engine) Close() {
	e.mu.Lock()
	states := make([]*state, 0, len(e.live))
	for _, st := range e.live {
		states = append(states, st)
	}
	e.mu.Unlock()
	for _, st := range states {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		if err := e.flushLocked(st, true); err != nil {
			logger.Error("shutdown_flush_failed", "stream", st.rec.ID, "error", err)
		}
		st.mu.Unlock()
	}
}

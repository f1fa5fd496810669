package streams

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"agentdb/pkg/models"
	"agentdb/pkg/store"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	store.SetInlineLimit(4 << 10)
	store.SetTextIndexing(false)
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return New(opts)
}

func fullText(t *testing.T, streamID string) string {
	t.Helper()
	deltas, err := store.ListDeltas(streamID, 0)
	if err != nil {
		t.Fatalf("list deltas: %v", err)
	}
	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(d.Text)
	}
	return b.String()
}

func TestFinishReconstructsPushedText(t *testing.T) {
	e := newTestEngine(t, Options{FlushInterval: 5 * time.Millisecond})

	s, err := e.Open("th-1", OpenOptions{Policy: "word"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Order != 1 || s.Step != 0 {
		t.Fatalf("stream coord = %s, want (1,0)", s.Coord())
	}

	pushed := "Once upon a time, there was a stream."
	for _, frag := range []string{"Once upo", "n a time, ", "there was", " a stream."} {
		if err := e.Push(s.ID, frag); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	msg, err := e.Finish(s.ID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if msg.Text() != pushed {
		t.Fatalf("merged text = %q, want %q", msg.Text(), pushed)
	}
	if msg.Status != models.StatusSuccess {
		t.Fatalf("status = %s, want success", msg.Status)
	}
	if fullText(t, s.ID) != pushed {
		t.Fatalf("delta concatenation = %q, want %q", fullText(t, s.ID), pushed)
	}

	// finish is idempotent
	again, err := e.Finish(s.ID)
	if err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if again.ID != msg.ID || again.Text() != pushed {
		t.Fatalf("second finish returned %+v", again)
	}
	// so is abort after finish: the merged message stands
	ab, err := e.Abort(s.ID, "too late")
	if err != nil {
		t.Fatalf("abort after finish: %v", err)
	}
	if ab.ID != msg.ID || ab.Status != models.StatusSuccess {
		t.Fatalf("abort after finish returned %+v", ab)
	}
}

func TestMidStreamAttachSeesFullHistory(t *testing.T) {
	e := newTestEngine(t, Options{FlushInterval: time.Millisecond})

	s, err := e.Open("th-2", OpenOptions{Policy: "raw"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Push(s.ID, "first "); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := e.Push(s.ID, "second"); err != nil {
		t.Fatalf("push: %v", err)
	}
	// wait for the throttled flush
	deadline := time.Now().Add(time.Second)
	for {
		deltas, _, err := e.Deltas(s.ID, 0)
		if err != nil {
			t.Fatalf("deltas: %v", err)
		}
		var got strings.Builder
		for _, d := range deltas {
			got.WriteString(d.Text)
		}
		if got.String() == "first second" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mid-stream attach incomplete: %q", got.String())
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := e.Finish(s.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestAbortKeepsPartialTextAndRejectsLatePushes(t *testing.T) {
	e := newTestEngine(t, Options{FlushInterval: time.Hour})

	s, err := e.Open("th-3", OpenOptions{Policy: "word"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, frag := range []string{"Once", " upon", " a"} {
		if err := e.Push(s.ID, frag); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	msg, err := e.Abort(s.ID, "client_abort")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if msg.Text() != "Once upon a" {
		t.Fatalf("partial text = %q, want %q", msg.Text(), "Once upon a")
	}
	if msg.Status != models.StatusFailed || msg.Error != "client_abort" {
		t.Fatalf("aborted message = status %s error %q", msg.Status, msg.Error)
	}
	if err := e.Push(s.ID, " time"); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("push after abort: err = %v, want ErrStreamClosed", err)
	}
	// abort is idempotent
	if _, err := e.Abort(s.ID, "whatever"); err != nil {
		t.Fatalf("second abort: %v", err)
	}
	// finish on an aborted stream is likewise a no-op, not an error
	fin, err := e.Finish(s.ID)
	if err != nil {
		t.Fatalf("finish after abort: %v", err)
	}
	if fin.Text() != "Once upon a" || fin.Status != models.StatusFailed {
		t.Fatalf("finish after abort returned %+v", fin)
	}
	rec, err := store.GetStream(s.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if rec.Status != models.StreamAborted || rec.Reason != "client_abort" {
		t.Fatalf("stream record = %+v", rec)
	}
	if rec.ExpiresAt == 0 {
		t.Fatal("aborted stream has no retention deadline")
	}
}

func TestAbortByCoords(t *testing.T) {
	e := newTestEngine(t, Options{})
	s, err := e.Open("th-4", OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := e.AbortByCoords("th-4", s.Coord(), "superseded"); err != nil {
		t.Fatalf("abort by coords: %v", err)
	}
	if _, err := e.AbortByCoords("th-4", models.Coord{Order: 99}, "x"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("abort unknown coord: err = %v, want ErrStreamNotFound", err)
	}
}

func TestFollowDeliversInOrderAndEnds(t *testing.T) {
	e := newTestEngine(t, Options{FlushInterval: time.Millisecond})
	s, err := e.Open("th-5", OpenOptions{Policy: "raw"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan string, 1)
	go func() {
		var b strings.Builder
		rec, err := e.Follow(context.Background(), s.ID, 0, func(d models.Delta) error {
			b.WriteString(d.Text)
			return nil
		})
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		if rec.Status != models.StreamFinished {
			done <- "status: " + string(rec.Status)
			return
		}
		done <- b.String()
	}()

	for _, frag := range []string{"a", "b", "c"} {
		if err := e.Push(s.ID, frag); err != nil {
			t.Fatalf("push: %v", err)
		}
		time.Sleep(3 * time.Millisecond)
	}
	if _, err := e.Finish(s.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	select {
	case got := <-done:
		if got != "abc" {
			t.Fatalf("followed text = %q, want abc", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follower never finished")
	}
}

func TestFollowHonorsContextCancel(t *testing.T) {
	e := newTestEngine(t, Options{FlushInterval: time.Hour})
	s, err := e.Open("th-6", OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Follow(ctx, s.ID, 0, func(models.Delta) error { return nil })
		errCh <- err
	}()
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("follow err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not unblock on cancel")
	}
}

func TestSyncCursorsAdvance(t *testing.T) {
	e := newTestEngine(t, Options{FlushInterval: time.Hour})
	s, err := e.Open("th-7", OpenOptions{Policy: "raw"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Push(s.ID, "hello "); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := e.Finish(s.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}

	// first sync: no cursor, full history
	items, err := e.Sync("th-7", nil, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(items) != 1 || len(items[0].Deltas) == 0 {
		t.Fatalf("first sync = %+v", items)
	}
	cursor := items[0].Cursor

	// continuation: nothing new
	items, err = e.Sync("th-7", map[string]uint64{s.ID: cursor}, nil)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(items[0].Deltas) != 0 || items[0].Cursor != cursor {
		t.Fatalf("continuation = %+v", items[0])
	}

	// status filter
	items, err = e.Sync("th-7", nil, []models.StreamStatus{models.StreamStreaming})
	if err != nil {
		t.Fatalf("filtered sync: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("filtered sync returned %d items, want 0", len(items))
	}
}

func TestInactivityTimeoutAborts(t *testing.T) {
	e := newTestEngine(t, Options{InactivityTimeout: time.Minute})
	s, err := e.Open("th-8", OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Push(s.ID, "hang"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if n := e.TimeoutInactive(time.Now()); n != 0 {
		t.Fatalf("fresh stream timed out: %d", n)
	}
	if n := e.TimeoutInactive(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("stale stream not timed out")
	}
	rec, err := store.GetStream(s.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if rec.Status != models.StreamAborted || rec.Reason != InactivityReason {
		t.Fatalf("record = %+v", rec)
	}
	msg, err := store.GetMessage("th-8", rec.Message)
	if err != nil || msg.Text() != "hang" {
		t.Fatalf("partial text lost: %+v, %v", msg, err)
	}
}

func TestSweepExpiredDeletesBuffers(t *testing.T) {
	e := newTestEngine(t, Options{Retention: time.Minute})
	s, err := e.Open("th-9", OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Push(s.ID, "bye"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := e.Finish(s.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	// inside retention: stays
	if n, _ := e.SweepExpired(time.Now()); n != 0 {
		t.Fatalf("swept inside retention: %d", n)
	}
	if n, _ := e.SweepExpired(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatal("expired buffer not swept")
	}
	if _, err := store.GetStream(s.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stream record survived sweep: %v", err)
	}
	// the merged message is untouched
	msgs, _, err := store.ListMessages("th-9", store.ListOptions{})
	if err != nil || len(msgs) != 1 || msgs[0].Text() != "bye" {
		t.Fatalf("canonical message lost: %+v, %v", msgs, err)
	}
}

func TestRecoverAbortsOrphanedStreams(t *testing.T) {
	e := newTestEngine(t, Options{})
	s, err := e.Open("th-10", OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Push(s.ID, "lost in flight"); err != nil {
		t.Fatalf("push: %v", err)
	}
	e.Close() // flushes, leaves the record streaming

	e2 := New(Options{})
	if err := e2.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	rec, err := store.GetStream(s.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if rec.Status != models.StreamAborted {
		t.Fatalf("recovered status = %s, want aborted", rec.Status)
	}
	msg, err := store.GetMessage("th-10", rec.Message)
	if err != nil || msg.Text() != "lost in flight" {
		t.Fatalf("flushed text lost: %+v, %v", msg, err)
	}
}

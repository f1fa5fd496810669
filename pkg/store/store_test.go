package store

import (
	"errors"
	"sync"
	"testing"

	"agentdb/pkg/models"
)

// openTestStore opens a fresh pebble store in a temp dir and tears it down
// with the test.
func openTestStore(t *testing.T) {
	t.Helper()
	SetInlineLimit(4 << 10)
	SetTextIndexing(true)
	if err := Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
}

func mustAppend(t *testing.T, thread string, msg models.Message, opts AppendOptions) models.Message {
	t.Helper()
	out, err := AppendMessage(thread, msg, opts)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return out
}

func userMsg(text string) models.Message {
	return models.Message{Role: models.RoleUser, User: "u1", Parts: []models.Part{models.TextPart(text)}}
}

func TestAppendAllocatesMonotonicOrders(t *testing.T) {
	openTestStore(t)

	first := mustAppend(t, "th-a", userMsg("hello"), AppendOptions{})
	second := mustAppend(t, "th-a", userMsg("again"), AppendOptions{})
	if first.Order != 1 || first.Step != 0 {
		t.Fatalf("first coord = %s, want (1,0)", first.Coord())
	}
	if second.Order != 2 || second.Step != 0 {
		t.Fatalf("second coord = %s, want (2,0)", second.Coord())
	}

	// steps within a round count up from the last occupied step
	reply := mustAppend(t, "th-a", models.Message{Role: models.RoleAssistant}, AppendOptions{Order: 2})
	if reply.Order != 2 || reply.Step != 1 {
		t.Fatalf("reply coord = %s, want (2,1)", reply.Coord())
	}
}

func TestAppendUnknownOrderRejected(t *testing.T) {
	openTestStore(t)
	mustAppend(t, "th-b", userMsg("hi"), AppendOptions{})
	if _, err := AppendMessage("th-b", models.Message{Role: models.RoleAssistant}, AppendOptions{Order: 9}); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("append at unallocated order: err = %v, want ErrUnknownOrder", err)
	}
}

func TestConcurrentAppendsNeverCollide(t *testing.T) {
	openTestStore(t)

	const n = 32
	var wg sync.WaitGroup
	coords := make([]models.Coord, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := AppendMessage("th-c", userMsg("go"), AppendOptions{})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
			coords[i] = m.Coord()
		}(i)
	}
	wg.Wait()

	seen := map[models.Coord]bool{}
	for _, c := range coords {
		if seen[c] {
			t.Fatalf("coordinate %s allocated twice", c)
		}
		seen[c] = true
	}
	th, err := GetThread("th-c")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.LastOrder != n {
		t.Fatalf("LastOrder = %d, want %d", th.LastOrder, n)
	}
}

func TestNextRootOrderConsumesEvenUnused(t *testing.T) {
	openTestStore(t)
	mustAppend(t, "th-d", userMsg("one"), AppendOptions{})
	c, err := NextRootOrder("th-d")
	if err != nil {
		t.Fatalf("next root order: %v", err)
	}
	if c.Order != 2 {
		t.Fatalf("allocated order = %d, want 2", c.Order)
	}
	// no message was written at order 2, yet the next append skips it
	m := mustAppend(t, "th-d", userMsg("two"), AppendOptions{})
	if m.Order != 3 {
		t.Fatalf("order after reservation = %d, want 3", m.Order)
	}
}

func TestListMessagesOrderAndCursor(t *testing.T) {
	openTestStore(t)

	mustAppend(t, "th-e", userMsg("q1"), AppendOptions{})
	mustAppend(t, "th-e", models.Message{Role: models.RoleAssistant, Parts: []models.Part{models.TextPart("a1")}}, AppendOptions{Order: 1})
	mustAppend(t, "th-e", userMsg("q2"), AppendOptions{})
	mustAppend(t, "th-e", models.Message{Role: models.RoleAssistant, Parts: []models.Part{models.TextPart("a2")}}, AppendOptions{Order: 2})

	page1, cursor, err := ListMessages("th-e", ListOptions{Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page1) != 3 || cursor == nil {
		t.Fatalf("page1 len=%d cursor=%v, want 3 and non-nil", len(page1), cursor)
	}
	page2, cursor2, err := ListMessages("th-e", ListOptions{After: cursor, Limit: 3})
	if err != nil {
		t.Fatalf("list page2: %v", err)
	}
	if len(page2) != 1 || cursor2 != nil {
		t.Fatalf("page2 len=%d cursor=%v, want 1 and nil", len(page2), cursor2)
	}

	all := append(page1, page2...)
	want := []models.Coord{{Order: 1, Step: 0}, {Order: 1, Step: 1}, {Order: 2, Step: 0}, {Order: 2, Step: 1}}
	for i, m := range all {
		if m.Coord() != want[i] {
			t.Fatalf("position %d = %s, want %s", i, m.Coord(), want[i])
		}
	}
}

func TestListMessagesBounds(t *testing.T) {
	openTestStore(t)
	for i := 0; i < 3; i++ {
		mustAppend(t, "th-f", userMsg("m"), AppendOptions{})
	}
	upTo := models.Coord{Order: 2, Step: 0}
	msgs, _, err := ListMessages("th-f", ListOptions{UpTo: &upTo})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("bounded list len = %d, want 2 (anchor inclusive)", len(msgs))
	}
}

func TestPatchMessageOrderingImmutable(t *testing.T) {
	openTestStore(t)
	m := mustAppend(t, "th-g", userMsg("hi"), AppendOptions{})

	ord := int64(5)
	if _, err := PatchMessage("th-g", m.ID, MessagePatch{Order: &ord}); !errors.Is(err, ErrOrderingImmutable) {
		t.Fatalf("patch order: err = %v, want ErrOrderingImmutable", err)
	}

	st := models.StatusFailed
	reason := "timeout"
	got, err := PatchMessage("th-g", m.ID, MessagePatch{Status: &st, Error: &reason})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got.Status != models.StatusFailed || got.Error != "timeout" {
		t.Fatalf("patched message = %+v", got)
	}
	if got.Order != m.Order || got.Step != m.Step {
		t.Fatalf("coordinates moved: %s -> %s", m.Coord(), got.Coord())
	}
}

func TestDeleteMessageRange(t *testing.T) {
	openTestStore(t)

	mustAppend(t, "th-h", userMsg("keep"), AppendOptions{})
	mustAppend(t, "th-h", userMsg("drop"), AppendOptions{})
	mustAppend(t, "th-h", models.Message{Role: models.RoleAssistant, Parts: []models.Part{models.TextPart("drop too")}}, AppendOptions{Order: 2})
	mustAppend(t, "th-h", userMsg("keep too"), AppendOptions{})

	n, err := DeleteMessageRange("th-h", models.Coord{Order: 2}, models.Coord{Order: 3})
	if err != nil {
		t.Fatalf("delete range: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	msgs, _, err := ListMessages("th-h", ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("remaining = %d, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Order == 2 {
			t.Fatalf("message at deleted order survived: %s", m.Coord())
		}
	}
	// orders are never reused after a delete
	m := mustAppend(t, "th-h", userMsg("next"), AppendOptions{})
	if m.Order != 4 {
		t.Fatalf("order after delete = %d, want 4", m.Order)
	}
}

func TestBlobOffloadAndVacuum(t *testing.T) {
	openTestStore(t)
	SetInlineLimit(8)

	big := make([]byte, 64)
	for i := range big {
		big[i] = byte(i)
	}
	m := mustAppend(t, "th-i", models.Message{
		Role:  models.RoleUser,
		Parts: []models.Part{{Type: models.PartFile, MimeType: "application/octet-stream", Data: big}},
	}, AppendOptions{})

	if len(m.Parts[0].Data) != 0 || m.Parts[0].FileRef == "" {
		t.Fatalf("oversized part not offloaded: %+v", m.Parts[0])
	}
	hash := m.Parts[0].FileRef
	data, err := GetFile(hash)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if len(data) != len(big) {
		t.Fatalf("blob size = %d, want %d", len(data), len(big))
	}
	meta, err := GetFileMeta(hash)
	if err != nil || meta.Refs != 1 {
		t.Fatalf("meta = %+v err = %v, want refs 1", meta, err)
	}

	// second message referencing the same blob bumps the refcount
	mustAppend(t, "th-i", models.Message{
		Role:  models.RoleUser,
		Parts: []models.Part{{Type: models.PartFile, FileRef: hash}},
	}, AppendOptions{})
	meta, _ = GetFileMeta(hash)
	if meta.Refs != 2 {
		t.Fatalf("refs after second cite = %d, want 2", meta.Refs)
	}

	// deleting both rounds releases both refs; vacuum then collects
	if _, err := DeleteMessageRange("th-i", models.Coord{Order: 1}, models.Coord{Order: 3}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	meta, _ = GetFileMeta(hash)
	if meta.Refs != 0 {
		t.Fatalf("refs after delete = %d, want 0", meta.Refs)
	}
	n, err := VacuumFiles()
	if err != nil || n != 1 {
		t.Fatalf("vacuum = %d, %v, want 1", n, err)
	}
	if _, err := GetFile(hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blob survived vacuum: err = %v", err)
	}
}

func TestThreadDeleteCascades(t *testing.T) {
	openTestStore(t)

	th, err := CreateThread(models.Thread{User: "u1", Title: "doomed"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	mustAppend(t, th.ID, userMsg("hello world"), AppendOptions{})
	mustAppend(t, th.ID, userMsg("more text"), AppendOptions{})

	if err := DeleteThread(th.ID); err != nil {
		t.Fatalf("delete thread: %v", err)
	}
	// soft-deleted: appends rejected immediately
	if _, err := AppendMessage(th.ID, userMsg("late"), AppendOptions{}); !errors.Is(err, ErrThreadDeleted) {
		t.Fatalf("append to deleted thread: err = %v, want ErrThreadDeleted", err)
	}
	// delete is idempotent
	if err := DeleteThread(th.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	n, err := RunCascades()
	if err != nil || n != 1 {
		t.Fatalf("cascades = %d, %v, want 1", n, err)
	}
	msgs, _, err := ListMessages(th.ID, ListOptions{})
	if err != nil {
		t.Fatalf("list after cascade: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived cascade: %d", len(msgs))
	}
	// tombstone stays so the id cannot be resurrected
	got, err := GetThread(th.ID)
	if err != nil || !got.Deleted {
		t.Fatalf("tombstone missing: %+v, %v", got, err)
	}
}

func TestRecoverLastOrder(t *testing.T) {
	openTestStore(t)
	mustAppend(t, "th-j", userMsg("a"), AppendOptions{})
	mustAppend(t, "th-j", userMsg("b"), AppendOptions{})
	rec, err := RecoverLastOrder("th-j")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rec != 2 {
		t.Fatalf("recovered order = %d, want 2", rec)
	}
}

func TestSearchText(t *testing.T) {
	openTestStore(t)

	mustAppend(t, "th-k", userMsg("the quick brown fox"), AppendOptions{})
	mustAppend(t, "th-k", userMsg("lazy dogs sleep"), AppendOptions{})
	mustAppend(t, "th-k", userMsg("quick quick fox again"), AppendOptions{})

	hits, err := SearchText([]string{"th-k"}, "quick fox", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	// both hits match both tokens; the newer coordinate wins the tie
	if hits[0].Coord.Order != 3 {
		t.Fatalf("top hit order = %d, want 3", hits[0].Coord.Order)
	}

	// deindexed on delete
	if _, err := DeleteMessageRange("th-k", models.Coord{Order: 3}, models.Coord{Order: 4}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	hits, err = SearchText([]string{"th-k"}, "quick", 10)
	if err != nil {
		t.Fatalf("search after delete: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits after delete = %d, want 1", len(hits))
	}
}

func TestSearchVectors(t *testing.T) {
	openTestStore(t)
	m1 := mustAppend(t, "th-l", userMsg("alpha"), AppendOptions{})
	m2 := mustAppend(t, "th-l", userMsg("beta"), AppendOptions{})
	if err := SaveEmbedding("th-l", m1.Coord(), m1.ID, []float32{1, 0}); err != nil {
		t.Fatalf("save embedding: %v", err)
	}
	if err := SaveEmbedding("th-l", m2.Coord(), m2.ID, []float32{0, 1}); err != nil {
		t.Fatalf("save embedding: %v", err)
	}
	hits, err := SearchVectors([]string{"th-l"}, []float32{1, 0.1}, 1)
	if err != nil {
		t.Fatalf("search vectors: %v", err)
	}
	if len(hits) != 1 || hits[0].MsgID != m1.ID {
		t.Fatalf("top hit = %+v, want %s", hits, m1.ID)
	}
	got, err := GetMessage("th-l", m1.ID)
	if err != nil || !got.Embedded {
		t.Fatalf("embedded flag not set: %+v, %v", got, err)
	}
}

func TestStreamRecordRoundTrip(t *testing.T) {
	openTestStore(t)
	s := models.Stream{ID: "str-1", Thread: "th-m", Order: 1, Step: 0, Status: models.StreamStreaming}
	if err := SaveStream(s); err != nil {
		t.Fatalf("save stream: %v", err)
	}
	if err := AppendDeltas(s, []models.Delta{{Seq: 0, Text: "he"}, {Seq: 1, Text: "llo"}}); err != nil {
		t.Fatalf("append deltas: %v", err)
	}
	ds, err := ListDeltas("str-1", 1)
	if err != nil {
		t.Fatalf("list deltas: %v", err)
	}
	if len(ds) != 1 || ds[0].Text != "llo" {
		t.Fatalf("deltas from seq 1 = %+v", ds)
	}
	listed, err := ListThreadStreams("th-m")
	if err != nil || len(listed) != 1 {
		t.Fatalf("thread streams = %+v, %v", listed, err)
	}
	if err := DeleteStream("str-1", "th-m"); err != nil {
		t.Fatalf("delete stream: %v", err)
	}
	if _, err := GetStream("str-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stream survived delete: %v", err)
	}
}

func TestImplicitThreadIndexedByUser(t *testing.T) {
	openTestStore(t)

	mustAppend(t, "th-impl", userMsg("first contact"), AppendOptions{})

	ids, err := UserThreadIDs("u1")
	if err != nil {
		t.Fatalf("user thread ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "th-impl" {
		t.Fatalf("user threads = %v, want [th-impl]", ids)
	}
	ths, err := ListThreads("u1")
	if err != nil || len(ths) != 1 || ths[0].ID != "th-impl" {
		t.Fatalf("user-scoped list = %+v, %v", ths, err)
	}

	// a later append to the same thread must not duplicate the index row
	mustAppend(t, "th-impl", userMsg("second"), AppendOptions{})
	ids, err = UserThreadIDs("u1")
	if err != nil || len(ids) != 1 {
		t.Fatalf("index rows after second append = %v, %v", ids, err)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agentdb/pkg/agent"
	"agentdb/pkg/llm"
	"agentdb/pkg/models"
	"agentdb/pkg/store"
	"agentdb/pkg/streams"
)

type scriptedClient struct {
	text string
}

func (s scriptedClient) Generate(context.Context, llm.Request) (llm.Response, error) {
	return llm.Response{Text: s.text, FinishReason: "stop"}, nil
}

func (s scriptedClient) Stream(ctx context.Context, req llm.Request, emit func(string) error) (llm.Response, error) {
	if err := emit(s.text); err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Text: s.text, FinishReason: "stop"}, nil
}

func (scriptedClient) Provider() string { return "scripted" }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store.SetInlineLimit(4 << 10)
	store.SetTextIndexing(true)
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	engine := streams.New(streams.Options{FlushInterval: time.Millisecond})
	ag := agent.New(agent.Options{Client: scriptedClient{text: "scripted reply"}, Engine: engine})
	srv := httptest.NewServer(Handler(engine, ag))
	t.Cleanup(func() {
		srv.Close()
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestThreadAndMessageFlow(t *testing.T) {
	srv := newTestServer(t)

	var th models.Thread
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/threads", map[string]string{"user": "u1", "title": "first"}, &th); code != http.StatusCreated {
		t.Fatalf("create thread status = %d", code)
	}
	if th.ID == "" {
		t.Fatal("no thread id assigned")
	}

	var m1 models.Message
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+th.ID+"/messages",
		map[string]any{"role": "user", "user": "u1", "content": "hello there"}, &m1); code != http.StatusCreated {
		t.Fatalf("append status = %d", code)
	}
	if m1.Order != 1 || m1.Step != 0 {
		t.Fatalf("coord = (%d,%d)", m1.Order, m1.Step)
	}

	var m2 models.Message
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+th.ID+"/messages",
		map[string]any{"role": "assistant", "content": "hi", "order": 1}, &m2); code != http.StatusCreated {
		t.Fatalf("append step status = %d", code)
	}
	if m2.Order != 1 || m2.Step != 1 {
		t.Fatalf("step coord = (%d,%d)", m2.Order, m2.Step)
	}

	// appending to an unallocated order conflicts
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+th.ID+"/messages",
		map[string]any{"role": "assistant", "content": "x", "order": 7}, nil); code != http.StatusConflict {
		t.Fatalf("unknown order status = %d, want 409", code)
	}

	var listed struct {
		Messages []models.Message `json:"messages"`
		Cursor   string           `json:"cursor"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/threads/"+th.ID+"/messages?limit=1", nil, &listed); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(listed.Messages) != 1 || listed.Cursor != "1-0" {
		t.Fatalf("page = %+v", listed)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/threads/"+th.ID+"/messages?after="+listed.Cursor, nil, &listed); code != http.StatusOK {
		t.Fatalf("second page status = %d", code)
	}
	if len(listed.Messages) != 1 || listed.Messages[0].ID != m2.ID {
		t.Fatalf("second page = %+v", listed)
	}

	// moving a message is rejected
	if code := doJSON(t, http.MethodPatch, srv.URL+"/v1/threads/"+th.ID+"/messages/"+m1.ID,
		map[string]any{"order": 3}, nil); code != http.StatusConflict {
		t.Fatalf("coordinate patch status = %d, want 409", code)
	}

	var del struct {
		Deleted int `json:"deleted"`
	}
	if code := doJSON(t, http.MethodDelete, srv.URL+"/v1/threads/"+th.ID+"/messages?start=1-1&end=2-0", nil, &del); code != http.StatusOK {
		t.Fatalf("delete range status = %d", code)
	}
	if del.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", del.Deleted)
	}
}

func TestStreamLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	var th models.Thread
	doJSON(t, http.MethodPost, srv.URL+"/v1/threads", map[string]string{"user": "u1"}, &th)

	var s models.Stream
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+th.ID+"/streams",
		map[string]any{"policy": "word"}, &s); code != http.StatusCreated {
		t.Fatalf("open status = %d", code)
	}

	for _, frag := range []string{"Once", " upon", " a", " time"} {
		if code := doJSON(t, http.MethodPost, srv.URL+"/v1/streams/"+s.ID+"/deltas",
			map[string]string{"text": frag}, nil); code != http.StatusAccepted {
			t.Fatalf("push status = %d", code)
		}
	}

	var merged models.Message
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/streams/"+s.ID+"/finish", nil, &merged); code != http.StatusOK {
		t.Fatalf("finish status = %d", code)
	}
	if merged.Text() != "Once upon a time" {
		t.Fatalf("merged = %q", merged.Text())
	}

	// pushes after close conflict
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/streams/"+s.ID+"/deltas",
		map[string]string{"text": "late"}, nil); code != http.StatusConflict {
		t.Fatalf("late push status = %d, want 409", code)
	}

	// sync returns the full history on first call
	var sync struct {
		Streams []streams.SyncItem `json:"streams"`
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+th.ID+"/sync", map[string]any{}, &sync); code != http.StatusOK {
		t.Fatalf("sync status = %d", code)
	}
	if len(sync.Streams) != 1 {
		t.Fatalf("sync items = %d", len(sync.Streams))
	}
	var text string
	for _, d := range sync.Streams[0].Deltas {
		text += d.Text
	}
	if text != "Once upon a time" {
		t.Fatalf("sync text = %q", text)
	}
}

func TestGenerateOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	var th models.Thread
	doJSON(t, http.MethodPost, srv.URL+"/v1/threads", map[string]string{"user": "u1"}, &th)

	var msg models.Message
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+th.ID+"/generate",
		map[string]any{"user": "u1", "content": "say something"}, &msg); code != http.StatusOK {
		t.Fatalf("generate status = %d", code)
	}
	if msg.Text() != "scripted reply" || msg.Role != models.RoleAssistant {
		t.Fatalf("generated = %+v", msg)
	}
}

func TestFileEndpoints(t *testing.T) {
	srv := newTestServer(t)

	payload := []byte("binary payload bytes")
	resp, err := http.Post(srv.URL+"/v1/files", "application/octet-stream", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("put file: %v", err)
	}
	var put struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&put); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || put.Hash == "" {
		t.Fatalf("put = %d %+v", resp.StatusCode, put)
	}

	got, err := http.Get(srv.URL + "/v1/files/" + put.Hash)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	defer got.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(got.Body); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Fatalf("roundtrip mismatch: %q", buf.String())
	}

	if got, _ := http.Get(srv.URL + "/v1/files/" + fmt.Sprintf("%064d", 0)); got.StatusCode != http.StatusNotFound {
		t.Fatalf("missing file status = %d", got.StatusCode)
	}
}

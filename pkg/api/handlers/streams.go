package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"agentdb/pkg/models"
	"agentdb/pkg/streams"
	"agentdb/pkg/utils"
)

// RegisterStreams registers delta-buffer routes.
func RegisterStreams(r *mux.Router) {
	r.HandleFunc("/threads/{threadID}/streams", openStream).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/sync", syncThread).Methods(http.MethodPost)
	r.HandleFunc("/streams/{id}", getStream).Methods(http.MethodGet)
	r.HandleFunc("/streams/{id}/deltas", pushDelta).Methods(http.MethodPost)
	r.HandleFunc("/streams/{id}/deltas", listDeltas).Methods(http.MethodGet)
	r.HandleFunc("/streams/{id}/follow", followStream).Methods(http.MethodGet)
	r.HandleFunc("/streams/{id}/finish", finishStream).Methods(http.MethodPost)
	r.HandleFunc("/streams/{id}/abort", abortStream).Methods(http.MethodPost)
}

// openStream handles POST /threads/{threadID}/streams, creating a pending
// placeholder message and a live buffer for it.
func openStream(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	var body struct {
		Order    int64  `json:"order,omitempty"`
		Policy   string `json:"policy,omitempty"`
		Model    string `json:"model,omitempty"`
		Provider string `json:"provider,omitempty"`
		User     string `json:"user,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s, err := eng.Open(threadID, streams.OpenOptions{
		Order:    body.Order,
		Policy:   body.Policy,
		Model:    body.Model,
		Provider: body.Provider,
		User:     body.User,
	})
	if err != nil {
		writeStreamError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, s)
}

func getStream(w http.ResponseWriter, r *http.Request) {
	s, err := eng.Get(mux.Vars(r)["id"])
	if err != nil {
		writeStreamError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, s)
}

// pushDelta appends a text fragment to a live stream.
func pushDelta(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := eng.Push(mux.Vars(r)["id"], body.Text); err != nil {
		writeStreamError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusAccepted, map[string]string{"status": "buffered"})
}

// listDeltas snapshots persisted deltas from ?from= (default 0) together
// with the stream record, so a subscriber attaching mid-stream starts
// complete.
func listDeltas(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	deltas, s, err := eng.Deltas(id, from)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"stream": s, "deltas": deltas})
}

// followStream serves the stream as server-sent events: one "delta" event
// per fragment, then a final "end" event carrying the stream record.
func followStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.JSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rec, err := eng.Follow(r.Context(), id, from, func(d models.Delta) error {
		return writeSSE(w, flusher, "delta", d)
	})
	if err != nil && !errors.Is(err, r.Context().Err()) {
		_ = writeSSE(w, flusher, "error", map[string]string{"error": err.Error()})
		return
	}
	_ = writeSSE(w, flusher, "end", rec)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(b) + "\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func finishStream(w http.ResponseWriter, r *http.Request) {
	msg, err := eng.Finish(mux.Vars(r)["id"])
	if err != nil {
		writeStreamError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, msg)
}

func abortStream(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "client_abort"
	}
	msg, err := eng.Abort(mux.Vars(r)["id"], body.Reason)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, msg)
}

// syncThread handles POST /threads/{threadID}/sync: given per-stream cursors,
// it returns every buffered stream's unseen deltas plus the next cursors.
func syncThread(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	var body struct {
		Cursors  map[string]uint64     `json:"cursors,omitempty"`
		Statuses []models.StreamStatus `json:"statuses,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	items, err := eng.Sync(threadID, body.Cursors, body.Statuses)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"streams": items})
}

func writeStreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, streams.ErrStreamNotFound):
		utils.JSONError(w, http.StatusNotFound, "stream not found")
	case errors.Is(err, streams.ErrStreamClosed):
		utils.JSONError(w, http.StatusConflict, "stream closed")
	default:
		writeStoreError(w, err)
	}
}

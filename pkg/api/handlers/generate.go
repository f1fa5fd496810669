package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"agentdb/pkg/agent"
	"agentdb/pkg/models"
	"agentdb/pkg/store"
	"agentdb/pkg/utils"
)

// RegisterGenerate registers agent, search and file routes.
func RegisterGenerate(r *mux.Router) {
	r.HandleFunc("/threads/{threadID}/generate", generate).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/generate/stream", generateStream).Methods(http.MethodPost)
	r.HandleFunc("/search", searchMessages).Methods(http.MethodGet)
	r.HandleFunc("/files", putFile).Methods(http.MethodPost)
	r.HandleFunc("/files/{hash}", getFile).Methods(http.MethodGet)
}

type generateBody struct {
	User    string               `json:"user"`
	Content any                  `json:"content"`
	Context agent.ContextOptions `json:"context,omitempty"`
	Policy  string               `json:"policy,omitempty"`
}

func decodeGenerate(r *http.Request) (generateBody, []models.Part, error) {
	var body generateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return body, nil, errors.New("invalid json")
	}
	if body.User == "" {
		return body, nil, errors.New("user required")
	}
	parts, err := models.ParseContent(body.Content)
	if err != nil {
		return body, nil, err
	}
	if len(parts) == 0 {
		return body, nil, errors.New("content required")
	}
	if body.Context.Recent == 0 {
		body.Context.Recent = 20
	}
	return body, parts, nil
}

// generate handles POST /threads/{threadID}/generate: appends the prompt,
// runs the model and tool loop, and returns the final assistant message.
func generate(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	body, parts, err := decodeGenerate(r)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := ag.Generate(r.Context(), threadID, body.User, parts, body.Context)
	if err != nil {
		if errors.Is(err, agent.ErrModelDisabled) {
			utils.JSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if errors.Is(err, agent.ErrRateLimited) {
			utils.JSONError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		// a failed round still yields a message recording the error
		if msg.ID != "" {
			_ = utils.JSONWrite(w, http.StatusBadGateway, msg)
			return
		}
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, msg)
}

// generateStream opens a delta stream for the assistant turn and follows it
// as server-sent events in the same response.
func generateStream(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	body, parts, err := decodeGenerate(r)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.JSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	s, err := ag.Stream(r.Context(), threadID, body.User, parts, body.Context, body.Policy)
	if err != nil {
		if errors.Is(err, agent.ErrModelDisabled) {
			utils.JSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if errors.Is(err, agent.ErrRateLimited) {
			utils.JSONError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := writeSSE(w, flusher, "open", s); err != nil {
		return
	}
	rec, err := eng.Follow(r.Context(), s.ID, 0, func(d models.Delta) error {
		return writeSSE(w, flusher, "delta", d)
	})
	if err != nil && !errors.Is(err, r.Context().Err()) {
		_ = writeSSE(w, flusher, "error", map[string]string{"error": err.Error()})
		return
	}
	_ = writeSSE(w, flusher, "end", rec)
}

// searchMessages handles GET /search?q=&threads=a,b or ?q=&user=.
func searchMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		utils.JSONError(w, http.StatusBadRequest, "q required")
		return
	}
	var threadIDs []string
	if t := q.Get("threads"); t != "" {
		threadIDs = strings.Split(t, ",")
	} else if user := q.Get("user"); user != "" {
		ids, err := store.UserThreadIDs(user)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		threadIDs = ids
	} else {
		utils.JSONError(w, http.StatusBadRequest, "threads or user required")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	hits, err := store.SearchText(threadIDs, query, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"hits": hits})
}

// putFile stores the raw request body as a content-addressed blob.
func putFile(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		utils.JSONError(w, http.StatusBadRequest, "empty body")
		return
	}
	hash, err := store.PutFile(data)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, map[string]string{"hash": hash})
}

func getFile(w http.ResponseWriter, r *http.Request) {
	data, err := store.GetFile(mux.Vars(r)["hash"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"agentdb/pkg/models"
	"agentdb/pkg/store"
	"agentdb/pkg/utils"
)

// RegisterThreads registers all thread-related HTTP routes.
func RegisterThreads(r *mux.Router) {
	r.HandleFunc("/threads", createThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", listThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", patchThread).Methods(http.MethodPatch)
	r.HandleFunc("/threads/{id}", deleteThread).Methods(http.MethodDelete)
}

// createThread handles POST /threads. The body is a JSON thread; id and
// timestamps are filled in when absent.
func createThread(w http.ResponseWriter, r *http.Request) {
	var t models.Thread
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if t.User == "" {
		utils.JSONError(w, http.StatusBadRequest, "user required")
		return
	}
	if t.ID == "" {
		t.ID = utils.GenThreadID()
	}
	if t.CreatedTS == 0 {
		t.CreatedTS = time.Now().UTC().UnixNano()
	}
	out, err := store.CreateThread(t)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, out)
}

// listThreads handles GET /threads?user=<id>.
func listThreads(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		utils.JSONError(w, http.StatusBadRequest, "user required")
		return
	}
	threads, err := store.ListThreads(user)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"threads": threads})
}

func getThread(w http.ResponseWriter, r *http.Request) {
	th, err := store.GetThread(mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

// patchThread handles PATCH /threads/{id} with {"title": ..., "summary": ...};
// absent fields are left untouched.
func patchThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title   *string `json:"title"`
		Summary *string `json:"summary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	th, err := store.PatchThread(mux.Vars(r)["id"], body.Title, body.Summary)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

// deleteThread soft-deletes; the cascade runs asynchronously in the sweeper.
func deleteThread(w http.ResponseWriter, r *http.Request) {
	if err := store.DeleteThread(mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.JSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrThreadDeleted):
		utils.JSONError(w, http.StatusGone, "thread deleted")
	case errors.Is(err, store.ErrUnknownOrder):
		utils.JSONError(w, http.StatusConflict, "unknown order")
	case errors.Is(err, store.ErrOrderingImmutable):
		utils.JSONError(w, http.StatusConflict, "ordering coordinates are immutable")
	default:
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
	}
}

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"agentdb/pkg/models"
	"agentdb/pkg/store"
	"agentdb/pkg/utils"
)

// RegisterMessages registers message CRUD routes.
func RegisterMessages(r *mux.Router) {
	r.HandleFunc("/threads/{threadID}/messages", createMessage).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/messages", listMessages).Methods(http.MethodGet)
	r.HandleFunc("/threads/{threadID}/messages", deleteMessageRange).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{threadID}/messages/{id}", getMessage).Methods(http.MethodGet)
	r.HandleFunc("/threads/{threadID}/messages/{id}", patchMessage).Methods(http.MethodPatch)
}

type createMessageBody struct {
	Role    models.Role   `json:"role"`
	User    string        `json:"user,omitempty"`
	Content any           `json:"content"`
	Status  models.Status `json:"status,omitempty"`
	// Order attaches as a step of an existing round; zero starts a new one.
	Order int64 `json:"order,omitempty"`
}

// createMessage handles POST /threads/{threadID}/messages. Content accepts a
// plain string, a tagged part, or a list of either.
func createMessage(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	var body createMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	parts, err := models.ParseContent(body.Content)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := store.AppendMessage(threadID, models.Message{
		Role:   body.Role,
		User:   body.User,
		Parts:  parts,
		Status: body.Status,
	}, store.AppendOptions{Order: body.Order})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, msg)
}

// listMessages handles GET /threads/{threadID}/messages with cursor
// pagination. Query: after, up_to (coords), limit, desc, exclude_tools,
// status (repeatable).
func listMessages(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	q := r.URL.Query()

	after, err := parseCoordParam(q.Get("after"))
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	upTo, err := parseCoordParam(q.Get("up_to"))
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	var statuses []models.Status
	for _, s := range q["status"] {
		statuses = append(statuses, models.Status(s))
	}
	msgs, cursor, err := store.ListMessages(threadID, store.ListOptions{
		After:        after,
		UpTo:         upTo,
		Limit:        limit,
		ExcludeTools: q.Get("exclude_tools") == "true",
		Statuses:     statuses,
		Descending:   q.Get("desc") == "true",
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := map[string]any{"messages": msgs}
	if cursor != nil {
		resp["cursor"] = strconv.FormatInt(cursor.Order, 10) + "-" + strconv.FormatInt(cursor.Step, 10)
	}
	_ = utils.JSONWrite(w, http.StatusOK, resp)
}

func getMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	msg, err := store.GetMessage(vars["threadID"], vars["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, msg)
}

// patchMessage updates generation-outcome fields. Attempts to move a message
// to another coordinate are rejected.
func patchMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var p store.MessagePatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	msg, err := store.PatchMessage(vars["threadID"], vars["id"], p)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, msg)
}

// deleteMessageRange handles DELETE /threads/{threadID}/messages?start=&end=
// removing the coordinate range [start, end).
func deleteMessageRange(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	q := r.URL.Query()
	start, err := parseCoordParam(q.Get("start"))
	if err != nil || start == nil {
		utils.JSONError(w, http.StatusBadRequest, "start coordinate required")
		return
	}
	end, err := parseCoordParam(q.Get("end"))
	if err != nil || end == nil {
		utils.JSONError(w, http.StatusBadRequest, "end coordinate required")
		return
	}
	n, err := store.DeleteMessageRange(threadID, *start, *end)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"deleted": n})
}

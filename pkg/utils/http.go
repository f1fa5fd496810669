package utils

import (
	"encoding/json"
	"net/http"
)

// errorBody is the error shape every agentdb endpoint returns.
type errorBody struct {
	Error string `json:"error"`
}

// JSONError writes message as the standard {"error": "..."} payload with the
// given status.
func JSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}

// JSONWrite encodes v as the JSON response body. A zero status leaves the
// implicit 200 in place.
func JSONWrite(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	return json.NewEncoder(w).Encode(v)
}

// Package api assembles the versioned HTTP surface.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"agentdb/pkg/agent"
	"agentdb/pkg/api/handlers"
	"agentdb/pkg/streams"
)

// Handler returns the /v1 API router.
func Handler(engine *streams.Engine, ag *agent.Agent) http.Handler {
	handlers.SetDeps(engine, ag)
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	handlers.RegisterThreads(v1)
	handlers.RegisterMessages(v1)
	handlers.RegisterStreams(v1)
	handlers.RegisterGenerate(v1)
	return r
}

package handlers

import (
	"fmt"

	"agentdb/pkg/agent"
	"agentdb/pkg/models"
	"agentdb/pkg/streams"
)

// Package-level wiring, set once at startup before routes are served.
var (
	eng *streams.Engine
	ag  *agent.Agent
)

// SetDeps injects the stream engine and agent used by the handlers.
func SetDeps(engine *streams.Engine, a *agent.Agent) {
	eng = engine
	ag = a
}

// parseCoordParam reads a coordinate query value in "order-step" form;
// a bare "order" means step 0.
func parseCoordParam(s string) (*models.Coord, error) {
	if s == "" {
		return nil, nil
	}
	var c models.Coord
	if _, err := fmt.Sscanf(s, "%d-%d", &c.Order, &c.Step); err == nil {
		return &c, nil
	}
	if _, err := fmt.Sscanf(s, "%d", &c.Order); err != nil {
		return nil, fmt.Errorf("bad coordinate %q", s)
	}
	c.Step = 0
	return &c, nil
}

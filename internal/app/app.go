// Package app wires the store, delta buffer, agent, and HTTP surface into a
// runnable server.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"

	"agentdb/internal/retention"
	"agentdb/pkg/agent"
	"agentdb/pkg/config"
	"agentdb/pkg/llm"
	"agentdb/pkg/logger"
	"agentdb/pkg/search"
	"agentdb/pkg/store"
	"agentdb/pkg/streams"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg       *config.Config
	addr      string
	version   string
	commit    string
	buildDate string

	engine *streams.Engine
	agent  *agent.Agent

	srv *http.Server
}

// New opens the store and constructs the engine and agent. It does not start
// the HTTP server; call Run to start it and block until shutdown.
func New(cfg *config.Config, addr, dbPath, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if dbPath == "" {
		dbPath = cfg.Storage.DBPath
	}
	if dbPath == "" {
		return nil, fmt.Errorf("no database path configured")
	}
	if addr == "" {
		addr = cfg.Addr()
	}

	store.SetInlineLimit(cfg.Storage.InlineLimit)
	store.SetTextIndexing(cfg.Search.Text)
	if err := store.Open(dbPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dbPath, err)
	}

	engine := streams.New(streams.Options{
		FlushInterval:     cfg.Streams.FlushInterval,
		Retention:         cfg.Streams.Retention,
		InactivityTimeout: cfg.Streams.InactivityTimeout,
	})
	if err := engine.Recover(); err != nil {
		return nil, fmt.Errorf("stream recovery: %w", err)
	}

	client, embedder, err := buildModel(cfg)
	if err != nil {
		return nil, err
	}
	vectors, err := buildVectors(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		addr:      addr,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		engine:    engine,
		agent: agent.New(agent.Options{
			Client:   client,
			Embedder: embedder,
			Vectors:  vectors,
			Engine:   engine,
			Model:    cfg.Model.Name,
			MaxSteps: cfg.Model.MaxSteps,
			RateRPS:  cfg.RateLimit.RPS,
			Burst:    cfg.RateLimit.Burst,
		}),
	}
	return a, nil
}

// buildModel constructs the provider client. Provider "none" (or empty)
// leaves the store and buffer APIs fully usable without generation.
func buildModel(cfg *config.Config) (llm.Client, llm.Embedder, error) {
	switch cfg.Model.Provider {
	case "", "none":
		logger.Info("model_disabled")
		return nil, nil, nil
	case "ollama":
		o, err := llm.NewOllama(cfg.Model.BaseURL, cfg.Model.Name, cfg.Model.Embed)
		if err != nil {
			return nil, nil, err
		}
		var emb llm.Embedder
		if cfg.Model.Embed != "" {
			emb = o
		}
		logger.Info("model_configured", "provider", "ollama", "model", cfg.Model.Name, "embed", cfg.Model.Embed)
		return o, emb, nil
	default:
		return nil, nil, fmt.Errorf("unknown model provider: %s", cfg.Model.Provider)
	}
}

func buildVectors(cfg *config.Config) (agent.Vectors, error) {
	if !cfg.Search.Vector.Enabled {
		return agent.StoreVectors{}, nil
	}
	switch cfg.Search.Vector.Backend {
	case "", "pebble":
		return agent.StoreVectors{}, nil
	case "memory":
		return agent.IndexVectors{Idx: search.NewMemoryIndex()}, nil
	case "qdrant":
		col := cfg.Search.Vector.Qdrant.Collection
		if col == "" {
			col = "agentdb_messages"
		}
		idx, err := search.NewQdrantIndex(cfg.Search.Vector.Qdrant.Addr, col)
		if err != nil {
			return nil, err
		}
		logger.Info("vector_backend_configured", "backend", "qdrant", "addr", cfg.Search.Vector.Qdrant.Addr, "collection", col)
		return agent.IndexVectors{Idx: idx}, nil
	default:
		return nil, fmt.Errorf("unknown vector backend: %s", cfg.Search.Vector.Backend)
	}
}

// Run starts the retention scheduler and the HTTP server, and blocks until
// ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	stopRetention, err := retention.Start(ctx, a.cfg, a.engine)
	if err != nil {
		return err
	}
	defer stopRetention()

	errCh := a.startHTTP()
	logger.Info("server_started", "addr", a.addr, "version", a.version)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return a.shutdown()
}

func (a *App) shutdown() error {
	logger.Info("server_stopping")
	a.engine.Close()
	if a.srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(sctx); err != nil {
			logger.Warn("http_shutdown_error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("store close: %w", err)
	}
	logger.Info("server_stopped")
	return nil
}

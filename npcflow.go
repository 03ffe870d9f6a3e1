// Package npcflow provides a top-level convenience entry point for embedding
// the dialogue stack in a host process with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/npcflow"
//
//	rt, err := npcflow.New(npcflow.WithListener(myListener))
//	defer rt.Close()
//	convID, err := rt.Coordinator.StartDialogue(ctx, "player-1", "blacksmith")
//
// This wires the same components cmd/npcflow assembles: config defaults, the
// Ollama provider, model registry, context builder, retry executor, router and
// SQLite-backed history. Use this package when embedding instead of running
// the standalone server.
package npcflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/npcflow/config"
	"github.com/BaSui01/npcflow/dialogue"
	"github.com/BaSui01/npcflow/llm"
	llmcontext "github.com/BaSui01/npcflow/llm/context"
	"github.com/BaSui01/npcflow/llm/retry"
	"github.com/BaSui01/npcflow/providers/ollama"
	"github.com/BaSui01/npcflow/store"
)

// Runtime holds the wired dialogue stack. Coordinator is the main entry;
// Router and History are exposed for warm-up and maintenance calls.
type Runtime struct {
	Coordinator *dialogue.Coordinator
	Router      *llm.Router
	History     *store.HistoryStore
}

// Option configures the runtime created by [New].
type Option func(*options)

type options struct {
	cfg      *config.Config
	logger   *zap.Logger
	listener dialogue.Listener
	provider llm.Provider
}

// WithConfig replaces the built-in defaults with a full configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithListener registers the update listener invoked on every dialogue turn.
func WithListener(l dialogue.Listener) Option {
	return func(o *options) { o.listener = l }
}

// WithProvider sets a pre-built generation provider in place of Ollama.
// Every model named in the configuration is registered against it.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// New creates a ready [Runtime]. With no options it talks to a local Ollama
// instance and persists history to npcflow.db in the working directory.
func New(opts ...Option) (*Runtime, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	provider := o.provider
	if provider == nil {
		provider = ollama.New(cfg.Ollama, logger)
	}
	registry := llm.NewRegistry()
	for _, model := range cfg.Models() {
		registry.Register(model, provider)
	}

	history, err := store.Open(cfg.History, nil, logger)
	if err != nil {
		return nil, err
	}

	builder := llmcontext.NewBuilder(llmcontext.NewTiktokenTokenizer(""), logger)
	router := llm.NewRouter(cfg, registry, builder, retry.NewExecutor(logger), nil, logger)

	return &Runtime{
		Coordinator: dialogue.NewCoordinator(router, history, o.listener, nil, logger),
		Router:      router,
		History:     history,
	}, nil
}

// Warm preloads every registered model so the first dialogue turn does not
// pay the model load cost.
func (rt *Runtime) Warm(ctx context.Context) {
	rt.Router.Warm(ctx)
}

// Close releases the history store.
func (rt *Runtime) Close() error {
	return rt.History.Close()
}

package main

import (
	"sync"

	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/contextmgr"
	"github.com/emilwareus/go-research/pkg/events"
	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/logger"
	"github.com/emilwareus/go-research/pkg/orchestrator"
	"github.com/emilwareus/go-research/pkg/session"
	"github.com/emilwareus/go-research/pkg/tools"
)

// usageRelay forwards provider token usage to whichever orchestrator is
// currently running. The provider is built once; orchestrators come and go
// per research run.
type usageRelay struct {
	mu sync.Mutex
	fn llms.UsageFunc
}

func (r *usageRelay) Set(fn llms.UsageFunc) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

func (r *usageRelay) Record(scope, model string, usage llms.Usage) {
	r.mu.Lock()
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		fn(scope, model, usage)
	}
}

// runtime holds the long-lived collaborators shared by every research run
// in one process.
type runtime struct {
	cfg      *config.Config
	bus      *events.Bus
	store    *session.Store
	registry *tools.Registry
	llm      *llms.OpenAIProvider
	relay    *usageRelay
	render   *renderer
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	bus := events.NewBus()

	store, err := session.NewStore(cfg.Session.StateDir)
	if err != nil {
		bus.Close()
		return nil, err
	}

	relay := &usageRelay{}
	llm := llms.NewOpenAIProvider(cfg.LLM, relay.Record)
	registry := tools.NewDefaultRegistry(cfg.Tools, bus)

	return &runtime{
		cfg:      cfg,
		bus:      bus,
		store:    store,
		registry: registry,
		llm:      llm,
		relay:    relay,
		render:   newRenderer(bus, cfg.Verbose),
	}, nil
}

// NewOrchestrator builds a fresh orchestrator for one research run and
// points the usage relay at it.
func (r *runtime) NewOrchestrator() *orchestrator.Orchestrator {
	var memory *contextmgr.Manager
	counter, err := contextmgr.NewTiktokenCounter(r.cfg.LLM.Model)
	if err != nil {
		logger.Get().Warn("token counter unavailable, context folding disabled", "error", err)
	} else {
		memory = contextmgr.New(r.cfg.Context, r.llm, counter)
	}

	orch := orchestrator.New(r.cfg.Orchestrator, r.llm, r.registry, r.bus, r.store, memory)
	r.relay.Set(orch.UsageFunc())
	return orch
}

func (r *runtime) Close() {
	r.render.Close()
	r.bus.Close()
	if err := r.store.Close(); err != nil {
		logger.Get().Warn("close session store", "error", err)
	}
}

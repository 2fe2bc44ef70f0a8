// Package orchestrator drives a research session end to end: planning, DAG
// scheduling, gap filling, synthesis, cost aggregation and event emission.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/emilwareus/go-research/pkg/agents"
	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/contextmgr"
	"github.com/emilwareus/go-research/pkg/events"
	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/logger"
	"github.com/emilwareus/go-research/pkg/planning"
	"github.com/emilwareus/go-research/pkg/research"
	"github.com/emilwareus/go-research/pkg/session"
	"github.com/emilwareus/go-research/pkg/tools"
)

// CancelReason names why a run was cancelled.
type CancelReason string

const (
	ReasonUserInterrupt   CancelReason = "UserInterrupt"
	ReasonTimeout         CancelReason = "Timeout"
	ReasonParentCancelled CancelReason = "ParentCancelled"
	ReasonShutdown        CancelReason = "Shutdown"
	ReasonUnknown         CancelReason = "Unknown"
)

// ErrCancelled is returned by Run when the session was cancelled.
var ErrCancelled = errors.New("research cancelled")

// Result is the outcome of one research run.
type Result struct {
	SessionID string
	Report    *research.Report
	Cost      llms.CostBreakdown
	Duration  time.Duration
	Sources   []string
}

// Orchestrator owns the session while it runs. All collaborators are
// injected; the orchestrator holds no global state.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	llm      llms.ChatClient
	registry *tools.Registry
	bus      *events.Bus
	store    *session.Store
	memory   *contextmgr.Manager
	planner  *planning.Planner
	log      *slog.Logger

	// session write state: version moves only through appendEvents.
	sessionMu sync.Mutex
	sessionID string
	version   int

	costMu     sync.Mutex
	totalCost  llms.CostBreakdown
	scopeCosts map[string]*llms.CostBreakdown

	cancelMu     sync.Mutex
	cancelRun    context.CancelFunc
	cancelReason CancelReason
}

// New wires an orchestrator. The memory manager may be nil to disable
// folding.
func New(cfg config.OrchestratorConfig, llm llms.ChatClient, registry *tools.Registry, bus *events.Bus, store *session.Store, memory *contextmgr.Manager) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		llm:        llm,
		registry:   registry,
		bus:        bus,
		store:      store,
		memory:     memory,
		planner:    planning.NewPlanner(llm, registry, cfg.MaxRetries),
		log:        logger.Get().With("component", "orchestrator"),
		scopeCosts: make(map[string]*llms.CostBreakdown),
	}
}

// UsageFunc returns the token-accounting callback to register on the LLM
// provider. Every increment is published as CostUpdated.
func (o *Orchestrator) UsageFunc() llms.UsageFunc {
	return func(scope, model string, usage llms.Usage) {
		increment := llms.NewCostBreakdown(model, usage)

		o.costMu.Lock()
		o.totalCost.Add(increment)
		key := scopeKey(scope)
		if _, ok := o.scopeCosts[key]; !ok {
			o.scopeCosts[key] = &llms.CostBreakdown{}
		}
		o.scopeCosts[key].Add(increment)
		total := o.totalCost.TotalCost
		o.costMu.Unlock()

		o.publish(events.CostUpdated, events.CostUpdatedData{
			Scope:        scope,
			Model:        model,
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			TotalCost:    total,
		})
	}
}

// scopeKey reduces "search/2/iter-1" to "search/2" so per-worker costs
// aggregate across iterations.
func scopeKey(scope string) string {
	parts := strings.Split(scope, "/")
	if len(parts) > 2 {
		return parts[0] + "/" + parts[1]
	}
	return scope
}

func (o *Orchestrator) scopeCost(key string) llms.CostBreakdown {
	o.costMu.Lock()
	defer o.costMu.Unlock()
	if cb, ok := o.scopeCosts[key]; ok {
		return *cb
	}
	return llms.CostBreakdown{}
}

// Cost returns the session total so far.
func (o *Orchestrator) Cost() llms.CostBreakdown {
	o.costMu.Lock()
	defer o.costMu.Unlock()
	return o.totalCost
}

// Cancel aborts the running session with the given reason. Safe to call
// from any goroutine; the first reason wins.
func (o *Orchestrator) Cancel(reason CancelReason) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	if o.cancelReason == "" {
		o.cancelReason = reason
	}
	if o.cancelRun != nil {
		o.cancelRun()
	}
}

func (o *Orchestrator) reason(ctx context.Context) CancelReason {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	if o.cancelReason != "" {
		return o.cancelReason
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return ReasonParentCancelled
	default:
		return ReasonUnknown
	}
}

// Run executes one research session for the query.
func (o *Orchestrator) Run(ctx context.Context, query string) (*Result, error) {
	start := time.Now()

	o.sessionMu.Lock()
	o.sessionID = uuid.NewString()
	o.version = 0
	o.sessionMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.SessionTimeout)
	defer cancel()
	o.cancelMu.Lock()
	o.cancelRun = cancel
	o.cancelMu.Unlock()

	o.publish(events.ResearchStarted, map[string]any{"query": query})
	if err := o.appendEvents(session.NewEvent{
		Type:    session.EventResearchStarted,
		Payload: session.StartedPayload{Query: query},
	}); err != nil {
		return nil, err
	}

	plan, err := o.buildPlan(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.finishCancelled(ctx)
		}
		return nil, o.finishFailed("planning", err)
	}

	nodeIDs := make([]string, 0)
	for _, node := range plan.DAG.Nodes() {
		nodeIDs = append(nodeIDs, node.ID)
	}
	perspectiveNames := make([]string, 0, len(plan.Perspectives))
	for _, p := range plan.Perspectives {
		perspectiveNames = append(perspectiveNames, p.Name)
	}
	o.publish(events.PlanCreated, events.PlanCreatedData{Perspectives: perspectiveNames, NodeCount: len(nodeIDs)})
	if err := o.appendEvents(session.NewEvent{
		Type:    session.EventPlanCreated,
		Payload: session.PlanPayload{Topic: plan.Topic, Perspectives: plan.Perspectives, NodeIDs: nodeIDs},
	}); err != nil {
		return nil, err
	}

	run := &runState{plan: plan}
	if err := o.schedule(ctx, run); err != nil {
		if ctx.Err() != nil {
			return nil, o.finishCancelled(ctx)
		}
		return nil, o.finishFailed(run.failedPhase, err)
	}

	if ctx.Err() != nil {
		return nil, o.finishCancelled(ctx)
	}

	report, searchOK := run.outcome()
	if report == nil {
		phase := run.failedPhase
		if phase == "" {
			phase = "synthesis"
		}
		reason := errors.New("no report produced")
		if !searchOK {
			phase = "search"
			reason = errors.New("all search workers failed")
		}
		return nil, o.finishFailed(phase, reason)
	}

	sources := run.allSources()
	result := &Result{
		SessionID: o.sessionID,
		Report:    report,
		Cost:      o.Cost(),
		Duration:  time.Since(start),
		Sources:   sources,
	}

	if err := o.appendEvents(session.NewEvent{
		Type:    session.EventResearchCompleted,
		Payload: session.CompletedPayload{Duration: result.Duration, Sources: len(sources), Cost: result.Cost},
	}); err != nil {
		return nil, err
	}
	o.publish(events.ResearchCompleted, map[string]any{
		"duration": result.Duration.String(),
		"sources":  len(sources),
		"cost_usd": result.Cost.TotalCost,
	})

	return result, nil
}

// Answer responds to a follow-up question from an existing report without
// launching new research.
func (o *Orchestrator) Answer(ctx context.Context, snapshot *session.Session, question string) (string, error) {
	if snapshot == nil || snapshot.Report == nil {
		return "", errors.New("no report to answer from")
	}
	resp, err := o.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: "Answer the question using only the report below. Say so when the report does not cover it.\n\n" + snapshot.Report.FullContent},
		{Role: llms.RoleUser, Content: question},
	}, llms.Options{Scope: "qa"})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// buildPlan runs the planner in deep mode; fast mode skips discovery and
// researches the default perspective only.
func (o *Orchestrator) buildPlan(ctx context.Context, query string) (*planning.Plan, error) {
	if o.cfg.Mode == config.ModeFast {
		perspectives := []research.Perspective{{
			Name:      research.DefaultPerspectiveName,
			Focus:     fmt.Sprintf("Answer directly and factually: %s", query),
			Questions: []string{query},
		}}
		dag, err := planning.BuildResearchDAG(perspectives, o.cfg.MaxRetries)
		if err != nil {
			return nil, err
		}
		return &planning.Plan{Topic: query, Perspectives: perspectives, DAG: dag}, nil
	}
	return o.planner.BuildPlan(ctx, query)
}

// runState accumulates node results across the scheduling loop.
type runState struct {
	plan *planning.Plan

	mu          sync.Mutex
	searchDone  int
	facts       []research.Fact
	gaps        []string
	sources     []string
	analysis    *research.AnalysisResult
	report      *research.Report
	failedPhase string
	fatal       error
}

func (r *runState) setFatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
}

func (r *runState) getFatal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *runState) addSearchOutput(out *agents.SearchOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchDone++
	r.facts = mergeFacts(r.facts, out.Facts)
	r.sources = mergeStrings(r.sources, out.Sources)
	r.gaps = mergeStrings(r.gaps, out.Gaps)
}

func (r *runState) snapshotFacts() ([]research.Fact, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]research.Fact(nil), r.facts...), append([]string(nil), r.gaps...)
}

func (r *runState) setAnalysis(a *research.AnalysisResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analysis = a
}

func (r *runState) getAnalysis() *research.AnalysisResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.analysis
}

func (r *runState) setReport(rep *research.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report = rep
}

func (r *runState) setFailedPhase(phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failedPhase == "" {
		r.failedPhase = phase
	}
}

func (r *runState) outcome() (*research.Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report, r.searchDone > 0
}

func (r *runState) allSources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sources...)
}

// schedule runs the DAG to completion: ready tasks dispatch to a bounded
// worker pool; an empty frontier backs off briefly before re-checking.
func (o *Orchestrator) schedule(ctx context.Context, run *runState) error {
	dag := run.plan.DAG
	sem := make(chan struct{}, o.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	var inFlight atomic.Int32

	lastProgress := time.Now()
	for !dag.AllComplete() {
		if ctx.Err() != nil || run.getFatal() != nil {
			break
		}

		o.maybeFold(ctx)

		ready := dag.ReadyTasks()
		if len(ready) == 0 {
			if inFlight.Load() == 0 && time.Since(lastProgress) > time.Second {
				o.log.Debug("scheduler stalled", "nodes", nodeStatuses(dag))
				lastProgress = time.Now()
			}
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.SchedulerBackoff):
			}
			continue
		}
		lastProgress = time.Now()

		for _, node := range ready {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}

			if err := dag.MarkRunning(node.ID); err != nil {
				<-sem
				continue
			}
			wg.Add(1)
			inFlight.Add(1)
			go func(node planning.Node) {
				defer wg.Done()
				defer inFlight.Add(-1)
				defer func() { <-sem }()
				if err := o.executeNode(ctx, run, node); err != nil {
					run.setFatal(err)
				}
			}(node)
		}
	}

	wg.Wait()

	if err := run.getFatal(); err != nil {
		return err
	}
	return ctx.Err()
}

// remember feeds a completed step into the context manager so folding has
// material to work on.
func (o *Orchestrator) remember(ctx context.Context, turn contextmgr.Turn) {
	if o.memory == nil {
		return
	}
	if err := o.memory.AddTurn(ctx, turn); err != nil {
		o.log.Debug("context turn dropped", "id", turn.ID, "error", err)
	}
}

// maybeFold asks the context manager for a directive when usage crosses the
// threshold and applies it.
func (o *Orchestrator) maybeFold(ctx context.Context) {
	if o.memory == nil || !o.memory.ShouldFold() {
		return
	}
	directive := o.memory.DecideFolding(ctx)
	if err := o.memory.Apply(ctx, directive); err != nil {
		o.log.Warn("context folding failed", "directive", directive.Kind, "error", err)
	}
}

// executeNode dispatches one DAG node. Returned errors are fatal for the
// whole run; recoverable failures are recorded on the DAG instead.
func (o *Orchestrator) executeNode(ctx context.Context, run *runState, node planning.Node) error {
	dag := run.plan.DAG

	switch node.Type {
	case planning.TaskRoot:
		return dag.SetResult(node.ID, nil)

	case planning.TaskSearch:
		o.executeSearch(ctx, run, node)
		return nil

	case planning.TaskAnalyze:
		return o.executeAnalysis(ctx, run, node)

	case planning.TaskFillGaps:
		return o.executeGapFill(ctx, run, node)

	case planning.TaskSynthesize:
		return o.executeSynthesis(ctx, run, node)

	default:
		return dag.Fail(node.ID, fmt.Errorf("unknown task type %q", node.Type))
	}
}

// executeSearch runs one perspective's search agent. Failures retry on the
// node's budget; a spent budget marks the node failed but never fails the
// run by itself.
func (o *Orchestrator) executeSearch(ctx context.Context, run *runState, node planning.Node) {
	dag := run.plan.DAG
	workerNum := planning.WorkerNum(node.ID)
	perspective := o.perspectiveFor(run, workerNum)

	o.publish(events.WorkerStarted, events.WorkerData{
		WorkerNum: workerNum, NodeID: node.ID, Perspective: perspective.Name,
	})
	if node.Retries == 0 {
		if err := o.appendEvents(session.NewEvent{
			Type:    session.EventWorkerStarted,
			Payload: session.WorkerStartedPayload{WorkerNum: workerNum, Objective: perspective.Name},
		}); err != nil {
			o.log.Error("session append failed", "error", err)
		}
	}

	workerCtx, cancel := context.WithTimeout(ctx, o.cfg.WorkerTimeout)
	defer cancel()

	agent := agents.NewSearchAgent(o.llm, o.registry, o.bus, workerNum, 3)
	out, err := agent.Research(workerCtx, perspective)

	if err != nil && ctx.Err() == nil {
		if dag.Retry(node.ID) {
			o.log.Warn("search worker retrying", "node", node.ID, "error", err)
			backoff := time.Duration(1<<node.Retries) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			return
		}
		_ = dag.Fail(node.ID, err)
		o.publish(events.WorkerFailed, events.FailureData{
			ErrorKind:   llms.KindOf(err).String(),
			Message:     err.Error(),
			FailedPhase: "search",
			WorkerNum:   workerNum,
		})
		o.appendWorkerFailed(workerNum, err)
		return
	}

	// Cancelled workers flush what they gathered before stopping.
	if out != nil {
		run.addSearchOutput(out)
	}
	if ctx.Err() != nil {
		_ = dag.Fail(node.ID, ctx.Err())
		return
	}

	_ = dag.SetResult(node.ID, out)
	o.remember(ctx, contextmgr.Turn{
		ID:      node.ID,
		Role:    "worker",
		Content: fmt.Sprintf("%s: %s", perspective.Name, out.Answer),
	})
	if o.memory != nil {
		o.memory.RecordToolCall("search", fmt.Sprintf("worker %d gathered %d facts from %d sources", workerNum, len(out.Facts), len(out.Sources)))
	}
	cost := o.scopeCost(fmt.Sprintf("search/%d", workerNum))
	o.publish(events.WorkerCompleted, events.WorkerData{
		WorkerNum: workerNum, NodeID: node.ID, Perspective: perspective.Name, Facts: len(out.Facts),
	})
	if err := o.appendEvents(session.NewEvent{
		Type: session.EventWorkerCompleted,
		Payload: session.WorkerCompletedPayload{
			WorkerNum: workerNum,
			Output:    out.Answer,
			Sources:   out.Sources,
			Facts:     out.Facts,
			Cost:      cost,
		},
	}); err != nil {
		o.log.Error("session append failed", "error", err)
	}
}

func (o *Orchestrator) perspectiveFor(run *runState, workerNum int) research.Perspective {
	if workerNum >= 1 && workerNum <= len(run.plan.Perspectives) {
		return run.plan.Perspectives[workerNum-1]
	}
	return research.Perspective{Name: fmt.Sprintf("Worker %d", workerNum)}
}

// executeAnalysis cross-validates the pooled facts. Fast mode passes facts
// through untouched. A failure fails the node but downgrades rather than
// aborts: synthesis then runs over unvalidated facts.
func (o *Orchestrator) executeAnalysis(ctx context.Context, run *runState, node planning.Node) error {
	dag := run.plan.DAG
	facts, gaps := run.snapshotFacts()

	if o.cfg.Mode == config.ModeFast {
		run.setAnalysis(passthroughAnalysis(facts))
		return dag.SetResult(node.ID, run.getAnalysis())
	}

	agent := agents.NewAnalysisAgent(o.llm, o.bus)
	analysis, err := agent.Analyze(ctx, facts, gaps)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		o.log.Warn("analysis failed, continuing with unvalidated facts", "error", err)
		run.setAnalysis(passthroughAnalysis(facts))
		return dag.SetResult(node.ID, run.getAnalysis())
	}

	run.setAnalysis(analysis)
	o.remember(ctx, contextmgr.Turn{
		ID:   node.ID,
		Role: "analyst",
		Content: fmt.Sprintf("analysis: %d validated facts, %d contradictions, %d gaps",
			len(analysis.ValidatedFacts), len(analysis.Contradictions), len(analysis.Gaps)),
	})
	return dag.SetResult(node.ID, analysis)
}

// passthroughAnalysis wraps facts as weakly validated with no gaps.
func passthroughAnalysis(facts []research.Fact) *research.AnalysisResult {
	validated := make([]research.ValidatedFact, 0, len(facts))
	for _, f := range facts {
		validated = append(validated, research.ValidatedFact{Fact: f, Status: research.ValidationWeak})
	}
	return &research.AnalysisResult{
		ValidatedFacts: validated,
		SourceQuality:  agents.ScoreSources(facts),
	}
}

// executeGapFill researches the important gaps with synthetic perspectives,
// bounded by the per-session ceiling. Skipped entirely when no gap
// qualifies.
func (o *Orchestrator) executeGapFill(ctx context.Context, run *runState, node planning.Node) error {
	dag := run.plan.DAG
	analysis := run.getAnalysis()

	var qualifying []research.KnowledgeGap
	if analysis != nil && o.cfg.Mode != config.ModeFast {
		for _, gap := range analysis.Gaps {
			if gap.Importance >= 0.5 {
				qualifying = append(qualifying, gap)
			}
		}
		if len(qualifying) > o.cfg.MaxGapFills {
			qualifying = qualifying[:o.cfg.MaxGapFills]
		}
	}

	if len(qualifying) == 0 {
		return dag.SetResult(node.ID, 0)
	}

	o.publish(events.GapFillingStarted, events.PhaseProgressData{Total: len(qualifying)})

	for i, gap := range qualifying {
		if ctx.Err() != nil {
			break
		}
		workerNum := len(run.plan.Perspectives) + i + 1
		perspective := research.Perspective{
			Name:      fmt.Sprintf("gap-filler-%d", i+1),
			Focus:     gap.Description,
			Questions: gap.SuggestedQueries,
		}

		agent := agents.NewSearchAgent(o.llm, o.registry, o.bus, workerNum, 3)
		out, err := agent.Research(ctx, perspective)
		if err != nil && ctx.Err() == nil {
			o.log.Warn("gap fill failed", "gap", gap.Description, "error", err)
			continue
		}
		if out != nil {
			run.addSearchOutput(out)
			o.remember(ctx, contextmgr.Turn{
				ID:      fmt.Sprintf("gap_%d", i+1),
				Role:    "worker",
				Content: fmt.Sprintf("%s: %s", perspective.Name, out.Answer),
			})
		}

		o.publish(events.GapFillingProgress, events.PhaseProgressData{
			Message: gap.Description, Step: i + 1, Total: len(qualifying),
		})
	}

	// Fold the new facts into the validated pool as weak entries.
	facts, _ := run.snapshotFacts()
	if analysis != nil {
		known := make(map[string]struct{}, len(analysis.ValidatedFacts))
		for _, vf := range analysis.ValidatedFacts {
			known[vf.Fact.Content] = struct{}{}
		}
		for _, f := range facts {
			if _, ok := known[f.Content]; !ok {
				analysis.ValidatedFacts = append(analysis.ValidatedFacts, research.ValidatedFact{Fact: f, Status: research.ValidationWeak})
			}
		}
	}

	o.publish(events.GapFillingComplete, events.PhaseProgressData{Total: len(qualifying)})
	return dag.SetResult(node.ID, len(qualifying))
}

// executeSynthesis writes the report. Synthesis failure fails the run.
func (o *Orchestrator) executeSynthesis(ctx context.Context, run *runState, node planning.Node) error {
	dag := run.plan.DAG

	// Individual search failures are tolerated, but with zero completed
	// workers there is nothing to synthesize.
	if _, searchOK := run.outcome(); !searchOK {
		err := errors.New("all search workers failed")
		_ = dag.Fail(node.ID, err)
		run.setFailedPhase("search")
		return err
	}

	analysis := run.getAnalysis()
	if analysis == nil {
		facts, _ := run.snapshotFacts()
		analysis = passthroughAnalysis(facts)
	}

	agent := agents.NewSynthesisAgent(o.llm, o.bus)
	report, err := agent.Synthesize(ctx, run.plan.Topic, analysis)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		_ = dag.Fail(node.ID, err)
		run.setFailedPhase("synthesis")
		return fmt.Errorf("synthesis: %w", err)
	}
	if ctx.Err() != nil {
		// Cancellation during synthesis: the partial report is discarded.
		return nil
	}

	run.setReport(report)
	if err := dag.SetResult(node.ID, report); err != nil {
		return err
	}

	if err := o.appendEvents(session.NewEvent{
		Type:    session.EventReportGenerated,
		Payload: session.ReportPayload{Report: *report},
	}); err != nil {
		return err
	}
	o.publish(events.ReportGenerated, events.ReportData{
		Title:        report.Title,
		SectionCount: strings.Count(report.FullContent, "\n## "),
		Sources:      len(report.Citations),
		Words:        len(strings.Fields(report.FullContent)),
	})
	return nil
}

// finishCancelled records the terminal cancelled state.
func (o *Orchestrator) finishCancelled(ctx context.Context) error {
	reason := o.reason(ctx)
	if err := o.appendEvents(session.NewEvent{
		Type:    session.EventResearchCancelled,
		Payload: session.CancelledPayload{Reason: string(reason)},
	}); err != nil {
		o.log.Error("session append failed", "error", err)
	}
	o.publish(events.ResearchCancelled, events.CancelledData{Reason: string(reason)})
	return fmt.Errorf("%w: %s", ErrCancelled, reason)
}

// finishFailed records the terminal failed state.
func (o *Orchestrator) finishFailed(phase string, cause error) error {
	if err := o.appendEvents(session.NewEvent{
		Type:    session.EventResearchFailed,
		Payload: session.FailedPayload{Error: cause.Error(), Phase: phase},
	}); err != nil {
		o.log.Error("session append failed", "error", err)
	}
	o.publish(events.ResearchFailed, events.FailureData{
		ErrorKind:   llms.KindOf(cause).String(),
		Message:     cause.Error(),
		FailedPhase: phase,
	})
	return fmt.Errorf("research failed in %s: %w", phase, cause)
}

func (o *Orchestrator) appendWorkerFailed(workerNum int, cause error) {
	if err := o.appendEvents(session.NewEvent{
		Type:    session.EventWorkerFailed,
		Payload: session.WorkerFailedPayload{WorkerNum: workerNum, Error: cause.Error()},
	}); err != nil {
		o.log.Error("session append failed", "error", err)
	}
}

// appendEvents writes domain events under the orchestrator's version
// cursor. A concurrency conflict here is fatal: nothing else may write the
// session while it runs.
func (o *Orchestrator) appendEvents(evts ...session.NewEvent) error {
	if o.store == nil {
		return nil
	}
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()
	newVersion, err := o.store.Append(o.sessionID, o.version, evts)
	if err != nil {
		return err
	}
	o.version = newVersion
	return nil
}

func (o *Orchestrator) publish(eventType events.Type, data any) {
	if o.bus == nil {
		return
	}
	o.sessionMu.Lock()
	sessionID := o.sessionID
	o.sessionMu.Unlock()
	o.bus.Publish(events.Event{Type: eventType, SessionID: sessionID, Data: data})
}

func nodeStatuses(dag *planning.DAG) string {
	var b strings.Builder
	for _, node := range dag.Nodes() {
		fmt.Fprintf(&b, "%s=%s ", node.ID, node.Status)
	}
	return strings.TrimSpace(b.String())
}

func mergeStrings(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s] = struct{}{}
	}
	for _, s := range incoming {
		if _, dup := seen[s]; !dup && s != "" {
			existing = append(existing, s)
			seen[s] = struct{}{}
		}
	}
	return existing
}

func mergeFacts(existing, incoming []research.Fact) []research.Fact {
	seen := make(map[string]struct{}, len(existing))
	for _, f := range existing {
		seen[f.Content] = struct{}{}
	}
	for _, f := range incoming {
		if _, dup := seen[f.Content]; !dup {
			existing = append(existing, f)
			seen[f.Content] = struct{}{}
		}
	}
	return existing
}

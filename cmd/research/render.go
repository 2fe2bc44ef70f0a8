package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/emilwareus/go-research/pkg/events"
	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/orchestrator"
	"github.com/emilwareus/go-research/pkg/research"
)

// renderFlush is a cmd-local sentinel used to synchronize with the render
// goroutine; it never appears in the runtime's own event set.
const renderFlush events.Type = "render_flush"

var (
	headline  = color.New(color.Bold)
	phaseCol  = color.New(color.FgMagenta)
	workerCol = color.New(color.FgCyan)
	okCol     = color.New(color.FgGreen)
	failCol   = color.New(color.FgRed)
	warnCol   = color.New(color.FgYellow)
	dimCol    = color.New(color.Faint)
)

// renderer turns bus events into terminal output. It owns one subscription
// and a single goroutine, so output lines never interleave.
type renderer struct {
	bus     *events.Bus
	sub     *events.Subscription
	verbose bool

	mu      sync.Mutex
	flushCh chan struct{}

	done chan struct{}
}

func newRenderer(bus *events.Bus, verbose bool) *renderer {
	r := &renderer{
		bus:     bus,
		sub:     bus.Subscribe(),
		verbose: verbose,
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *renderer) loop() {
	defer close(r.done)
	streaming := false
	for e := range r.sub.Events() {
		if e.Type == renderFlush {
			r.mu.Lock()
			if r.flushCh != nil {
				close(r.flushCh)
				r.flushCh = nil
			}
			r.mu.Unlock()
			continue
		}
		if streaming && e.Type != events.LLMChunk {
			fmt.Println()
			streaming = false
		}
		if e.Type == events.LLMChunk {
			streaming = r.renderChunk(e)
			continue
		}
		r.render(e)
	}
}

// Flush blocks until every event published before the call has been
// rendered.
func (r *renderer) Flush() {
	ch := make(chan struct{})
	r.mu.Lock()
	r.flushCh = ch
	r.mu.Unlock()

	r.bus.Publish(events.Event{Type: renderFlush})
	select {
	case <-ch:
	case <-r.done:
	case <-time.After(2 * time.Second):
	}
}

func (r *renderer) Close() {
	r.bus.Unsubscribe(r.sub)
	<-r.done
}

func (r *renderer) renderChunk(e events.Event) bool {
	if !r.verbose {
		return false
	}
	if data, ok := e.Data.(events.LLMChunkData); ok {
		fmt.Print(data.Text)
		return true
	}
	return false
}

func (r *renderer) render(e events.Event) {
	switch e.Type {
	case events.ResearchStarted:
		if data, ok := e.Data.(map[string]any); ok {
			headline.Printf("Researching: %v\n", data["query"])
		}

	case events.PlanCreated:
		if data, ok := e.Data.(events.PlanCreatedData); ok {
			phaseCol.Printf("Plan: %d perspectives\n", len(data.Perspectives))
			for i, name := range data.Perspectives {
				fmt.Printf("  %d. %s\n", i+1, name)
			}
		}

	case events.WorkerStarted:
		if data, ok := e.Data.(events.WorkerData); ok {
			workerCol.Printf("[%d] %s started\n", data.WorkerNum, data.Perspective)
		}

	case events.WorkerProgress:
		if data, ok := e.Data.(events.WorkerData); ok && r.verbose {
			dimCol.Printf("[%d] %s\n", data.WorkerNum, data.Message)
		}

	case events.IterationStarted:
		if data, ok := e.Data.(events.WorkerData); ok && r.verbose {
			dimCol.Printf("[%d] iteration %d\n", data.WorkerNum, data.Iteration)
		}

	case events.WorkerCompleted:
		if data, ok := e.Data.(events.WorkerData); ok {
			okCol.Printf("[%d] %s done (%d facts)\n", data.WorkerNum, data.Perspective, data.Facts)
		}

	case events.WorkerFailed:
		if data, ok := e.Data.(events.FailureData); ok {
			failCol.Printf("[%d] failed: %s\n", data.WorkerNum, data.Message)
		}

	case events.ToolCall:
		if data, ok := e.Data.(events.ToolCallData); ok && r.verbose {
			dimCol.Printf("  tool %s %v\n", data.Tool, data.Args)
		}

	case events.AnalysisStarted:
		phaseCol.Println("Cross-validating facts...")

	case events.AnalysisProgress, events.CrossValidationProgress:
		if data, ok := e.Data.(events.PhaseProgressData); ok && r.verbose {
			dimCol.Printf("  %s\n", data.Message)
		}

	case events.GapFillingStarted:
		if data, ok := e.Data.(events.PhaseProgressData); ok {
			phaseCol.Printf("Filling %d knowledge gaps...\n", data.Total)
		}

	case events.GapFillingProgress:
		if data, ok := e.Data.(events.PhaseProgressData); ok {
			dimCol.Printf("  gap %d/%d: %s\n", data.Step, data.Total, data.Message)
		}

	case events.SynthesisStarted:
		phaseCol.Println("Writing report...")

	case events.SynthesisProgress:
		if data, ok := e.Data.(events.PhaseProgressData); ok && r.verbose {
			dimCol.Printf("  %s\n", data.Message)
		}

	case events.CostUpdated:
		if data, ok := e.Data.(events.CostUpdatedData); ok && r.verbose {
			dimCol.Printf("  cost %s: %d in / %d out ($%.4f total)\n",
				data.Scope, data.InputTokens, data.OutputTokens, data.TotalCost)
		}

	case events.ReportGenerated:
		if data, ok := e.Data.(events.ReportData); ok {
			okCol.Printf("Report ready: %s (%d sections, %d sources)\n",
				data.Title, data.SectionCount, data.Sources)
		}

	case events.ResearchFailed:
		if data, ok := e.Data.(events.FailureData); ok {
			failCol.Printf("Research failed in %s: %s\n", data.FailedPhase, data.Message)
		}

	case events.ResearchCancelled:
		if data, ok := e.Data.(events.CancelledData); ok {
			warnCol.Printf("Research cancelled (%s)\n", data.Reason)
		}
	}
}

func printReport(report *research.Report) {
	if report == nil {
		return
	}
	fmt.Println()
	fmt.Println(report.FullContent)
}

func printRunStats(result *orchestrator.Result) {
	dimCol.Printf("\n%s | %d sources | %s | $%.4f\n",
		result.Duration.Round(time.Second),
		len(result.Sources),
		formatTokens(result.Cost),
		result.Cost.TotalCost)
}

func formatTokens(cost llms.CostBreakdown) string {
	return fmt.Sprintf("%s tokens", humanCount(cost.TotalTokens))
}

func humanCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/emilwareus/go-research/pkg/classifier"
	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/orchestrator"
	"github.com/emilwareus/go-research/pkg/session"
)

// runGuard tracks the orchestrator currently executing so the signal
// handler can cancel it instead of killing the process.
type runGuard struct {
	mu      sync.Mutex
	current *orchestrator.Orchestrator
}

func (g *runGuard) set(o *orchestrator.Orchestrator) {
	g.mu.Lock()
	g.current = o
	g.mu.Unlock()
}

func (g *runGuard) interrupt() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return false
	}
	g.current.Cancel(orchestrator.ReasonUserInterrupt)
	return true
}

func runInteractive(cfg *config.Config, deps *runtime, resumeID string) error {
	guard := &runGuard{}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if !guard.interrupt() {
				fmt.Println()
				os.Exit(130)
			}
		}
	}()

	var snapshot *session.Session
	if resumeID != "" {
		loaded, err := deps.store.Load(resumeID)
		if err != nil {
			return fmt.Errorf("resume session %s: %w", resumeID, err)
		}
		snapshot = loaded
		headline.Printf("Resumed session %s: %s (%s)\n", loaded.ID, loaded.Query, loaded.Status)
	}

	clf := classifier.New(deps.llm, cfg.ClassifierModel)

	headline.Println("research - interactive mode")
	fmt.Println("Type a query to start researching. Commands: /sessions /show <id> /mode <fast|deep> /quit")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := runCommand(cfg, deps, input); quit {
				return nil
			}
			continue
		}

		route := classifier.TypeResearch
		if snapshot != nil && snapshot.Report != nil {
			if cls, err := clf.Classify(context.Background(), input, true, snapshot.Report.Summary); err == nil {
				route = cls.Type
			}
		}

		switch route {
		case classifier.TypeQuestion:
			answerQuestion(deps, guard, snapshot, input)

		case classifier.TypeExpand:
			query := input
			if snapshot.Topic != "" {
				query = fmt.Sprintf("%s (expanding on: %s)", snapshot.Topic, input)
			}
			snapshot = runResearch(cfg, deps, guard, query, snapshot)

		default:
			snapshot = runResearch(cfg, deps, guard, input, snapshot)
		}
	}
}

// runResearch executes one query and returns the resulting session
// snapshot, or the previous one when the run failed.
func runResearch(cfg *config.Config, deps *runtime, guard *runGuard, query string, prev *session.Session) *session.Session {
	orch := deps.NewOrchestrator()
	guard.set(orch)
	defer guard.set(nil)

	result, err := orch.Run(context.Background(), query)
	deps.render.Flush()
	if err != nil {
		if !errors.Is(err, orchestrator.ErrCancelled) {
			failCol.Printf("Error: %v\n", err)
		}
		return prev
	}

	printReport(result.Report)
	printRunStats(result)

	if cfg.VaultPath != "" {
		if path, err := saveToVault(cfg.VaultPath, result.Report); err == nil {
			fmt.Printf("Saved to %s\n", path)
		} else {
			warnCol.Printf("Could not save report: %v\n", err)
		}
	}
	appendHistory(cfg.HistoryFile, query)

	snapshot, err := deps.store.Load(result.SessionID)
	if err != nil {
		return prev
	}
	return snapshot
}

func answerQuestion(deps *runtime, guard *runGuard, snapshot *session.Session, question string) {
	orch := deps.NewOrchestrator()
	guard.set(orch)
	defer guard.set(nil)

	answer, err := orch.Answer(context.Background(), snapshot, question)
	if err != nil {
		failCol.Printf("Error: %v\n", err)
		return
	}
	fmt.Println(answer)
}

// runCommand handles slash commands; returns true to quit.
func runCommand(cfg *config.Config, deps *runtime, input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/sessions":
		ids, err := deps.store.List()
		if err != nil {
			failCol.Printf("Error: %v\n", err)
			return false
		}
		if len(ids) == 0 {
			fmt.Println("No stored sessions.")
			return false
		}
		for _, id := range ids {
			if s, err := deps.store.Load(id); err == nil {
				fmt.Printf("%s  %-9s  %s\n", id, s.Status, s.Query)
			}
		}

	case "/show":
		if len(fields) < 2 {
			fmt.Println("Usage: /show <session-id>")
			return false
		}
		s, err := deps.store.Load(fields[1])
		if err != nil {
			failCol.Printf("Error: %v\n", err)
			return false
		}
		if s.Report == nil {
			fmt.Printf("Session %s (%s) has no report.\n", s.ID, s.Status)
			return false
		}
		fmt.Println(s.Report.FullContent)

	case "/mode":
		if len(fields) < 2 || (fields[1] != config.ModeFast && fields[1] != config.ModeDeep) {
			fmt.Printf("Mode is %s. Usage: /mode <fast|deep>\n", cfg.Orchestrator.Mode)
			return false
		}
		cfg.Orchestrator.Mode = fields[1]
		fmt.Printf("Mode set to %s.\n", fields[1])

	default:
		fmt.Printf("Unknown command: %s\n", fields[0])
	}
	return false
}

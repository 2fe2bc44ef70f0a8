// Package contextmgr keeps agent conversation history inside a hard token
// budget by folding old turns into layered summaries.
//
// The structure is a working-memory ring of the last K turns plus summary
// levels L0..L_{N-1}, finest to coarsest. Folding moves content toward the
// coarse end; every observed turn ID is accounted for in exactly one place.
package contextmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/logger"
)

// ErrBudgetExhausted is returned when the budget is exceeded and no foldable
// history remains.
var ErrBudgetExhausted = errors.New("context: token budget exhausted with no foldable history")

// DirectiveKind is the folding action chosen for the next step.
type DirectiveKind string

const (
	// DirectiveNone enqueues the latest turn with no folding.
	DirectiveNone DirectiveKind = "none"
	// DirectiveGranular compresses the oldest working-memory turns into L0.
	DirectiveGranular DirectiveKind = "granular_condensation"
	// DirectiveDeep folds L0..L_k into a single entry at L_{k+1}.
	DirectiveDeep DirectiveKind = "deep_consolidation"
)

// Directive is a folding decision. Level is only meaningful for DirectiveDeep.
type Directive struct {
	Kind  DirectiveKind `json:"directive"`
	Level int           `json:"level,omitempty"`
}

// Turn is one interaction added to history.
type Turn struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Summary is the consolidated content of one level.
type Summary struct {
	Level   int      `json:"level"`
	Content string   `json:"content"`
	Tokens  int      `json:"tokens"`
	TurnIDs []string `json:"turn_ids"`
}

// Snapshot is a read-only copy of the manager's state.
type Snapshot struct {
	Working    []Turn
	Levels     []Summary
	ToolMemory map[string]string
	Tokens     int
	Budget     int
}

// Manager owns the folding state. All operations serialize on one mutex;
// folding is never concurrent with itself.
type Manager struct {
	mu sync.Mutex

	cfg     config.ContextConfig
	llm     llms.ChatClient
	counter TokenCounter
	log     *slog.Logger

	working    []Turn
	levels     []Summary
	toolMemory map[string]string
}

// New builds a manager. The LLM client may be nil, in which case folding
// uses the deterministic truncation path only.
func New(cfg config.ContextConfig, llm llms.ChatClient, counter TokenCounter) *Manager {
	m := &Manager{
		cfg:        cfg,
		llm:        llm,
		counter:    counter,
		log:        logger.Get().With("component", "contextmgr"),
		levels:     make([]Summary, cfg.SummaryLevels),
		toolMemory: make(map[string]string),
	}
	for i := range m.levels {
		m.levels[i].Level = i
	}
	return m
}

// AddTurn enqueues a turn into working memory. When the ring exceeds K the
// oldest turns are condensed into L0 so no turn is ever dropped.
func (m *Manager) AddTurn(ctx context.Context, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.working = append(m.working, turn)
	if len(m.working) <= m.cfg.WorkingMemorySize {
		return nil
	}
	return m.condenseOldest(ctx, len(m.working)-m.cfg.WorkingMemorySize)
}

// RecordToolCall folds a tool invocation into the consolidated per-tool
// history.
func (m *Manager) RecordToolCall(tool, note string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.toolMemory[tool]
	if prev == "" {
		m.toolMemory[tool] = note
		return
	}
	m.toolMemory[tool] = prev + "\n" + note
}

// ProjectedUsage returns current tokens as a fraction of the budget.
func (m *Manager) ProjectedUsage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.tokensLocked()) / float64(m.cfg.TokenBudget)
}

// ShouldFold reports whether projected usage has crossed the fold trigger.
func (m *Manager) ShouldFold() bool {
	return m.ProjectedUsage() >= m.cfg.FoldTrigger
}

var directiveSchema = llms.MustSchemaFor(&Directive{})

// DecideFolding asks the LLM which directive to apply next. Invalid or
// failed responses fall back to granular condensation when usage is at or
// above the trigger, otherwise none.
func (m *Manager) DecideFolding(ctx context.Context) Directive {
	usage := m.ProjectedUsage()
	if usage < m.cfg.FoldTrigger {
		return Directive{Kind: DirectiveNone}
	}

	fallback := Directive{Kind: DirectiveGranular}
	if m.llm == nil {
		return fallback
	}

	m.mu.Lock()
	prompt := m.foldingPrompt(usage)
	m.mu.Unlock()

	resp, err := m.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: foldingSystemPrompt},
		{Role: llms.RoleUser, Content: prompt},
	}, llms.Options{ResponseSchema: directiveSchema, Scope: "context/fold"})
	if err != nil {
		m.log.Debug("folding decision failed, using fallback", "error", err)
		return fallback
	}

	var d Directive
	if err := json.Unmarshal([]byte(resp.Message.Content), &d); err != nil || !m.validDirective(d) {
		m.log.Debug("invalid folding directive, using fallback", "content", resp.Message.Content)
		return fallback
	}
	return d
}

// Apply executes a directive, then enforces the hard budget by deep
// consolidation of the deepest non-empty level until within budget.
func (m *Manager) Apply(ctx context.Context, d Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch d.Kind {
	case DirectiveNone:
	case DirectiveGranular:
		if len(m.working) > 1 {
			if err := m.condenseOldest(ctx, 1); err != nil {
				return err
			}
		}
	case DirectiveDeep:
		if err := m.consolidate(ctx, d.Level); err != nil {
			return err
		}
	default:
		return fmt.Errorf("context: unknown directive %q", d.Kind)
	}

	return m.enforceBudgetLocked(ctx)
}

// Snapshot returns a copy of the current state for external readers.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Working:    append([]Turn(nil), m.working...),
		Levels:     append([]Summary(nil), m.levels...),
		ToolMemory: make(map[string]string, len(m.toolMemory)),
		Tokens:     m.tokensLocked(),
		Budget:     m.cfg.TokenBudget,
	}
	for k, v := range m.toolMemory {
		snap.ToolMemory[k] = v
	}
	return snap
}

// PromptContext renders the folded history for inclusion in agent prompts,
// coarsest summaries first, recent turns last.
func (m *Manager) PromptContext() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	for i := len(m.levels) - 1; i >= 0; i-- {
		if m.levels[i].Content == "" {
			continue
		}
		fmt.Fprintf(&b, "[summary L%d]\n%s\n\n", i, m.levels[i].Content)
	}
	for _, turn := range m.working {
		fmt.Fprintf(&b, "[%s] %s\n", turn.Role, turn.Content)
	}
	return b.String()
}

func (m *Manager) tokensLocked() int {
	total := 0
	for _, turn := range m.working {
		total += m.counter.Count(turn.Content)
	}
	for _, lvl := range m.levels {
		total += lvl.Tokens
	}
	for _, v := range m.toolMemory {
		total += m.counter.Count(v)
	}
	return total
}

func (m *Manager) validDirective(d Directive) bool {
	switch d.Kind {
	case DirectiveNone, DirectiveGranular:
		return true
	case DirectiveDeep:
		return d.Level >= 0 && d.Level < len(m.levels)-1
	}
	return false
}

// condenseOldest folds the n oldest working-memory turns into L0.
// Caller holds m.mu.
func (m *Manager) condenseOldest(ctx context.Context, n int) error {
	if n <= 0 || len(m.working) == 0 {
		return nil
	}
	if n > len(m.working) {
		n = len(m.working)
	}

	oldest := m.working[:n]
	var parts []string
	var ids []string
	for _, turn := range oldest {
		parts = append(parts, fmt.Sprintf("[%s] %s", turn.Role, turn.Content))
		ids = append(ids, turn.ID)
	}

	condensed := m.summarize(ctx, strings.Join(parts, "\n"))

	l0 := &m.levels[0]
	if l0.Content == "" {
		l0.Content = condensed
	} else {
		l0.Content = l0.Content + "\n" + condensed
	}
	l0.TurnIDs = append(l0.TurnIDs, ids...)
	l0.Tokens = m.counter.Count(l0.Content)

	m.working = append([]Turn(nil), m.working[n:]...)
	return nil
}

// consolidate folds levels 0..k into a single entry at k+1 and clears the
// collapsed levels. Caller holds m.mu.
func (m *Manager) consolidate(ctx context.Context, k int) error {
	if k < 0 || k >= len(m.levels)-1 {
		return fmt.Errorf("context: consolidation level %d out of range", k)
	}

	var parts []string
	var ids []string
	for i := 0; i <= k; i++ {
		if m.levels[i].Content == "" {
			continue
		}
		parts = append(parts, m.levels[i].Content)
		ids = append(ids, m.levels[i].TurnIDs...)
	}
	if len(parts) == 0 {
		return nil
	}

	condensed := m.summarize(ctx, strings.Join(parts, "\n"))

	dst := &m.levels[k+1]
	if dst.Content == "" {
		dst.Content = condensed
	} else {
		dst.Content = dst.Content + "\n" + condensed
	}
	dst.TurnIDs = append(dst.TurnIDs, ids...)
	dst.Tokens = m.counter.Count(dst.Content)

	for i := 0; i <= k; i++ {
		m.levels[i] = Summary{Level: i}
	}
	return nil
}

// enforceBudgetLocked applies deep consolidation at the deepest non-empty
// level until within budget or nothing remains foldable. Caller holds m.mu.
func (m *Manager) enforceBudgetLocked(ctx context.Context) error {
	for m.tokensLocked() > m.cfg.TokenBudget {
		if len(m.working) > 1 {
			if err := m.condenseOldest(ctx, len(m.working)-1); err != nil {
				return err
			}
			continue
		}

		k := -1
		for i := len(m.levels) - 2; i >= 0; i-- {
			if m.levels[i].Content != "" {
				k = i
				break
			}
		}
		if k < 0 {
			return ErrBudgetExhausted
		}
		before := m.tokensLocked()
		if err := m.consolidate(ctx, k); err != nil {
			return err
		}
		if m.tokensLocked() >= before {
			// Consolidation is not shrinking anything further.
			return ErrBudgetExhausted
		}
	}
	return nil
}

const foldingSystemPrompt = `You manage conversation memory for a research agent.
Decide how to compress history. Respond with JSON only:
{"directive": "none" | "granular_condensation" | "deep_consolidation", "level": <int>}
Use granular_condensation to compress the oldest recent turns.
Use deep_consolidation with a level k to merge summary levels 0..k when they have grown large.`

func (m *Manager) foldingPrompt(usage float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Token usage is %.0f%% of budget.\n", usage*100)
	fmt.Fprintf(&b, "Working memory holds %d turns.\n", len(m.working))
	for i, lvl := range m.levels {
		fmt.Fprintf(&b, "Summary level %d: %d tokens covering %d turns.\n", i, lvl.Tokens, len(lvl.TurnIDs))
	}
	b.WriteString("Choose the folding directive.")
	return b.String()
}

// summarize compresses text with the LLM, falling back to head truncation
// when no client is available or the call fails.
func (m *Manager) summarize(ctx context.Context, text string) string {
	if m.llm != nil {
		resp, err := m.llm.Chat(ctx, []llms.Message{
			{Role: llms.RoleSystem, Content: "Compress the following conversation excerpt into a dense factual summary. Keep every concrete fact, number and source. Respond with the summary only."},
			{Role: llms.RoleUser, Content: text},
		}, llms.Options{Scope: "context/summarize"})
		if err == nil && strings.TrimSpace(resp.Message.Content) != "" {
			return strings.TrimSpace(resp.Message.Content)
		}
		m.log.Debug("summarization failed, truncating", "error", err)
	}
	return truncate(text, 2000)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

package planning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/research"
)

type stubChat struct {
	content string
	err     error
}

func (s *stubChat) Chat(_ context.Context, _ []llms.Message, _ llms.Options) (*llms.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llms.Response{Message: llms.Message{Role: llms.RoleAssistant, Content: s.content}}, nil
}

func (s *stubChat) StreamChat(ctx context.Context, messages []llms.Message, opts llms.Options, _ llms.ChunkFunc) (*llms.Response, error) {
	return s.Chat(ctx, messages, opts)
}

func (s *stubChat) Model() string { return "test-model" }

func TestBuildPlanUsesDiscoveredPerspectives(t *testing.T) {
	chat := &stubChat{content: `{
		"topic": "autonomous vehicles",
		"perspectives": [
			{"name": "Safety researcher", "focus": "crash statistics", "questions": ["q1", "q2", "q3"]},
			{"name": "Regulator", "focus": "approval frameworks", "questions": ["q1", "q2", "q3"]}
		]
	}`}
	planner := NewPlanner(chat, nil, 2)

	plan, err := planner.BuildPlan(context.Background(), "State of autonomous vehicles in 2025")
	require.NoError(t, err)

	assert.Equal(t, "autonomous vehicles", plan.Topic)
	require.Len(t, plan.Perspectives, 3, "default perspective is prepended")
	assert.Equal(t, research.DefaultPerspectiveName, plan.Perspectives[0].Name)
	assert.Equal(t, "Safety researcher", plan.Perspectives[1].Name)
}

func TestBuildPlanFallsBackOnLLMError(t *testing.T) {
	chat := &stubChat{err: &llms.Error{Kind: llms.KindProviderUnavailable, Message: "down"}}
	planner := NewPlanner(chat, nil, 2)

	plan, err := planner.BuildPlan(context.Background(), "quantum computing")
	require.NoError(t, err)

	require.Len(t, plan.Perspectives, 3)
	assert.Equal(t, research.DefaultPerspectiveName, plan.Perspectives[0].Name)
	assert.Equal(t, "quantum computing", plan.Topic)
}

func TestBuildPlanFallsBackOnEmptyPerspectives(t *testing.T) {
	chat := &stubChat{content: `{"topic": "x", "perspectives": []}`}
	planner := NewPlanner(chat, nil, 2)

	plan, err := planner.BuildPlan(context.Background(), "obscure topic")
	require.NoError(t, err)
	assert.Len(t, plan.Perspectives, 3)
}

func TestBuildPlanClampsPerspectiveCount(t *testing.T) {
	content := `{"topic": "t", "perspectives": [
		{"name": "P1", "focus": "f", "questions": ["q"]},
		{"name": "P2", "focus": "f", "questions": ["q"]},
		{"name": "P3", "focus": "f", "questions": ["q"]},
		{"name": "P4", "focus": "f", "questions": ["q"]},
		{"name": "P5", "focus": "f", "questions": ["q"]},
		{"name": "P6", "focus": "f", "questions": ["q"]},
		{"name": "P7", "focus": "f", "questions": ["q"]},
		{"name": "P8", "focus": "f", "questions": ["q"]}
	]}`
	planner := NewPlanner(&stubChat{content: content}, nil, 2)

	plan, err := planner.BuildPlan(context.Background(), "wide topic")
	require.NoError(t, err)
	assert.Len(t, plan.Perspectives, 6)
}

func TestResearchDAGShape(t *testing.T) {
	perspectives := []research.Perspective{
		{Name: "A", Focus: "a"},
		{Name: "B", Focus: "b"},
		{Name: "C", Focus: "c"},
	}
	dag, err := BuildResearchDAG(perspectives, 2)
	require.NoError(t, err)

	nodes := dag.Nodes()
	assert.Len(t, nodes, 7, "root + 3 search + cross_validate + fill_gaps + synthesize")

	assert.Len(t, dag.NodesByType(TaskSearch), 3)
	assert.Len(t, dag.NodesByType(TaskSynthesize), 1)

	// Synthesize transitively depends on all searches through the
	// validation chain.
	synth, ok := dag.Node("synthesize")
	require.True(t, ok)
	assert.Equal(t, []string{"fill_gaps"}, synth.Deps)
	fill, _ := dag.Node("fill_gaps")
	assert.Equal(t, []string{"cross_validate"}, fill.Deps)
	cross, _ := dag.Node("cross_validate")
	assert.ElementsMatch(t, []string{"search_1", "search_2", "search_3"}, cross.Deps)
}

func TestWorkerNum(t *testing.T) {
	assert.Equal(t, 1, WorkerNum("search_1"))
	assert.Equal(t, 12, WorkerNum("search_12"))
	assert.Equal(t, 0, WorkerNum("cross_validate"))
}

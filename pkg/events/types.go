package events

// Type is one of the closed set of progress event kinds.
type Type string

const (
	ResearchStarted         Type = "research_started"
	PlanCreated             Type = "plan_created"
	WorkerStarted           Type = "worker_started"
	WorkerProgress          Type = "worker_progress"
	WorkerCompleted         Type = "worker_completed"
	WorkerFailed            Type = "worker_failed"
	LLMChunk                Type = "llm_chunk"
	IterationStarted        Type = "iteration_started"
	ToolCall                Type = "tool_call"
	ToolResult              Type = "tool_result"
	AnalysisStarted         Type = "analysis_started"
	AnalysisProgress        Type = "analysis_progress"
	AnalysisComplete        Type = "analysis_complete"
	CrossValidationStarted  Type = "cross_validation_started"
	CrossValidationProgress Type = "cross_validation_progress"
	CrossValidationComplete Type = "cross_validation_complete"
	GapFillingStarted       Type = "gap_filling_started"
	GapFillingProgress      Type = "gap_filling_progress"
	GapFillingComplete      Type = "gap_filling_complete"
	SynthesisStarted        Type = "synthesis_started"
	SynthesisProgress       Type = "synthesis_progress"
	SynthesisComplete       Type = "synthesis_complete"
	ReportGenerated         Type = "report_generated"
	CostUpdated             Type = "cost_updated"
	ResearchCompleted       Type = "research_completed"
	ResearchFailed          Type = "research_failed"
	ResearchCancelled       Type = "research_cancelled"
)

// PlanCreatedData announces the decomposed research plan.
type PlanCreatedData struct {
	Perspectives []string `json:"perspectives"`
	NodeCount    int      `json:"node_count"`
}

// WorkerData identifies a worker and its current activity.
type WorkerData struct {
	WorkerNum   int    `json:"worker_num"`
	NodeID      string `json:"node_id"`
	Perspective string `json:"perspective,omitempty"`
	Message     string `json:"message,omitempty"`
	Facts       int    `json:"facts,omitempty"`
	Iteration   int    `json:"iteration,omitempty"`
}

// LLMChunkData carries one streamed text fragment tagged with its worker.
type LLMChunkData struct {
	WorkerNum int    `json:"worker_num"`
	Text      string `json:"text"`
}

// ToolCallData correlates a tool invocation with its result event.
type ToolCallData struct {
	CorrelationID string         `json:"correlation_id"`
	Tool          string         `json:"tool"`
	Args          map[string]any `json:"args,omitempty"`
}

// ToolResultData closes the correlation opened by ToolCallData.
type ToolResultData struct {
	CorrelationID string `json:"correlation_id"`
	Tool          string `json:"tool"`
	Error         string `json:"error,omitempty"`
	ResultBytes   int    `json:"result_bytes"`
}

// PhaseProgressData reports progress inside a named phase.
type PhaseProgressData struct {
	Message string `json:"message"`
	Step    int    `json:"step,omitempty"`
	Total   int    `json:"total,omitempty"`
}

// CostUpdatedData carries incremental spend attributed to a scope.
type CostUpdatedData struct {
	Scope        string  `json:"scope"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost_usd"`
}

// ReportData announces the finished report.
type ReportData struct {
	Title        string `json:"title"`
	SectionCount int    `json:"section_count"`
	Sources      int    `json:"sources"`
	Words        int    `json:"words"`
}

// FailureData describes a worker or run failure.
type FailureData struct {
	ErrorKind   string `json:"error_kind"`
	Message     string `json:"message"`
	FailedPhase string `json:"failed_phase"`
	WorkerNum   int    `json:"worker_num,omitempty"`
}

// CancelledData names why the run was cancelled.
type CancelledData struct {
	Reason string `json:"reason"`
}

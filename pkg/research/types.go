// Package research defines the shared domain types of a research run:
// facts, perspectives, analysis results and the final report.
package research

// Fact is a single sourced claim. Immutable once recorded.
type Fact struct {
	Content    string  `json:"content"`
	SourceURL  string  `json:"source_url"`
	Confidence float64 `json:"confidence"`
}

// Perspective is one expert viewpoint the planner decomposes a query into.
type Perspective struct {
	Name      string   `json:"name"`
	Focus     string   `json:"focus"`
	Questions []string `json:"questions"`
}

// DefaultPerspectiveName is always present in a plan to guarantee broad
// factual coverage.
const DefaultPerspectiveName = "Basic fact writer"

// ValidationStatus grades a fact after cross-validation.
type ValidationStatus string

const (
	ValidationSupported   ValidationStatus = "supported"
	ValidationWeak        ValidationStatus = "weak"
	ValidationUnsupported ValidationStatus = "unsupported"
)

// ValidatedFact pairs a fact with its cross-validation grade.
type ValidatedFact struct {
	Fact   Fact             `json:"fact"`
	Status ValidationStatus `json:"status"`
}

// ContradictionNature classifies how two claims conflict.
type ContradictionNature string

const (
	ContradictionDirect  ContradictionNature = "direct"
	ContradictionNuanced ContradictionNature = "nuanced"
	ContradictionScope   ContradictionNature = "scope"
)

// Contradiction records two conflicting claims and their sources.
type Contradiction struct {
	ClaimA  string              `json:"claim_a"`
	SourceA string              `json:"source_a"`
	ClaimB  string              `json:"claim_b"`
	SourceB string              `json:"source_b"`
	Nature  ContradictionNature `json:"nature"`
}

// KnowledgeGap is a question the gathered facts do not answer.
type KnowledgeGap struct {
	Description      string   `json:"description"`
	Importance       float64  `json:"importance"`
	SuggestedQueries []string `json:"suggested_queries"`
}

// SourceQuality is the heuristic score of the evidence base.
type SourceQuality struct {
	SourceCount   int     `json:"source_count"`
	HostDiversity float64 `json:"host_diversity"`
	Score         float64 `json:"score"`
}

// AnalysisResult is the output of the analysis phase.
type AnalysisResult struct {
	ValidatedFacts []ValidatedFact `json:"validated_facts"`
	Contradictions []Contradiction `json:"contradictions"`
	Gaps           []KnowledgeGap  `json:"gaps"`
	SourceQuality  SourceQuality   `json:"source_quality"`
}

// Citation is one entry of a report's source list. IDs are assigned in
// first-appearance order and are stable for the life of the report.
type Citation struct {
	ID    int    `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Report is the synthesized result of a research run.
type Report struct {
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	FullContent string     `json:"full_content"`
	Citations   []Citation `json:"citations"`
}

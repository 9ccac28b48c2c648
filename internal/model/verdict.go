package model

// Verdict is the structured outcome of one quality evaluation.
// Produced fresh per evaluation; never merged or accumulated.
type Verdict struct {
	Score             float64  `json:"score"`    // overall visual quality, 0-10
	Fidelity          float64  `json:"fidelity"` // match to the original prompt's intent, 0-10
	Passed            bool     `json:"passed"`
	RetryRecommended  bool     `json:"retry_recommended"`
	Rationale         string   `json:"rationale"`
	Suggestions       []string `json:"suggestions,omitempty"`
	Defects           []string `json:"defects_found,omitempty"`
	ConsistencyIssues []string `json:"consistency_issues,omitempty"`
}

// DefaultVerdict is the documented fallback used when an evaluation
// cannot be performed or its response cannot be parsed. Evaluations
// are advisory, not load-bearing: the orchestrator must always have
// some verdict to act on.
func DefaultVerdict(score float64, rationale string) Verdict {
	return Verdict{
		Score:     score,
		Fidelity:  score,
		Passed:    true,
		Rationale: rationale,
	}
}

package router

// Candidate captures a heuristic candidate category.
type Candidate struct {
	Category Category `json:"category"`
	Score    int      `json:"score"`
	Triggers []string `json:"triggers,omitempty"`
	Signals  []string `json:"signals,omitempty"`
}

// Decision captures classification details.
type Decision struct {
	Category   Category    `json:"category"`
	Confidence float64     `json:"confidence"`
	Reasons    []string    `json:"reasons,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
	// Ambiguous is set when the top candidates tied and the decision fell
	// back to CategoryOther.
	Ambiguous bool `json:"ambiguous,omitempty"`
	UsedHint  bool `json:"used_hint,omitempty"`
}

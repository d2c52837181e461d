package model

import "time"

// ReportVersion is an immutable snapshot of a run's synthesis.
type ReportVersion struct {
	ID               string        `json:"id" yaml:"id"`
	RunID            string        `json:"run_id" yaml:"run_id"`
	Version          int           `json:"version" yaml:"version"`
	Content          SynthesisData `json:"content" yaml:"content"`
	RefinementPrompt string        `json:"refinement_prompt" yaml:"refinement_prompt"`
	Changes          Changes       `json:"changes" yaml:"changes"`
	IsCurrent        bool          `json:"is_current" yaml:"is_current"`
	ChangeSummary    string        `json:"change_summary" yaml:"change_summary"`
	CreatedAt        time.Time     `json:"created_at" yaml:"created_at"`
}

// Changes maps a synthesis section name to what changed in it.
type Changes map[string]SectionChange

// SectionChange describes the difference in one synthesis section.
// Text sections use Before/After; list sections use Added/Removed.
type SectionChange struct {
	Before  string   `json:"before,omitempty" yaml:"before,omitempty"`
	After   string   `json:"after,omitempty" yaml:"after,omitempty"`
	Added   []string `json:"added,omitempty" yaml:"added,omitempty"`
	Removed []string `json:"removed,omitempty" yaml:"removed,omitempty"`
}

package types

import (
	"encoding/json"
	"strings"
)

// Turn roles as they appear in sample and candidate records.
const (
	RoleHuman     = "Human"
	RoleAssistant = "Assistant"
)

// Turn is a single utterance in a conversation.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Sample is one input conversational record used as a seed for generation.
// Samples are read once per job and never mutated.
type Sample struct {
	Meta  map[string]any `json:"meta"`
	Turns []Turn         `json:"turns"`
}

// MetaDescription returns the task description carried in the sample meta,
// or "" when absent.
func (s Sample) MetaDescription() string {
	if s.Meta == nil {
		return ""
	}
	d, _ := s.Meta["meta_description"].(string)
	return d
}

// Candidate is a model-proposed variant derived from one Sample. It is not
// trusted until it has passed structural validation and both scoring stages.
type Candidate struct {
	Meta  map[string]any `json:"meta,omitempty"`
	Turns []Turn         `json:"turns"`
}

// AssistantText returns the text of the first Assistant turn, or "".
func (c Candidate) AssistantText() string {
	for _, t := range c.Turns {
		if t.Role == RoleAssistant {
			return t.Text
		}
	}
	return ""
}

// CountRoles reports how many Human and Assistant turns the candidate has.
// Role strings are trimmed before comparison; anything else is ignored.
func (c Candidate) CountRoles() (human, assistant int) {
	for _, t := range c.Turns {
		switch strings.TrimSpace(t.Role) {
		case RoleHuman:
			human++
		case RoleAssistant:
			assistant++
		}
	}
	return
}

// EvaluationOutcome is the result of scoring one candidate. Derived data;
// never persisted on its own — accepted candidates carry the scores in
// their meta instead.
type EvaluationOutcome struct {
	RuleScore  int
	ModelScore float64
	// HasModelScore is false when the judge stage was skipped or its
	// response carried no parseable score.
	HasModelScore bool
	Accepted      bool
}

// Message is one chat message sent to a model backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProgressSnapshot is the per-job round progress record. It is overwritten
// on every update (last writer wins); only the orchestrator of a job writes
// it, so no cross-writer ordering is needed.
type ProgressSnapshot struct {
	JobID             string  `json:"task_id"`
	Status            string  `json:"status"`
	CurrentRound      int     `json:"current_round"`
	TotalRounds       int     `json:"total_rounds"`
	TotalSamples      int     `json:"total_samples"`
	GeneratedCount    int     `json:"generated_count"`
	RoundStatus       string  `json:"round_status,omitempty"`
	RoundOutput       int     `json:"round_output,omitempty"`
	RoundErrors       int     `json:"round_errors,omitempty"`
	CompletionPercent float64 `json:"completion_percent"`
	Endpoints         int     `json:"services,omitempty"`
	StartedUnix       int64   `json:"start_time,omitempty"`
	DurationSeconds   float64 `json:"duration,omitempty"`
}

// MarshalBinary lets go-redis store snapshots directly.
func (p ProgressSnapshot) MarshalBinary() ([]byte, error) { return json.Marshal(p) }

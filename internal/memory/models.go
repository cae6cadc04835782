// File: internal/memory/models.go
package memory

import "time"

// Importance grades an observation. High and critical observations are
// promoted into long-term discoveries and survive ring eviction.
type Importance string

const (
	ImportanceLow      Importance = "low"
	ImportanceMedium   Importance = "medium"
	ImportanceHigh     Importance = "high"
	ImportanceCritical Importance = "critical"
)

// Promoted reports whether this grade crosses into long-term memory.
func (i Importance) Promoted() bool {
	return i == ImportanceHigh || i == ImportanceCritical
}

// ObservationType says what kind of thing was observed.
type ObservationType string

const (
	ObservationToolResult  ObservationType = "tool_result"
	ObservationError       ObservationType = "error"
	ObservationDiscovery   ObservationType = "discovery"
	ObservationStateChange ObservationType = "state_change"
)

// ActionRecord is a short-term trace of something the agent did.
type ActionRecord struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Summary   string    `json:"summary"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Observation is a short-term record of something the agent saw.
type Observation struct {
	ID         string          `json:"id"`
	Type       ObservationType `json:"type"`
	Content    string          `json:"content"`
	Source     string          `json:"source,omitempty"`
	Importance Importance      `json:"importance"`
	Timestamp  time.Time       `json:"timestamp"`
}

// IsError reports whether this observation records a failure.
func (o Observation) IsError() bool {
	return o.Type == ObservationError
}

// Discovery is a durable fact learned about the environment or the goal.
// Discoveries are deduplicated by normalized description.
type Discovery struct {
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// FailedApproach records a strategy that did not work and why, so neither
// the planner nor the decision loop tries it again.
type FailedApproach struct {
	Approach  string    `json:"approach"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// CodeNote is what the agent learned about one file in the workspace.
type CodeNote struct {
	File      string    `json:"file"`
	Note      string    `json:"note"`
	Timestamp time.Time `json:"timestamp"`
}

// snapshot is the serialized form persisted through the blob store.
type snapshot struct {
	RollingSummary   string              `json:"rolling_summary"`
	Discoveries      []Discovery         `json:"discoveries"`
	FailedApproaches []FailedApproach    `json:"failed_approaches"`
	Important        []Observation       `json:"important_observations"`
	CodeKnowledge    map[string]CodeNote `json:"code_knowledge,omitempty"`
	CompletedGoals   []string            `json:"completed_goals,omitempty"`
	Working          map[string]string   `json:"working"`
	SavedAt          time.Time           `json:"saved_at"`
}

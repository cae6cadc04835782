// File: internal/plan/models.go
package plan

import "time"

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Waiting for its dependencies or its turn.
	StatusInProgress TaskStatus = "in_progress" // Currently being executed by the loop.
	StatusCompleted  TaskStatus = "completed"   // Finished successfully.
	StatusFailed     TaskStatus = "failed"      // Finished unsuccessfully.
	StatusBlocked    TaskStatus = "blocked"     // Unsatisfiable (e.g. part of a dependency cycle).
	StatusSkipped    TaskStatus = "skipped"     // Deliberately passed over after retry exhaustion.
)

// Terminal reports whether the status is final for the purposes of plan
// completion. Blocked is terminal: a task inside a broken dependency graph
// will never run.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusBlocked:
		return true
	}
	return false
}

// TaskResult captures the output or error a task execution produced.
type TaskResult struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Task is a single unit of work in a plan. Dependencies reference other task
// IDs within the same plan and must form a DAG; cycles are detected at plan
// construction and the offending tasks are marked blocked.
type Task struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Status      TaskStatus  `json:"status"`
	DependsOn   []string    `json:"depends_on,omitempty"`
	RetryCount  int         `json:"retry_count"`
	MaxRetries  int         `json:"max_retries"`
	Result      *TaskResult `json:"result,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// RetriesExhausted reports whether the task may no longer be selected for
// execution. Such a task is eligible for skip, never for another retry.
func (t *Task) RetriesExhausted() bool {
	return t.RetryCount >= t.MaxRetries
}

// PlanStatus tracks the plan as a whole.
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanPaused    PlanStatus = "paused"
)

// Plan is the dependency-ordered task graph derived from a goal. Task order
// in the slice is creation order; "earliest created" selection relies on it.
// Plans are mutated exclusively through the Planner's pure transformations.
type Plan struct {
	ID            string     `json:"id"`
	Goal          string     `json:"goal"`
	Tasks         []Task     `json:"tasks"`
	CurrentTaskID string     `json:"current_task_id,omitempty"`
	Status        PlanStatus `json:"status"`
	Revision      int        `json:"revision"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TaskByID returns a pointer into the plan's task slice, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the plan so transformations never alias the
// caller's task slice.
func (p Plan) Clone() Plan {
	cp := p
	cp.Tasks = make([]Task, len(p.Tasks))
	copy(cp.Tasks, p.Tasks)
	for i := range cp.Tasks {
		if p.Tasks[i].Result != nil {
			r := *p.Tasks[i].Result
			cp.Tasks[i].Result = &r
		}
		cp.Tasks[i].DependsOn = append([]string(nil), p.Tasks[i].DependsOn...)
	}
	return cp
}

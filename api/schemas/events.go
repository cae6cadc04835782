package schemas

import "time"

// EventType categorizes the notifications the agent emits for external
// observers. Events are logging-only and never authoritative: dropping every
// event must not change the outcome of a run.
type EventType string

const (
	EventPlanCreated      EventType = "plan_created"
	EventTaskStarted      EventType = "task_started"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventToolExecuted     EventType = "tool_executed"
	EventErrorDetected    EventType = "error_detected"
	EventHealingStarted   EventType = "healing_started"
	EventHealingCompleted EventType = "healing_completed"
	EventIterationDone    EventType = "iteration_completed"
	EventAgentCompleted   EventType = "agent_completed"
	EventAgentFailed      EventType = "agent_failed"
)

// Event is the envelope delivered to subscribers of the agent's event bus.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

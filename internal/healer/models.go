// File: internal/healer/models.go
package healer

import "time"

// ErrorType buckets a failure so diagnosis and verification know what they
// are dealing with.
type ErrorType string

const (
	ErrorBuild   ErrorType = "build_error"
	ErrorTest    ErrorType = "test_failure"
	ErrorRuntime ErrorType = "runtime_error"
	ErrorLint    ErrorType = "lint_error"
	ErrorTyping  ErrorType = "type_error"
	ErrorUnknown ErrorType = "unknown"
)

// ErrorContext is everything the healer knows about a failure.
type ErrorContext struct {
	Type          ErrorType    `json:"type"`
	RawOutput     string       `json:"raw_output"`
	Command       string       `json:"command,omitempty"`
	File          string       `json:"file,omitempty"`
	Line          int          `json:"line,omitempty"`
	TaskID        string       `json:"task_id,omitempty"`
	PriorAttempts []FixAttempt `json:"prior_attempts,omitempty"`
}

// DiagnosisSource records which path produced the diagnosis.
type DiagnosisSource string

const (
	SourceLLM     DiagnosisSource = "llm"
	SourcePattern DiagnosisSource = "pattern"
)

// Diagnosis is the healer's assessment of a failure. SuggestedFixes is
// ranked, most promising first.
type Diagnosis struct {
	RootCause      string          `json:"root_cause"`
	AffectedFiles  []string        `json:"affected_files,omitempty"`
	SuggestedFixes []string        `json:"suggested_fixes,omitempty"`
	Confidence     float64         `json:"confidence"`
	Source         DiagnosisSource `json:"-"`
}

// PrimaryFix returns the top-ranked suggested fix, or "" when there is none.
func (d Diagnosis) PrimaryFix() string {
	if len(d.SuggestedFixes) == 0 {
		return ""
	}
	return d.SuggestedFixes[0]
}

// FixKind selects how a fix is applied.
type FixKind string

const (
	FixPatch   FixKind = "patch"   // exact substring replacement in a file
	FixCommand FixKind = "command" // shell command, subject to the deny list
)

// Fix is a single corrective action. A patch carries the file path, the
// exact text currently in the file, and its replacement; a command carries
// the shell line to run.
type Fix struct {
	Kind        FixKind `json:"kind"`
	Path        string  `json:"path,omitempty"`
	OldContent  string  `json:"old_content,omitempty"`
	NewContent  string  `json:"new_content,omitempty"`
	Command     string  `json:"command,omitempty"`
	Description string  `json:"description"`
}

// AttemptResult grades one fix attempt.
type AttemptResult string

const (
	AttemptSuccess AttemptResult = "success" // applied and verification passed
	AttemptPartial AttemptResult = "partial" // applied but verification still fails
	AttemptFailed  AttemptResult = "failed"  // fix could not be generated or applied
)

// FixAttempt records one pass through generate/apply/verify.
type FixAttempt struct {
	Description string        `json:"description"`
	Result      AttemptResult `json:"result"`
	Detail      string        `json:"detail,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// HealingState is where the healing loop ended up.
type HealingState string

const (
	StateResolved     HealingState = "resolved"
	StateUnresolvable HealingState = "unresolvable" // attempts exhausted
	StateNeedsHuman   HealingState = "needs_human"  // low confidence or no candidate fix
)

// Result summarizes a healing run. Fixed is true only when a fix was
// applied and subsequent verification passed; it is equivalent to
// FinalState == StateResolved.
type Result struct {
	Fixed      bool          `json:"fixed"`
	FinalState HealingState  `json:"final_state"`
	Attempts   int           `json:"attempts"`
	ErrorType  ErrorType     `json:"error_type"`
	AppliedFix string        `json:"applied_fix,omitempty"`
	FinalError string        `json:"final_error,omitempty"`
	Duration   time.Duration `json:"duration"`
	Diagnosis  *Diagnosis    `json:"diagnosis,omitempty"`
	FixTrail   []FixAttempt  `json:"fix_trail,omitempty"`
}

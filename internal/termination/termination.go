// File: internal/termination/termination.go
// Package termination decides when a run must stop and in what state it
// finished. Checks are evaluated in strict priority order; when several
// conditions hold at once, the highest-priority reason wins.
package termination

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anassagd432/aether-agent/internal/config"
	"github.com/anassagd432/aether-agent/internal/plan"
)

// Reason explains why a run ended.
type Reason string

const (
	ReasonNone          Reason = "" // keep iterating
	ReasonGoalAchieved  Reason = "goal_achieved"
	ReasonMaxIterations Reason = "max_iterations"
	ReasonMaxTime       Reason = "max_time"
	ReasonStuckLoop     Reason = "stuck_loop"
	ReasonUnrecoverable Reason = "unrecoverable_error"
	ReasonUserInterrupt Reason = "user_interrupt" // cooperative stop
)

// Snapshot is the loop state the evaluator inspects each iteration. The
// loop builds it; the evaluator never reaches into live state.
type Snapshot struct {
	Iteration     int
	StartedAt     time.Time
	Now           time.Time
	PlanCompleted bool
	Unrecoverable bool
	Blocked       bool

	// Fingerprints are the action fingerprints in chronological order,
	// newest last. The evaluator only looks at the configured window.
	Fingerprints []string

	// FailureStreak counts consecutive failed reflections.
	FailureStreak int
}

// Evaluator applies the termination policy.
type Evaluator struct {
	logger *zap.Logger

	maxIterations      int
	maxTime            time.Duration
	fingerprintRepeats int
	fingerprintWindow  int
	stuckMinIterations int
	stuckFailureStreak int
}

// NewEvaluator derives the policy from agent configuration.
func NewEvaluator(logger *zap.Logger, cfg config.AgentConfig) *Evaluator {
	return &Evaluator{
		logger:             logger.Named("termination"),
		maxIterations:      cfg.MaxIterations,
		maxTime:            cfg.MaxTime,
		fingerprintRepeats: cfg.StuckFingerprintRepeats,
		fingerprintWindow:  cfg.StuckFingerprintWindow,
		stuckMinIterations: cfg.StuckMinIterations,
		stuckFailureStreak: cfg.StuckFailureStreak,
	}
}

// Evaluate returns the termination reason for the snapshot, or ReasonNone
// when the loop should continue. Priority order is fixed: goal achievement
// beats every budget, budgets beat stuck detection, and an unrecoverable
// plan is checked last so that a simultaneously achieved goal still counts
// as success.
func (e *Evaluator) Evaluate(snap Snapshot) Reason {
	if snap.PlanCompleted {
		return ReasonGoalAchieved
	}
	if e.maxIterations > 0 && snap.Iteration >= e.maxIterations {
		return ReasonMaxIterations
	}
	if e.maxTime > 0 && snap.Now.Sub(snap.StartedAt) >= e.maxTime {
		return ReasonMaxTime
	}
	if e.isStuck(snap) {
		return ReasonStuckLoop
	}
	if snap.Unrecoverable || snap.Blocked {
		return ReasonUnrecoverable
	}
	return ReasonNone
}

// isStuck fires when the same action fingerprint recurs enough times within
// the recent window, or when the run is old enough and every recent
// reflection came back failed.
func (e *Evaluator) isStuck(snap Snapshot) bool {
	window := snap.Fingerprints
	if e.fingerprintWindow > 0 && len(window) > e.fingerprintWindow {
		window = window[len(window)-e.fingerprintWindow:]
	}
	if e.fingerprintRepeats > 0 {
		counts := make(map[string]int, len(window))
		for _, fp := range window {
			if fp == "" {
				continue
			}
			counts[fp]++
			if counts[fp] >= e.fingerprintRepeats {
				e.logger.Warn("Stuck loop detected by fingerprint repetition",
					zap.String("fingerprint", fp),
					zap.Int("repeats", counts[fp]))
				return true
			}
		}
	}
	if e.stuckMinIterations > 0 && snap.Iteration >= e.stuckMinIterations &&
		e.stuckFailureStreak > 0 && snap.FailureStreak >= e.stuckFailureStreak {
		e.logger.Warn("Stuck loop detected by failure streak",
			zap.Int("streak", snap.FailureStreak))
		return true
	}
	return false
}

// TaskSummary is one task's line in the final report.
type TaskSummary struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Status grades the outcome of a finished run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial" // some tasks completed before the run ended
	StatusFailed  Status = "failed"
)

// SideEffects are the externally visible traces of a run, aggregated by the
// loop from its execution log.
type SideEffects struct {
	FilesCreated     []string `json:"files_created,omitempty"`
	FilesModified    []string `json:"files_modified,omitempty"`
	CommandsExecuted []string `json:"commands_executed,omitempty"`
}

// FinalReport is the structured account of a finished run. It is built once
// at loop exit and never mutated afterwards.
type FinalReport struct {
	Goal             string        `json:"goal"`
	Status           Status        `json:"status"`
	Success          bool          `json:"success"`
	Reason           Reason        `json:"reason"`
	Summary          string        `json:"summary"`
	Iterations       int           `json:"iterations"`
	Elapsed          time.Duration `json:"elapsed"`
	CompletedTasks   []TaskSummary `json:"completed_tasks,omitempty"`
	FailedTasks      []TaskSummary `json:"failed_tasks,omitempty"`
	SkippedTasks     []TaskSummary `json:"skipped_tasks,omitempty"`
	FilesCreated     []string      `json:"files_created,omitempty"`
	FilesModified    []string      `json:"files_modified,omitempty"`
	CommandsExecuted []string      `json:"commands_executed,omitempty"`
	Discoveries      []string      `json:"discoveries,omitempty"`
	Recommendations  []string      `json:"recommendations,omitempty"`
	Errors           []string      `json:"errors,omitempty"`
}

// BuildReport assembles the final report from the finished plan and run
// statistics. Status is success only for a goal achieved on its own merits,
// partial when at least one task completed before the run ended, and failed
// otherwise.
func (e *Evaluator) BuildReport(p *plan.Plan, snap Snapshot, reason Reason, discoveries []string, effects SideEffects, finalError string) FinalReport {
	report := FinalReport{
		Reason:           reason,
		Iterations:       snap.Iteration,
		Elapsed:          snap.Now.Sub(snap.StartedAt),
		Discoveries:      discoveries,
		FilesCreated:     effects.FilesCreated,
		FilesModified:    effects.FilesModified,
		CommandsExecuted: effects.CommandsExecuted,
	}
	if finalError != "" {
		report.Errors = append(report.Errors, finalError)
	}
	if p != nil {
		report.Goal = p.Goal
		for i := range p.Tasks {
			task := &p.Tasks[i]
			summary := TaskSummary{Name: task.Name, Status: string(task.Status)}
			if task.Result != nil {
				summary.Detail = firstNonEmpty(task.Result.Error, task.Result.Output)
			}
			switch task.Status {
			case plan.StatusCompleted:
				report.CompletedTasks = append(report.CompletedTasks, summary)
			case plan.StatusFailed:
				report.FailedTasks = append(report.FailedTasks, summary)
				if summary.Detail != "" {
					report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", task.Name, summary.Detail))
				}
			case plan.StatusSkipped, plan.StatusBlocked:
				report.SkippedTasks = append(report.SkippedTasks, summary)
			}
		}
	}

	switch {
	case reason == ReasonGoalAchieved:
		report.Status = StatusSuccess
	case len(report.CompletedTasks) > 0:
		report.Status = StatusPartial
	default:
		report.Status = StatusFailed
	}
	report.Success = report.Status == StatusSuccess
	report.Summary = e.summarize(report)
	report.Recommendations = e.recommendations(report)
	return report
}

// summarize renders the one-paragraph human account of the run.
func (e *Evaluator) summarize(report FinalReport) string {
	total := len(report.CompletedTasks) + len(report.FailedTasks) + len(report.SkippedTasks)
	s := fmt.Sprintf("Goal %q ended %s (%s) after %d iterations in %s: %d of %d tasks completed",
		report.Goal, report.Status, report.Reason, report.Iterations,
		report.Elapsed.Round(time.Second), len(report.CompletedTasks), total)
	if len(report.FailedTasks) > 0 {
		s += fmt.Sprintf(", %d failed", len(report.FailedTasks))
	}
	if len(report.SkippedTasks) > 0 {
		s += fmt.Sprintf(", %d skipped", len(report.SkippedTasks))
	}
	return s + "."
}

// recommendations are reason-specific follow-up hints for the operator.
func (e *Evaluator) recommendations(report FinalReport) []string {
	switch report.Reason {
	case ReasonGoalAchieved:
		return nil
	case ReasonMaxIterations:
		return []string{fmt.Sprintf(
			"The iteration budget (%d) ran out before the goal completed. Raise max_iterations or split the goal into smaller ones.",
			e.maxIterations)}
	case ReasonMaxTime:
		return []string{fmt.Sprintf(
			"The time budget (%s) ran out before the goal completed. Raise max_time or split the goal into smaller ones.",
			e.maxTime)}
	case ReasonStuckLoop:
		return []string{
			"The agent kept repeating the same action without progress.",
			"Rephrase the goal with more concrete success criteria, or supply context the agent was missing.",
		}
	case ReasonUnrecoverable:
		recs := []string{"A task failed permanently and every remaining task depends on it."}
		for _, t := range report.FailedTasks {
			recs = append(recs, fmt.Sprintf("Failed task %q: %s", t.Name, t.Detail))
		}
		return recs
	case ReasonUserInterrupt:
		return []string{"The run was stopped by the operator before completion."}
	default:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

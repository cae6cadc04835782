// File: internal/termination/termination_test.go
package termination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anassagd432/aether-agent/internal/config"
	"github.com/anassagd432/aether-agent/internal/plan"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	cfg := config.NewDefaultConfig().Agent
	cfg.MaxIterations = 100
	cfg.MaxTime = 30 * time.Minute
	return NewEvaluator(zaptest.NewLogger(t), cfg)
}

func baseSnapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		Iteration: 5,
		StartedAt: now.Add(-time.Minute),
		Now:       now,
	}
}

func TestEvaluate_ContinuesByDefault(t *testing.T) {
	e := newTestEvaluator(t)
	assert.Equal(t, ReasonNone, e.Evaluate(baseSnapshot()))
}

func TestEvaluate_PriorityOrder(t *testing.T) {
	e := newTestEvaluator(t)

	// Everything fires at once; goal achievement wins.
	snap := baseSnapshot()
	snap.PlanCompleted = true
	snap.Iteration = 500
	snap.StartedAt = snap.Now.Add(-2 * time.Hour)
	snap.Fingerprints = []string{"x", "x", "x"}
	snap.Unrecoverable = true
	assert.Equal(t, ReasonGoalAchieved, e.Evaluate(snap))

	// Without the goal, the iteration budget is next.
	snap.PlanCompleted = false
	assert.Equal(t, ReasonMaxIterations, e.Evaluate(snap))

	// Then the time budget.
	snap.Iteration = 5
	assert.Equal(t, ReasonMaxTime, e.Evaluate(snap))

	// Then stuck detection.
	snap.StartedAt = snap.Now.Add(-time.Minute)
	assert.Equal(t, ReasonStuckLoop, e.Evaluate(snap))

	// Unrecoverable comes last.
	snap.Fingerprints = nil
	assert.Equal(t, ReasonUnrecoverable, e.Evaluate(snap))
}

func TestEvaluate_StuckFingerprintWindow(t *testing.T) {
	e := newTestEvaluator(t)
	snap := baseSnapshot()

	// Three repeats inside the 20-entry window trip the detector.
	snap.Fingerprints = []string{"a", "b", "a", "c", "a"}
	assert.Equal(t, ReasonStuckLoop, e.Evaluate(snap))

	// Two repeats do not.
	snap.Fingerprints = []string{"a", "b", "a", "c"}
	assert.Equal(t, ReasonNone, e.Evaluate(snap))

	// Repeats pushed outside the window no longer count.
	old := make([]string, 0, 25)
	old = append(old, "a", "a", "a")
	for i := 0; i < 22; i++ {
		old = append(old, "unique")
	}
	// "unique" itself now repeats, so vary it.
	for i := range old[3:] {
		old[3+i] = string(rune('b' + i))
	}
	snap.Fingerprints = old
	assert.Equal(t, ReasonNone, e.Evaluate(snap))
}

func TestEvaluate_StuckFailureStreak(t *testing.T) {
	e := newTestEvaluator(t)
	snap := baseSnapshot()
	snap.FailureStreak = 5

	// Streak alone is not enough before the minimum iteration count.
	snap.Iteration = 5
	assert.Equal(t, ReasonNone, e.Evaluate(snap))

	snap.Iteration = 10
	assert.Equal(t, ReasonStuckLoop, e.Evaluate(snap))
}

func TestEvaluate_Unbounded(t *testing.T) {
	cfg := config.NewDefaultConfig().Agent
	cfg.MaxIterations = 0
	cfg.MaxTime = 0
	e := NewEvaluator(zaptest.NewLogger(t), cfg)

	snap := baseSnapshot()
	snap.Iteration = 100000
	snap.StartedAt = snap.Now.Add(-100 * time.Hour)
	assert.Equal(t, ReasonNone, e.Evaluate(snap))
}

func TestBuildReport_SortsTasksByOutcome(t *testing.T) {
	e := newTestEvaluator(t)
	p := &plan.Plan{
		Goal: "ship the feature",
		Tasks: []plan.Task{
			{Name: "build", Status: plan.StatusCompleted, Result: &plan.TaskResult{Output: "ok"}},
			{Name: "deploy", Status: plan.StatusFailed, Result: &plan.TaskResult{Error: "no credentials"}},
			{Name: "announce", Status: plan.StatusSkipped},
		},
	}
	snap := baseSnapshot()
	snap.Iteration = 12

	effects := SideEffects{
		FilesCreated:     []string{"dist/app.js"},
		CommandsExecuted: []string{"npm run build"},
	}
	report := e.BuildReport(p, snap, ReasonUnrecoverable, []string{"found CI config"}, effects, "deploy failed")

	assert.False(t, report.Success)
	assert.Equal(t, StatusPartial, report.Status, "a completed task makes the outcome partial, not failed")
	assert.Equal(t, "ship the feature", report.Goal)
	assert.Equal(t, 12, report.Iterations)
	require.Len(t, report.CompletedTasks, 1)
	require.Len(t, report.FailedTasks, 1)
	require.Len(t, report.SkippedTasks, 1)
	assert.Equal(t, "no credentials", report.FailedTasks[0].Detail)
	assert.Equal(t, []string{"found CI config"}, report.Discoveries)
	assert.Equal(t, []string{"dist/app.js"}, report.FilesCreated)
	assert.Equal(t, []string{"npm run build"}, report.CommandsExecuted)
	assert.Contains(t, report.Errors, "deploy failed")
	assert.Contains(t, report.Summary, "partial")
	assert.NotEmpty(t, report.Recommendations)
	assert.Contains(t, report.Recommendations[1], "deploy")
}

func TestBuildReport_NoCompletedTasksIsFailed(t *testing.T) {
	e := newTestEvaluator(t)
	p := &plan.Plan{
		Goal:  "ship the feature",
		Tasks: []plan.Task{{Name: "deploy", Status: plan.StatusFailed, Result: &plan.TaskResult{Error: "no credentials"}}},
	}

	report := e.BuildReport(p, baseSnapshot(), ReasonUnrecoverable, nil, SideEffects{}, "deploy failed")
	assert.Equal(t, StatusFailed, report.Status)
	assert.False(t, report.Success)
}

func TestBuildReport_GoalAchievedHasNoRecommendations(t *testing.T) {
	e := newTestEvaluator(t)
	p := &plan.Plan{Goal: "done", Tasks: []plan.Task{{Name: "only", Status: plan.StatusCompleted}}}

	report := e.BuildReport(p, baseSnapshot(), ReasonGoalAchieved, nil, SideEffects{}, "")
	assert.True(t, report.Success)
	assert.Equal(t, StatusSuccess, report.Status)
	assert.Empty(t, report.Recommendations)
}

// File: internal/plan/planner.go
// Package plan turns a natural-language goal into a dependency-ordered task
// graph and owns every transformation applied to it afterwards. All plan
// transformations are pure: callers pass a Plan in and get a new Plan out.
package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anassagd432/aether-agent/api/schemas"
	"github.com/anassagd432/aether-agent/internal/llmutil"
)

// MemoryAdvisor supplies the planner with lessons from previous runs. It is
// satisfied by the memory store; a nil advisor simply means no history.
type MemoryAdvisor interface {
	// FailedApproachSummaries returns short descriptions of approaches that
	// failed before and should not be planned again.
	FailedApproachSummaries() []string
}

// Planner generates and maintains task plans. The zero value is not usable;
// construct with NewPlanner.
type Planner struct {
	logger       *zap.Logger
	llm          schemas.LLMClient
	advisor      MemoryAdvisor
	maxRevisions int
	maxRetries   int
}

// NewPlanner wires the planner to its collaborators. llm may be nil, in
// which case every goal degrades to a single catch-all task. advisor may be
// nil.
func NewPlanner(logger *zap.Logger, llm schemas.LLMClient, advisor MemoryAdvisor, maxRetries, maxRevisions int) *Planner {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if maxRevisions <= 0 {
		maxRevisions = 5
	}
	return &Planner{
		logger:       logger.Named("planner"),
		llm:          llm,
		advisor:      advisor,
		maxRetries:   maxRetries,
		maxRevisions: maxRevisions,
	}
}

// llmTaskSpec is the shape the decomposition prompt asks the model for.
// Dependencies are zero-based indices into the same tasks array.
type llmTaskSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	DependsOn   []int  `json:"depends_on"`
}

type llmPlanResponse struct {
	Tasks []llmTaskSpec `json:"tasks"`
}

const decompositionSystemPrompt = `You are a planning assistant for an autonomous software agent.
Decompose the user's goal into between 3 and 10 concrete, independently verifiable tasks.
Respond with a single JSON object of the form:
{"tasks": [{"name": "...", "description": "...", "depends_on": [0, 1]}]}
depends_on lists zero-based indices of tasks in this array that must complete first.
Order tasks so that dependencies appear before their dependents. Do not include commentary.`

// GeneratePlan decomposes a goal into a plan. Parse failures and missing
// LLM clients degrade to a single catch-all task covering the whole goal
// rather than returning an error; planning never hard-fails.
func (p *Planner) GeneratePlan(ctx context.Context, goal string) (Plan, error) {
	if strings.TrimSpace(goal) == "" {
		return Plan{}, fmt.Errorf("goal must not be empty")
	}

	if p.llm == nil {
		p.logger.Warn("No LLM client configured, using single-task fallback plan")
		return p.fallbackPlan(goal), nil
	}

	userPrompt := fmt.Sprintf("Goal: %s", goal)
	if avoid := p.avoidList(); avoid != "" {
		userPrompt += "\n\nApproaches that failed in previous attempts, do not plan them again:\n" + avoid
	}

	response, err := p.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: decompositionSystemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	})
	if err != nil {
		p.logger.Warn("Decomposition call failed, using single-task fallback plan", zap.Error(err))
		return p.fallbackPlan(goal), nil
	}

	parsed, err := llmutil.ParseJSONResponse[llmPlanResponse](response)
	if err != nil || len(parsed.Tasks) == 0 {
		p.logger.Warn("Decomposition response unparseable, using single-task fallback plan", zap.Error(err))
		return p.fallbackPlan(goal), nil
	}

	plan := p.buildPlan(goal, parsed.Tasks)
	p.logger.Info("Generated plan",
		zap.String("plan_id", plan.ID),
		zap.Int("tasks", len(plan.Tasks)),
		zap.Int("blocked", countStatus(&plan, StatusBlocked)))
	return plan, nil
}

// buildPlan materializes LLM task specs into a Plan, dropping invalid
// dependency indices and marking cyclic tasks blocked.
func (p *Planner) buildPlan(goal string, specs []llmTaskSpec) Plan {
	if len(specs) > 10 {
		specs = specs[:10]
	}

	now := time.Now()
	plan := Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    PlanActive,
		CreatedAt: now,
		Tasks:     make([]Task, 0, len(specs)),
	}

	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = uuid.NewString()
	}

	for i, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			name = fmt.Sprintf("task-%d", i+1)
		}
		task := Task{
			ID:          ids[i],
			Name:        name,
			Description: strings.TrimSpace(spec.Description),
			Status:      StatusPending,
			MaxRetries:  p.maxRetries,
			CreatedAt:   now.Add(time.Duration(i) * time.Microsecond),
		}
		for _, dep := range spec.DependsOn {
			// Indices outside the array or self-references are silently
			// dropped; a bad edge must not poison the whole plan.
			if dep < 0 || dep >= len(specs) || dep == i {
				p.logger.Debug("Dropping invalid dependency index",
					zap.String("task", name), zap.Int("index", dep))
				continue
			}
			task.DependsOn = append(task.DependsOn, ids[dep])
		}
		plan.Tasks = append(plan.Tasks, task)
	}

	p.markCycles(&plan)
	return plan
}

// fallbackPlan is the smallest safe plan: one task carrying the entire goal.
func (p *Planner) fallbackPlan(goal string) Plan {
	now := time.Now()
	return Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    PlanActive,
		CreatedAt: now,
		Tasks: []Task{{
			ID:          uuid.NewString(),
			Name:        "Achieve goal",
			Description: goal,
			Status:      StatusPending,
			MaxRetries:  p.maxRetries,
			CreatedAt:   now,
		}},
	}
}

func (p *Planner) avoidList() string {
	if p.advisor == nil {
		return ""
	}
	summaries := p.advisor.FailedApproachSummaries()
	if len(summaries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range summaries {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

// markCycles runs an iterative DFS over the dependency graph and marks every
// task participating in a cycle as blocked. Blocked tasks are unsatisfiable
// but the rest of the plan stays executable, so the loop terminates instead
// of deadlocking.
func (p *Planner) markCycles(plan *Plan) {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(plan.Tasks))
	inCycle := make(map[string]bool)

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		task := plan.TaskByID(id)
		if task != nil {
			for _, dep := range task.DependsOn {
				if plan.TaskByID(dep) == nil {
					continue
				}
				switch color[dep] {
				case white:
					visit(dep)
					if inCycle[dep] {
						inCycle[id] = true
					}
				case gray:
					inCycle[id] = true
					inCycle[dep] = true
				case black:
					if inCycle[dep] {
						inCycle[id] = true
					}
				}
			}
		}
		color[id] = black
	}

	for i := range plan.Tasks {
		if color[plan.Tasks[i].ID] == white {
			visit(plan.Tasks[i].ID)
		}
	}

	for i := range plan.Tasks {
		if inCycle[plan.Tasks[i].ID] {
			plan.Tasks[i].Status = StatusBlocked
			p.logger.Warn("Task participates in a dependency cycle, marking blocked",
				zap.String("task", plan.Tasks[i].Name))
		}
	}
}

// NextExecutableTask returns the earliest-created pending task whose
// dependencies are all completed and whose retries are not exhausted, or nil
// when no task is currently executable.
func (p *Planner) NextExecutableTask(plan *Plan) *Task {
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		if task.Status != StatusPending || task.RetriesExhausted() {
			continue
		}
		if p.dependenciesSatisfied(plan, task) {
			return task
		}
	}
	return nil
}

// NextSkippableTask returns the earliest task that failed for good and is
// eligible for an explicit skip, or nil. Skipping converts the failure to
// skipped so the rest of the plan can still finish; when every remaining
// task depends on the failure, the termination evaluator fires before any
// skip happens.
func (p *Planner) NextSkippableTask(plan *Plan) *Task {
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		if task.Status == StatusFailed && task.RetriesExhausted() {
			return task
		}
	}
	return nil
}

func (p *Planner) dependenciesSatisfied(plan *Plan, task *Task) bool {
	for _, dep := range task.DependsOn {
		depTask := plan.TaskByID(dep)
		if depTask == nil {
			// Dangling references were dropped at build time; treat any
			// survivor as satisfied rather than wedging the plan.
			continue
		}
		if depTask.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// UpdateTaskStatus returns a new plan with the task's status transition
// applied and the plan-level bookkeeping (current task, timestamps, retry
// count, overall status) recomputed. The input plan is never mutated.
func (p *Planner) UpdateTaskStatus(plan Plan, taskID string, status TaskStatus, result *TaskResult) Plan {
	next := plan.Clone()
	task := next.TaskByID(taskID)
	if task == nil {
		p.logger.Warn("Status update for unknown task ignored", zap.String("task_id", taskID))
		return next
	}

	now := time.Now()
	switch status {
	case StatusInProgress:
		task.Status = StatusInProgress
		task.StartedAt = &now
		next.CurrentTaskID = task.ID
	case StatusCompleted:
		task.Status = StatusCompleted
		task.CompletedAt = &now
		task.Result = result
	case StatusFailed:
		task.RetryCount++
		task.Result = result
		if task.RetriesExhausted() {
			task.Status = StatusFailed
			task.CompletedAt = &now
		} else {
			// Retries remain: the task goes back in the queue.
			task.Status = StatusPending
			task.StartedAt = nil
		}
	case StatusSkipped:
		task.Status = StatusSkipped
		task.CompletedAt = &now
		task.Result = result
	default:
		task.Status = status
	}

	if next.CurrentTaskID == task.ID && task.Status != StatusInProgress {
		next.CurrentTaskID = ""
	}

	next.Status = p.overallStatus(&next)
	return next
}

// overallStatus derives the plan status from its tasks: completed when every
// task reached completed or skipped, failed when a task failed for good and
// nothing further is executable, otherwise active.
func (p *Planner) overallStatus(plan *Plan) PlanStatus {
	allDone := true
	anyFailed := false
	for i := range plan.Tasks {
		switch plan.Tasks[i].Status {
		case StatusCompleted, StatusSkipped:
		case StatusFailed:
			anyFailed = true
			allDone = false
		case StatusBlocked:
			allDone = false
		default:
			allDone = false
		}
	}
	if allDone {
		return PlanCompleted
	}
	if anyFailed && p.NextExecutableTask(plan) == nil && !anyInProgress(plan) {
		return PlanFailed
	}
	return PlanActive
}

// IsBlocked reports a genuine dependency deadlock: pending tasks exist, none
// is executable, nothing is running, and the stall is not explained by a
// failed dependency. Failure-induced stalls are unrecoverable errors, not
// blocks, and are reported separately by HasUnrecoverableError.
func (p *Planner) IsBlocked(plan *Plan) bool {
	hasPending := false
	for i := range plan.Tasks {
		if plan.Tasks[i].Status == StatusPending {
			hasPending = true
			break
		}
	}
	if !hasPending || anyInProgress(plan) || p.NextExecutableTask(plan) != nil {
		return false
	}
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		if task.Status != StatusPending {
			continue
		}
		if !p.dependsOnFailure(plan, task.ID, map[string]bool{}) {
			return true
		}
	}
	return false
}

// HasUnrecoverableError reports that a task failed for good and every
// remaining pending task transitively depends on a failed task, so no
// further progress is possible.
func (p *Planner) HasUnrecoverableError(plan *Plan) bool {
	anyFailed := false
	for i := range plan.Tasks {
		if plan.Tasks[i].Status == StatusFailed {
			anyFailed = true
			break
		}
	}
	if !anyFailed || anyInProgress(plan) || p.NextExecutableTask(plan) != nil {
		return false
	}
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		if task.Status != StatusPending {
			continue
		}
		if !p.dependsOnFailure(plan, task.ID, map[string]bool{}) {
			// A pending task stalled for some other reason; that is a
			// block, not an unrecoverable failure.
			return false
		}
	}
	return true
}

// dependsOnFailure reports whether the task transitively depends on a task
// that failed, was skipped, or is blocked, meaning it can never run.
func (p *Planner) dependsOnFailure(plan *Plan, taskID string, seen map[string]bool) bool {
	if seen[taskID] {
		return false
	}
	seen[taskID] = true
	task := plan.TaskByID(taskID)
	if task == nil {
		return false
	}
	for _, dep := range task.DependsOn {
		depTask := plan.TaskByID(dep)
		if depTask == nil {
			continue
		}
		switch depTask.Status {
		case StatusFailed, StatusSkipped, StatusBlocked:
			return true
		}
		if p.dependsOnFailure(plan, dep, seen) {
			return true
		}
	}
	return false
}

const refinementSystemPrompt = `You are revising the remaining plan of an autonomous software agent.
Given the goal, the tasks that already completed, the remaining tasks, and new information,
produce a replacement set of remaining tasks. Respond with a single JSON object:
{"tasks": [{"name": "...", "description": "...", "depends_on": [0]}]}
depends_on indices refer to this new array only. Keep task names stable where the work is unchanged.`

// RefinePlan revises the not-yet-terminal portion of the plan in light of
// new information. Completed and failed tasks are preserved verbatim, and
// remaining tasks whose names match the revision keep their IDs and retry
// counts. Once the revision cap is reached the plan is returned unchanged.
// An unparseable response also keeps the plan but spends a revision, so a
// refiner that never parses cannot grant unlimited pivots.
func (p *Planner) RefinePlan(ctx context.Context, plan Plan, newInfo string) (Plan, error) {
	if plan.Revision >= p.maxRevisions {
		p.logger.Warn("Plan revision cap reached, keeping current plan",
			zap.Int("revision", plan.Revision))
		return plan, nil
	}
	if p.llm == nil {
		return plan, nil
	}

	var done, remaining []Task
	for _, t := range plan.Tasks {
		if t.Status.Terminal() || t.Status == StatusInProgress {
			done = append(done, t)
		} else {
			remaining = append(remaining, t)
		}
	}

	userPrompt := fmt.Sprintf("Goal: %s\n\nCompleted or settled tasks:\n%s\nRemaining tasks:\n%s\nNew information:\n%s",
		plan.Goal, describeTasks(done), describeTasks(remaining), newInfo)

	response, err := p.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: refinementSystemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	})
	if err != nil {
		p.logger.Warn("Refinement call failed, keeping current plan", zap.Error(err))
		return plan, nil
	}

	parsed, err := llmutil.ParseJSONResponse[llmPlanResponse](response)
	if err != nil || len(parsed.Tasks) == 0 {
		p.logger.Warn("Refinement response unparseable, keeping current plan", zap.Error(err))
		// The failed refinement still spends a revision: a refiner that
		// never parses must not grant unlimited pivots.
		plan.Revision++
		return plan, nil
	}

	revised := p.buildPlan(plan.Goal, parsed.Tasks)

	// Carry identity and retry history over by name so the loop's references
	// and retry budgets survive the revision.
	byName := make(map[string]*Task, len(remaining))
	for i := range remaining {
		byName[strings.ToLower(remaining[i].Name)] = &remaining[i]
	}
	oldToNew := make(map[string]string)
	for i := range revised.Tasks {
		if prev, ok := byName[strings.ToLower(revised.Tasks[i].Name)]; ok {
			oldToNew[revised.Tasks[i].ID] = prev.ID
			revised.Tasks[i].RetryCount = prev.RetryCount
			revised.Tasks[i].CreatedAt = prev.CreatedAt
			revised.Tasks[i].ID = prev.ID
		}
	}
	for i := range revised.Tasks {
		for j, dep := range revised.Tasks[i].DependsOn {
			if mapped, ok := oldToNew[dep]; ok {
				revised.Tasks[i].DependsOn[j] = mapped
			}
		}
	}

	next := plan.Clone()
	next.Tasks = append(done, revised.Tasks...)
	next.Revision++
	next.Status = p.overallStatus(&next)
	p.logger.Info("Refined plan",
		zap.String("plan_id", next.ID),
		zap.Int("revision", next.Revision),
		zap.Int("remaining_tasks", len(revised.Tasks)))
	return next, nil
}

func describeTasks(tasks []Task) string {
	if len(tasks) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", t.Status, t.Name, t.Description)
	}
	return b.String()
}

func anyInProgress(plan *Plan) bool {
	for i := range plan.Tasks {
		if plan.Tasks[i].Status == StatusInProgress {
			return true
		}
	}
	return false
}

func countStatus(plan *Plan, status TaskStatus) int {
	n := 0
	for i := range plan.Tasks {
		if plan.Tasks[i].Status == status {
			n++
		}
	}
	return n
}

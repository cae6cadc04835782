// File: internal/agentloop/loop.go
// Package agentloop runs the think, decide, act, observe, reflect cycle
// that drives a goal to completion. The loop owns no policy of its own: the
// planner decides what is runnable, the healer decides how to recover, and
// the termination evaluator decides when to stop.
package agentloop

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/anassagd432/aether-agent/api/schemas"
	"github.com/anassagd432/aether-agent/internal/config"
	"github.com/anassagd432/aether-agent/internal/events"
	"github.com/anassagd432/aether-agent/internal/healer"
	"github.com/anassagd432/aether-agent/internal/llmutil"
	"github.com/anassagd432/aether-agent/internal/memory"
	"github.com/anassagd432/aether-agent/internal/plan"
	"github.com/anassagd432/aether-agent/internal/termination"
	"github.com/anassagd432/aether-agent/internal/toolexec"
)

// DecisionKind is the action category the decide phase settles on.
type DecisionKind string

const (
	DecideExecute DecisionKind = "execute" // run the proposed tool invocation
	DecideHeal    DecisionKind = "heal"    // hand the last failure to the healer
	DecideSkip    DecisionKind = "skip"    // give up on a retry-exhausted task
	DecidePivot   DecisionKind = "pivot"   // ask the planner to revise the plan
)

// Decision is the outcome of one decide phase.
type Decision struct {
	Kind      DecisionKind
	TaskID    string
	Request   schemas.ToolRequest
	Rationale string
}

// RunResult is what a finished run hands back to the caller.
type RunResult struct {
	Success      bool
	Report       termination.FinalReport
	FilesCreated []string
}

// Reflection is the reflect phase's record of one iteration: what happened,
// the lesson drawn, and whether a plan revision looks warranted.
type Reflection struct {
	Iteration       int
	TaskID          string
	Lesson          string
	Failure         bool
	SuggestRevision bool
	Timestamp       time.Time
}

// Loop is the decision loop. All collaborators are injected; the loop never
// constructs its own dependencies, which keeps every boundary mockable.
type Loop struct {
	logger    *zap.Logger
	cfg       config.AgentConfig
	planner   *plan.Planner
	memory    *memory.Store
	healer    *healer.Healer
	exec      toolexec.Executor
	llm       schemas.LLMClient
	evaluator *termination.Evaluator
	bus       *events.Bus

	stopRequested atomic.Bool
}

// NewLoop wires the loop. llm and bus may be nil; the loop then falls back
// to heuristic action selection and publishes nothing.
func NewLoop(
	logger *zap.Logger,
	cfg config.AgentConfig,
	planner *plan.Planner,
	mem *memory.Store,
	heal *healer.Healer,
	exec toolexec.Executor,
	llm schemas.LLMClient,
	evaluator *termination.Evaluator,
	bus *events.Bus,
) *Loop {
	return &Loop{
		logger:    logger.Named("loop"),
		cfg:       cfg,
		planner:   planner,
		memory:    mem,
		healer:    heal,
		exec:      exec,
		llm:       llm,
		evaluator: evaluator,
		bus:       bus,
	}
}

// Stop requests a cooperative stop. The current iteration finishes, then
// the loop exits with a report; nothing is killed mid-flight.
func (l *Loop) Stop() {
	l.stopRequested.Store(true)
}

// runState is the mutable state of a single run.
type runState struct {
	plan          plan.Plan
	iteration     int
	startedAt     time.Time
	fingerprints  []string
	reflections   []Reflection
	failureStreak int
	filesCreated  []string
	filesModified []string
	commands      []string
	lastFailure   *healer.ErrorContext
	justHealed    bool
	finalError    string
}

// reflect appends a reflection. Revision is suggested after two consecutive
// failures, provided the loop can still pivot.
func (s *runState) reflect(taskID, lesson string, failure bool) {
	s.reflections = append(s.reflections, Reflection{
		Iteration:       s.iteration,
		TaskID:          taskID,
		Lesson:          lesson,
		Failure:         failure,
		SuggestRevision: failure && s.failureStreak >= 2,
		Timestamp:       time.Now(),
	})
}

func (s *runState) lastReflection() *Reflection {
	if len(s.reflections) == 0 {
		return nil
	}
	return &s.reflections[len(s.reflections)-1]
}

// Run drives the goal until a termination condition fires. It always
// returns a structured result; a panic anywhere in the cycle is converted
// into an unrecoverable-error report rather than crashing the caller.
func (l *Loop) Run(ctx context.Context, goal string) (result *RunResult, err error) {
	state := &runState{startedAt: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Decision loop panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			state.finalError = fmt.Sprintf("internal panic: %v", r)
			report := l.buildReport(state, termination.ReasonUnrecoverable)
			result = &RunResult{Success: false, Report: report, FilesCreated: state.filesCreated}
			err = nil
		}
	}()

	if l.cfg.PersistMemory {
		l.memory.Restore(ctx)
	}

	p, planErr := l.planner.GeneratePlan(ctx, goal)
	if planErr != nil {
		return nil, fmt.Errorf("generate plan: %w", planErr)
	}
	state.plan = p
	l.publish(ctx, schemas.EventPlanCreated, map[string]any{
		"plan_id": p.ID,
		"goal":    goal,
		"tasks":   len(p.Tasks),
	})

	reason := termination.ReasonNone
	for {
		if l.stopRequested.Load() || ctx.Err() != nil {
			reason = termination.ReasonUserInterrupt
			break
		}
		if reason = l.evaluator.Evaluate(l.snapshot(state)); reason != termination.ReasonNone {
			break
		}

		state.iteration++
		l.iterate(ctx, state)

		l.publish(ctx, schemas.EventIterationDone, map[string]any{
			"iteration":      state.iteration,
			"plan_status":    string(state.plan.Status),
			"failure_streak": state.failureStreak,
		})
		if l.cfg.PersistMemory {
			l.memory.Persist(ctx)
		}
	}

	report := l.buildReport(state, reason)
	if report.Success {
		l.memory.RecordCompletedGoal(goal)
	}
	eventType := schemas.EventAgentCompleted
	if !report.Success {
		eventType = schemas.EventAgentFailed
	}
	l.publish(ctx, eventType, map[string]any{
		"reason":     string(reason),
		"iterations": state.iteration,
	})

	return &RunResult{Success: report.Success, Report: report, FilesCreated: state.filesCreated}, nil
}

// iterate runs one full think/decide/act/observe/reflect cycle.
func (l *Loop) iterate(ctx context.Context, state *runState) {
	log := l.logger.With(zap.Int("iteration", state.iteration))

	// Think: find the next task and propose an action for it. A task that
	// exhausted its retries surfaces first so decide can resolve it with an
	// explicit skip before anything else runs.
	var proposal schemas.ToolRequest
	task := l.planner.NextSkippableTask(&state.plan)
	if task == nil {
		task = l.planner.NextExecutableTask(&state.plan)
		if task == nil {
			// Nothing runnable. A revisable deadlock gets a pivot; anything
			// else is left for the termination evaluator to judge next time
			// around.
			if l.planner.IsBlocked(&state.plan) && l.canPivot(state) {
				l.pivot(ctx, state, "the dependency graph deadlocked; no task is executable")
			}
			return
		}
		proposal = l.proposeAction(ctx, state, task)
	}

	// Decide.
	decision := l.decide(state, task, proposal)
	log.Debug("Decision made",
		zap.String("kind", string(decision.Kind)),
		zap.String("task", task.Name),
		zap.String("rationale", decision.Rationale))

	// Act, observe, reflect.
	switch decision.Kind {
	case DecideSkip:
		state.plan = l.planner.UpdateTaskStatus(state.plan, task.ID, plan.StatusSkipped,
			&plan.TaskResult{Error: "retries exhausted"})
		l.memory.RecordObservation(memory.Observation{
			Type:    memory.ObservationStateChange,
			Content: fmt.Sprintf("skipped task %q after exhausting retries", task.Name),
			Source:  "loop",
		})
	case DecidePivot:
		l.pivot(ctx, state, decision.Rationale)
	case DecideHeal:
		l.heal(ctx, state, task)
	case DecideExecute:
		l.execute(ctx, state, task, decision.Request)
	}
}

// proposeAction asks the LLM for the next tool invocation. Call failure,
// parse failure, or a nonsensical proposal all fall back to the keyword
// heuristic, so the loop makes progress with no model at all.
func (l *Loop) proposeAction(ctx context.Context, state *runState, task *plan.Task) schemas.ToolRequest {
	if l.llm == nil {
		return heuristicRequest(task)
	}

	callCtx := ctx
	if l.cfg.LLMCallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.cfg.LLMCallTimeout)
		defer cancel()
	}

	userPrompt := fmt.Sprintf("Current task: %s\nTask detail: %s\n\nMemory digest:\n%s",
		task.Name, task.Description, l.memory.SummarizeForLLM())
	if relevant := l.memory.GetRelevantMemories(task.Name+" "+task.Description, 5); len(relevant) > 0 {
		userPrompt += "\nRelevant memories:\n- " + strings.Join(relevant, "\n- ")
	}

	response, err := l.llm.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: actionSystemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	})
	if err != nil {
		l.logger.Warn("Action proposal call failed, using heuristic", zap.Error(err))
		return heuristicRequest(task)
	}
	proposed, err := llmutil.ParseJSONResponse[schemas.ToolRequest](response)
	if err != nil || !validRequest(*proposed) {
		l.logger.Warn("Action proposal unusable, using heuristic", zap.Error(err))
		return heuristicRequest(task)
	}
	return *proposed
}

const actionSystemPrompt = `You choose the next tool invocation for an autonomous software agent.
Available kinds: shell_command, file_read, file_write, file_delete, dependency_install,
build, test, dev_server_start, lint, file_search, code_search, llm_completion.
Respond with a single JSON object:
{"kind": "...", "command": "...", "path": "...", "content": "..."}
command is required for shell_command, path for file kinds, content for file_write. No commentary.`

// decide applies the fixed decision rules in priority order.
func (l *Loop) decide(state *runState, task *plan.Task, proposal schemas.ToolRequest) Decision {
	if task.RetriesExhausted() {
		return Decision{Kind: DecideSkip, TaskID: task.ID, Rationale: "retry budget exhausted"}
	}

	if lastObs := l.memory.LastObservation(); lastObs != nil && lastObs.IsError() &&
		l.cfg.AutoHeal && !state.justHealed && state.lastFailure != nil {
		return Decision{Kind: DecideHeal, TaskID: task.ID, Rationale: "last observation was a failure"}
	}

	if last := state.lastReflection(); last != nil && last.SuggestRevision && l.canPivot(state) {
		return Decision{
			Kind:      DecidePivot,
			TaskID:    task.ID,
			Rationale: "consecutive failures suggest the plan itself is wrong",
		}
	}

	if approach := requestSummary(proposal); l.memory.ShouldAvoid(approach) && l.canPivot(state) {
		return Decision{
			Kind:      DecidePivot,
			TaskID:    task.ID,
			Rationale: fmt.Sprintf("proposed approach %q matches a recorded failure", approach),
		}
	}

	return Decision{Kind: DecideExecute, TaskID: task.ID, Request: proposal, Rationale: "task is executable"}
}

// execute runs a tool invocation for the task and folds the outcome back
// into the plan and memory.
func (l *Loop) execute(ctx context.Context, state *runState, task *plan.Task, req schemas.ToolRequest) {
	state.plan = l.planner.UpdateTaskStatus(state.plan, task.ID, plan.StatusInProgress, nil)
	l.publish(ctx, schemas.EventTaskStarted, map[string]any{"task": task.Name})

	callCtx := ctx
	if l.cfg.ToolCallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.cfg.ToolCallTimeout)
		defer cancel()
	}

	res, err := l.exec.Execute(callCtx, req)
	if err != nil {
		res = &schemas.ToolResult{Success: false, Error: err.Error()}
	}

	state.fingerprints = append(state.fingerprints, actionFingerprint(&state.plan, task.ID, req))
	l.memory.RecordAction(memory.ActionRecord{
		TaskID:  task.ID,
		Tool:    string(req.Kind),
		Summary: requestSummary(req),
		Success: res.Success,
	})
	l.publish(ctx, schemas.EventToolExecuted, map[string]any{
		"kind":    string(req.Kind),
		"success": res.Success,
	})

	if req.Command != "" {
		state.commands = appendUnique(state.commands, req.Command)
	}

	// Observe.
	obs := memory.Observation{
		Type:       memory.ObservationToolResult,
		Content:    observationContent(res),
		Source:     string(req.Kind),
		Importance: memory.ImportanceLow,
	}
	switch {
	case !res.Success:
		obs.Type = memory.ObservationError
		obs.Importance = memory.ImportanceHigh
		l.publish(ctx, schemas.EventErrorDetected, map[string]any{"task": task.Name})
	case containsMarker(res.Output):
		// Successful output flagging unfinished work is itself a finding.
		obs.Type = memory.ObservationDiscovery
		obs.Importance = memory.ImportanceMedium
	}
	l.memory.RecordObservation(obs)
	if res.Success && req.Kind == schemas.ToolFileWrite && req.Path != "" {
		if contains(state.filesCreated, req.Path) {
			state.filesModified = appendUnique(state.filesModified, req.Path)
		} else {
			state.filesCreated = appendUnique(state.filesCreated, req.Path)
		}
		l.memory.AddDiscovery(fmt.Sprintf("created file %s", req.Path))
		l.memory.RecordCodeKnowledge(req.Path, fmt.Sprintf("written for task %q", task.Name))
	}

	// Reflect.
	state.justHealed = false
	if res.Success {
		state.failureStreak = 0
		state.lastFailure = nil
		state.finalError = ""
		state.plan = l.planner.UpdateTaskStatus(state.plan, task.ID, plan.StatusCompleted,
			&plan.TaskResult{Output: clip(res.Output, 2000)})
		state.reflect(task.ID, fmt.Sprintf("%s succeeded for %q", req.Kind, task.Name), false)
		l.publish(ctx, schemas.EventTaskCompleted, map[string]any{"task": task.Name})
		return
	}

	state.failureStreak++
	failureOutput := firstNonEmpty(res.Error, res.Output)
	state.lastFailure = &healer.ErrorContext{
		RawOutput: failureOutput,
		Command:   req.Command,
		TaskID:    task.ID,
	}
	state.finalError = failureOutput
	state.plan = l.planner.UpdateTaskStatus(state.plan, task.ID, plan.StatusFailed,
		&plan.TaskResult{Error: clip(failureOutput, 2000)})
	state.reflect(task.ID, fmt.Sprintf("%s failed for %q: %s", req.Kind, task.Name, clip(failureOutput, 120)), true)
	l.publish(ctx, schemas.EventTaskFailed, map[string]any{"task": task.Name})

	if updated := state.plan.TaskByID(task.ID); updated != nil && updated.Status == plan.StatusFailed {
		l.memory.RecordFailedApproach(requestSummary(req), clip(failureOutput, 300))
	}
}

// heal hands the recorded failure to the healer. A successful healing
// clears the failure so the task is retried cleanly next iteration; an
// unsuccessful one records the approach as failed.
func (l *Loop) heal(ctx context.Context, state *runState, task *plan.Task) {
	l.publish(ctx, schemas.EventHealingStarted, map[string]any{"task": task.Name})

	res := l.healer.Heal(ctx, *state.lastFailure)

	l.publish(ctx, schemas.EventHealingCompleted, map[string]any{
		"fixed":       res.Fixed,
		"final_state": string(res.FinalState),
		"attempts":    res.Attempts,
	})

	state.justHealed = true
	if res.Fixed {
		state.failureStreak = 0
		state.lastFailure = nil
		if res.Diagnosis != nil {
			for _, file := range res.Diagnosis.AffectedFiles {
				state.filesModified = appendUnique(state.filesModified, file)
			}
		}
		l.memory.RecordObservation(memory.Observation{
			Type:       memory.ObservationStateChange,
			Content:    fmt.Sprintf("healed %s: %s", res.ErrorType, res.AppliedFix),
			Source:     "healer",
			Importance: memory.ImportanceHigh,
		})
		l.memory.AddDiscovery(fmt.Sprintf("fix for %s: %s", res.ErrorType, res.AppliedFix))
		state.reflect(task.ID, fmt.Sprintf("healed %s via %s", res.ErrorType, res.AppliedFix), false)
		return
	}

	state.failureStreak++
	l.memory.RecordObservation(memory.Observation{
		// Not an error observation: that would immediately re-trigger healing.
		Type:    memory.ObservationToolResult,
		Content: fmt.Sprintf("healing ended %s after %d attempts: %s", res.FinalState, res.Attempts, res.FinalError),
		Source:  "healer",
	})
	l.memory.RecordFailedApproach("automatic healing of: "+clip(state.lastFailure.RawOutput, 200), res.FinalError)
	state.reflect(task.ID, fmt.Sprintf("healing ended %s: %s", res.FinalState, clip(res.FinalError, 120)), true)
	state.lastFailure = nil
}

// pivot asks the planner for a revision. The planner enforces the revision
// cap; a capped or unparseable refinement leaves the plan unchanged.
func (l *Loop) pivot(ctx context.Context, state *runState, why string) {
	refined, err := l.planner.RefinePlan(ctx, state.plan, why)
	if err != nil {
		l.logger.Warn("Plan refinement failed", zap.Error(err))
		return
	}
	state.plan = refined
	l.memory.RecordObservation(memory.Observation{
		Type:    memory.ObservationStateChange,
		Content: "revised plan: " + why,
		Source:  "planner",
	})
}

func (l *Loop) canPivot(state *runState) bool {
	return l.llm != nil && state.plan.Revision < l.cfg.MaxPlanRevisions
}

// snapshot freezes the loop state for the termination evaluator.
func (l *Loop) snapshot(state *runState) termination.Snapshot {
	blocked := l.planner.IsBlocked(&state.plan)
	if blocked && l.canPivot(state) {
		// A pivot is still possible, so the deadlock is not final.
		blocked = false
	}
	return termination.Snapshot{
		Iteration:     state.iteration,
		StartedAt:     state.startedAt,
		Now:           time.Now(),
		PlanCompleted: state.plan.Status == plan.PlanCompleted,
		Unrecoverable: l.planner.HasUnrecoverableError(&state.plan),
		Blocked:       blocked,
		Fingerprints:  state.fingerprints,
		FailureStreak: state.failureStreak,
	}
}

func (l *Loop) buildReport(state *runState, reason termination.Reason) termination.FinalReport {
	var discoveries []string
	for _, d := range l.memory.Discoveries() {
		discoveries = append(discoveries, d.Description)
	}
	effects := termination.SideEffects{
		FilesCreated:     state.filesCreated,
		FilesModified:    state.filesModified,
		CommandsExecuted: state.commands,
	}
	return l.evaluator.BuildReport(&state.plan, l.snapshot(state), reason, discoveries, effects, state.finalError)
}

// publish emits an event when a bus is attached. Events are advisory;
// delivery failure is logged and ignored.
func (l *Loop) publish(ctx context.Context, eventType schemas.EventType, payload map[string]any) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(ctx, eventType, payload); err != nil {
		l.logger.Debug("Event publish failed", zap.String("type", string(eventType)), zap.Error(err))
	}
}

// heuristicRequest maps a task to a tool invocation by keyword when no LLM
// proposal is available. Anything unrecognized is delegated wholesale to the
// completion tool.
func heuristicRequest(task *plan.Task) schemas.ToolRequest {
	text := strings.ToLower(task.Name + " " + task.Description)
	switch {
	case strings.Contains(text, "install") || strings.Contains(text, "dependenc"):
		return schemas.ToolRequest{Kind: schemas.ToolInstall}
	case strings.Contains(text, "test"):
		return schemas.ToolRequest{Kind: schemas.ToolTest}
	case strings.Contains(text, "lint") || strings.Contains(text, "format"):
		return schemas.ToolRequest{Kind: schemas.ToolLint}
	case strings.Contains(text, "build") || strings.Contains(text, "compile"):
		return schemas.ToolRequest{Kind: schemas.ToolBuild}
	case strings.Contains(text, "server") || strings.Contains(text, "serve"):
		return schemas.ToolRequest{Kind: schemas.ToolDevServer}
	case strings.Contains(text, "search") || strings.Contains(text, "find"):
		return schemas.ToolRequest{Kind: schemas.ToolCodeSearch, Content: task.Description}
	default:
		return schemas.ToolRequest{Kind: schemas.ToolLLMCompletion, Content: task.Description}
	}
}

// validRequest rejects proposals missing their required fields.
func validRequest(req schemas.ToolRequest) bool {
	switch req.Kind {
	case schemas.ToolShellCommand:
		return req.Command != ""
	case schemas.ToolFileRead, schemas.ToolFileDelete:
		return req.Path != ""
	case schemas.ToolFileWrite:
		return req.Path != "" && req.Content != ""
	case schemas.ToolInstall, schemas.ToolBuild, schemas.ToolTest, schemas.ToolDevServer, schemas.ToolLint:
		return true
	case schemas.ToolFileSearch, schemas.ToolCodeSearch, schemas.ToolWebSearch, schemas.ToolLLMCompletion:
		return req.Content != "" || req.Command != ""
	default:
		return false
	}
}

// actionFingerprint keys stuck detection on which task was attempted, the
// shape of the whole plan at that moment, and the request itself. The same
// request against a different task, or after any task changed status, is
// progress rather than a repeat. A task's first attempt and its retries are
// also distinct: only retries that keep replaying the identical action
// accumulate toward the stuck threshold.
func actionFingerprint(p *plan.Plan, taskID string, req schemas.ToolRequest) string {
	h := fnv.New64a()
	h.Write([]byte(taskID))
	for _, t := range p.Tasks {
		h.Write([]byte(t.Status))
		if t.RetryCount > 0 {
			h.Write([]byte{'r'})
		}
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x %s", h.Sum64(), requestSummary(req))
}

// requestSummary is the approach string matched against failed approaches
// and the human-readable action summary in memory.
func requestSummary(req schemas.ToolRequest) string {
	parts := []string{string(req.Kind)}
	if req.Command != "" {
		parts = append(parts, req.Command)
	}
	if req.Path != "" {
		parts = append(parts, req.Path)
	}
	if req.Content != "" && req.Command == "" && req.Path == "" {
		parts = append(parts, clip(req.Content, 80))
	}
	return strings.Join(parts, " ")
}

func observationContent(res *schemas.ToolResult) string {
	if res.Success {
		return clip(firstNonEmpty(res.Output, "ok"), 1000)
	}
	return clip(firstNonEmpty(res.Error, res.Output, "failed"), 1000)
}

// containsMarker reports unfinished-work markers in otherwise successful
// output.
func containsMarker(output string) bool {
	for _, marker := range []string{"TODO", "FIXME", "Warning"} {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

func contains(list []string, item string) bool {
	for _, existing := range list {
		if existing == item {
			return true
		}
	}
	return false
}

func appendUnique(list []string, item string) []string {
	if contains(list, item) {
		return list
	}
	return append(list, item)
}

func clip(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// File: internal/agentloop/loop_test.go
package agentloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anassagd432/aether-agent/api/schemas"
	"github.com/anassagd432/aether-agent/internal/config"
	"github.com/anassagd432/aether-agent/internal/events"
	"github.com/anassagd432/aether-agent/internal/healer"
	"github.com/anassagd432/aether-agent/internal/memory"
	"github.com/anassagd432/aether-agent/internal/mocks"
	"github.com/anassagd432/aether-agent/internal/plan"
	"github.com/anassagd432/aether-agent/internal/termination"
	"github.com/anassagd432/aether-agent/internal/toolexec"
)

type loopFixture struct {
	loop *Loop
	exec *mocks.MockToolExecutor
	mem  *memory.Store
	cfg  config.AgentConfig
}

// newLoopFixture builds a loop with mocked boundaries. plannerLLM scripts
// plan generation; the loop itself runs without an LLM, so action selection
// uses the keyword heuristic and stays deterministic.
func newLoopFixture(t *testing.T, plannerLLM schemas.LLMClient, mutate func(*config.AgentConfig)) *loopFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := config.NewDefaultConfig().Agent
	cfg.PersistMemory = false
	cfg.AutoHeal = false
	if mutate != nil {
		mutate(&cfg)
	}

	exec := &mocks.MockToolExecutor{}
	mem := memory.NewStore(logger, config.NewDefaultConfig().Memory, nil, "test")
	planner := plan.NewPlanner(logger, plannerLLM, mem, cfg.MaxRetries, cfg.MaxPlanRevisions)
	heal := healer.NewHealer(logger, nil, exec, config.NewDefaultConfig().Healer, false)
	evaluator := termination.NewEvaluator(logger, cfg)

	var _ toolexec.Executor = exec
	return &loopFixture{
		loop: NewLoop(logger, cfg, planner, mem, heal, exec, nil, evaluator, nil),
		exec: exec,
		mem:  mem,
		cfg:  cfg,
	}
}

func TestRun_SingleTaskGoalAchieved(t *testing.T) {
	f := newLoopFixture(t, nil, nil)
	f.exec.On("Execute", mock.Anything, mock.Anything).
		Return(&schemas.ToolResult{Success: true, Output: "done"}, nil).Once()

	result, err := f.loop.Run(context.Background(), "write a friendly greeting")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, termination.ReasonGoalAchieved, result.Report.Reason)
	assert.Equal(t, 1, result.Report.Iterations)
	require.Len(t, result.Report.CompletedTasks, 1)
	f.exec.AssertExpectations(t)
}

func TestRun_MultiTaskPlanRunsInDependencyOrder(t *testing.T) {
	plannerLLM := &mocks.MockLLMClient{}
	plannerLLM.On("Generate", mock.Anything, mock.Anything).Return(`{
	  "tasks": [
	    {"name": "Install dependencies", "description": "install packages", "depends_on": []},
	    {"name": "Build the project", "description": "compile everything", "depends_on": [0]},
	    {"name": "Run tests", "description": "run the test suite", "depends_on": [1]}
	  ]
	}`, nil).Once()

	f := newLoopFixture(t, plannerLLM, nil)

	var order []schemas.ToolKind
	f.exec.On("Execute", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			order = append(order, args.Get(1).(schemas.ToolRequest).Kind)
		}).
		Return(&schemas.ToolResult{Success: true, Output: "ok"}, nil).Times(3)

	result, err := f.loop.Run(context.Background(), "ship it")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Report.Iterations)
	assert.Equal(t, []schemas.ToolKind{schemas.ToolInstall, schemas.ToolBuild, schemas.ToolTest}, order)
}

// A permanently failed task with a dependent pending task ends the run as
// an unrecoverable error, not as a deadlock and not by spinning forever.
func TestRun_FailedDependencyIsUnrecoverable(t *testing.T) {
	plannerLLM := &mocks.MockLLMClient{}
	plannerLLM.On("Generate", mock.Anything, mock.Anything).Return(`{
	  "tasks": [
	    {"name": "Provision database", "description": "set up the database", "depends_on": []},
	    {"name": "Run migration tests", "description": "test the schema migration", "depends_on": [0]}
	  ]
	}`, nil).Once()

	f := newLoopFixture(t, plannerLLM, nil)
	f.exec.On("Execute", mock.Anything, mock.Anything).
		Return(&schemas.ToolResult{Success: false, Error: "permission denied"}, nil)

	result, err := f.loop.Run(context.Background(), "migrate the database")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, termination.StatusFailed, result.Report.Status, "nothing completed, so the outcome is failed rather than partial")
	assert.Equal(t, termination.ReasonUnrecoverable, result.Report.Reason)
	require.Len(t, result.Report.FailedTasks, 1)
	assert.Equal(t, "Provision database", result.Report.FailedTasks[0].Name)
	assert.NotEmpty(t, result.Report.Recommendations)
	// The dependent task never ran.
	assert.Empty(t, result.Report.CompletedTasks)
}

// Replaying the identical action against the same task trips stuck
// detection before a generous retry budget burns through its attempts.
func TestRun_RepeatedActionTripsStuckDetection(t *testing.T) {
	f := newLoopFixture(t, nil, func(cfg *config.AgentConfig) {
		cfg.MaxRetries = 6
	})
	f.exec.On("Execute", mock.Anything, mock.Anything).
		Return(&schemas.ToolResult{Success: false, Error: "flaky"}, nil)

	result, err := f.loop.Run(context.Background(), "write a friendly greeting")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, termination.ReasonStuckLoop, result.Report.Reason)
	// The first attempt does not count as a repeat; retries two through
	// four replay the same action three times and trip the detector.
	assert.Equal(t, 4, result.Report.Iterations)
}

// Identical tool invocations on behalf of different tasks are progress,
// not repetition: a plan of independent test tasks runs to completion
// instead of tripping stuck detection.
func TestRun_SameActionAcrossTasksIsNotStuck(t *testing.T) {
	plannerLLM := &mocks.MockLLMClient{}
	plannerLLM.On("Generate", mock.Anything, mock.Anything).Return(`{
	  "tasks": [
	    {"name": "Run unit tests", "description": "run the unit test suite", "depends_on": []},
	    {"name": "Run integration tests", "description": "run the integration test suite", "depends_on": []},
	    {"name": "Run e2e tests", "description": "run the end-to-end test suite", "depends_on": []},
	    {"name": "Run smoke tests", "description": "run the smoke test suite", "depends_on": []}
	  ]
	}`, nil).Once()

	f := newLoopFixture(t, plannerLLM, nil)
	f.exec.On("Execute", mock.Anything, mock.MatchedBy(func(req schemas.ToolRequest) bool {
		return req.Kind == schemas.ToolTest
	})).Return(&schemas.ToolResult{Success: true, Output: "passed"}, nil).Times(4)

	result, err := f.loop.Run(context.Background(), "run every suite")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, termination.ReasonGoalAchieved, result.Report.Reason)
	assert.Len(t, result.Report.CompletedTasks, 4)
	f.exec.AssertExpectations(t)
}

// A side task that exhausts its retries is explicitly skipped, and the
// rest of the plan still completes: the goal does not die with a task
// nothing else depended on.
func TestRun_ExhaustedSideTaskSkippedPlanCompletes(t *testing.T) {
	plannerLLM := &mocks.MockLLMClient{}
	plannerLLM.On("Generate", mock.Anything, mock.Anything).Return(`{
	  "tasks": [
	    {"name": "Lint the sources", "description": "lint everything", "depends_on": []},
	    {"name": "Run tests", "description": "run the test suite", "depends_on": []}
	  ]
	}`, nil).Once()

	f := newLoopFixture(t, plannerLLM, nil)
	f.exec.On("Execute", mock.Anything, mock.MatchedBy(func(req schemas.ToolRequest) bool {
		return req.Kind == schemas.ToolLint
	})).Return(&schemas.ToolResult{Success: false, Error: "linter crashed"}, nil).Times(3)
	f.exec.On("Execute", mock.Anything, mock.MatchedBy(func(req schemas.ToolRequest) bool {
		return req.Kind == schemas.ToolTest
	})).Return(&schemas.ToolResult{Success: true, Output: "passed"}, nil).Once()

	result, err := f.loop.Run(context.Background(), "check the project")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, termination.ReasonGoalAchieved, result.Report.Reason)
	require.Len(t, result.Report.SkippedTasks, 1)
	assert.Equal(t, "Lint the sources", result.Report.SkippedTasks[0].Name)
	require.Len(t, result.Report.CompletedTasks, 1)
	assert.Equal(t, "Run tests", result.Report.CompletedTasks[0].Name)
	f.exec.AssertExpectations(t)
}

// The left-pad path end to end: a build fails on a missing module, healing
// installs it and verifies the build, and the retried task completes.
func TestRun_HealingRecoversFailedBuild(t *testing.T) {
	f := newLoopFixture(t, nil, func(cfg *config.AgentConfig) {
		cfg.AutoHeal = true
	})

	// First build attempt fails with a missing module.
	f.exec.On("Execute", mock.Anything, mock.MatchedBy(func(req schemas.ToolRequest) bool {
		return req.Kind == schemas.ToolBuild
	})).Return(&schemas.ToolResult{Success: false, Error: "Error: Cannot find module 'left-pad'"}, nil).Once()
	// The healer installs the module and re-verifies the build.
	f.exec.On("Execute", mock.Anything, mock.MatchedBy(func(req schemas.ToolRequest) bool {
		return req.Kind == schemas.ToolShellCommand && req.Command == "npm install left-pad"
	})).Return(&schemas.ToolResult{Success: true}, nil).Once()
	// Verification build plus the retried task build.
	f.exec.On("Execute", mock.Anything, mock.MatchedBy(func(req schemas.ToolRequest) bool {
		return req.Kind == schemas.ToolBuild
	})).Return(&schemas.ToolResult{Success: true, Output: "compiled"}, nil).Twice()

	result, err := f.loop.Run(context.Background(), "build the frontend bundle")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, termination.StatusSuccess, result.Report.Status)
	assert.Equal(t, termination.ReasonGoalAchieved, result.Report.Reason)
	assert.Contains(t, result.Report.Discoveries, "fix for build_error: a required npm package is not installed")
	f.exec.AssertExpectations(t)
}

// Successful output carrying unfinished-work markers is observed as a
// discovery rather than a plain tool result.
func TestRun_MarkerOutputBecomesDiscoveryObservation(t *testing.T) {
	f := newLoopFixture(t, nil, nil)
	f.exec.On("Execute", mock.Anything, mock.Anything).
		Return(&schemas.ToolResult{Success: true, Output: "done, but TODO: wire up auth"}, nil).Once()

	result, err := f.loop.Run(context.Background(), "write a friendly greeting")
	require.NoError(t, err)
	require.True(t, result.Success)

	last := f.mem.LastObservation()
	require.NotNil(t, last)
	assert.Equal(t, memory.ObservationDiscovery, last.Type)
	assert.Equal(t, memory.ImportanceMedium, last.Importance)
}

func TestRun_StopEndsRunCooperatively(t *testing.T) {
	f := newLoopFixture(t, nil, nil)
	f.loop.Stop()

	result, err := f.loop.Run(context.Background(), "anything at all")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, termination.ReasonUserInterrupt, result.Report.Reason)
	assert.Equal(t, 0, result.Report.Iterations)
}

func TestRun_ContextCancellationStops(t *testing.T) {
	f := newLoopFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.loop.Run(ctx, "anything at all")
	require.NoError(t, err)
	assert.Equal(t, termination.ReasonUserInterrupt, result.Report.Reason)
}

// A panic anywhere inside the cycle becomes a structured failure report,
// never a crash of the embedding process.
func TestRun_PanicBecomesUnrecoverableReport(t *testing.T) {
	f := newLoopFixture(t, nil, nil)
	f.exec.On("Execute", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("executor exploded") }).
		Return(nil, nil)

	result, err := f.loop.Run(context.Background(), "write a friendly greeting")
	require.NoError(t, err)

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, termination.ReasonUnrecoverable, result.Report.Reason)
	require.NotEmpty(t, result.Report.Errors)
	assert.Contains(t, result.Report.Errors[0], "internal panic")
}

func TestRun_FileWritesTrackedAsCreatedFiles(t *testing.T) {
	plannerLLM := &mocks.MockLLMClient{}
	plannerLLM.On("Generate", mock.Anything, mock.Anything).Return(`{
	  "tasks": [
	    {"name": "Search for entry point", "description": "search for the main entry point", "depends_on": []}
	  ]
	}`, nil).Once()

	f := newLoopFixture(t, plannerLLM, nil)
	f.exec.On("Execute", mock.Anything, mock.Anything).
		Return(&schemas.ToolResult{Success: true, Output: "src/index.js"}, nil).Once()

	result, err := f.loop.Run(context.Background(), "locate the entry point")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.FilesCreated, "searches create no files")
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, 32)

	ch, unsubscribe := bus.Subscribe(schemas.EventPlanCreated, schemas.EventTaskCompleted, schemas.EventAgentCompleted)
	defer unsubscribe()

	cfg := config.NewDefaultConfig().Agent
	cfg.PersistMemory = false
	cfg.AutoHeal = false

	exec := &mocks.MockToolExecutor{}
	exec.On("Execute", mock.Anything, mock.Anything).
		Return(&schemas.ToolResult{Success: true}, nil).Once()

	mem := memory.NewStore(logger, config.NewDefaultConfig().Memory, nil, "test")
	planner := plan.NewPlanner(logger, nil, mem, cfg.MaxRetries, cfg.MaxPlanRevisions)
	heal := healer.NewHealer(logger, nil, exec, config.NewDefaultConfig().Healer, false)
	evaluator := termination.NewEvaluator(logger, cfg)
	loop := NewLoop(logger, cfg, planner, mem, heal, exec, nil, evaluator, bus)

	result, err := loop.Run(context.Background(), "write a friendly greeting")
	require.NoError(t, err)
	require.True(t, result.Success)

	seen := map[schemas.EventType]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case evt := <-ch:
			seen[evt.Type] = true
			bus.Acknowledge(evt)
		case <-timeout:
			t.Fatalf("missing events, saw: %v", seen)
		}
	}
	bus.Close()
}

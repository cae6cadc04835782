// File: internal/memory/store_test.go
package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anassagd432/aether-agent/internal/config"
	"github.com/anassagd432/aether-agent/internal/mocks"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.MemoryConfig{MaxActions: 5, MaxObservations: 5, MaxFailures: 10, SummaryBudget: 4000}
	return NewStore(zaptest.NewLogger(t), cfg, nil, "test-run")
}

func TestActionRing_EvictsIntoRollingSummary(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 8; i++ {
		s.RecordAction(ActionRecord{Summary: fmt.Sprintf("step %d", i), Tool: "shell_command", Success: true})
	}

	recent := s.RecentActions(0)
	require.Len(t, recent, 5, "ring bounded at configured size")
	assert.Equal(t, "step 3", recent[0].Summary, "oldest surviving entry")

	// Evicted entries live on in the compressed summary.
	digest := s.SummarizeForLLM()
	assert.Contains(t, digest, `did "step 0"`)
	assert.Contains(t, digest, "step 7")
}

func TestObservationRing_HighImportancePromoted(t *testing.T) {
	s := newTestStore(t)
	s.RecordObservation(Observation{Content: "the API requires an auth token", Importance: ImportanceHigh})
	for i := 0; i < 10; i++ {
		s.RecordObservation(Observation{Content: fmt.Sprintf("noise %d", i)})
	}

	// The high-importance observation was evicted from the ring but survives
	// as a long-term discovery and stays retrievable.
	got := s.GetRelevantMemories("which auth token does the API require", 3)
	require.NotEmpty(t, got)
	assert.Contains(t, got[0], "auth token")
	require.Len(t, s.Discoveries(), 1)
	assert.Equal(t, "the API requires an auth token", s.Discoveries()[0].Description)
}

func TestLastObservation(t *testing.T) {
	s := newTestStore(t)
	assert.Nil(t, s.LastObservation())

	s.RecordObservation(Observation{Content: "first"})
	s.RecordObservation(Observation{Content: "second", Type: ObservationError})

	last := s.LastObservation()
	require.NotNil(t, last)
	assert.Equal(t, "second", last.Content)
	assert.True(t, last.IsError())
}

func TestAddDiscovery_DedupsByDescription(t *testing.T) {
	s := newTestStore(t)
	assert.True(t, s.AddDiscovery("The build uses npm scripts"))
	assert.False(t, s.AddDiscovery("the build uses npm scripts"), "case-insensitive duplicate")
	assert.False(t, s.AddDiscovery("  The   build uses npm scripts  "), "whitespace-insensitive duplicate")
	assert.True(t, s.AddDiscovery("Tests live under src/__tests__"))
	assert.False(t, s.AddDiscovery("   "))

	require.Len(t, s.Discoveries(), 2)
}

func TestShouldAvoid_SubstringBothDirections(t *testing.T) {
	s := newTestStore(t)
	s.RecordFailedApproach("npm install left-pad", "registry returned 404")

	assert.True(t, s.ShouldAvoid("npm install left-pad"))
	assert.True(t, s.ShouldAvoid("NPM INSTALL LEFT-PAD --save"), "candidate contains recorded approach")
	assert.True(t, s.ShouldAvoid("npm install"), "recorded approach contains candidate")
	assert.False(t, s.ShouldAvoid("pip install left-pad"))
	assert.False(t, s.ShouldAvoid("  "))
}

func TestFailedApproaches_Bounded(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 15; i++ {
		s.RecordFailedApproach(fmt.Sprintf("approach %d", i), "nope")
	}
	summaries := s.FailedApproachSummaries()
	require.Len(t, summaries, 10)
	assert.Contains(t, summaries[0], "approach 5", "oldest entries dropped")
}

func TestGetRelevantMemories_DeterministicOrdering(t *testing.T) {
	s := newTestStore(t)
	s.AddDiscovery("config file lives at conf/app.yaml")
	s.AddDiscovery("database connection uses postgres")
	s.AddDiscovery("frontend build runs through vite")
	s.RecordFailedApproach("editing conf/app.yaml by regex", "file is generated")

	first := s.GetRelevantMemories("where is the config file conf/app.yaml", 2)
	for i := 0; i < 5; i++ {
		again := s.GetRelevantMemories("where is the config file conf/app.yaml", 2)
		assert.Equal(t, first, again, "same query yields same ranking")
	}
	require.Len(t, first, 2)
	assert.Contains(t, first[0], "conf/app.yaml")

	assert.Nil(t, s.GetRelevantMemories("", 2))
	assert.Nil(t, s.GetRelevantMemories("query", 0))
}

func TestSummarizeForLLM_BudgetDropsOldestFirst(t *testing.T) {
	cfg := config.MemoryConfig{MaxActions: 20, MaxObservations: 50, MaxFailures: 10, SummaryBudget: 600}
	s := NewStore(zaptest.NewLogger(t), cfg, nil, "test-run")

	s.AddDiscovery("critical fact about the target repository layout")
	for i := 0; i < 30; i++ {
		s.RecordObservation(Observation{Content: fmt.Sprintf("observation number %d with some padding text to occupy budget", i)})
	}

	digest := s.SummarizeForLLM()
	assert.LessOrEqual(t, len(digest), 600)
	// Long-term content survives; it is the oldest short-term entries that go.
	assert.Contains(t, digest, "critical fact")
	assert.NotContains(t, digest, "observation number 0 ")
	assert.Contains(t, digest, "observation number 29")
}

func TestWorkingMemory(t *testing.T) {
	s := newTestStore(t)
	s.SetWorking("current_file", "src/login.html")

	v, ok := s.GetWorking("current_file")
	require.True(t, ok)
	assert.Equal(t, "src/login.html", v)

	s.ClearWorking()
	_, ok = s.GetWorking("current_file")
	assert.False(t, ok)
}

func TestPersistAndRestore_RoundTrip(t *testing.T) {
	blob := &mocks.MockBlobStore{}
	var saved []byte
	// Every long-term mutation persists, so Save fires several times; the
	// last snapshot is the one that matters.
	blob.On("Save", mock.Anything, "run-1", mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(2).([]byte)
	}).Return(nil)

	cfg := config.MemoryConfig{MaxActions: 5, MaxObservations: 5, MaxFailures: 10, SummaryBudget: 4000}
	s := NewStore(zaptest.NewLogger(t), cfg, blob, "run-1")
	s.AddDiscovery("server listens on port 8080")
	s.RecordFailedApproach("curl without auth header", "401")
	s.RecordObservation(Observation{Content: "token found in .env", Importance: ImportanceCritical})
	s.RecordCodeKnowledge("src/index.js", "entry point, wires the express routes")
	s.RecordCompletedGoal("fix the login page")
	s.SetWorking("k", "v")
	s.Persist(context.Background())
	require.NotEmpty(t, saved)

	restoreBlob := &mocks.MockBlobStore{}
	restoreBlob.On("Load", mock.Anything, "run-1").Return(saved, true, nil).Once()
	restored := NewStore(zaptest.NewLogger(t), cfg, restoreBlob, "run-1")
	restored.Restore(context.Background())

	assert.False(t, restored.AddDiscovery("server listens on port 8080"), "dedup index rebuilt")
	assert.True(t, restored.ShouldAvoid("curl without auth header"))
	v, ok := restored.GetWorking("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	got := restored.GetRelevantMemories("where is the token", 1)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], ".env")
	note, ok := restored.CodeKnowledge("src/index.js")
	require.True(t, ok)
	assert.Contains(t, note.Note, "express")
	assert.Equal(t, []string{"fix the login page"}, restored.CompletedGoals())

	blob.AssertExpectations(t)
	restoreBlob.AssertExpectations(t)
}

func TestPersist_SwallowsStoreErrors(t *testing.T) {
	blob := &mocks.MockBlobStore{}
	blob.On("Save", mock.Anything, mock.Anything, mock.Anything).Return(fmt.Errorf("disk full"))

	cfg := config.MemoryConfig{MaxActions: 5, MaxObservations: 5, MaxFailures: 10, SummaryBudget: 4000}
	s := NewStore(zaptest.NewLogger(t), cfg, blob, "run-err")
	s.AddDiscovery("anything")

	// Must not panic or surface the error.
	s.Persist(context.Background())
	blob.AssertExpectations(t)
}

func TestRestore_CorruptSnapshotIgnored(t *testing.T) {
	blob := &mocks.MockBlobStore{}
	blob.On("Load", mock.Anything, "run-x").Return([]byte("{not json"), true, nil).Once()

	cfg := config.MemoryConfig{MaxActions: 5, MaxObservations: 5, MaxFailures: 10, SummaryBudget: 4000}
	s := NewStore(zaptest.NewLogger(t), cfg, blob, "run-x")
	s.Restore(context.Background())

	assert.Empty(t, s.Discoveries())
	assert.True(t, strings.TrimSpace(s.SummarizeForLLM()) == "")
}

// File: internal/memory/store.go
// Package memory is the agent's working context: bounded short-term rings
// for actions and observations, a rolling summary fed by ring eviction, and
// long-term discoveries, failed approaches, per-file code knowledge, and
// completed goals that persist across runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/anassagd432/aether-agent/api/schemas"
	"github.com/anassagd432/aether-agent/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store holds everything the agent remembers. All methods are safe for
// concurrent use; the decision loop and the event bus both touch it.
type Store struct {
	mu sync.Mutex

	logger *zap.Logger
	cfg    config.MemoryConfig
	blob   schemas.BlobStore
	runKey string

	actions      []ActionRecord // ring, oldest first
	observations []Observation  // ring, oldest first

	rollingSummary []string // compressed lines folded in on eviction

	discoveries     []Discovery
	discoveryIndex  map[string]struct{} // normalized description -> present
	failedApproach  []FailedApproach
	importantMemory []Observation
	codeKnowledge   map[string]CodeNote
	completedGoals  []string

	working map[string]string
}

// NewStore builds a memory store. blob may be nil, in which case Persist and
// Restore are no-ops; memory then lives only for the process lifetime.
func NewStore(logger *zap.Logger, cfg config.MemoryConfig, blob schemas.BlobStore, runKey string) *Store {
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = 20
	}
	if cfg.MaxObservations <= 0 {
		cfg.MaxObservations = 50
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 50
	}
	if cfg.SummaryBudget <= 0 {
		cfg.SummaryBudget = 4000
	}
	return &Store{
		logger:         logger.Named("memory"),
		cfg:            cfg,
		blob:           blob,
		runKey:         runKey,
		discoveryIndex: make(map[string]struct{}),
		codeKnowledge:  make(map[string]CodeNote),
		working:        make(map[string]string),
	}
}

// RecordAction appends to the action ring. When the ring is full the oldest
// record is folded into the rolling summary instead of being lost outright.
func (s *Store) RecordAction(a ActionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	s.actions = append(s.actions, a)
	for len(s.actions) > s.cfg.MaxActions {
		evicted := s.actions[0]
		s.actions = s.actions[1:]
		s.foldIntoSummary(fmt.Sprintf("did %q via %s (ok=%t)", evicted.Summary, evicted.Tool, evicted.Success))
	}
}

// RecordObservation appends to the observation ring. High and critical
// observations are promoted into long-term discoveries so eviction cannot
// drop them.
func (s *Store) RecordObservation(o Observation) {
	s.mu.Lock()

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	if o.Type == "" {
		o.Type = ObservationToolResult
	}
	if o.Importance == "" {
		o.Importance = ImportanceLow
	}
	s.observations = append(s.observations, o)
	for len(s.observations) > s.cfg.MaxObservations {
		evicted := s.observations[0]
		s.observations = s.observations[1:]
		if !evicted.Importance.Promoted() {
			s.foldIntoSummary("saw " + compress(evicted.Content, 120))
		}
	}
	promoted := o.Importance.Promoted()
	if promoted {
		s.importantMemory = append(s.importantMemory, o)
		s.addDiscoveryLocked(o.Content)
	}
	s.mu.Unlock()
	if promoted {
		s.Persist(context.Background())
	}
}

// LastObservation returns the newest observation, or nil when none exists.
func (s *Store) LastObservation() *Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.observations) == 0 {
		return nil
	}
	o := s.observations[len(s.observations)-1]
	return &o
}

// RecentActions returns up to n most recent actions, oldest first.
func (s *Store) RecentActions(n int) []ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.actions) {
		n = len(s.actions)
	}
	out := make([]ActionRecord, n)
	copy(out, s.actions[len(s.actions)-n:])
	return out
}

// AddDiscovery records a durable fact. Duplicate descriptions (ignoring case
// and surrounding whitespace) are dropped; the return value reports whether
// the discovery was new.
func (s *Store) AddDiscovery(description string) bool {
	s.mu.Lock()
	added := s.addDiscoveryLocked(description)
	s.mu.Unlock()
	if added {
		s.Persist(context.Background())
	}
	return added
}

// addDiscoveryLocked is AddDiscovery with the lock already held.
func (s *Store) addDiscoveryLocked(description string) bool {
	key := normalize(description)
	if key == "" {
		return false
	}
	if _, dup := s.discoveryIndex[key]; dup {
		return false
	}
	s.discoveryIndex[key] = struct{}{}
	s.discoveries = append(s.discoveries, Discovery{Description: strings.TrimSpace(description), Timestamp: time.Now()})
	return true
}

// Discoveries returns a copy of all recorded discoveries, oldest first.
func (s *Store) Discoveries() []Discovery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Discovery, len(s.discoveries))
	copy(out, s.discoveries)
	return out
}

// RecordFailedApproach notes a strategy that did not work. The list is
// bounded; the oldest entry falls off once the cap is reached.
func (s *Store) RecordFailedApproach(approach, reason string) {
	s.mu.Lock()
	s.failedApproach = append(s.failedApproach, FailedApproach{
		Approach:  strings.TrimSpace(approach),
		Reason:    strings.TrimSpace(reason),
		Timestamp: time.Now(),
	})
	if len(s.failedApproach) > s.cfg.MaxFailures {
		s.failedApproach = s.failedApproach[len(s.failedApproach)-s.cfg.MaxFailures:]
	}
	s.mu.Unlock()
	s.Persist(context.Background())
}

// ShouldAvoid reports whether the proposed approach matches a recorded
// failure. Matching is case-insensitive substring containment in either
// direction, so "npm install left-pad" matches a recorded "npm install".
func (s *Store) ShouldAvoid(approach string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := strings.ToLower(strings.TrimSpace(approach))
	if candidate == "" {
		return false
	}
	for _, fa := range s.failedApproach {
		known := strings.ToLower(fa.Approach)
		if known == "" {
			continue
		}
		if strings.Contains(candidate, known) || strings.Contains(known, candidate) {
			return true
		}
	}
	return false
}

// FailedApproachSummaries satisfies the planner's advisor interface.
func (s *Store) FailedApproachSummaries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.failedApproach))
	for _, fa := range s.failedApproach {
		out = append(out, fmt.Sprintf("%s (failed: %s)", fa.Approach, fa.Reason))
	}
	return out
}

// RecordCodeKnowledge notes what the agent learned about one file. A later
// note for the same file replaces the earlier one.
func (s *Store) RecordCodeKnowledge(file, note string) {
	file = strings.TrimSpace(file)
	if file == "" {
		return
	}
	s.mu.Lock()
	s.codeKnowledge[file] = CodeNote{File: file, Note: strings.TrimSpace(note), Timestamp: time.Now()}
	s.mu.Unlock()
	s.Persist(context.Background())
}

// CodeKnowledge returns the note recorded for a file, if any.
func (s *Store) CodeKnowledge(file string) (CodeNote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.codeKnowledge[file]
	return n, ok
}

// RecordCompletedGoal appends to the list of goals this memory key has seen
// through to completion.
func (s *Store) RecordCompletedGoal(goal string) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return
	}
	s.mu.Lock()
	for _, g := range s.completedGoals {
		if g == goal {
			s.mu.Unlock()
			return
		}
	}
	s.completedGoals = append(s.completedGoals, goal)
	s.mu.Unlock()
	s.Persist(context.Background())
}

// CompletedGoals returns a copy of the completed goal list, oldest first.
func (s *Store) CompletedGoals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.completedGoals))
	copy(out, s.completedGoals)
	return out
}

// SetWorking stores a transient key/value pair for the current task.
func (s *Store) SetWorking(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working[key] = value
}

// GetWorking reads a transient value.
func (s *Store) GetWorking(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.working[key]
	return v, ok
}

// ClearWorking drops all transient state, typically between tasks.
func (s *Store) ClearWorking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working = make(map[string]string)
}

type scored struct {
	text  string
	score int
	order int
}

// GetRelevantMemories scores long-term entries (discoveries, failed
// approaches, important observations) by term overlap with the query and
// returns the top k texts. Scoring is deterministic: ties resolve by
// insertion order, never map iteration.
func (s *Store) GetRelevantMemories(query string, k int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k <= 0 {
		return nil
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	var candidates []scored
	order := 0
	add := func(text string) {
		sc := overlap(terms, tokenize(text))
		if sc > 0 {
			candidates = append(candidates, scored{text: text, score: sc, order: order})
		}
		order++
	}
	for _, d := range s.discoveries {
		add(d.Description)
	}
	for _, fa := range s.failedApproach {
		add(fmt.Sprintf("avoid: %s (%s)", fa.Approach, fa.Reason))
	}
	for _, o := range s.importantMemory {
		add(o.Content)
	}
	codeFiles := make([]string, 0, len(s.codeKnowledge))
	for file := range s.codeKnowledge {
		codeFiles = append(codeFiles, file)
	}
	sort.Strings(codeFiles)
	for _, file := range codeFiles {
		add(fmt.Sprintf("%s: %s", file, s.codeKnowledge[file].Note))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.text
	}
	return out
}

// SummarizeForLLM renders the store as a prompt section within the
// configured character budget. When over budget, short-term entries are
// dropped oldest first; long-term sections are truncated last.
func (s *Store) SummarizeForLLM() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	render := func(skipActions, skipObservations int) string {
		var b strings.Builder
		if len(s.rollingSummary) > 0 {
			b.WriteString("## Earlier (compressed)\n")
			for _, line := range s.rollingSummary {
				b.WriteString("- " + line + "\n")
			}
		}
		if len(s.discoveries) > 0 {
			b.WriteString("## Discoveries\n")
			for _, d := range s.discoveries {
				b.WriteString("- " + d.Description + "\n")
			}
		}
		if len(s.failedApproach) > 0 {
			b.WriteString("## Failed approaches (do not repeat)\n")
			for _, fa := range s.failedApproach {
				fmt.Fprintf(&b, "- %s: %s\n", fa.Approach, fa.Reason)
			}
		}
		if len(s.codeKnowledge) > 0 {
			files := make([]string, 0, len(s.codeKnowledge))
			for file := range s.codeKnowledge {
				files = append(files, file)
			}
			sort.Strings(files)
			b.WriteString("## Code knowledge\n")
			for _, file := range files {
				fmt.Fprintf(&b, "- %s: %s\n", file, compress(s.codeKnowledge[file].Note, 160))
			}
		}
		if len(s.actions) > skipActions {
			b.WriteString("## Recent actions\n")
			for _, a := range s.actions[skipActions:] {
				fmt.Fprintf(&b, "- [%s] %s (ok=%t)\n", a.Tool, a.Summary, a.Success)
			}
		}
		if len(s.observations) > skipObservations {
			b.WriteString("## Recent observations\n")
			for _, o := range s.observations[skipObservations:] {
				marker := ""
				if o.Importance.Promoted() {
					marker = "! "
				}
				b.WriteString("- " + marker + compress(o.Content, 200) + "\n")
			}
		}
		return b.String()
	}

	skipA, skipO := 0, 0
	out := render(skipA, skipO)
	for len(out) > s.cfg.SummaryBudget {
		switch {
		case skipO < len(s.observations):
			skipO++
		case skipA < len(s.actions):
			skipA++
		default:
			// Everything short-term is gone; hard-truncate the rest.
			return out[:s.cfg.SummaryBudget]
		}
		out = render(skipA, skipO)
	}
	return out
}

// Persist writes the long-term portion of memory through the blob store. It
// runs synchronously after every long-term mutation and again at loop
// checkpoints. Failures are logged and swallowed; persistence is best effort
// and must never take the run down.
func (s *Store) Persist(ctx context.Context) {
	if s.blob == nil {
		return
	}
	s.mu.Lock()
	snap := snapshot{
		RollingSummary:   strings.Join(s.rollingSummary, "\n"),
		Discoveries:      append([]Discovery(nil), s.discoveries...),
		FailedApproaches: append([]FailedApproach(nil), s.failedApproach...),
		Important:        append([]Observation(nil), s.importantMemory...),
		CodeKnowledge:    copyNotes(s.codeKnowledge),
		CompletedGoals:   append([]string(nil), s.completedGoals...),
		Working:          copyMap(s.working),
		SavedAt:          time.Now(),
	}
	key := s.runKey
	s.mu.Unlock()

	blob, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("Failed to serialize memory snapshot", zap.Error(err))
		return
	}
	if err := s.blob.Save(ctx, key, blob); err != nil {
		s.logger.Warn("Failed to persist memory snapshot", zap.Error(err))
	}
}

// Restore loads a previously persisted snapshot. A missing snapshot or a
// corrupt blob leaves the store empty; both are logged, neither is an error.
func (s *Store) Restore(ctx context.Context) {
	if s.blob == nil {
		return
	}
	blob, found, err := s.blob.Load(ctx, s.runKey)
	if err != nil {
		s.logger.Warn("Failed to load memory snapshot", zap.Error(err))
		return
	}
	if !found {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		s.logger.Warn("Discarding corrupt memory snapshot", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.RollingSummary != "" {
		s.rollingSummary = strings.Split(snap.RollingSummary, "\n")
	}
	s.discoveries = nil
	s.discoveryIndex = make(map[string]struct{})
	for _, d := range snap.Discoveries {
		key := normalize(d.Description)
		if _, dup := s.discoveryIndex[key]; dup || key == "" {
			continue
		}
		s.discoveryIndex[key] = struct{}{}
		s.discoveries = append(s.discoveries, d)
	}
	s.failedApproach = snap.FailedApproaches
	s.importantMemory = snap.Important
	s.completedGoals = snap.CompletedGoals
	if snap.CodeKnowledge != nil {
		s.codeKnowledge = snap.CodeKnowledge
	}
	if snap.Working != nil {
		s.working = snap.Working
	}
	s.logger.Info("Restored memory snapshot",
		zap.Int("discoveries", len(s.discoveries)),
		zap.Int("failed_approaches", len(s.failedApproach)))
}

// foldIntoSummary appends a compressed line, bounding the summary itself.
// Caller must hold the lock.
func (s *Store) foldIntoSummary(line string) {
	s.rollingSummary = append(s.rollingSummary, line)
	const maxSummaryLines = 100
	if len(s.rollingSummary) > maxSummaryLines {
		s.rollingSummary = s.rollingSummary[len(s.rollingSummary)-maxSummaryLines:]
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if len(f) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for t := range a {
		if _, ok := b[t]; ok {
			n++
		}
	}
	return n
}

func compress(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func copyNotes(m map[string]CodeNote) map[string]CodeNote {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]CodeNote, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// File: internal/healer/healer.go
// Package healer turns tool failures back into progress. The pipeline is
// classify, diagnose, generate a fix, apply it, verify. A failure is only
// reported as fixed after verification passes; applying a fix proves
// nothing on its own.
package healer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anassagd432/aether-agent/api/schemas"
	"github.com/anassagd432/aether-agent/internal/config"
	"github.com/anassagd432/aether-agent/internal/llmutil"
	"github.com/anassagd432/aether-agent/internal/toolexec"
)

// Healer attempts automatic recovery from tool failures.
type Healer struct {
	logger           *zap.Logger
	llm              schemas.LLMClient
	exec             toolexec.Executor
	maxAttempts      int
	minConfidence    float64
	allowDangerous   bool
	verifyConcurrent int
}

// NewHealer wires the healer to its collaborators. llm may be nil; the
// pattern table then carries diagnosis alone.
func NewHealer(logger *zap.Logger, llm schemas.LLMClient, exec toolexec.Executor, cfg config.HealerConfig, allowDangerous bool) *Healer {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	minConfidence := cfg.MinConfidence
	if minConfidence <= 0 {
		minConfidence = 0.3
	}
	return &Healer{
		logger:           logger.Named("healer"),
		llm:              llm,
		exec:             exec,
		maxAttempts:      maxAttempts,
		minConfidence:    minConfidence,
		allowDangerous:   allowDangerous,
		verifyConcurrent: 2,
	}
}

// classifierRules map output signatures to error types. Order matters: the
// first match wins, and the more specific signatures come first.
var classifierRules = []struct {
	errType ErrorType
	pattern *regexp.Regexp
}{
	{ErrorTyping, regexp.MustCompile(`(?i)type error|TS\d{4}:|is not assignable to|mismatched types|incompatible type|cannot use .+ as .+ value`)},
	{ErrorTest, regexp.MustCompile(`(?i)\d+ (test|tests|spec|specs) failed|FAIL(ED)?[:\s]|assertion(error| failed)|expected .+ (but got|to equal|received)`)},
	{ErrorLint, regexp.MustCompile(`(?i)\beslint\b|\blint(er|ing)?\b.*(error|warning)|golangci-lint|prettier.*(error|check)`)},
	{ErrorBuild, regexp.MustCompile(`(?i)cannot find module|module not found|undefined: |syntax error|compilation (failed|error)|build failed|could not import|unexpected token|no such file or directory.*\.(go|ts|js|py)`)},
	{ErrorRuntime, regexp.MustCompile(`(?i)panic:|segmentation fault|traceback \(most recent call last\)|uncaught (exception|typeerror|referenceerror)|null pointer|nil pointer dereference|econnrefused|eaddrinuse`)},
}

// Classify buckets raw failure output into an error type using signature
// regexes. Output matching nothing is unknown, which is still healable; the
// LLM diagnosis sees the raw output either way.
func (h *Healer) Classify(rawOutput string) ErrorType {
	for _, rule := range classifierRules {
		if rule.pattern.MatchString(rawOutput) {
			return rule.errType
		}
	}
	return ErrorUnknown
}

// fallbackPatterns are deterministic diagnoses for failures common enough to
// hard-code. They back up the LLM when it is unavailable or unsure.
var fallbackPatterns = []struct {
	pattern    *regexp.Regexp
	rootCause  string
	suggestion func(matches []string) string
	confidence float64
}{
	{
		pattern:    regexp.MustCompile(`(?i)cannot find module '([^']+)'`),
		rootCause:  "a required npm package is not installed",
		suggestion: func(m []string) string { return "npm install " + m[1] },
		confidence: 0.7,
	},
	{
		pattern:    regexp.MustCompile(`(?i)no module named '?([A-Za-z0-9_.]+)'?`),
		rootCause:  "a required Python package is not installed",
		suggestion: func(m []string) string { return "pip install " + m[1] },
		confidence: 0.7,
	},
	{
		pattern:    regexp.MustCompile(`no required module provides package ([^\s:]+)`),
		rootCause:  "a required Go module is missing from go.mod",
		suggestion: func(m []string) string { return "go get " + m[1] },
		confidence: 0.7,
	},
	{
		pattern:    regexp.MustCompile(`(?i)([A-Za-z0-9._-]+): command not found`),
		rootCause:  "the command is not on PATH",
		suggestion: func(m []string) string { return "npm install --global " + m[1] },
		confidence: 0.5,
	},
	{
		pattern:    regexp.MustCompile(`(?i)EADDRINUSE.*:(\d+)`),
		rootCause:  "the port is already in use by another process",
		suggestion: func(m []string) string { return "fuser -k " + m[1] + "/tcp" },
		confidence: 0.5,
	},
}

const diagnosisSystemPrompt = `You are diagnosing a failure inside an autonomous software agent.
Given the error type and raw output, identify the root cause, the files involved, and concrete remedies ranked most promising first.
Respond with a single JSON object: {"root_cause": "...", "affected_files": ["..."], "suggested_fixes": ["..."], "confidence": 0.0-1.0}
confidence is your own estimate that the first suggested fix resolves the failure. No commentary.`

// Diagnose produces a diagnosis for the failure. The LLM path is preferred;
// when it errors, parses badly, or reports confidence below the configured
// floor, the deterministic pattern table takes over.
func (h *Healer) Diagnose(ctx context.Context, errCtx ErrorContext) Diagnosis {
	llmDiag, ok := h.diagnoseLLM(ctx, errCtx)
	if ok && llmDiag.Confidence >= h.minConfidence {
		return llmDiag
	}

	for _, fp := range fallbackPatterns {
		if m := fp.pattern.FindStringSubmatch(errCtx.RawOutput); m != nil {
			h.logger.Info("Using pattern-table diagnosis",
				zap.String("root_cause", fp.rootCause))
			return Diagnosis{
				RootCause:      fp.rootCause,
				SuggestedFixes: []string{fp.suggestion(m)},
				Confidence:     fp.confidence,
				Source:         SourcePattern,
			}
		}
	}

	// Low-confidence LLM output still beats nothing at all.
	if ok {
		return llmDiag
	}
	return Diagnosis{
		RootCause:  "unrecognized failure",
		Confidence: 0,
		Source:     SourcePattern,
	}
}

func (h *Healer) diagnoseLLM(ctx context.Context, errCtx ErrorContext) (Diagnosis, bool) {
	if h.llm == nil {
		return Diagnosis{}, false
	}
	userPrompt := fmt.Sprintf("Error type: %s\nFailed command: %s\n\nRaw output:\n%s",
		errCtx.Type, errCtx.Command, clip(errCtx.RawOutput, 4000))
	if len(errCtx.PriorAttempts) > 0 {
		var prior strings.Builder
		prior.WriteString("\n\nFixes already attempted (do not repeat):\n")
		for _, att := range errCtx.PriorAttempts {
			fmt.Fprintf(&prior, "- %s (%s)\n", att.Description, att.Result)
		}
		userPrompt += prior.String()
	}
	response, err := h.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: diagnosisSystemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.1, ForceJSONFormat: true},
	})
	if err != nil {
		h.logger.Warn("LLM diagnosis call failed", zap.Error(err))
		return Diagnosis{}, false
	}
	parsed, err := llmutil.ParseJSONResponse[Diagnosis](response)
	if err != nil {
		h.logger.Warn("LLM diagnosis unparseable", zap.Error(err))
		return Diagnosis{}, false
	}
	parsed.Source = SourceLLM
	return *parsed, true
}

const fixSystemPrompt = `You are generating a corrective fix for a diagnosed failure in a software project.
Respond with a single JSON object, one of:
{"kind": "patch", "path": "relative/file", "old_content": "exact text currently in the file", "new_content": "replacement text", "description": "..."}
{"kind": "command", "command": "shell command", "description": "..."}
old_content must be copied verbatim from the file, long enough to be unique. No commentary.`

// GenerateFix turns a diagnosis into a concrete fix. Pattern-table
// diagnoses whose top fix is a command skip the LLM entirely; when the LLM
// path fails, the diagnosis's first suggested fix is used as a command.
func (h *Healer) GenerateFix(ctx context.Context, errCtx ErrorContext, diag Diagnosis) (*Fix, error) {
	if diag.Source == SourcePattern && diag.PrimaryFix() != "" {
		return &Fix{
			Kind:        FixCommand,
			Command:     diag.PrimaryFix(),
			Description: diag.RootCause,
		}, nil
	}
	if h.llm == nil {
		if diag.PrimaryFix() != "" {
			return &Fix{Kind: FixCommand, Command: diag.PrimaryFix(), Description: diag.RootCause}, nil
		}
		return nil, fmt.Errorf("no fix available: LLM unconfigured and no suggested fix")
	}

	userPrompt := fmt.Sprintf("Root cause: %s\nSuggested remedies (ranked): %s\nAffected files: %s\nError type: %s\n\nRaw output:\n%s",
		diag.RootCause, strings.Join(diag.SuggestedFixes, "; "), strings.Join(diag.AffectedFiles, ", "),
		errCtx.Type, clip(errCtx.RawOutput, 4000))
	response, err := h.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: fixSystemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.1, ForceJSONFormat: true},
	})
	if err != nil {
		return nil, fmt.Errorf("fix generation: %w", err)
	}
	fix, err := llmutil.ParseJSONResponse[Fix](response)
	if err != nil {
		if diag.PrimaryFix() != "" {
			return &Fix{Kind: FixCommand, Command: diag.PrimaryFix(), Description: diag.RootCause}, nil
		}
		return nil, fmt.Errorf("fix generation: %w", err)
	}
	switch fix.Kind {
	case FixPatch:
		if fix.Path == "" || fix.OldContent == "" {
			return nil, fmt.Errorf("fix generation: patch missing path or old_content")
		}
	case FixCommand:
		if fix.Command == "" {
			return nil, fmt.Errorf("fix generation: command fix missing command")
		}
	default:
		return nil, fmt.Errorf("fix generation: unknown fix kind %q", fix.Kind)
	}
	return fix, nil
}

// dangerousCommandRegex blocks destructive commands unless the operator
// opted in. The fork-bomb signature is matched literally.
var dangerousCommandRegex = regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b|\bsudo\b|\bmkfs(\.[a-z0-9]+)?\b|\bdd\s+if=|:\(\)\s*\{\s*:\|:&\s*\}\s*;|\bshutdown\b|\breboot\b`)

// ApplyFix executes a fix. Patches are exact substring replacements: the
// old content must appear verbatim in the file exactly once, otherwise the
// patch fails loudly and nothing is written. Fuzzy or partial matching is
// deliberately not attempted.
func (h *Healer) ApplyFix(ctx context.Context, fix *Fix) error {
	switch fix.Kind {
	case FixCommand:
		return h.applyCommand(ctx, fix)
	case FixPatch:
		return h.applyPatch(ctx, fix)
	default:
		return fmt.Errorf("apply fix: unknown kind %q", fix.Kind)
	}
}

func (h *Healer) applyCommand(ctx context.Context, fix *Fix) error {
	if !h.allowDangerous && dangerousCommandRegex.MatchString(fix.Command) {
		return fmt.Errorf("apply fix: command %q rejected by safety policy", fix.Command)
	}
	res, err := h.exec.Execute(ctx, schemas.ToolRequest{
		Kind:    schemas.ToolShellCommand,
		Command: fix.Command,
	})
	if err != nil {
		return fmt.Errorf("apply fix: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("apply fix: command failed: %s", firstNonEmpty(res.Error, clip(res.Output, 500)))
	}
	return nil
}

func (h *Healer) applyPatch(ctx context.Context, fix *Fix) error {
	read, err := h.exec.Execute(ctx, schemas.ToolRequest{
		Kind: schemas.ToolFileRead,
		Path: fix.Path,
	})
	if err != nil {
		return fmt.Errorf("apply fix: read %s: %w", fix.Path, err)
	}
	if !read.Success {
		return fmt.Errorf("apply fix: read %s: %s", fix.Path, read.Error)
	}

	current := read.Output
	oldContent := llmutil.CleanCodeOutput(fix.OldContent)
	newContent := llmutil.CleanCodeOutput(fix.NewContent)

	switch strings.Count(current, oldContent) {
	case 0:
		return fmt.Errorf("apply fix: old content not found verbatim in %s", fix.Path)
	case 1:
	default:
		return fmt.Errorf("apply fix: old content is ambiguous in %s (multiple matches)", fix.Path)
	}

	write, err := h.exec.Execute(ctx, schemas.ToolRequest{
		Kind:    schemas.ToolFileWrite,
		Path:    fix.Path,
		Content: strings.Replace(current, oldContent, newContent, 1),
	})
	if err != nil {
		return fmt.Errorf("apply fix: write %s: %w", fix.Path, err)
	}
	if !write.Success {
		return fmt.Errorf("apply fix: write %s: %s", fix.Path, write.Error)
	}
	return nil
}

// verificationsFor names the checks that must pass for the fix to count.
func verificationsFor(errType ErrorType) []schemas.ToolRequest {
	switch errType {
	case ErrorBuild, ErrorTyping:
		return []schemas.ToolRequest{{Kind: schemas.ToolBuild}}
	case ErrorTest:
		return []schemas.ToolRequest{{Kind: schemas.ToolBuild}, {Kind: schemas.ToolTest}}
	case ErrorLint:
		return []schemas.ToolRequest{{Kind: schemas.ToolLint}}
	default:
		return []schemas.ToolRequest{{Kind: schemas.ToolBuild}}
	}
}

// Verify re-runs the checks appropriate for the error type. Checks run
// concurrently; each passes on a clean exit, or on a dirty exit whose
// output no longer shows the original error. A check that fails for an
// unrelated reason does not mean the fix missed.
func (h *Healer) Verify(ctx context.Context, errCtx ErrorContext) error {
	signature := errorSignature(errCtx.RawOutput)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.verifyConcurrent)
	for _, req := range verificationsFor(errCtx.Type) {
		req := req
		if errCtx.Type == ErrorRuntime && errCtx.Command != "" {
			// Rerunning the original command is the only meaningful check
			// for a runtime failure.
			req = schemas.ToolRequest{Kind: schemas.ToolShellCommand, Command: errCtx.Command}
		}
		g.Go(func() error {
			res, err := h.exec.Execute(gctx, req)
			if err != nil {
				return fmt.Errorf("verify %s: %w", req.Kind, err)
			}
			if res.Success {
				return nil
			}
			if signature != "" && !strings.Contains(res.Output+"\n"+res.Error, signature) {
				h.logger.Info("Check still failing but the original error is gone",
					zap.String("check", string(req.Kind)),
					zap.String("original", signature))
				return nil
			}
			return fmt.Errorf("verify %s: %s", req.Kind, firstNonEmpty(res.Error, clip(res.Output, 500)))
		})
	}
	return g.Wait()
}

// errorSignature reduces a raw failure blob to its salient line, the text
// whose disappearance from a re-run proves the original error resolved.
func errorSignature(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// Heal runs the full pipeline with up to the configured number of attempts.
// Each attempt re-diagnoses with the accumulated attempt trail in view, so
// a fix that moved the error forward informs the next attempt.
func (h *Healer) Heal(ctx context.Context, errCtx ErrorContext) Result {
	start := time.Now()
	if errCtx.Type == "" || errCtx.Type == ErrorUnknown {
		errCtx.Type = h.Classify(errCtx.RawOutput)
	}
	result := Result{ErrorType: errCtx.Type, FinalState: StateUnresolvable}

	record := func(description string, attRes AttemptResult, detail string) {
		att := FixAttempt{Description: description, Result: attRes, Detail: detail, Timestamp: time.Now()}
		result.FixTrail = append(result.FixTrail, att)
		errCtx.PriorAttempts = append(errCtx.PriorAttempts, att)
	}

	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			result.FinalError = ctx.Err().Error()
			break
		}
		result.Attempts = attempt
		log := h.logger.With(zap.Int("attempt", attempt), zap.String("error_type", string(errCtx.Type)))

		diag := h.Diagnose(ctx, errCtx)
		result.Diagnosis = &diag
		if diag.PrimaryFix() == "" && h.llm == nil {
			result.FinalState = StateNeedsHuman
			result.FinalError = "no candidate fix available"
			break
		}
		if diag.Confidence < h.minConfidence {
			result.FinalState = StateNeedsHuman
			result.FinalError = fmt.Sprintf("diagnosis confidence %.2f below floor %.2f", diag.Confidence, h.minConfidence)
			break
		}

		fix, err := h.GenerateFix(ctx, errCtx, diag)
		if err != nil {
			log.Warn("Fix generation failed", zap.Error(err))
			record("generate fix", AttemptFailed, err.Error())
			result.FinalError = err.Error()
			continue
		}

		if err := h.ApplyFix(ctx, fix); err != nil {
			log.Warn("Fix application failed", zap.Error(err))
			record(fix.Description, AttemptFailed, err.Error())
			result.FinalError = err.Error()
			continue
		}

		if err := h.Verify(ctx, errCtx); err != nil {
			log.Info("Fix applied but verification still fails", zap.Error(err))
			// The fresh output reaches the next diagnosis through the
			// attempt trail; RawOutput stays the original error text.
			record(fix.Description, AttemptPartial, err.Error())
			result.FinalError = err.Error()
			continue
		}

		record(fix.Description, AttemptSuccess, "")
		result.Fixed = true
		result.FinalState = StateResolved
		result.AppliedFix = fix.Description
		result.FinalError = ""
		log.Info("Healing succeeded", zap.String("fix", fix.Description))
		break
	}

	result.Duration = time.Since(start)
	return result
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

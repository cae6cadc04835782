// File: internal/toolexec/toolexec.go
package toolexec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anassagd432/aether-agent/api/schemas"
)

// Executor is the capability interface the decision loop uses to act on the
// world. Implementations must always return a well-formed ToolResult; an
// error return is reserved for invocation problems (unknown kind, bad
// parameters), not for command failures, which are reported in the result.
type Executor interface {
	Execute(ctx context.Context, req schemas.ToolRequest) (*schemas.ToolResult, error)
}

// LocalExecutor runs tool requests directly on the host: shell commands
// through the platform shell, file operations against a workspace root.
type LocalExecutor struct {
	logger      *zap.Logger
	projectRoot string
	llm         schemas.LLMClient
}

// NewLocalExecutor creates an executor rooted at projectRoot. The LLM client
// may be nil; the llm_completion tool kind then reports failure instead of
// delegating.
func NewLocalExecutor(logger *zap.Logger, projectRoot string, llm schemas.LLMClient) *LocalExecutor {
	return &LocalExecutor{
		logger:      logger.Named("toolexec"),
		projectRoot: projectRoot,
		llm:         llm,
	}
}

// Execute dispatches on the request's tool kind.
func (e *LocalExecutor) Execute(ctx context.Context, req schemas.ToolRequest) (*schemas.ToolResult, error) {
	start := time.Now()

	var result *schemas.ToolResult
	var err error

	switch req.Kind {
	case schemas.ToolShellCommand:
		result = e.runShell(ctx, req.Command)
	case schemas.ToolFileRead:
		result = e.readFile(req.Path)
	case schemas.ToolFileWrite:
		result = e.writeFile(req.Path, req.Content)
	case schemas.ToolFileDelete:
		result = e.deleteFile(req.Path)
	case schemas.ToolInstall:
		result = e.runShell(ctx, e.commandFor(req, "install"))
	case schemas.ToolBuild:
		result = e.runShell(ctx, e.commandFor(req, "build"))
	case schemas.ToolTest:
		result = e.runShell(ctx, e.commandFor(req, "test"))
	case schemas.ToolLint:
		result = e.runShell(ctx, e.commandFor(req, "lint"))
	case schemas.ToolDevServer:
		result = e.startDevServer(req)
	case schemas.ToolFileSearch:
		result = e.searchFiles(req.Content)
	case schemas.ToolCodeSearch:
		result = e.searchCode(req.Content)
	case schemas.ToolWebSearch:
		result = &schemas.ToolResult{
			Success: false,
			Error:   "web_search is not available on the local executor",
		}
	case schemas.ToolLLMCompletion:
		result = e.completeWithLLM(ctx, req.Content)
	default:
		err = fmt.Errorf("unknown tool kind: %s", req.Kind)
	}

	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	e.logger.Debug("Tool executed",
		zap.String("kind", string(req.Kind)),
		zap.Bool("success", result.Success),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// commandFor resolves the concrete command line for project lifecycle kinds.
// An explicit command in the request wins; otherwise the project type is
// sniffed from marker files in the workspace root.
func (e *LocalExecutor) commandFor(req schemas.ToolRequest, verb string) string {
	if req.Command != "" {
		return req.Command
	}
	if override, ok := req.Params[verb]; ok && override != "" {
		return override
	}

	goProject := fileExists(filepath.Join(e.projectRoot, "go.mod"))
	nodeProject := fileExists(filepath.Join(e.projectRoot, "package.json"))

	switch verb {
	case "install":
		if goProject {
			return "go mod download"
		}
		if nodeProject {
			return "npm install"
		}
		return "true"
	case "build":
		if goProject {
			return "go build ./..."
		}
		if nodeProject {
			return "npm run build --if-present"
		}
		return "true"
	case "test":
		if goProject {
			return "go test ./..."
		}
		if nodeProject {
			return "npm test"
		}
		return "true"
	case "lint":
		if goProject {
			return "go vet ./..."
		}
		if nodeProject {
			return "npm run lint --if-present"
		}
		return "true"
	}
	return "true"
}

// runShell executes a command through a platform-specific shell.
func (e *LocalExecutor) runShell(ctx context.Context, command string) *schemas.ToolResult {
	if strings.TrimSpace(command) == "" {
		return &schemas.ToolResult{Success: false, Error: "empty command"}
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		cmd = exec.CommandContext(ctx, shell, "-c", command)
	}

	cmd.Dir = e.projectRoot
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()

	result := &schemas.ToolResult{
		Success: err == nil,
		Output:  string(output),
	}
	if err != nil {
		result.Error = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		}
	}
	return result
}

// startDevServer launches a long-running process without waiting for it.
func (e *LocalExecutor) startDevServer(req schemas.ToolRequest) *schemas.ToolResult {
	command := req.Command
	if command == "" {
		if fileExists(filepath.Join(e.projectRoot, "package.json")) {
			command = "npm run dev"
		} else {
			return &schemas.ToolResult{Success: false, Error: "no dev server command configured"}
		}
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	// Deliberately not CommandContext: the server must outlive the tool call.
	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = e.projectRoot
	if err := cmd.Start(); err != nil {
		return &schemas.ToolResult{Success: false, Error: fmt.Sprintf("failed to start dev server: %v", err)}
	}
	go func() { _ = cmd.Wait() }()

	return &schemas.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("dev server started (pid %d): %s", cmd.Process.Pid, command),
	}
}

// resolvePath guards file operations against path traversal out of the
// workspace root.
func (e *LocalExecutor) resolvePath(relPath string) (string, error) {
	cleanRelPath := filepath.Clean(relPath)
	if strings.HasPrefix(cleanRelPath, "..") || filepath.IsAbs(cleanRelPath) {
		return "", fmt.Errorf("invalid file path (path traversal detected): %s", relPath)
	}
	return filepath.Join(e.projectRoot, cleanRelPath), nil
}

func (e *LocalExecutor) readFile(relPath string) *schemas.ToolResult {
	fullPath, err := e.resolvePath(relPath)
	if err != nil {
		return &schemas.ToolResult{Success: false, Error: err.Error()}
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return &schemas.ToolResult{Success: false, Error: fmt.Sprintf("failed to read file: %v", err)}
	}
	return &schemas.ToolResult{Success: true, Output: string(data)}
}

func (e *LocalExecutor) writeFile(relPath, content string) *schemas.ToolResult {
	fullPath, err := e.resolvePath(relPath)
	if err != nil {
		return &schemas.ToolResult{Success: false, Error: err.Error()}
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return &schemas.ToolResult{Success: false, Error: fmt.Sprintf("failed to create directory: %v", err)}
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return &schemas.ToolResult{Success: false, Error: fmt.Sprintf("failed to write file: %v", err)}
	}
	return &schemas.ToolResult{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(content), relPath)}
}

func (e *LocalExecutor) deleteFile(relPath string) *schemas.ToolResult {
	fullPath, err := e.resolvePath(relPath)
	if err != nil {
		return &schemas.ToolResult{Success: false, Error: err.Error()}
	}
	if err := os.Remove(fullPath); err != nil {
		return &schemas.ToolResult{Success: false, Error: fmt.Sprintf("failed to delete file: %v", err)}
	}
	return &schemas.ToolResult{Success: true, Output: fmt.Sprintf("deleted %s", relPath)}
}

// searchFiles matches file names under the workspace root against a glob
// pattern (plain substrings also work).
func (e *LocalExecutor) searchFiles(pattern string) *schemas.ToolResult {
	if pattern == "" {
		return &schemas.ToolResult{Success: false, Error: "empty search pattern"}
	}
	var matches []string
	err := filepath.WalkDir(e.projectRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip unreadable entries.
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(e.projectRoot, path)
		if relErr != nil {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok || strings.Contains(rel, pattern) {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return &schemas.ToolResult{Success: false, Error: err.Error()}
	}
	return &schemas.ToolResult{Success: true, Output: strings.Join(matches, "\n")}
}

// searchCode scans file contents under the workspace root for a substring and
// reports matching lines as path:line:text.
func (e *LocalExecutor) searchCode(query string) *schemas.ToolResult {
	if query == "" {
		return &schemas.ToolResult{Success: false, Error: "empty search query"}
	}
	var sb strings.Builder
	err := filepath.WalkDir(e.projectRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > 1<<20 {
			return nil // Skip oversized files.
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		rel, _ := filepath.Rel(e.projectRoot, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				fmt.Fprintf(&sb, "%s:%d:%s\n", rel, i+1, strings.TrimSpace(line))
			}
		}
		return nil
	})
	if err != nil {
		return &schemas.ToolResult{Success: false, Error: err.Error()}
	}
	return &schemas.ToolResult{Success: true, Output: sb.String()}
}

func (e *LocalExecutor) completeWithLLM(ctx context.Context, prompt string) *schemas.ToolResult {
	if e.llm == nil {
		return &schemas.ToolResult{Success: false, Error: "no completion service configured"}
	}
	out, err := e.llm.Generate(ctx, schemas.GenerationRequest{
		UserPrompt: prompt,
		Tier:       schemas.TierPowerful,
		Options:    schemas.GenerationOptions{Temperature: 0.3},
	})
	if err != nil {
		return &schemas.ToolResult{Success: false, Error: err.Error()}
	}
	return &schemas.ToolResult{Success: true, Output: out}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

var _ Executor = (*LocalExecutor)(nil)

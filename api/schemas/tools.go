package schemas

import "time"

// ToolKind enumerates the fixed set of capabilities exposed by the
// tool-execution boundary. Modeling this as a closed enum rather than an open
// string-keyed dispatch keeps action handling exhaustiveness-checkable.
type ToolKind string

const (
	ToolShellCommand  ToolKind = "shell_command"      // Run an arbitrary shell command.
	ToolFileRead      ToolKind = "file_read"          // Read a file relative to the workspace root.
	ToolFileWrite     ToolKind = "file_write"         // Write (create or replace) a file.
	ToolFileDelete    ToolKind = "file_delete"        // Delete a file.
	ToolInstall       ToolKind = "dependency_install" // Install project dependencies.
	ToolBuild         ToolKind = "build"              // Compile the project.
	ToolTest          ToolKind = "test"               // Run the project's test suite.
	ToolDevServer     ToolKind = "dev_server_start"   // Start a development server.
	ToolLint          ToolKind = "lint"               // Run the project's linter.
	ToolFileSearch    ToolKind = "file_search"        // Search for files by name pattern.
	ToolCodeSearch    ToolKind = "code_search"        // Search file contents.
	ToolWebSearch     ToolKind = "web_search"         // Query an external search service.
	ToolLLMCompletion ToolKind = "llm_completion"     // Delegate the task text to the completion service.
)

// ToolRequest describes a single invocation of the tool-execution boundary.
type ToolRequest struct {
	Kind    ToolKind          `json:"kind"`              // Which capability to invoke.
	Command string            `json:"command,omitempty"` // Shell command line, for command-like kinds.
	Path    string            `json:"path,omitempty"`    // Target path, for file kinds.
	Content string            `json:"content,omitempty"` // File content or query text.
	Params  map[string]string `json:"params,omitempty"`  // Additional kind-specific parameters.
}

// ToolResult is the standardized outcome shape the core requires from any
// tool-execution backend. The core never assumes a particular runtime; it
// only relies on this structure.
type ToolResult struct {
	Success  bool          `json:"success"`             // Whether the invocation completed cleanly.
	Output   string        `json:"output"`              // Captured stdout/stderr or file content.
	Error    string        `json:"error,omitempty"`     // Error message when Success is false.
	ExitCode int           `json:"exit_code,omitempty"` // Process exit code, when applicable.
	Duration time.Duration `json:"duration"`            // Wall-clock execution time.
}

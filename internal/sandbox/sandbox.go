// Package sandbox exposes a constrained file capability set to the reasoning
// service. Every operation is rooted at a fixed base directory; paths that are
// absolute or that resolve outside the root are rejected before any filesystem
// access.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/sanitize"
)

// Tool names understood by the sandbox.
const (
	ToolReadFile   = "read_file"
	ToolWriteFile  = "write_file"
	ToolListDir    = "list_dir"
	ToolFileExists = "file_exists"
)

// ErrUnknownTool is returned for operation names the sandbox does not expose.
var ErrUnknownTool = errors.New("unknown tool")

// Request is one tool invocation from the reasoning service.
type Request struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

// Result is the structured outcome of a tool invocation. The sandbox never
// panics or errors past its boundary; failures are carried in Error.
type Result struct {
	Success bool           `json:"success"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Sandbox executes tool requests under a fixed root directory.
type Sandbox struct {
	root   string
	logger *zap.Logger
}

// New creates a Sandbox rooted at root. The root directory is created if it
// does not exist.
func New(root string, logger *zap.Logger) (*Sandbox, error) {
	if root == "" {
		return nil, errors.New("sandbox root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root %s: %w", abs, err)
	}
	return &Sandbox{root: abs, logger: logger}, nil
}

// Root returns the absolute sandbox root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// Execute dispatches a single tool request. Every call, success or failure,
// returns a structured Result.
func (s *Sandbox) Execute(req Request) Result {
	var res Result
	switch req.Operation {
	case ToolReadFile:
		res = s.readFile(req.Params)
	case ToolWriteFile:
		res = s.writeFile(req.Params)
	case ToolListDir:
		res = s.listDir(req.Params)
	case ToolFileExists:
		res = s.fileExists(req.Params)
	default:
		res = failure(fmt.Errorf("%w: %s", ErrUnknownTool, req.Operation))
	}

	if !res.Success {
		s.logger.Debug("sandbox call rejected",
			zap.String("operation", req.Operation),
			zap.String("error", res.Error))
	}
	return res
}

func (s *Sandbox) readFile(params map[string]any) Result {
	abs, res, ok := s.resolve(params)
	if !ok {
		return res
	}

	info, err := os.Stat(abs)
	if err != nil {
		return failure(fmt.Errorf("file does not exist: %w", err))
	}
	if info.IsDir() {
		return failure(fmt.Errorf("path is a directory, not a file"))
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return failure(fmt.Errorf("failed to read file: %w", err))
	}
	return success(map[string]any{"content": string(data)})
}

func (s *Sandbox) writeFile(params map[string]any) Result {
	abs, res, ok := s.resolve(params)
	if !ok {
		return res
	}

	content, _ := params["content"].(string)

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return failure(fmt.Errorf("failed to create parent directories: %w", err))
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return failure(fmt.Errorf("failed to write file: %w", err))
	}
	return success(map[string]any{"bytes_written": len(content)})
}

func (s *Sandbox) listDir(params map[string]any) Result {
	abs, res, ok := s.resolve(params)
	if !ok {
		return res
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return failure(fmt.Errorf("directory does not exist: %w", err))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return success(map[string]any{"entries": names})
}

func (s *Sandbox) fileExists(params map[string]any) Result {
	abs, res, ok := s.resolve(params)
	if !ok {
		return res
	}

	_, err := os.Stat(abs)
	return success(map[string]any{"exists": err == nil})
}

// resolve extracts and validates the path parameter. On rejection it returns
// a failure Result and ok=false; the filesystem has not been touched.
func (s *Sandbox) resolve(params map[string]any) (string, Result, bool) {
	path, _ := params["path"].(string)
	abs, err := sanitize.ResolveWithinRoot(s.root, path)
	if err != nil {
		return "", failure(err), false
	}
	return abs, Result{}, true
}

func success(payload map[string]any) Result {
	return Result{Success: true, Payload: payload}
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type fileSystemArgs struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
}

// FileResult contains the result of a file operation.
type FileResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Blocked paths for security
var blockedPaths = []string{
	"/etc/passwd", "/etc/shadow", "/etc/sudoers",
	"~/.ssh", "~/.gnupg", "~/.aws/credentials", "~/.config/gcloud",
}

func NewFileSystem() Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"enum":        []string{"read", "write", "append", "list", "exists"},
				"description": "File operation to perform.",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "File or directory path.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content for write/append operations.",
			},
		},
		"required": []string{"operation", "path"},
	}

	return NewFuncTool(
		"file_system",
		"Perform file operations: read, write, append, list, exists. Some sensitive paths are blocked.",
		schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			_ = ctx
			var in fileSystemArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid file_system args: %w", err)
			}
			if in.Operation == "" {
				return nil, fmt.Errorf("operation is required")
			}
			if in.Path == "" {
				return nil, fmt.Errorf("path is required")
			}

			if err := validatePath(in.Path); err != nil {
				return &FileResult{Success: false, Error: err.Error()}, nil
			}

			switch in.Operation {
			case "read":
				return fsReadFile(in.Path)
			case "write":
				return fsWriteFile(in.Path, in.Content, false)
			case "append":
				return fsWriteFile(in.Path, in.Content, true)
			case "list":
				return fsListDir(in.Path)
			case "exists":
				return fsExists(in.Path)
			default:
				return nil, fmt.Errorf("unsupported operation %q", in.Operation)
			}
		},
	)
}

func validatePath(path string) error {
	expanded := path
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded = filepath.Join(home, path[1:])
		}
	}
	cleaned := filepath.Clean(expanded)
	for _, blocked := range blockedPaths {
		b := blocked
		if strings.HasPrefix(b, "~") {
			home, err := os.UserHomeDir()
			if err == nil {
				b = filepath.Join(home, b[1:])
			}
		}
		if cleaned == b || strings.HasPrefix(cleaned, b+string(os.PathSeparator)) {
			return fmt.Errorf("access to %q is blocked", path)
		}
	}
	return nil
}

func fsReadFile(path string) (*FileResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &FileResult{Success: false, Error: err.Error()}, nil
	}
	return &FileResult{Success: true, Data: string(raw)}, nil
}

func fsWriteFile(path, content string, appendMode bool) (*FileResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &FileResult{Success: false, Error: err.Error()}, nil
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return &FileResult{Success: false, Error: err.Error()}, nil
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return &FileResult{Success: false, Error: err.Error()}, nil
	}
	return &FileResult{
		Success: true,
		Message: fmt.Sprintf("wrote %d bytes to %s", len(content), path),
	}, nil
}

func fsListDir(path string) (*FileResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return &FileResult{Success: false, Error: err.Error()}, nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return &FileResult{Success: true, Data: names}, nil
}

func fsExists(path string) (*FileResult, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileResult{Success: true, Data: false}, nil
		}
		return &FileResult{Success: false, Error: err.Error()}, nil
	}
	return &FileResult{Success: true, Data: true}, nil
}

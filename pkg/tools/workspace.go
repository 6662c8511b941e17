package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// resolveInRoot maps a tool-supplied relative path into the workspace root
// and rejects anything that escapes it.
func resolveInRoot(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	joined := filepath.Join(root, filepath.Clean(rel))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return joined, nil
}

// WorkspaceReadTool reads a file from the assistant's workspace directory.
type WorkspaceReadTool struct {
	BaseTool
	Root string
}

func NewWorkspaceReadTool(root string) *WorkspaceReadTool {
	return &WorkspaceReadTool{Root: root}
}

func (t *WorkspaceReadTool) Name() string {
	return "workspace_read"
}

func (t *WorkspaceReadTool) Description() string {
	return "Read a file from your workspace. Paths are relative to the workspace root."
}

func (t *WorkspaceReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Workspace-relative path of the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *WorkspaceReadTool) ToSchema() map[string]interface{} {
	return GenerateSchema(t)
}

func (t *WorkspaceReadTool) Execute(args map[string]interface{}) (string, error) {
	rel, ok := args["path"].(string)
	if !ok {
		return "", fmt.Errorf("path must be a string")
	}

	path, err := resolveInRoot(t.Root, rel)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: no such file in workspace: %s", rel), nil
		}
		return "", fmt.Errorf("error reading %s: %w", rel, err)
	}
	return string(data), nil
}

// WorkspaceWriteTool writes a file into the assistant's workspace directory,
// creating parent directories as needed.
type WorkspaceWriteTool struct {
	BaseTool
	Root string
}

func NewWorkspaceWriteTool(root string) *WorkspaceWriteTool {
	return &WorkspaceWriteTool{Root: root}
}

func (t *WorkspaceWriteTool) Name() string {
	return "workspace_write"
}

func (t *WorkspaceWriteTool) Description() string {
	return "Write a file in your workspace, replacing it if it exists. Paths are relative to the workspace root."
}

func (t *WorkspaceWriteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Workspace-relative path of the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full file content",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WorkspaceWriteTool) ToSchema() map[string]interface{} {
	return GenerateSchema(t)
}

func (t *WorkspaceWriteTool) Execute(args map[string]interface{}) (string, error) {
	rel, ok := args["path"].(string)
	if !ok {
		return "", fmt.Errorf("path must be a string")
	}
	content, ok := args["content"].(string)
	if !ok {
		return "", fmt.Errorf("content must be a string")
	}

	path, err := resolveInRoot(t.Root, rel)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("error creating directories for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("error writing %s: %w", rel, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), rel), nil
}

// WorkspaceListTool lists a directory inside the assistant's workspace.
type WorkspaceListTool struct {
	BaseTool
	Root string
}

func NewWorkspaceListTool(root string) *WorkspaceListTool {
	return &WorkspaceListTool{Root: root}
}

func (t *WorkspaceListTool) Name() string {
	return "workspace_list"
}

func (t *WorkspaceListTool) Description() string {
	return "List the contents of a workspace directory. Use \".\" for the workspace root."
}

func (t *WorkspaceListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Workspace-relative directory path",
			},
		},
		"required": []string{"path"},
	}
}

func (t *WorkspaceListTool) ToSchema() map[string]interface{} {
	return GenerateSchema(t)
}

func (t *WorkspaceListTool) Execute(args map[string]interface{}) (string, error) {
	rel, ok := args["path"].(string)
	if !ok {
		return "", fmt.Errorf("path must be a string")
	}

	path, err := resolveInRoot(t.Root, rel)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: no such directory in workspace: %s", rel), nil
		}
		return "", fmt.Errorf("error listing %s: %w", rel, err)
	}

	var items []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		items = append(items, name)
	}
	sort.Strings(items)

	if len(items) == 0 {
		return fmt.Sprintf("Directory %s is empty", rel), nil
	}
	return strings.Join(items, "\n"), nil
}

package readiness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// InstallOptions configures hook installation for one session's working
// directory. The hooks are a configuration artifact generated once per
// directory; the daemon never invokes them itself.
type InstallOptions struct {
	WorkingDir string
	StateFile  string
	BinDir     string
	DryRun     bool
}

type InstallResult struct {
	DryRun       bool     `json:"dry_run"`
	FilesWritten []string `json:"files_written,omitempty"`
	Backups      []string `json:"backups,omitempty"`
}

// InstallHooks writes the state-emit helper script and merges the four
// lifecycle hooks into the working directory's agent settings so the
// agent reports idle / confirmation-needed / prompt-submitted /
// terminated transitions to the session's side-channel file.
func InstallHooks(opts InstallOptions) (InstallResult, error) {
	if strings.TrimSpace(opts.WorkingDir) == "" {
		return InstallResult{}, fmt.Errorf("working dir is required")
	}
	if strings.TrimSpace(opts.StateFile) == "" {
		return InstallResult{}, fmt.Errorf("state file is required")
	}
	if strings.TrimSpace(opts.BinDir) == "" {
		opts.BinDir = filepath.Join(opts.WorkingDir, ".voxmux")
	}

	res := InstallResult{DryRun: opts.DryRun}

	emitPath := filepath.Join(opts.BinDir, "voxmux-state-emit")
	if err := writeManagedFile(emitPath, renderStateEmitScript(), 0o755, opts.DryRun, &res); err != nil {
		return InstallResult{}, err
	}

	settingsPath := filepath.Join(opts.WorkingDir, ".claude", "settings.json")
	commands := map[string]string{
		"Notification":     fmt.Sprintf("%s %s %s", emitPath, tokenConfirm, opts.StateFile),
		"Stop":             fmt.Sprintf("%s %s %s", emitPath, tokenIdle, opts.StateFile),
		"UserPromptSubmit": fmt.Sprintf("%s %s %s", emitPath, tokenSubmitted, opts.StateFile),
		"SessionEnd":       fmt.Sprintf("%s %s %s", emitPath, tokenTerminated, opts.StateFile),
	}
	if err := mergeAgentSettings(settingsPath, commands, opts.DryRun, &res); err != nil {
		return InstallResult{}, err
	}
	return res, nil
}

func mergeAgentSettings(path string, commands map[string]string, dryRun bool, res *InstallResult) error {
	raw, err := readOptional(path)
	if err != nil {
		return err
	}
	updated, changed, err := applyHookCommands(raw, commands)
	if err != nil {
		return fmt.Errorf("merge agent settings: %w", err)
	}
	if !changed {
		return nil
	}
	return writeManagedFile(path, string(updated), 0o600, dryRun, res)
}

func applyHookCommands(raw []byte, commands map[string]string) ([]byte, bool, error) {
	var root map[string]any
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		root = map[string]any{}
	} else if err := json.Unmarshal(raw, &root); err != nil {
		return nil, false, fmt.Errorf("invalid JSON")
	}

	hooks := map[string]any{}
	if existing, ok := root["hooks"]; ok {
		asMap, ok := existing.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("hooks must be object")
		}
		hooks = asMap
	}

	changed := false
	for event, cmd := range commands {
		entryList, _ := hooks[event].([]any)
		if entryList == nil {
			entryList = []any{}
		}
		idx := findMatcherEntry(entryList, "*")
		if idx < 0 {
			entryList = append(entryList, map[string]any{
				"matcher": "*",
				"hooks":   []any{},
			})
			idx = len(entryList) - 1
			changed = true
		}
		entry, ok := entryList[idx].(map[string]any)
		if !ok {
			entry = map[string]any{"matcher": "*", "hooks": []any{}}
		}
		hookList, _ := entry["hooks"].([]any)
		if hookList == nil {
			hookList = []any{}
		}
		if !containsHookCommand(hookList, cmd) {
			hookList = append(hookList, map[string]any{
				"type":    "command",
				"command": cmd,
			})
			changed = true
		}
		entry["hooks"] = hookList
		entryList[idx] = entry
		hooks[event] = entryList
	}
	root["hooks"] = hooks

	out, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, false, fmt.Errorf("marshal agent settings: %w", err)
	}
	out = append(out, '\n')

	if !changed && bytes.Equal(bytes.TrimSpace(raw), bytes.TrimSpace(out)) {
		return out, false, nil
	}
	return out, true, nil
}

func findMatcherEntry(entries []any, matcher string) int {
	for i, v := range entries {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if strings.TrimSpace(toString(m["matcher"])) == matcher {
			return i
		}
	}
	return -1
}

func containsHookCommand(hooks []any, command string) bool {
	for _, h := range hooks {
		m, ok := h.(map[string]any)
		if !ok {
			continue
		}
		if strings.TrimSpace(toString(m["command"])) == strings.TrimSpace(command) {
			return true
		}
	}
	return false
}

func writeManagedFile(path, content string, perm os.FileMode, dryRun bool, res *InstallResult) error {
	existing, err := readOptional(path)
	if err != nil {
		return err
	}
	if bytes.Equal(existing, []byte(content)) {
		return nil
	}

	if dryRun {
		res.FilesWritten = append(res.FilesWritten, path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if len(existing) > 0 {
		backupPath := fmt.Sprintf("%s.bak.%d", path, time.Now().UTC().UnixNano())
		if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
			return fmt.Errorf("write backup %s: %w", backupPath, err)
		}
		res.Backups = append(res.Backups, backupPath)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UTC().UnixNano())
	if err := os.WriteFile(tmpPath, []byte(content), perm); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file %s: %w", path, err)
	}
	res.FilesWritten = append(res.FilesWritten, path)
	return nil
}

func readOptional(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	return nil, fmt.Errorf("read file %s: %w", path, err)
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func renderStateEmitScript() string {
	return `#!/bin/sh
set -u
TOKEN="${1:-}"
STATE_FILE="${2:-}"
if [ -z "$TOKEN" ] || [ -z "$STATE_FILE" ]; then
  exit 0
fi
MILLIS="$(date +%s%3N 2>/dev/null)"
case "$MILLIS" in
  *N*|'') MILLIS="$(($(date +%s) * 1000))" ;;
esac
printf '%s %s\n' "$MILLIS" "$TOKEN" >> "$STATE_FILE" 2>/dev/null || true
exit 0
`
}

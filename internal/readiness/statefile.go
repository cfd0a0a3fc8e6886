package readiness

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/voxmux/voxmux/internal/model"
)

// Side-channel tokens written by the agent's lifecycle hooks. One line
// per event: "<unix-millis> <token>", appended.
const (
	tokenIdle        = "idle"
	tokenConfirm     = "confirm_needed"
	tokenSubmitted   = "prompt_submitted"
	tokenTerminated  = "terminated"
	stateFileSuffix  = ".state"
	maxStateFileSize = 256 * 1024
)

func tokenToState(token string) model.ReadinessState {
	switch token {
	case tokenIdle:
		return model.StateIdle
	case tokenConfirm:
		return model.StateAwaitingConfirmation
	case tokenSubmitted:
		return model.StateProcessing
	case tokenTerminated:
		return model.StateTerminated
	default:
		return model.StateUnknown
	}
}

// StateFilePath returns the per-session side-channel location.
func StateFilePath(stateDir, sessionName string) string {
	return filepath.Join(stateDir, sessionName+stateFileSuffix)
}

// readStateFile returns the last well-formed token in the file. Torn
// writes and malformed lines are expected during hook execution and are
// skipped, never surfaced as errors.
func readStateFile(path string) (model.ReadinessState, time.Time) {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return model.StateUnknown, time.Time{}
	}
	if len(raw) > maxStateFileSize {
		raw = raw[len(raw)-maxStateFileSize:]
	}
	lines := strings.Split(string(raw), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		millis, token, ok := splitStateLine(line)
		if !ok {
			continue
		}
		state := tokenToState(token)
		if state == model.StateUnknown {
			continue
		}
		return state, time.UnixMilli(millis)
	}
	return model.StateUnknown, time.Time{}
}

func splitStateLine(line string) (int64, string, bool) {
	idx := strings.IndexByte(line, ' ')
	if idx <= 0 || idx == len(line)-1 {
		return 0, "", false
	}
	millis, err := strconv.ParseInt(line[:idx], 10, 64)
	if err != nil || millis <= 0 {
		return 0, "", false
	}
	return millis, strings.TrimSpace(line[idx+1:]), true
}

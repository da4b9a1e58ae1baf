package devicectl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultStatePath is where launch metadata is recorded when no explicit
// state file is configured.
const DefaultStatePath = ".debug-agent/state.json"

// State is the session metadata record written after a successful launch, for
// reuse by later invocations.
type State struct {
	Device     string `json:"device"`
	BundleID   string `json:"bundle_id"`
	ListenPort int    `json:"listen_port"`
	AppBinary  string `json:"app_binary,omitempty"`
	PID        int64  `json:"pid,omitempty"`
}

// WriteState writes the state record as pretty-printed JSON, creating parent
// directories as needed. The app binary path is canonicalized when possible.
func WriteState(path string, state State) error {
	if path == "" {
		path = DefaultStatePath
	}
	if parent := filepath.Dir(path); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create state directory %s: %w", parent, err)
		}
	}
	if state.AppBinary != "" {
		if canonical, err := filepath.EvalSymlinks(state.AppBinary); err == nil {
			state.AppBinary = canonical
		}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadState loads a previously written state record.
func ReadState(path string) (*State, error) {
	if path == "" {
		path = DefaultStatePath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", path, err)
	}
	return &state, nil
}

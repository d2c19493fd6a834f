// ABOUTME: Persisted heartbeat state: the poll cursor and the watched issue list
// ABOUTME: A missing or corrupt state file loads as empty state instead of failing

package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// State is the JSON document kept at the configured state path.
type State struct {
	// LastPollAt is nil until the first completed cycle.
	LastPollAt      *time.Time `json:"lastPollAt"`
	WatchedIssueIDs []string   `json:"watchedIssueIds"`
}

// LoadState reads the state file. A missing file yields empty state and no
// error; a corrupt file yields empty state and the decode error so the
// caller can log it.
func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading heartbeat state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decoding heartbeat state: %w", err)
	}
	s.WatchedIssueIDs = dedupe(s.WatchedIssueIDs)
	return s, nil
}

// SaveState writes s atomically, creating parent directories.
func SaveState(path string, s State) error {
	if s.WatchedIssueIDs == nil {
		s.WatchedIssueIDs = []string{}
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding heartbeat state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing heartbeat state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing heartbeat state: %w", err)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

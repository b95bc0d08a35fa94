// Package watchdog implements the endpoint supervisor: it respawns the
// endpoint process after a crash or a requested restart, coordinated
// through a sentinel file in the working directory.
package watchdog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Sentinel marks a requested restart. The endpoint writes it before a
// clean exit; the watchdog consumes it and respawns with the recorded
// argv when present.
type Sentinel struct {
	Reason      string    `json:"reason"`
	Argv        []string  `json:"argv"`
	RequestedAt time.Time `json:"requested_at"`
}

// WriteSentinel persists the sentinel under dir/name.
func WriteSentinel(dir, name string, s Sentinel) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// ReadSentinel loads dir/name. The second return is false if no
// sentinel exists; an unreadable sentinel still counts as present so a
// corrupted file triggers a respawn rather than a silent stop.
func ReadSentinel(dir, name string) (*Sentinel, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, true, err
	}
	var s Sentinel
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, true, err
	}
	return &s, true, nil
}

// RemoveSentinel deletes dir/name; a missing file is not an error.
func RemoveSentinel(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

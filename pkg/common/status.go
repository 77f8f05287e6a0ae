package common

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a download task.
type Status int32

const (
	StatusNotReady Status = iota
	StatusReady
	StatusStarting
	StatusDownloading
	StatusPaused
	StatusStopped
	StatusCompleted
)

var statusNames = map[Status]string{
	StatusNotReady:    "notReady",
	StatusReady:       "ready",
	StatusStarting:    "starting",
	StatusDownloading: "downloading",
	StatusPaused:      "paused",
	StatusStopped:     "stopped",
	StatusCompleted:   "completed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// IsActive reports whether the status occupies a manager concurrency slot.
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusDownloading
}

// IsTerminal reports whether the status is final for a task instance.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// MarshalJSON writes the status as its string form, which is the persisted
// representation.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range statusNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", name)
}

// PauseReason distinguishes a caller-initiated pause from one triggered by
// the app lifecycle, so returning to foreground only resumes the latter.
type PauseReason int32

const (
	PauseNone PauseReason = iota
	PauseUser
	PauseSystem
)

// AppState is the external foreground/background signal tasks may react to.
type AppState int

const (
	AppForeground AppState = iota
	AppBackground
)

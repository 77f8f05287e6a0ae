package common

import "time"

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	// EventProgress reports an updated progress fraction and current speed.
	EventProgress EventKind = iota
	// EventStatus reports a state-machine transition.
	EventStatus
	// EventSegment reports the terminal outcome of one segment fetch.
	EventSegment
	// EventError reports a recoverable failure (key resolution, store write).
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventStatus:
		return "status"
	case EventSegment:
		return "segment"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the single structured notification type delivered to observers.
// Record is a snapshot taken at emission time. Err is non-nil only for
// failures; routine progress and status changes carry a nil Err.
type Event struct {
	Kind   EventKind
	Record TaskRecord

	// Speed is the current windowed download speed in bytes per second.
	// Meaningful for EventProgress.
	Speed float64

	// Segment is the local filename of the settled segment for EventSegment.
	Segment string

	// PlaylistPath is the absolute path of the localized playlist, set on
	// the completion status event.
	PlaylistPath string

	Err  error
	Time time.Time
}

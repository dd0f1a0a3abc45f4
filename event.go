package browserstream

import (
	"time"

	"github.com/google/uuid"
)

// EventKind tags the six stream lifecycle events.
type EventKind int

const (
	KindCreated EventKind = iota + 1
	KindOpened
	KindFailedOpen
	KindDataArrived
	KindCompleted
	KindDestroyed
)

// AllKinds returns every lifecycle event kind in lifecycle order.
func AllKinds() []EventKind {
	return []EventKind{KindCreated, KindOpened, KindFailedOpen, KindDataArrived, KindCompleted, KindDestroyed}
}

// String returns the event name used in logs and metrics.
func (k EventKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindOpened:
		return "opened"
	case KindFailedOpen:
		return "failed_open"
	case KindDataArrived:
		return "data_arrived"
	case KindCompleted:
		return "completed"
	case KindDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the six lifecycle kinds.
func (k EventKind) Valid() bool {
	return k >= KindCreated && k <= KindDestroyed
}

// Event is a single lifecycle notification. It references the stream that
// raised it through a Handle and never keeps the stream alive.
type Event struct {
	ID     uuid.UUID
	Kind   EventKind
	Stream Handle
	Time   time.Time

	// KindDataArrived
	Data        []byte
	Offset      int64
	EndOfStream bool
	Range       Range // requested range when Ranged is set
	Ranged      bool

	// KindCompleted
	Success bool

	// KindFailedOpen, and KindCompleted when Success is false
	Err error
}

func newEvent(kind EventKind, h Handle) *Event {
	return &Event{
		ID:     uuid.New(),
		Kind:   kind,
		Stream: h,
		Time:   time.Now(),
	}
}

// Length returns the number of data bytes carried by the event.
func (e *Event) Length() int {
	return len(e.Data)
}

package realtime

import (
	"context"
	"sync"
)

const defaultReplayWindow = 256

// EventLog retains the most recent events of each scheme for reconnect replay.
type EventLog interface {
	// Append records event. Appending an event twice is harmless.
	Append(ctx context.Context, event Event) error
	// Since returns the retained events of schemeID with a sequence above afterSequence,
	// oldest first.
	Since(ctx context.Context, schemeID string, afterSequence int64) ([]Event, error)
	// Drop forgets everything retained for schemeID.
	Drop(ctx context.Context, schemeID string) error
}

// MemoryEventLog keeps a bounded ring of events per scheme in process memory.
type MemoryEventLog struct {
	mu     sync.Mutex
	window int
	rings  map[string][]Event
}

// NewMemoryEventLog retains up to window events per scheme.
func NewMemoryEventLog(window int) *MemoryEventLog {
	if window <= 0 {
		window = defaultReplayWindow
	}
	return &MemoryEventLog{window: window, rings: make(map[string][]Event)}
}

func (l *MemoryEventLog) Append(_ context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ring := l.rings[event.SchemeID]
	if count := len(ring); count > 0 && ring[count-1].Sequence >= event.Sequence {
		return nil
	}
	ring = append(ring, event)
	if overflow := len(ring) - l.window; overflow > 0 {
		ring = append([]Event(nil), ring[overflow:]...)
	}
	l.rings[event.SchemeID] = ring
	return nil
}

func (l *MemoryEventLog) Since(_ context.Context, schemeID string, afterSequence int64) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ring := l.rings[schemeID]
	events := make([]Event, 0)
	for _, event := range ring {
		if event.Sequence > afterSequence {
			events = append(events, event)
		}
	}
	return events, nil
}

func (l *MemoryEventLog) Drop(_ context.Context, schemeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rings, schemeID)
	return nil
}

// contiguous reports whether events cover every sequence in (after, through] exactly once.
func contiguous(events []Event, after, through int64) bool {
	if int64(len(events)) != through-after {
		return false
	}
	for index, event := range events {
		if event.Sequence != after+int64(index)+1 {
			return false
		}
	}
	return true
}

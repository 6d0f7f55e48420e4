package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
	"github.com/stretchr/testify/require"
)

const testSchemeID = "scheme-1"

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

func identityOf(userID string) auth.Identity {
	return auth.Identity{UserID: userID}
}

func reorderChange(sequence int64, order ...string) schemes.Change {
	positions := make([]schemes.LayerPosition, len(order))
	for index, id := range order {
		positions[index] = schemes.LayerPosition{LayerID: id, Order: index + 1}
	}
	return schemes.Change{
		Kind:        schemes.ChangeLayersReordered,
		SchemeID:    testSchemeID,
		Sequence:    sequence,
		ActorID:     "owner",
		Payload:     schemes.LayersReorderedPayload{Orders: positions},
		CommittedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func mustEvent(t *testing.T, change schemes.Change) Event {
	t.Helper()
	event, err := NewEvent(change)
	require.NoError(t, err)
	return event
}

// joinLive registers and activates a session at sequence.
func joinLive(t *testing.T, registry *Registry, connectionID, userID string, sequence int64) *Session {
	t.Helper()
	session, created := registry.Join(connectionID, identityOf(userID), testSchemeID)
	require.True(t, created)
	require.True(t, session.activate(sequence, time.Now()))
	return session
}

// drainEvents collects the queued event sequences without blocking.
func drainEvents(session *Session) []int64 {
	var sequences []int64
	for {
		select {
		case message := <-session.Outbound():
			if message.Kind == MessageEvent {
				sequences = append(sequences, message.Event.Sequence)
			}
		default:
			return sequences
		}
	}
}

// drainKinds collects queued message kinds without blocking.
func drainKinds(session *Session) []MessageKind {
	var kinds []MessageKind
	for {
		select {
		case message := <-session.Outbound():
			kinds = append(kinds, message.Kind)
		default:
			return kinds
		}
	}
}

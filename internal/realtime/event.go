// Package realtime tracks live scheme sessions and fans committed changes out to them.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
	"github.com/oklog/ulid/v2"
)

// EventType names a broadcast event; the values match the store's change kinds.
type EventType string

const (
	EventLayerCreated    = EventType(schemes.ChangeLayerCreated)
	EventLayerUpdated    = EventType(schemes.ChangeLayerUpdated)
	EventLayerDeleted    = EventType(schemes.ChangeLayerDeleted)
	EventLayersReordered = EventType(schemes.ChangeLayersReordered)
	EventSchemeUpdated   = EventType(schemes.ChangeSchemeUpdated)
	EventShareChanged    = EventType(schemes.ChangeShareChanged)
)

// Event is a sequenced notification of a committed change. Peers apply an event at most
// once, keyed by ID and Sequence.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"event_type"`
	SchemeID    string          `json:"scheme_id"`
	Sequence    int64           `json:"sequence"`
	ActorID     string          `json:"actor_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CommittedAt time.Time       `json:"committed_at"`
}

// NewEvent stamps a committed change with a fresh event id.
func NewEvent(change schemes.Change) (Event, error) {
	if change.Empty() {
		return Event{}, fmt.Errorf("realtime: empty change")
	}
	payload, err := json.Marshal(change.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("realtime: encode %s payload: %w", change.Kind, err)
	}
	return Event{
		ID:          ulid.Make().String(),
		Type:        EventType(change.Kind),
		SchemeID:    change.SchemeID,
		Sequence:    change.Sequence,
		ActorID:     change.ActorID,
		Payload:     payload,
		CommittedAt: change.CommittedAt,
	}, nil
}

// MessageKind distinguishes what a session's outbound stream carries.
type MessageKind string

const (
	MessageEvent          MessageKind = "event"
	MessageResyncRequired MessageKind = "resync_required"
	MessageEvicted        MessageKind = "evicted"
)

// Message is one item of a session's outbound stream.
type Message struct {
	Kind     MessageKind
	SchemeID string
	Event    *Event
	Reason   string
}

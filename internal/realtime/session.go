package realtime

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/auth"
)

// State is a session's position in its lifecycle:
// Connecting -> Joined -> (Active <-> Stale) -> Left.
type State int

const (
	StateConnecting State = iota + 1
	StateJoined
	StateActive
	StateStale
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Session is one connection's presence on one scheme.
type Session struct {
	id           string
	connectionID string
	identity     auth.Identity
	schemeID     string
	outbound     chan Message
	done         chan struct{}
	joinedAt     time.Time

	mu            sync.Mutex
	state         State
	live          bool
	needsResync   bool
	lastSequence  int64
	lastHeartbeat time.Time
}

func newSession(id, connectionID string, identity auth.Identity, schemeID string, buffer int, now time.Time) *Session {
	return &Session{
		id:            id,
		connectionID:  connectionID,
		identity:      identity,
		schemeID:      schemeID,
		outbound:      make(chan Message, buffer),
		done:          make(chan struct{}),
		joinedAt:      now,
		state:         StateConnecting,
		lastHeartbeat: now,
	}
}

func (s *Session) ID() string               { return s.id }
func (s *Session) ConnectionID() string     { return s.connectionID }
func (s *Session) Identity() auth.Identity  { return s.identity }
func (s *Session) UserID() string           { return s.identity.UserID }
func (s *Session) SchemeID() string         { return s.schemeID }
func (s *Session) Outbound() <-chan Message { return s.outbound }

// Done is closed once the session has left.
func (s *Session) Done() <-chan struct{} { return s.done }

// State reports the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSequence is the highest sequence queued to the session.
func (s *Session) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequence
}

// NeedsResync reports that the live stream was dropped and a full refetch is owed.
func (s *Session) NeedsResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsResync
}

// Snapshot describes the session for administrative listings.
type Snapshot struct {
	SessionID     string    `json:"session_id"`
	ConnectionID  string    `json:"connection_id"`
	UserID        string    `json:"user_id"`
	SchemeID      string    `json:"scheme_id"`
	State         string    `json:"state"`
	LastSequence  int64     `json:"last_sequence"`
	NeedsResync   bool      `json:"needs_resync"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Describe captures the session's current state.
func (s *Session) Describe() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:     s.id,
		ConnectionID:  s.connectionID,
		UserID:        s.identity.UserID,
		SchemeID:      s.schemeID,
		State:         s.state.String(),
		LastSequence:  s.lastSequence,
		NeedsResync:   s.needsResync,
		LastHeartbeat: s.lastHeartbeat,
	}
}

// activate switches the session to live delivery from sequence onwards. Callers hold the
// scheme lock so no event committed after the snapshot can be missed.
func (s *Session) activate(sequence int64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLeft {
		return false
	}
	if s.state == StateConnecting {
		s.state = StateJoined
	}
	s.live = true
	s.needsResync = false
	s.lastSequence = sequence
	s.lastHeartbeat = now
	return true
}

type deliveryResult int

const (
	deliverySkipped deliveryResult = iota
	deliveryQueued
	deliveryDropped
)

// deliver queues event without blocking. A full buffer takes the session off the live
// stream and flags it for resync.
func (s *Session) deliver(event Event) deliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLeft || !s.live || event.Sequence <= s.lastSequence {
		return deliverySkipped
	}
	select {
	case s.outbound <- Message{Kind: MessageEvent, SchemeID: s.schemeID, Event: &event}:
		s.lastSequence = event.Sequence
		return deliveryQueued
	default:
		s.live = false
		s.needsResync = true
		return deliveryDropped
	}
}

// acknowledge records a sequence the session produced itself.
func (s *Session) acknowledge(sequence int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live && sequence == s.lastSequence+1 {
		s.lastSequence = sequence
	}
}

// requireResync takes the session off the live stream.
func (s *Session) requireResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLeft {
		return
	}
	s.live = false
	s.needsResync = true
}

// heartbeat records liveness and returns whether a resync is owed.
func (s *Session) heartbeat(now time.Time) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLeft {
		return s.state, false
	}
	s.lastHeartbeat = now
	if s.state == StateJoined || s.state == StateStale {
		s.state = StateActive
	}
	return s.state, s.needsResync
}

// markStale moves a silent session to Stale and reports whether it did.
func (s *Session) markStale(now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if (s.state == StateJoined || s.state == StateActive) && now.Sub(s.lastHeartbeat) > interval {
		s.state = StateStale
		return true
	}
	return false
}

// expired reports a session that has been silent longer than timeout.
func (s *Session) expired(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateLeft && s.state != StateConnecting && now.Sub(s.lastHeartbeat) > timeout
}

// leave moves the session to Left exactly once. The notice, if any, is queued best effort
// before Done closes.
func (s *Session) leave(notice *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLeft {
		return false
	}
	if notice != nil {
		select {
		case s.outbound <- *notice:
		default:
		}
	}
	s.state = StateLeft
	s.live = false
	close(s.done)
	return true
}

package realtime

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/logging"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTimeout  = 30 * time.Second

	opHeartbeat = "realtime.heartbeat"
	opReplay    = "realtime.replay"

	// Reasons a session leaves.
	LeaveDisconnected = "disconnected"
	LeaveTimedOut     = "heartbeat_timeout"
	LeaveRevoked      = "access_revoked"
	LeaveDeleted      = "scheme_deleted"
	LeaveEvicted      = "evicted"
)

// ReconnectorConfig configures liveness tracking.
type ReconnectorConfig struct {
	Registry          *Registry
	Log               EventLog
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Reconnector owns session liveness: joins going live, heartbeats, disconnects and
// reconnect replay.
type Reconnector struct {
	registry *Registry
	log      EventLog
	interval time.Duration
	timeout  time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

// NewReconnector applies defaults to cfg.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = defaultHeartbeatTimeout
	}
	if timeout <= interval {
		timeout = 3 * interval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = NewMemoryEventLog(defaultReplayWindow)
	}
	return &Reconnector{
		registry: cfg.Registry,
		log:      log,
		interval: interval,
		timeout:  timeout,
		clock:    clock,
		logger:   logging.OrNop(cfg.Logger),
	}
}

// HeartbeatInterval is the cadence clients are expected to keep.
func (r *Reconnector) HeartbeatInterval() time.Duration {
	return r.interval
}

// Activate puts session on the live stream from sequence onwards. Callers hold the scheme
// lock.
func (r *Reconnector) Activate(session *Session, sequence int64) bool {
	return session.activate(sequence, r.clock())
}

// HeartbeatResult reports what a heartbeat learned.
type HeartbeatResult struct {
	State          State
	ResyncRequired bool
}

// Heartbeat refreshes liveness. A session that dropped off the live stream learns here
// that it must refetch.
func (r *Reconnector) Heartbeat(session *Session) (HeartbeatResult, error) {
	state, resync := session.heartbeat(r.clock())
	if state == StateLeft {
		return HeartbeatResult{State: state}, apperrors.New(apperrors.KindNotFound, opHeartbeat, "session_closed")
	}
	return HeartbeatResult{State: state, ResyncRequired: resync}, nil
}

// OnDisconnect moves session to Left and unregisters it. Repeated calls are no-ops; the
// result reports whether this call performed the transition.
func (r *Reconnector) OnDisconnect(session *Session, reason string) bool {
	return r.leave(session, reason, nil)
}

// Evict removes session and tells the client why.
func (r *Reconnector) Evict(session *Session, reason string) bool {
	return r.leave(session, reason, &Message{Kind: MessageEvicted, SchemeID: session.schemeID, Reason: reason})
}

func (r *Reconnector) leave(session *Session, reason string, notice *Message) bool {
	if !r.registry.leave(session, notice) {
		return false
	}
	r.logger.Info("session left",
		zap.String("session_id", session.id),
		zap.String("scheme_id", session.schemeID),
		zap.String("user_id", session.identity.UserID),
		zap.String("reason", reason),
	)
	return true
}

// ReplayOutcome describes how a reconnecting session was brought up to date.
type ReplayOutcome struct {
	Replayed       int
	ResyncRequired bool
}

// OnReconnect brings session from lastKnownSequence up to currentSequence. When the
// retained window covers the gap the missing events are queued in order and the session
// goes live; otherwise the session is flagged for a full refetch. Callers hold the scheme
// lock so currentSequence cannot move underneath.
func (r *Reconnector) OnReconnect(ctx context.Context, session *Session, lastKnownSequence, currentSequence int64) (ReplayOutcome, error) {
	if lastKnownSequence < 0 || lastKnownSequence > currentSequence {
		return r.resync(session, currentSequence), nil
	}
	if lastKnownSequence == currentSequence {
		r.Activate(session, currentSequence)
		return ReplayOutcome{}, nil
	}

	events, err := r.log.Since(ctx, session.schemeID, lastKnownSequence)
	if err != nil {
		r.logger.Warn("replay read failed",
			zap.String("scheme_id", session.schemeID),
			zap.String("session_id", session.id),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return ReplayOutcome{}, apperrors.FromContext(opReplay, ctx.Err())
		}
		return r.resync(session, currentSequence), nil
	}
	if len(events) > 0 && events[len(events)-1].Sequence > currentSequence {
		events = trimThrough(events, currentSequence)
	}
	if !contiguous(events, lastKnownSequence, currentSequence) || len(events) > cap(session.outbound) {
		return r.resync(session, currentSequence), nil
	}

	r.Activate(session, lastKnownSequence)
	for _, event := range events {
		if session.deliver(event) != deliveryQueued {
			return r.resync(session, currentSequence), nil
		}
	}
	return ReplayOutcome{Replayed: len(events)}, nil
}

// resync leaves the session registered but off the live stream; the client refetches and
// calls Resume.
func (r *Reconnector) resync(session *Session, currentSequence int64) ReplayOutcome {
	r.Activate(session, currentSequence)
	session.requireResync()
	select {
	case session.outbound <- Message{Kind: MessageResyncRequired, SchemeID: session.schemeID}:
	default:
	}
	return ReplayOutcome{ResyncRequired: true}
}

// Resume puts a session back on the live stream after the client refetched the scheme at
// sequence. Callers hold the scheme lock.
func (r *Reconnector) Resume(session *Session, sequence int64) bool {
	return r.Activate(session, sequence)
}

// Sweep marks silent sessions stale and removes those past the timeout.
func (r *Reconnector) Sweep() (stale, expired int) {
	now := r.clock()
	for _, session := range r.registry.All() {
		if session.expired(now, r.timeout) {
			if r.OnDisconnect(session, LeaveTimedOut) {
				expired++
			}
			continue
		}
		if session.markStale(now, r.interval) {
			stale++
		}
	}
	return stale, expired
}

// Run sweeps on a ticker until ctx is cancelled.
func (r *Reconnector) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stale, expired := r.Sweep(); stale > 0 || expired > 0 {
				r.logger.Debug("session sweep", zap.Int("stale", stale), zap.Int("expired", expired))
			}
		}
	}
}

func trimThrough(events []Event, through int64) []Event {
	trimmed := events[:0]
	for _, event := range events {
		if event.Sequence <= through {
			trimmed = append(trimmed, event)
		}
	}
	return trimmed
}

package realtime

import (
	"context"

	"github.com/MarcoPoloResearchLab/livery/internal/logging"
	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
	"go.uber.org/zap"
)

// Broadcaster records committed changes in the event log and fans them out to the
// scheme's live sessions. Publish is called while the scheme lock is held, so events of
// one scheme reach every peer in commit order.
type Broadcaster struct {
	registry *Registry
	log      EventLog
	logger   *zap.Logger
}

// NewBroadcaster wires a broadcaster over registry and log.
func NewBroadcaster(registry *Registry, log EventLog, logger *zap.Logger) *Broadcaster {
	if log == nil {
		log = NewMemoryEventLog(defaultReplayWindow)
	}
	return &Broadcaster{registry: registry, log: log, logger: logging.OrNop(logger)}
}

// Log exposes the replay log.
func (b *Broadcaster) Log() EventLog {
	return b.log
}

// Publish turns change into an event, retains it and delivers it to every session on the
// scheme except the originating one. originSessionID is honoured only when it names a
// session of the change's actor on the same scheme. Peers whose buffer is full drop to
// resync, as does every peer when the change cannot be encoded.
func (b *Broadcaster) Publish(ctx context.Context, change schemes.Change, originSessionID string) (Event, error) {
	event, err := NewEvent(change)
	if err != nil {
		for _, session := range b.registry.Sessions(change.SchemeID) {
			session.requireResync()
		}
		return Event{}, err
	}
	if err := b.log.Append(ctx, event); err != nil {
		// Replay checks for contiguity, so a missing entry only forces a resync later.
		b.logger.Warn("event log append failed",
			zap.String("scheme_id", event.SchemeID),
			zap.Int64("sequence", event.Sequence),
			zap.Error(err),
		)
	}

	origin := b.origin(change, originSessionID)
	excluded := ""
	if origin != nil {
		excluded = origin.id
		origin.acknowledge(event.Sequence)
	}
	for _, session := range b.registry.Peers(event.SchemeID, excluded) {
		if session.deliver(event) == deliveryDropped {
			b.logger.Info("peer dropped to resync",
				zap.String("scheme_id", event.SchemeID),
				zap.String("session_id", session.id),
				zap.String("user_id", session.identity.UserID),
				zap.Int64("sequence", event.Sequence),
			)
		}
	}
	return event, nil
}

// origin resolves the session that produced change. A session id belonging to another
// user or scheme is ignored and the change is delivered to that session like any other.
func (b *Broadcaster) origin(change schemes.Change, sessionID string) *Session {
	if sessionID == "" {
		return nil
	}
	session, ok := b.registry.Lookup(sessionID)
	if !ok || session.schemeID != change.SchemeID || session.identity.UserID != change.ActorID {
		if ok {
			b.logger.Warn("foreign origin session ignored",
				zap.String("scheme_id", change.SchemeID),
				zap.String("session_id", sessionID),
				zap.String("actor_id", change.ActorID))
		}
		return nil
	}
	return session
}

// Forget discards the replay window of a deleted scheme.
func (b *Broadcaster) Forget(ctx context.Context, schemeID string) {
	if err := b.log.Drop(ctx, schemeID); err != nil {
		b.logger.Warn("event log drop failed", zap.String("scheme_id", schemeID), zap.Error(err))
	}
}

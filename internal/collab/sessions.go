package collab

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/livery/internal/access"
	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/realtime"
	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
	"go.uber.org/zap"
)

const (
	opJoin        = "collab.join"
	opReconnect   = "collab.reconnect"
	opSession     = "collab.session"
	opAdmin       = "collab.admin"
	reasonSession = "session_not_found"
)

// Joined is a live session together with the state it starts from.
type Joined struct {
	Session *realtime.Session
	State   schemes.State
}

// JoinSchemeSession authorizes View on schemeID and registers the connection's session.
// The snapshot is read and the session goes live under the scheme lock, so the first
// event the session receives is the one right after State.Sequence.
func (e *Engine) JoinSchemeSession(ctx context.Context, identity auth.Identity, connectionID, schemeID string) (Joined, error) {
	if strings.TrimSpace(connectionID) == "" {
		return Joined{}, apperrors.New(apperrors.KindInvalid, opJoin, "missing_connection")
	}
	var joined Joined
	err := e.store.Exclusive(schemeID, func() error {
		state, err := e.store.SchemeState(ctx, identity, schemeID)
		if err != nil {
			return err
		}
		session, _ := e.registry.Join(connectionID, identity, schemeID)
		e.reconnector.Activate(session, state.Sequence)
		joined = Joined{Session: session, State: state}
		return nil
	})
	if err != nil {
		return Joined{}, err
	}
	e.logger.Info("session joined",
		zap.String("session_id", joined.Session.ID()),
		zap.String("scheme_id", schemeID),
		zap.String("user_id", identity.UserID),
		zap.Int64("sequence", joined.State.Sequence))
	return joined, nil
}

// Reconnected reports how a returning session caught up.
type Reconnected struct {
	Session        *realtime.Session
	Sequence       int64
	Replayed       int
	ResyncRequired bool
}

// Reconnect re-authorizes and replays the events after lastKnownSequence when the retained
// window still covers them; otherwise the session is told to refetch.
func (e *Engine) Reconnect(ctx context.Context, identity auth.Identity, connectionID, schemeID string, lastKnownSequence int64) (Reconnected, error) {
	if strings.TrimSpace(connectionID) == "" {
		return Reconnected{}, apperrors.New(apperrors.KindInvalid, opReconnect, "missing_connection")
	}
	var result Reconnected
	err := e.store.Exclusive(schemeID, func() error {
		state, err := e.store.SchemeState(ctx, identity, schemeID)
		if err != nil {
			return err
		}
		session, _ := e.registry.Join(connectionID, identity, schemeID)
		outcome, err := e.reconnector.OnReconnect(ctx, session, lastKnownSequence, state.Sequence)
		if err != nil {
			e.reconnector.OnDisconnect(session, realtime.LeaveDisconnected)
			return err
		}
		result = Reconnected{
			Session:        session,
			Sequence:       state.Sequence,
			Replayed:       outcome.Replayed,
			ResyncRequired: outcome.ResyncRequired,
		}
		return nil
	})
	if err != nil {
		return Reconnected{}, err
	}
	e.logger.Info("session reconnected",
		zap.String("session_id", result.Session.ID()),
		zap.String("scheme_id", schemeID),
		zap.String("user_id", identity.UserID),
		zap.Int64("last_known_sequence", lastKnownSequence),
		zap.Int("replayed", result.Replayed),
		zap.Bool("resync_required", result.ResyncRequired))
	return result, nil
}

// Resync hands a session that fell off the live stream a fresh snapshot and puts it back
// on the stream from that snapshot's sequence.
func (e *Engine) Resync(ctx context.Context, identity auth.Identity, sessionID string) (schemes.State, error) {
	session, err := e.ownedSession(identity, sessionID)
	if err != nil {
		return schemes.State{}, err
	}
	var state schemes.State
	err = e.store.Exclusive(session.SchemeID(), func() error {
		fresh, err := e.store.SchemeState(ctx, identity, session.SchemeID())
		if err != nil {
			return err
		}
		if !e.reconnector.Resume(session, fresh.Sequence) {
			return apperrors.New(apperrors.KindNotFound, opSession, reasonSession)
		}
		state = fresh
		return nil
	})
	if err != nil {
		if access.Hidden(err) {
			e.reconnector.Evict(session, realtime.LeaveRevoked)
		}
		return schemes.State{}, err
	}
	return state, nil
}

// Heartbeat records liveness and reports whether the session must refetch.
func (e *Engine) Heartbeat(identity auth.Identity, sessionID string) (realtime.HeartbeatResult, error) {
	session, err := e.ownedSession(identity, sessionID)
	if err != nil {
		return realtime.HeartbeatResult{}, err
	}
	return e.reconnector.Heartbeat(session)
}

// Disconnect ends a session. Repeated calls are no-ops.
func (e *Engine) Disconnect(identity auth.Identity, sessionID string) error {
	session, ok := e.registry.Lookup(sessionID)
	if !ok {
		return nil
	}
	if session.UserID() != identity.UserID {
		return apperrors.New(apperrors.KindNotFound, opSession, reasonSession)
	}
	e.reconnector.OnDisconnect(session, realtime.LeaveDisconnected)
	return nil
}

// CloseSession ends a session on behalf of its transport.
func (e *Engine) CloseSession(session *realtime.Session) {
	e.reconnector.OnDisconnect(session, realtime.LeaveDisconnected)
}

func (e *Engine) ownedSession(identity auth.Identity, sessionID string) (*realtime.Session, error) {
	session, ok := e.registry.Lookup(sessionID)
	if !ok || session.UserID() != identity.UserID {
		return nil, apperrors.New(apperrors.KindNotFound, opSession, reasonSession)
	}
	return session, nil
}

// SessionOverview lists live sessions for administrators.
type SessionOverview struct {
	Stats    realtime.Stats      `json:"stats"`
	Sessions []realtime.Snapshot `json:"sessions"`
}

// AdminSessions lists every live session.
func (e *Engine) AdminSessions(ctx context.Context, identity auth.Identity) (SessionOverview, error) {
	if err := e.requireAdmin(ctx, identity); err != nil {
		return SessionOverview{}, err
	}
	sessions := e.registry.All()
	overview := SessionOverview{Stats: e.registry.Stats(), Sessions: make([]realtime.Snapshot, 0, len(sessions))}
	for _, session := range sessions {
		overview.Sessions = append(overview.Sessions, session.Describe())
	}
	return overview, nil
}

// AdminEvictUser closes every session of userID.
func (e *Engine) AdminEvictUser(ctx context.Context, identity auth.Identity, userID string) (int, error) {
	if err := e.requireAdmin(ctx, identity); err != nil {
		return 0, err
	}
	evicted := e.registry.EvictUserEverywhere(userID, realtime.LeaveEvicted)
	e.logger.Info("user sessions evicted",
		zap.String("admin_id", identity.UserID),
		zap.String("user_id", userID),
		zap.Int("sessions", len(evicted)))
	return len(evicted), nil
}

func (e *Engine) requireAdmin(ctx context.Context, identity auth.Identity) error {
	decision, err := access.Guard{}.Authorize(ctx, nil, identity, access.AdminRef(), access.ActionAdminManage)
	if err != nil {
		return apperrors.FromContext(opAdmin, err)
	}
	return decision.Err(opAdmin)
}

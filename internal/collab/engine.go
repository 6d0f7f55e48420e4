// Package collab is the inbound surface of the livery engine. It composes the credential
// verifier, the scheme store and the realtime components so that every committed mutation
// is broadcast to the scheme's live sessions in commit order.
package collab

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/logging"
	"github.com/MarcoPoloResearchLab/livery/internal/realtime"
	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
	"go.uber.org/zap"
)

const (
	defaultPublishTimeout = 2 * time.Second

	opEngineNew = "collab.engine.new"
)

var (
	errMissingStore       = errors.New("scheme store is required")
	errMissingVerifier    = errors.New("token verifier is required")
	errMissingRealtime    = errors.New("registry, broadcaster and reconnector are required")
	errMissingLoginWiring = errors.New("password authenticator and token issuer are required together")
)

// TokenVerifier resolves a bearer token into an identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// PasswordAuthenticator checks login credentials.
type PasswordAuthenticator interface {
	Authenticate(ctx context.Context, email, password string) (auth.Credential, error)
}

// TokenMinter issues a token for a verified credential.
type TokenMinter interface {
	IssueToken(ctx context.Context, credential auth.Credential) (string, int64, error)
}

// Config wires the engine's collaborators.
type Config struct {
	Store          *schemes.Store
	Verifier       TokenVerifier
	Passwords      PasswordAuthenticator
	Tokens         TokenMinter
	Registry       *realtime.Registry
	Broadcaster    *realtime.Broadcaster
	Reconnector    *realtime.Reconnector
	Logger         *zap.Logger
	PublishTimeout time.Duration
}

// Engine executes authenticated requests against the store and fans out the results.
type Engine struct {
	store          *schemes.Store
	verifier       TokenVerifier
	passwords      PasswordAuthenticator
	tokens         TokenMinter
	registry       *realtime.Registry
	broadcaster    *realtime.Broadcaster
	reconnector    *realtime.Reconnector
	logger         *zap.Logger
	publishTimeout time.Duration
}

// NewEngine validates cfg.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Verifier == nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, opEngineNew, "missing_verifier", errMissingVerifier)
	}
	if cfg.Registry == nil || cfg.Broadcaster == nil || cfg.Reconnector == nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, opEngineNew, "missing_realtime", errMissingRealtime)
	}
	if (cfg.Passwords == nil) != (cfg.Tokens == nil) {
		return nil, apperrors.Wrap(apperrors.KindInternal, opEngineNew, "missing_login", errMissingLoginWiring)
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	return &Engine{
		store:          cfg.Store,
		verifier:       cfg.Verifier,
		passwords:      cfg.Passwords,
		tokens:         cfg.Tokens,
		registry:       cfg.Registry,
		broadcaster:    cfg.Broadcaster,
		reconnector:    cfg.Reconnector,
		logger:         logging.OrNop(cfg.Logger),
		publishTimeout: publishTimeout,
	}, nil
}

// Applied is the synchronous answer to an accepted mutation. Sequence is zero and Event
// nil when the request committed nothing new.
type Applied struct {
	Scheme   *schemes.Scheme         `json:"scheme,omitempty"`
	Layer    *schemes.Layer          `json:"layer,omitempty"`
	Orders   []schemes.LayerPosition `json:"orders,omitempty"`
	Share    *schemes.SharedScheme   `json:"share,omitempty"`
	Deleted  bool                    `json:"deleted,omitempty"`
	Sequence int64                   `json:"sequence"`
	Event    *realtime.Event         `json:"event,omitempty"`
}

// publication collects the event produced by a mutation's after-commit hook.
type publication struct {
	event *realtime.Event
}

func (p *publication) applied(base Applied) Applied {
	base.Event = p.event
	if p.event != nil {
		base.Sequence = p.event.Sequence
	}
	return base
}

// afterCommit returns the hook that broadcasts a committed change. It runs under the
// scheme lock, so publication order follows commit order.
func (e *Engine) afterCommit(ctx context.Context, originSessionID string, into *publication) schemes.AfterCommit {
	return func(change schemes.Change) {
		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
		defer cancel()

		event, err := e.broadcaster.Publish(publishCtx, change, originSessionID)
		if err != nil {
			e.logError("collab.publish", "publish_failed", err,
				zap.String("scheme_id", change.SchemeID),
				zap.Int64("sequence", change.Sequence))
			return
		}
		into.event = &event
		e.settle(publishCtx, change)
	}
}

// settle removes sessions that lost access with change.
func (e *Engine) settle(ctx context.Context, change schemes.Change) {
	switch payload := change.Payload.(type) {
	case schemes.ShareChangedPayload:
		if !payload.RevokesView() {
			return
		}
		if evicted := e.registry.EvictUser(change.SchemeID, payload.UserID, realtime.LeaveRevoked); len(evicted) > 0 {
			e.logger.Info("sessions evicted after share change",
				zap.String("scheme_id", change.SchemeID),
				zap.String("user_id", payload.UserID),
				zap.Int("sessions", len(evicted)))
		}
	case schemes.SchemeUpdatedPayload:
		if !payload.Deleted {
			return
		}
		evicted := e.registry.EvictScheme(change.SchemeID, realtime.LeaveDeleted)
		e.broadcaster.Forget(ctx, change.SchemeID)
		e.logger.Info("scheme deleted",
			zap.String("scheme_id", change.SchemeID),
			zap.Int("sessions", len(evicted)))
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("collab engine error", attrs...)
}

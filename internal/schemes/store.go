// Package schemes is the authoritative store for schemes, layers, share grants and favorites.
//
// Every mutation runs under the scheme's exclusive lock inside one transaction that also
// performs the authorization check, so the guard and the write observe the same state.
package schemes

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/access"
	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/keylock"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 3

	opStoreNew = "schemes.store.new"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// errStaleVersion marks a compare-and-swap that lost to a concurrent writer.
	errStaleVersion = errors.New("schemes: stale version")
)

// ServiceConfig describes the dependencies of the store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Timeout    time.Duration
	MaxRetries int
	Locks      *keylock.Set
}

// Store applies authorized mutations to schemes and layers.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	timeout    time.Duration
	maxRetries int
	locks      *keylock.Set
	guard      access.Guard
}

// NewStore validates cfg and returns a Store.
func NewStore(cfg ServiceConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultMaxRetries
	}
	locks := cfg.Locks
	if locks == nil {
		locks = keylock.New()
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		timeout:    timeout,
		maxRetries: retries,
		locks:      locks,
	}, nil
}

// Exclusive runs fn while holding the scheme lock, serialized with every mutation of that
// scheme. Callers use it to read a snapshot and switch a session to live delivery without
// an event slipping in between.
func (s *Store) Exclusive(schemeID string, fn func() error) error {
	return s.locks.Do(schemeID, fn)
}

// scope is the transaction-bound view handed to mutation bodies.
type scope struct {
	ctx      context.Context
	tx       *gorm.DB
	snapshot txSnapshot
	guard    access.Guard
	now      time.Time
}

func (sc scope) authorize(identity auth.Identity, ref access.Ref, action access.Action) (access.Decision, error) {
	return sc.guard.Authorize(sc.ctx, sc.snapshot, identity, ref, action)
}

// require authorizes and converts a deny into its boundary error.
func (sc scope) require(op string, identity auth.Identity, ref access.Ref, action access.Action) (access.Decision, error) {
	decision, err := sc.authorize(identity, ref, action)
	if err != nil {
		return decision, err
	}
	return decision, decision.Err(op)
}

// requireLayer authorizes action on a layer. When the layer is missing, or belongs to a
// scheme other than schemeHint, the caller learns NotFound only if it can view schemeHint.
func (sc scope) requireLayer(op string, identity auth.Identity, layerID, schemeHint string, action access.Action) (access.Decision, error) {
	decision, err := sc.authorize(identity, access.LayerRef(layerID), action)
	if err != nil {
		return decision, err
	}
	if !decision.Missing() && (schemeHint == "" || decision.SchemeID == schemeHint) {
		return decision, decision.Err(op)
	}
	if schemeHint == "" {
		return decision, decision.Err(op)
	}
	viewer, err := sc.require(op, identity, access.SchemeRef(schemeHint), access.ActionView)
	if err != nil {
		return viewer, err
	}
	return viewer, apperrors.New(apperrors.KindNotFound, op, "layer_not_found")
}

func (sc scope) lockScheme(schemeID string) (Scheme, bool, error) {
	var scheme Scheme
	err := sc.tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", schemeID).Take(&scheme).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Scheme{}, false, nil
	}
	if err != nil {
		return Scheme{}, false, err
	}
	return scheme, true, nil
}

func (sc scope) orderedLayers(schemeID string) ([]Layer, error) {
	var layers []Layer
	err := sc.tx.Where("scheme_id = ?", schemeID).Order("layer_order ASC").Order("id ASC").Find(&layers).Error
	return layers, err
}

// applyPositions writes the orders of existing layers that changed.
func (sc scope) applyPositions(layers []Layer, positions []LayerPosition) error {
	current := make(map[string]int, len(layers))
	for _, layer := range layers {
		current[layer.ID] = layer.Order
	}
	for _, position := range positions {
		if order, ok := current[position.LayerID]; !ok || order == position.Order {
			continue
		}
		err := sc.tx.Model(&Layer{}).Where("id = ?", position.LayerID).Updates(map[string]any{
			"layer_order":  position.Order,
			"version":      gorm.Expr("version + 1"),
			"updated_at_s": sc.now.Unix(),
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// verifyDense rejects the transaction if the scheme's orders are not exactly 1..n.
func (sc scope) verifyDense(op, schemeID string) error {
	layers, err := sc.orderedLayers(schemeID)
	if err != nil {
		return err
	}
	if !denseOrder(layers) {
		return apperrors.New(apperrors.KindInternal, op, "order_not_dense")
	}
	return nil
}

// mutate runs body under the scheme lock in a bounded transaction. Waiting for the lock
// counts against the same timeout. A body that loses a compare-and-swap returns
// errStaleVersion and is re-run, authorization included, up to maxRetries times. The change's sequence is assigned in the same transaction and hook runs
// after commit while the lock is still held.
func (s *Store) mutate(ctx context.Context, op, schemeID string, hook AfterCommit, body func(sc scope) (Change, error)) (Change, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	release, err := s.locks.LockContext(ctx, schemeID)
	if err != nil {
		s.logger.Warn("scheme lock wait timed out",
			zap.String("operation", op),
			zap.String("scheme_id", schemeID),
			zap.Error(err))
		return Change{}, apperrors.FromContext(op, err)
	}
	defer release()

	for attempt := 0; ; attempt++ {
		var change Change
		now := s.clock().UTC()
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sc := scope{ctx: ctx, tx: tx, snapshot: txSnapshot{tx: tx}, guard: s.guard, now: now}
			var bodyErr error
			change, bodyErr = body(sc)
			if bodyErr != nil || change.Empty() || change.sequenced {
				return bodyErr
			}
			sequence, seqErr := nextSequence(tx, schemeID)
			if seqErr != nil {
				return seqErr
			}
			change.Sequence = sequence
			return nil
		})
		if errors.Is(err, errStaleVersion) {
			if attempt < s.maxRetries {
				s.logger.Debug("retrying after version conflict",
					zap.String("operation", op),
					zap.String("scheme_id", schemeID),
					zap.Int("attempt", attempt+1))
				continue
			}
			return Change{}, apperrors.Wrap(apperrors.KindConflict, op, "version_conflict", err)
		}
		if err != nil {
			return Change{}, s.classify(ctx, op, schemeID, err)
		}
		if change.Empty() {
			return change, nil
		}
		change.SchemeID = schemeID
		change.CommittedAt = now
		if hook != nil {
			hook(change)
		}
		return change, nil
	}
}

// read runs body in a bounded transaction without taking the scheme lock.
func (s *Store) read(ctx context.Context, op string, body func(sc scope) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return body(scope{ctx: ctx, tx: tx, snapshot: txSnapshot{tx: tx}, guard: s.guard, now: now})
	})
	if err != nil {
		return s.classify(ctx, op, "", err)
	}
	return nil
}

func nextSequence(tx *gorm.DB, schemeID string) (int64, error) {
	result := tx.Model(&Scheme{}).Where("id = ?", schemeID).UpdateColumn("event_seq", gorm.Expr("event_seq + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, errStaleVersion
	}
	var sequence int64
	if err := tx.Model(&Scheme{}).Select("event_seq").Where("id = ?", schemeID).Scan(&sequence).Error; err != nil {
		return 0, err
	}
	return sequence, nil
}

// classify maps a failed transaction onto the error taxonomy. Typed errors pass through;
// a context that expired turns any driver error into Timeout.
func (s *Store) classify(ctx context.Context, op, schemeID string, err error) error {
	var typed *apperrors.Error
	if errors.As(err, &typed) {
		if typed.Kind == apperrors.KindInternal {
			s.logError(op, typed.Reason, err, zap.String("scheme_id", schemeID))
		}
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.logger.Warn("store transaction timed out",
			zap.String("operation", op),
			zap.String("scheme_id", schemeID),
			zap.Error(err))
		return apperrors.Wrap(apperrors.KindTimeout, op, "deadline_exceeded", errors.Join(ctxErr, err))
	}
	s.logError(op, "transaction_failed", err, zap.String("scheme_id", schemeID))
	return apperrors.FromContext(op, err)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("scheme store error", attrs...)
}

func (s *Store) newID(op string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, op, "id_generation_failed", err)
	}
	return id, nil
}

func invalid(op, reason string) error {
	return apperrors.New(apperrors.KindInvalid, op, reason)
}

func checkPinnedVersion(op string, expected *int64, current int64) error {
	if expected != nil && *expected != current {
		return apperrors.New(apperrors.KindConflict, op, "version_mismatch")
	}
	return nil
}

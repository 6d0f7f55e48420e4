package schemes

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/livery/internal/access"
	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateShare = "schemes.create_share"
	opUpdateShare = "schemes.update_share"
	opDeleteShare = "schemes.delete_share"
	opAcceptShare = "schemes.accept_share"
)

type shareMode int

const (
	shareCreate shareMode = iota + 1
	shareUpdate
	shareUpsert
)

// SetShare applies a share level: remove deletes the grant, view and edit create or update
// it. This is the single entry point behind a share-change request.
func (s *Store) SetShare(ctx context.Context, identity auth.Identity, schemeID, targetUserID string, level ShareLevel, hook AfterCommit) (SharedScheme, Change, error) {
	switch level {
	case ShareLevelRemove:
		change, err := s.DeleteShare(ctx, identity, schemeID, targetUserID, hook)
		return SharedScheme{}, change, err
	case ShareLevelView, ShareLevelEdit:
		return s.writeShare(ctx, opUpdateShare, shareUpsert, identity, schemeID, targetUserID, level == ShareLevelEdit, hook)
	default:
		return SharedScheme{}, Change{}, invalid(opUpdateShare, "unknown_level")
	}
}

// CreateShare invites targetUserID. The grant starts unaccepted. Owner only.
func (s *Store) CreateShare(ctx context.Context, identity auth.Identity, schemeID, targetUserID string, editable bool, hook AfterCommit) (SharedScheme, Change, error) {
	return s.writeShare(ctx, opCreateShare, shareCreate, identity, schemeID, targetUserID, editable, hook)
}

// UpdateShare changes the level of an existing grant and keeps its accepted state. Owner only.
func (s *Store) UpdateShare(ctx context.Context, identity auth.Identity, schemeID, targetUserID string, editable bool, hook AfterCommit) (SharedScheme, Change, error) {
	return s.writeShare(ctx, opUpdateShare, shareUpdate, identity, schemeID, targetUserID, editable, hook)
}

func (s *Store) writeShare(ctx context.Context, op string, mode shareMode, identity auth.Identity, schemeID, targetUserID string, editable bool, hook AfterCommit) (SharedScheme, Change, error) {
	targetUserID = strings.TrimSpace(targetUserID)
	if !validIdentifier(targetUserID) {
		return SharedScheme{}, Change{}, invalid(op, "invalid_user_id")
	}

	var share SharedScheme
	change, err := s.mutate(ctx, op, schemeID, hook, func(sc scope) (Change, error) {
		decision, err := sc.require(op, identity, access.SchemeRef(schemeID), access.ActionEdit)
		if err != nil {
			return Change{}, err
		}
		if decision.Role != access.RoleOwner {
			return Change{}, apperrors.New(apperrors.KindForbidden, op, "owner_only")
		}
		if targetUserID == identity.UserID {
			return Change{}, invalid(op, "owner_share")
		}
		if err := sc.checkShareTarget(op, identity.UserID, targetUserID); err != nil {
			return Change{}, err
		}
		if _, _, err := sc.lockScheme(schemeID); err != nil {
			return Change{}, err
		}

		existing, found, err := sc.share(schemeID, targetUserID)
		if err != nil {
			return Change{}, err
		}
		switch {
		case found && mode == shareCreate:
			return Change{}, apperrors.New(apperrors.KindConflict, op, "share_exists")
		case !found && mode == shareUpdate:
			return Change{}, apperrors.New(apperrors.KindNotFound, op, "share_not_found")
		case found && existing.Editable == editable:
			share = existing
			return Change{}, nil
		case found:
			share = existing
			share.Editable = editable
			share.Version = existing.Version + 1
			share.UpdatedAtSeconds = sc.now.Unix()
			result := sc.tx.Model(&SharedScheme{}).
				Where("scheme_id = ? AND user_id = ? AND version = ?", schemeID, targetUserID, existing.Version).
				Updates(map[string]any{"editable": editable, "version": share.Version, "updated_at_s": share.UpdatedAtSeconds})
			if result.Error != nil {
				return Change{}, result.Error
			}
			if result.RowsAffected == 0 {
				return Change{}, errStaleVersion
			}
		default:
			share = SharedScheme{
				SchemeID:         schemeID,
				UserID:           targetUserID,
				Editable:         editable,
				Accepted:         false,
				Version:          1,
				CreatedAtSeconds: sc.now.Unix(),
				UpdatedAtSeconds: sc.now.Unix(),
			}
			if err := sc.tx.Create(&share).Error; err != nil {
				return Change{}, err
			}
		}
		return Change{
			Kind:    ChangeShareChanged,
			ActorID: identity.UserID,
			Payload: ShareChangedPayload{UserID: targetUserID, Level: share.Level(), Accepted: share.Accepted},
		}, nil
	})
	if err != nil {
		return SharedScheme{}, Change{}, err
	}
	if !change.Empty() {
		s.logger.Info("share changed",
			zap.String("scheme_id", schemeID),
			zap.String("user_id", targetUserID),
			zap.Bool("editable", share.Editable))
	}
	return share, change, nil
}

// DeleteShare removes a grant. The owner may revoke any grant; the invited user may decline
// or leave their own.
func (s *Store) DeleteShare(ctx context.Context, identity auth.Identity, schemeID, targetUserID string, hook AfterCommit) (Change, error) {
	targetUserID = strings.TrimSpace(targetUserID)
	return s.mutate(ctx, opDeleteShare, schemeID, hook, func(sc scope) (Change, error) {
		decision, err := sc.authorize(identity, access.SchemeRef(schemeID), access.ActionEdit)
		if err != nil {
			return Change{}, err
		}
		existing, found, err := sc.share(schemeID, targetUserID)
		if err != nil {
			return Change{}, err
		}
		self := !identity.Anonymous() && targetUserID == identity.UserID
		switch {
		case decision.Role == access.RoleOwner:
			if !found {
				return Change{}, apperrors.New(apperrors.KindNotFound, opDeleteShare, "share_not_found")
			}
		case self && found:
		case decision.Role.CanView():
			return Change{}, apperrors.New(apperrors.KindForbidden, opDeleteShare, "owner_only")
		default:
			return Change{}, apperrors.New(apperrors.KindForbidden, opDeleteShare, access.ErrReasonHidden)
		}
		result := sc.tx.Where("scheme_id = ? AND user_id = ?", schemeID, targetUserID).Delete(&SharedScheme{})
		if result.Error != nil {
			return Change{}, result.Error
		}
		if result.RowsAffected == 0 {
			return Change{}, errStaleVersion
		}
		return Change{
			Kind:    ChangeShareChanged,
			ActorID: identity.UserID,
			Payload: ShareChangedPayload{UserID: targetUserID, Level: existing.Level(), Accepted: existing.Accepted, Removed: true},
		}, nil
	})
}

// AcceptShare activates the caller's pending grant on a scheme.
func (s *Store) AcceptShare(ctx context.Context, identity auth.Identity, schemeID string, hook AfterCommit) (SharedScheme, Change, error) {
	var share SharedScheme
	change, err := s.mutate(ctx, opAcceptShare, schemeID, hook, func(sc scope) (Change, error) {
		if identity.Anonymous() {
			return Change{}, apperrors.New(apperrors.KindForbidden, opAcceptShare, access.ErrReasonHidden)
		}
		existing, found, err := sc.share(schemeID, identity.UserID)
		if err != nil {
			return Change{}, err
		}
		if !found {
			return Change{}, apperrors.New(apperrors.KindForbidden, opAcceptShare, access.ErrReasonHidden)
		}
		facts, _, err := sc.snapshot.SchemeFacts(sc.ctx, schemeID)
		if err != nil {
			return Change{}, err
		}
		blocked, err := users.BlockedEitherWay(sc.tx, facts.OwnerID, identity.UserID)
		if err != nil {
			return Change{}, err
		}
		if blocked {
			return Change{}, apperrors.New(apperrors.KindForbidden, opAcceptShare, "blocked")
		}
		share = existing
		if existing.Accepted {
			return Change{}, nil
		}
		share.Accepted = true
		share.Version = existing.Version + 1
		share.UpdatedAtSeconds = sc.now.Unix()
		result := sc.tx.Model(&SharedScheme{}).
			Where("scheme_id = ? AND user_id = ? AND version = ?", schemeID, identity.UserID, existing.Version).
			Updates(map[string]any{"accepted": true, "version": share.Version, "updated_at_s": share.UpdatedAtSeconds})
		if result.Error != nil {
			return Change{}, result.Error
		}
		if result.RowsAffected == 0 {
			return Change{}, errStaleVersion
		}
		return Change{
			Kind:    ChangeShareChanged,
			ActorID: identity.UserID,
			Payload: ShareChangedPayload{UserID: identity.UserID, Level: share.Level(), Accepted: true},
		}, nil
	})
	if err != nil {
		return SharedScheme{}, Change{}, err
	}
	return share, change, nil
}

func (sc scope) share(schemeID, userID string) (SharedScheme, bool, error) {
	var share SharedScheme
	err := sc.tx.Where("scheme_id = ? AND user_id = ?", schemeID, userID).Take(&share).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SharedScheme{}, false, nil
	}
	if err != nil {
		return SharedScheme{}, false, err
	}
	return share, true, nil
}

func (sc scope) checkShareTarget(op, ownerID, targetUserID string) error {
	var count int64
	if err := sc.tx.Model(&users.User{}).Where("id = ?", targetUserID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return apperrors.New(apperrors.KindNotFound, op, "unknown_user")
	}
	blocked, err := users.BlockedEitherWay(sc.tx, ownerID, targetUserID)
	if err != nil {
		return err
	}
	if blocked {
		return apperrors.New(apperrors.KindForbidden, op, "blocked")
	}
	return nil
}

package schemes

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/livery/internal/access"
	"gorm.io/gorm"
)

// txSnapshot answers guard lookups through the mutation's own transaction.
type txSnapshot struct {
	tx *gorm.DB
}

var _ access.Snapshot = txSnapshot{}

func (s txSnapshot) SchemeFacts(ctx context.Context, schemeID string) (access.SchemeFacts, bool, error) {
	var scheme Scheme
	err := s.tx.WithContext(ctx).Select("id", "owner_id").Where("id = ?", schemeID).Take(&scheme).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return access.SchemeFacts{}, false, nil
	}
	if err != nil {
		return access.SchemeFacts{}, false, err
	}
	return access.SchemeFacts{ID: scheme.ID, OwnerID: scheme.OwnerID}, true, nil
}

func (s txSnapshot) ShareFacts(ctx context.Context, schemeID, userID string) (access.ShareFacts, bool, error) {
	var share SharedScheme
	err := s.tx.WithContext(ctx).
		Select("scheme_id", "user_id", "editable", "accepted").
		Where("scheme_id = ? AND user_id = ?", schemeID, userID).
		Take(&share).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return access.ShareFacts{}, false, nil
	}
	if err != nil {
		return access.ShareFacts{}, false, err
	}
	return access.ShareFacts{Editable: share.Editable, Accepted: share.Accepted}, true, nil
}

func (s txSnapshot) LayerSchemeID(ctx context.Context, layerID string) (string, bool, error) {
	var layer Layer
	err := s.tx.WithContext(ctx).Select("id", "scheme_id").Where("id = ?", layerID).Take(&layer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return layer.SchemeID, true, nil
}

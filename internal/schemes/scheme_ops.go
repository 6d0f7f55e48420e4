package schemes

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/livery/internal/access"
	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateScheme = "schemes.create"
	opSchemeState  = "schemes.state"
	opUpdateScheme = "schemes.update"
	opDeleteScheme = "schemes.delete"
	opCloneScheme  = "schemes.clone"

	maxNameLength = 255
)

// NewScheme describes a scheme to create.
type NewScheme struct {
	Name    string
	CarMake string
	Guide   *SchemeGuide
	Public  bool
}

// SchemePatch lists the scheme fields to change; nil fields are left untouched.
// ExpectedVersion pins the patch to a version the caller has seen.
type SchemePatch struct {
	Name            *string      `json:"name,omitempty"`
	CarMake         *string      `json:"car_make,omitempty"`
	Guide           *SchemeGuide `json:"guide,omitempty"`
	Public          *bool        `json:"public,omitempty"`
	HideSpec        *bool        `json:"hide_spec,omitempty"`
	MergeLayers     *bool        `json:"merge_layers,omitempty"`
	ExpectedVersion *int64       `json:"expected_version,omitempty"`
}

func (p SchemePatch) empty() bool {
	return p.Name == nil && p.CarMake == nil && p.Guide == nil && p.Public == nil && p.HideSpec == nil && p.MergeLayers == nil
}

// State is a full, consistent view of a scheme at Sequence.
type State struct {
	Scheme   Scheme         `json:"scheme"`
	Layers   []Layer        `json:"layers"`
	Shares   []SharedScheme `json:"shares,omitempty"`
	Sequence int64          `json:"sequence"`
	Role     access.Role    `json:"role"`
}

func cleanName(op, raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", invalid(op, "empty_name")
	}
	if len(name) > maxNameLength {
		return "", invalid(op, "name_too_long")
	}
	return name, nil
}

// CreateScheme stores a new scheme owned by identity.
func (s *Store) CreateScheme(ctx context.Context, identity auth.Identity, request NewScheme) (Scheme, error) {
	if identity.Anonymous() {
		return Scheme{}, apperrors.New(apperrors.KindUnauthenticated, opCreateScheme, "anonymous")
	}
	name, err := cleanName(opCreateScheme, request.Name)
	if err != nil {
		return Scheme{}, err
	}
	guide := DefaultGuide()
	if request.Guide != nil {
		guide = *request.Guide
	}
	if err := guide.Validate(); err != nil {
		return Scheme{}, apperrors.Wrap(apperrors.KindInvalid, opCreateScheme, "invalid_guide", err)
	}
	id, err := s.newID(opCreateScheme)
	if err != nil {
		return Scheme{}, err
	}
	now := s.clock().UTC().Unix()
	scheme := Scheme{
		ID:               id,
		OwnerID:          identity.UserID,
		Name:             name,
		CarMake:          strings.TrimSpace(request.CarMake),
		Guide:            guide,
		Public:           request.Public,
		Version:          1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	err = s.read(ctx, opCreateScheme, func(sc scope) error {
		return sc.tx.Create(&scheme).Error
	})
	if err != nil {
		return Scheme{}, err
	}
	s.logger.Info("scheme created", zap.String("scheme_id", scheme.ID), zap.String("user_id", identity.UserID))
	return scheme, nil
}

// SchemeState returns the scheme, its ordered layers and the current sequence. Shares are
// included for the owner only.
func (s *Store) SchemeState(ctx context.Context, identity auth.Identity, schemeID string) (State, error) {
	var state State
	err := s.read(ctx, opSchemeState, func(sc scope) error {
		var err error
		state, err = sc.state(opSchemeState, identity, schemeID)
		return err
	})
	return state, err
}

func (sc scope) state(op string, identity auth.Identity, schemeID string) (State, error) {
	decision, err := sc.require(op, identity, access.SchemeRef(schemeID), access.ActionView)
	if err != nil {
		return State{}, err
	}
	var scheme Scheme
	if err := sc.tx.Where("id = ?", schemeID).Take(&scheme).Error; err != nil {
		return State{}, err
	}
	layers, err := sc.orderedLayers(schemeID)
	if err != nil {
		return State{}, err
	}
	state := State{Scheme: scheme, Layers: layers, Sequence: scheme.EventSeq, Role: decision.Role}
	if decision.Role == access.RoleOwner {
		if err := sc.tx.Where("scheme_id = ?", schemeID).Order("user_id ASC").Find(&state.Shares).Error; err != nil {
			return State{}, err
		}
	}
	return state, nil
}

// ApplySchemeMutation patches scheme fields. Requires Edit.
func (s *Store) ApplySchemeMutation(ctx context.Context, identity auth.Identity, schemeID string, patch SchemePatch, hook AfterCommit) (Scheme, Change, error) {
	if patch.empty() {
		return Scheme{}, Change{}, invalid(opUpdateScheme, "empty_patch")
	}
	if patch.Name != nil {
		name, err := cleanName(opUpdateScheme, *patch.Name)
		if err != nil {
			return Scheme{}, Change{}, err
		}
		patch.Name = &name
	}
	if patch.Guide != nil {
		if err := patch.Guide.Validate(); err != nil {
			return Scheme{}, Change{}, apperrors.Wrap(apperrors.KindInvalid, opUpdateScheme, "invalid_guide", err)
		}
	}

	var updated Scheme
	change, err := s.mutate(ctx, opUpdateScheme, schemeID, hook, func(sc scope) (Change, error) {
		if _, err := sc.require(opUpdateScheme, identity, access.SchemeRef(schemeID), access.ActionEdit); err != nil {
			return Change{}, err
		}
		current, _, err := sc.lockScheme(schemeID)
		if err != nil {
			return Change{}, err
		}
		if err := checkPinnedVersion(opUpdateScheme, patch.ExpectedVersion, current.Version); err != nil {
			return Change{}, err
		}
		next := current
		if patch.Name != nil {
			next.Name = *patch.Name
		}
		if patch.CarMake != nil {
			next.CarMake = strings.TrimSpace(*patch.CarMake)
		}
		if patch.Guide != nil {
			next.Guide = *patch.Guide
		}
		if patch.Public != nil {
			next.Public = *patch.Public
		}
		if patch.HideSpec != nil {
			next.HideSpec = *patch.HideSpec
		}
		if patch.MergeLayers != nil {
			next.MergeLayers = *patch.MergeLayers
		}
		next.Version = current.Version + 1
		next.UpdatedAtSeconds = sc.now.Unix()

		result := sc.tx.Model(&Scheme{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Select("name", "car_make", "guide_json", "public", "hide_spec", "merge_layers", "version", "updated_at_s").
			Updates(&next)
		if result.Error != nil {
			return Change{}, result.Error
		}
		if result.RowsAffected == 0 {
			return Change{}, errStaleVersion
		}
		updated = next
		return Change{
			Kind:    ChangeSchemeUpdated,
			ActorID: identity.UserID,
			Payload: SchemeUpdatedPayload{SchemeID: schemeID, Scheme: &updated},
		}, nil
	})
	if err != nil {
		return Scheme{}, Change{}, err
	}
	updated.EventSeq = change.Sequence
	return updated, change, nil
}

// DeleteScheme removes a scheme with its layers, shares and favorites. Owner only.
func (s *Store) DeleteScheme(ctx context.Context, identity auth.Identity, schemeID string, hook AfterCommit) (Change, error) {
	return s.mutate(ctx, opDeleteScheme, schemeID, hook, func(sc scope) (Change, error) {
		decision, err := sc.require(opDeleteScheme, identity, access.SchemeRef(schemeID), access.ActionEdit)
		if err != nil {
			return Change{}, err
		}
		if decision.Role != access.RoleOwner {
			return Change{}, apperrors.New(apperrors.KindForbidden, opDeleteScheme, "owner_only")
		}
		current, found, err := sc.lockScheme(schemeID)
		if err != nil {
			return Change{}, err
		}
		if !found {
			return Change{}, apperrors.New(apperrors.KindNotFound, opDeleteScheme, "scheme_not_found")
		}
		if err := cascadeDelete(sc.tx, schemeID); err != nil {
			return Change{}, err
		}
		return Change{
			Kind:      ChangeSchemeUpdated,
			ActorID:   identity.UserID,
			Sequence:  current.EventSeq + 1,
			Payload:   SchemeUpdatedPayload{SchemeID: schemeID, Deleted: true},
			sequenced: true,
		}, nil
	})
}

func cascadeDelete(tx *gorm.DB, schemeID string) error {
	for _, model := range []any{&Layer{}, &SharedScheme{}, &FavoriteScheme{}} {
		if err := tx.Where("scheme_id = ?", schemeID).Delete(model).Error; err != nil {
			return err
		}
	}
	return tx.Where("id = ?", schemeID).Delete(&Scheme{}).Error
}

// CloneScheme copies a scheme the caller can view, or any public scheme, into a new scheme
// owned by the caller. Layers get fresh ids and keep their order and payloads. The source is
// only read.
func (s *Store) CloneScheme(ctx context.Context, identity auth.Identity, sourceID, name string) (State, error) {
	if identity.Anonymous() {
		return State{}, apperrors.New(apperrors.KindUnauthenticated, opCloneScheme, "anonymous")
	}
	var state State
	err := s.read(ctx, opCloneScheme, func(sc scope) error {
		decision, err := sc.authorize(identity, access.SchemeRef(sourceID), access.ActionView)
		if err != nil {
			return err
		}
		var source Scheme
		found := !decision.Missing()
		if found {
			if err := sc.tx.Where("id = ?", sourceID).Take(&source).Error; err != nil {
				return err
			}
		}
		if !decision.Allowed && !(found && source.Public) {
			return decision.Err(opCloneScheme)
		}

		cloneName := strings.TrimSpace(name)
		if cloneName == "" {
			cloneName = source.Name
		}
		if cloneName, err = cleanName(opCloneScheme, cloneName); err != nil {
			return err
		}
		cloneID, err := s.newID(opCloneScheme)
		if err != nil {
			return err
		}
		originalID := source.ID
		originalAuthor := source.OwnerID
		now := sc.now.Unix()
		clone := Scheme{
			ID:               cloneID,
			OwnerID:          identity.UserID,
			Name:             cloneName,
			CarMake:          source.CarMake,
			Guide:            source.Guide,
			HideSpec:         source.HideSpec,
			MergeLayers:      source.MergeLayers,
			OriginalSchemeID: &originalID,
			OriginalAuthorID: &originalAuthor,
			Version:          1,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := sc.tx.Create(&clone).Error; err != nil {
			return err
		}

		layers, err := sc.orderedLayers(sourceID)
		if err != nil {
			return err
		}
		copies := make([]Layer, 0, len(layers))
		for index, layer := range layers {
			layerID, err := s.newID(opCloneScheme)
			if err != nil {
				return err
			}
			copies = append(copies, Layer{
				ID:               layerID,
				SchemeID:         cloneID,
				Type:             layer.Type,
				Order:            index + 1,
				Name:             layer.Name,
				Visible:          layer.Visible,
				Locked:           layer.Locked,
				PayloadJSON:      layer.PayloadJSON,
				Version:          1,
				CreatedAtSeconds: now,
				UpdatedAtSeconds: now,
			})
		}
		if len(copies) > 0 {
			if err := sc.tx.Create(&copies).Error; err != nil {
				return err
			}
		}
		state = State{Scheme: clone, Layers: copies, Role: access.RoleOwner}
		return nil
	})
	if err != nil {
		return State{}, err
	}
	s.logger.Info("scheme cloned",
		zap.String("source_scheme_id", sourceID),
		zap.String("scheme_id", state.Scheme.ID),
		zap.String("user_id", identity.UserID))
	return state, nil
}

package schemes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/livery/internal/access"
	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGetLayer      = "schemes.get_layer"
	opCreateLayer   = "schemes.create_layer"
	opUpdateLayer   = "schemes.update_layer"
	opDeleteLayer   = "schemes.delete_layer"
	opReorderLayers = "schemes.reorder_layers"
)

// NewLayer describes a layer to create. Order is the 1-based position to insert at; zero
// places the layer on top.
type NewLayer struct {
	Type    LayerType       `json:"type"`
	Name    string          `json:"name"`
	Visible *bool           `json:"visible,omitempty"`
	Locked  bool            `json:"locked"`
	Order   int             `json:"order,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// LayerPatch lists the layer fields to change. SchemeID, when set, is the scheme the caller
// addressed the layer through. Data replaces the payload whole.
type LayerPatch struct {
	SchemeID        string          `json:"-"`
	Name            *string         `json:"name,omitempty"`
	Visible         *bool           `json:"visible,omitempty"`
	Locked          *bool           `json:"locked,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
}

func (p LayerPatch) touchesContent() bool {
	return p.Name != nil || p.Visible != nil || len(p.Data) > 0
}

func (p LayerPatch) empty() bool {
	return !p.touchesContent() && p.Locked == nil
}

// GetLayer returns a layer the caller can view.
func (s *Store) GetLayer(ctx context.Context, identity auth.Identity, schemeHint, layerID string) (Layer, error) {
	var layer Layer
	err := s.read(ctx, opGetLayer, func(sc scope) error {
		if _, err := sc.requireLayer(opGetLayer, identity, layerID, schemeHint, access.ActionView); err != nil {
			return err
		}
		return sc.tx.Where("id = ?", layerID).Take(&layer).Error
	})
	return layer, err
}

// CreateLayer inserts a layer and renumbers the scheme's orders. Requires Edit.
func (s *Store) CreateLayer(ctx context.Context, identity auth.Identity, schemeID string, request NewLayer, hook AfterCommit) (Layer, Change, error) {
	payload, err := DecodePayload(request.Type, request.Data)
	if err != nil {
		return Layer{}, Change{}, apperrors.Wrap(apperrors.KindInvalid, opCreateLayer, "invalid_payload", err)
	}
	encoded, err := EncodePayload(payload)
	if err != nil {
		return Layer{}, Change{}, apperrors.Wrap(apperrors.KindInvalid, opCreateLayer, "invalid_payload", err)
	}
	if request.Order < 0 {
		return Layer{}, Change{}, invalid(opCreateLayer, "invalid_order")
	}
	layerID, err := s.newID(opCreateLayer)
	if err != nil {
		return Layer{}, Change{}, err
	}

	var created Layer
	change, err := s.mutate(ctx, opCreateLayer, schemeID, hook, func(sc scope) (Change, error) {
		if _, err := sc.require(opCreateLayer, identity, access.SchemeRef(schemeID), access.ActionEdit); err != nil {
			return Change{}, err
		}
		if _, _, err := sc.lockScheme(schemeID); err != nil {
			return Change{}, err
		}
		layers, err := sc.orderedLayers(schemeID)
		if err != nil {
			return Change{}, err
		}
		positions := insertOrder(layers, layerID, request.Order)
		if err := sc.applyPositions(layers, positions); err != nil {
			return Change{}, err
		}
		visible := true
		if request.Visible != nil {
			visible = *request.Visible
		}
		created = Layer{
			ID:               layerID,
			SchemeID:         schemeID,
			Type:             payload.LayerType(),
			Order:            orderOf(positions, layerID),
			Name:             strings.TrimSpace(request.Name),
			Visible:          visible,
			Locked:           request.Locked,
			PayloadJSON:      encoded,
			Version:          1,
			CreatedAtSeconds: sc.now.Unix(),
			UpdatedAtSeconds: sc.now.Unix(),
		}
		if err := sc.tx.Create(&created).Error; err != nil {
			return Change{}, err
		}
		if err := sc.verifyDense(opCreateLayer, schemeID); err != nil {
			return Change{}, err
		}
		return Change{
			Kind:    ChangeLayerCreated,
			ActorID: identity.UserID,
			Payload: LayerCreatedPayload{Layer: created, Orders: positions},
		}, nil
	})
	if err != nil {
		return Layer{}, Change{}, err
	}
	return created, change, nil
}

// ApplyLayerMutation patches a layer. Requires Edit on the layer's scheme. A locked layer
// accepts only a patch that changes nothing but the lock.
func (s *Store) ApplyLayerMutation(ctx context.Context, identity auth.Identity, layerID string, patch LayerPatch, hook AfterCommit) (Layer, Change, error) {
	if patch.empty() {
		return Layer{}, Change{}, invalid(opUpdateLayer, "empty_patch")
	}
	schemeID, err := s.lockKeyForLayer(ctx, opUpdateLayer, identity, layerID, patch.SchemeID)
	if err != nil {
		return Layer{}, Change{}, err
	}

	var updated Layer
	change, err := s.mutate(ctx, opUpdateLayer, schemeID, hook, func(sc scope) (Change, error) {
		if _, err := sc.requireLayer(opUpdateLayer, identity, layerID, patch.SchemeID, access.ActionEdit); err != nil {
			return Change{}, err
		}
		current, err := sc.lockLayer(layerID)
		if err != nil {
			return Change{}, err
		}
		if err := checkPinnedVersion(opUpdateLayer, patch.ExpectedVersion, current.Version); err != nil {
			return Change{}, err
		}
		if current.Locked && patch.touchesContent() {
			return Change{}, apperrors.New(apperrors.KindConflict, opUpdateLayer, "layer_locked")
		}
		next := current
		if patch.Name != nil {
			next.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Visible != nil {
			next.Visible = *patch.Visible
		}
		if patch.Locked != nil {
			next.Locked = *patch.Locked
		}
		if len(patch.Data) > 0 {
			payload, err := DecodePayload(current.Type, patch.Data)
			if err != nil {
				return Change{}, apperrors.Wrap(apperrors.KindInvalid, opUpdateLayer, "invalid_payload", err)
			}
			if next.PayloadJSON, err = EncodePayload(payload); err != nil {
				return Change{}, apperrors.Wrap(apperrors.KindInvalid, opUpdateLayer, "invalid_payload", err)
			}
		}
		next.Version = current.Version + 1
		next.UpdatedAtSeconds = sc.now.Unix()

		result := sc.tx.Model(&Layer{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(map[string]any{
				"name":         next.Name,
				"visible":      next.Visible,
				"locked":       next.Locked,
				"payload_json": next.PayloadJSON,
				"version":      next.Version,
				"updated_at_s": next.UpdatedAtSeconds,
			})
		if result.Error != nil {
			return Change{}, result.Error
		}
		if result.RowsAffected == 0 {
			return Change{}, errStaleVersion
		}
		updated = next
		return Change{
			Kind:    ChangeLayerUpdated,
			ActorID: identity.UserID,
			Payload: LayerUpdatedPayload{Layer: updated},
		}, nil
	})
	if err != nil {
		return Layer{}, Change{}, err
	}
	return updated, change, nil
}

// DeleteLayer removes a layer, locked or not, and closes the order gap. Requires Edit.
func (s *Store) DeleteLayer(ctx context.Context, identity auth.Identity, schemeHint, layerID string, hook AfterCommit) (Change, error) {
	schemeID, err := s.lockKeyForLayer(ctx, opDeleteLayer, identity, layerID, schemeHint)
	if err != nil {
		return Change{}, err
	}
	return s.mutate(ctx, opDeleteLayer, schemeID, hook, func(sc scope) (Change, error) {
		if _, err := sc.requireLayer(opDeleteLayer, identity, layerID, schemeHint, access.ActionEdit); err != nil {
			return Change{}, err
		}
		if _, _, err := sc.lockScheme(schemeID); err != nil {
			return Change{}, err
		}
		layers, err := sc.orderedLayers(schemeID)
		if err != nil {
			return Change{}, err
		}
		if err := sc.tx.Where("id = ?", layerID).Delete(&Layer{}).Error; err != nil {
			return Change{}, err
		}
		positions := removeOrder(layers, layerID)
		if err := sc.applyPositions(layers, positions); err != nil {
			return Change{}, err
		}
		if err := sc.verifyDense(opDeleteLayer, schemeID); err != nil {
			return Change{}, err
		}
		return Change{
			Kind:    ChangeLayerDeleted,
			ActorID: identity.UserID,
			Payload: LayerDeletedPayload{LayerID: layerID, Orders: positions},
		}, nil
	})
}

// ReorderLayers applies a requested z-order. Partial or colliding requests are normalized
// rather than rejected, so concurrent drags converge. A request that changes nothing
// commits no change.
func (s *Store) ReorderLayers(ctx context.Context, identity auth.Identity, schemeID string, requested []LayerPosition, hook AfterCommit) ([]LayerPosition, Change, error) {
	if len(requested) == 0 {
		return nil, Change{}, invalid(opReorderLayers, "empty_order")
	}
	var positions []LayerPosition
	change, err := s.mutate(ctx, opReorderLayers, schemeID, hook, func(sc scope) (Change, error) {
		if _, err := sc.require(opReorderLayers, identity, access.SchemeRef(schemeID), access.ActionEdit); err != nil {
			return Change{}, err
		}
		if _, _, err := sc.lockScheme(schemeID); err != nil {
			return Change{}, err
		}
		layers, err := sc.orderedLayers(schemeID)
		if err != nil {
			return Change{}, err
		}
		positions = normalizeOrder(layers, requested)
		if unchanged(layers, positions) {
			return Change{}, nil
		}
		if err := sc.applyPositions(layers, positions); err != nil {
			return Change{}, err
		}
		if err := sc.verifyDense(opReorderLayers, schemeID); err != nil {
			return Change{}, err
		}
		return Change{
			Kind:    ChangeLayersReordered,
			ActorID: identity.UserID,
			Payload: LayersReorderedPayload{Orders: positions},
		}, nil
	})
	if err != nil {
		return nil, Change{}, err
	}
	return positions, change, nil
}

// lockKeyForLayer finds the scheme whose lock guards layerID. A layer that cannot be found
// falls back to the scheme the caller addressed; without one the caller gets the same
// answer as for any scheme it cannot see.
func (s *Store) lockKeyForLayer(ctx context.Context, op string, identity auth.Identity, layerID, schemeHint string) (string, error) {
	if identity.Anonymous() {
		return "", apperrors.New(apperrors.KindForbidden, op, access.ErrReasonHidden)
	}
	var layer Layer
	err := s.db.WithContext(ctx).Select("id", "scheme_id").Where("id = ?", layerID).Take(&layer).Error
	switch {
	case err == nil && (schemeHint == "" || schemeHint == layer.SchemeID):
		return layer.SchemeID, nil
	case err == nil || errors.Is(err, gorm.ErrRecordNotFound):
		if schemeHint == "" {
			return "", apperrors.New(apperrors.KindForbidden, op, access.ErrReasonHidden)
		}
		return schemeHint, nil
	default:
		return "", s.classify(ctx, op, schemeHint, err)
	}
}

func (sc scope) lockLayer(layerID string) (Layer, error) {
	var layer Layer
	err := sc.tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", layerID).Take(&layer).Error
	return layer, err
}

func orderOf(positions []LayerPosition, layerID string) int {
	for _, position := range positions {
		if position.LayerID == layerID {
			return position.Order
		}
	}
	return 0
}

func unchanged(layers []Layer, positions []LayerPosition) bool {
	current := make(map[string]int, len(layers))
	for _, layer := range layers {
		current[layer.ID] = layer.Order
	}
	for _, position := range positions {
		if current[position.LayerID] != position.Order {
			return false
		}
	}
	return true
}

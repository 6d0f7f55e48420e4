package schemes

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// Scheme is a saved livery design document.
type Scheme struct {
	ID               string      `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	OwnerID          string      `gorm:"column:owner_id;size:190;not null;index" json:"owner_id"`
	Name             string      `gorm:"column:name;size:255;not null" json:"name"`
	CarMake          string      `gorm:"column:car_make;size:190;not null;default:''" json:"car_make"`
	Guide            SchemeGuide `gorm:"column:guide_json;type:text;serializer:json" json:"guide"`
	Public           bool        `gorm:"column:public;not null;default:false" json:"public"`
	HideSpec         bool        `gorm:"column:hide_spec;not null;default:false" json:"hide_spec"`
	MergeLayers      bool        `gorm:"column:merge_layers;not null;default:false" json:"merge_layers"`
	OriginalSchemeID *string     `gorm:"column:original_scheme_id;size:190" json:"original_scheme_id,omitempty"`
	OriginalAuthorID *string     `gorm:"column:original_author_id;size:190" json:"original_author_id,omitempty"`
	Version          int64       `gorm:"column:version;not null;default:1" json:"version"`
	EventSeq         int64       `gorm:"column:event_seq;not null;default:0" json:"sequence"`
	CreatedAtSeconds int64       `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds int64       `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Scheme) TableName() string {
	return "schemes"
}

// Layer is one ordered visual element of a scheme.
type Layer struct {
	ID               string    `gorm:"column:id;primaryKey;size:190;not null"`
	SchemeID         string    `gorm:"column:scheme_id;size:190;not null;index:idx_layers_scheme_order,priority:1"`
	Scheme           *Scheme   `gorm:"foreignKey:SchemeID;references:ID;constraint:OnDelete:CASCADE"`
	Type             LayerType `gorm:"column:layer_type;size:32;not null"`
	Order            int       `gorm:"column:layer_order;not null;index:idx_layers_scheme_order,priority:2"`
	Name             string    `gorm:"column:name;size:255;not null;default:''"`
	Visible          bool      `gorm:"column:visible;not null;default:true"`
	Locked           bool      `gorm:"column:locked;not null;default:false"`
	PayloadJSON      string    `gorm:"column:payload_json;type:text;not null"`
	Version          int64     `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64     `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Layer) TableName() string {
	return "layers"
}

type layerView struct {
	ID               string          `json:"id"`
	SchemeID         string          `json:"scheme_id"`
	Type             LayerType       `json:"type"`
	Order            int             `json:"order"`
	Name             string          `json:"name"`
	Visible          bool            `json:"visible"`
	Locked           bool            `json:"locked"`
	Data             json.RawMessage `json:"data"`
	Version          int64           `json:"version"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

// MarshalJSON renders the layer with its payload inlined as "data".
func (l Layer) MarshalJSON() ([]byte, error) {
	data := json.RawMessage(l.PayloadJSON)
	if len(strings.TrimSpace(l.PayloadJSON)) == 0 {
		data = json.RawMessage("{}")
	}
	return json.Marshal(layerView{
		ID:               l.ID,
		SchemeID:         l.SchemeID,
		Type:             l.Type,
		Order:            l.Order,
		Name:             l.Name,
		Visible:          l.Visible,
		Locked:           l.Locked,
		Data:             data,
		Version:          l.Version,
		CreatedAtSeconds: l.CreatedAtSeconds,
		UpdatedAtSeconds: l.UpdatedAtSeconds,
	})
}

// UnmarshalJSON accepts the shape produced by MarshalJSON.
func (l *Layer) UnmarshalJSON(raw []byte) error {
	var view layerView
	if err := json.Unmarshal(raw, &view); err != nil {
		return err
	}
	*l = Layer{
		ID:               view.ID,
		SchemeID:         view.SchemeID,
		Type:             view.Type,
		Order:            view.Order,
		Name:             view.Name,
		Visible:          view.Visible,
		Locked:           view.Locked,
		PayloadJSON:      string(view.Data),
		Version:          view.Version,
		CreatedAtSeconds: view.CreatedAtSeconds,
		UpdatedAtSeconds: view.UpdatedAtSeconds,
	}
	return nil
}

// Payload decodes the stored type-specific data.
func (l Layer) Payload() (LayerPayload, error) {
	return DecodePayload(l.Type, []byte(l.PayloadJSON))
}

// SharedScheme grants a non-owner access to a scheme. The composite key enforces a single
// row per (scheme, user).
type SharedScheme struct {
	SchemeID         string  `gorm:"column:scheme_id;primaryKey;size:190;not null" json:"scheme_id"`
	UserID           string  `gorm:"column:user_id;primaryKey;size:190;not null;index" json:"user_id"`
	Scheme           *Scheme `gorm:"foreignKey:SchemeID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
	Editable         bool    `gorm:"column:editable;not null;default:false" json:"editable"`
	Accepted         bool    `gorm:"column:accepted;not null;default:false" json:"accepted"`
	Version          int64   `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (SharedScheme) TableName() string {
	return "shared_schemes"
}

// Level reports the permission level granted by the share.
func (s SharedScheme) Level() ShareLevel {
	if s.Editable {
		return ShareLevelEdit
	}
	return ShareLevelView
}

// FavoriteScheme bookmarks a scheme for a user.
type FavoriteScheme struct {
	UserID           string  `gorm:"column:user_id;primaryKey;size:190;not null"`
	SchemeID         string  `gorm:"column:scheme_id;primaryKey;size:190;not null;index"`
	Scheme           *Scheme `gorm:"foreignKey:SchemeID;references:ID;constraint:OnDelete:CASCADE"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FavoriteScheme) TableName() string {
	return "favorite_schemes"
}

// FavoriteLogo bookmarks a logo asset for a user.
type FavoriteLogo struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	LogoID           string `gorm:"column:logo_id;primaryKey;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FavoriteLogo) TableName() string {
	return "favorite_logos"
}

// FavoriteOverlay bookmarks an overlay asset for a user.
type FavoriteOverlay struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	OverlayID        string `gorm:"column:overlay_id;primaryKey;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FavoriteOverlay) TableName() string {
	return "favorite_overlays"
}

// Models lists every table owned by the store, in dependency order.
func Models() []any {
	return []any{&Scheme{}, &Layer{}, &SharedScheme{}, &FavoriteScheme{}, &FavoriteLogo{}, &FavoriteOverlay{}}
}

// ShareLevel is the permission requested for a share change.
type ShareLevel string

const (
	ShareLevelRemove ShareLevel = "remove"
	ShareLevelView   ShareLevel = "view"
	ShareLevelEdit   ShareLevel = "edit"
)

// ParseShareLevel accepts the textual levels and the legacy -1/0/1 encoding.
func ParseShareLevel(raw string) (ShareLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "remove", "-1":
		return ShareLevelRemove, nil
	case "view", "0":
		return ShareLevelView, nil
	case "edit", "1":
		return ShareLevelEdit, nil
	default:
		return "", fmt.Errorf("schemes: unknown share level %q", raw)
	}
}

func validIdentifier(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed != "" && len(trimmed) <= maxIdentifierLength
}

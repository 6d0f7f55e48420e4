package schemes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// LayerType tags the variant stored in a layer's payload.
type LayerType string

const (
	LayerTypeText    LayerType = "text"
	LayerTypeLogo    LayerType = "logo"
	LayerTypeBase    LayerType = "base"
	LayerTypeOverlay LayerType = "overlay"
	LayerTypeUpload  LayerType = "upload"
	LayerTypeCar     LayerType = "car"
	LayerTypeShape   LayerType = "shape"
)

// ParseLayerType validates a textual layer type.
func ParseLayerType(raw string) (LayerType, error) {
	switch value := LayerType(strings.ToLower(strings.TrimSpace(raw))); value {
	case LayerTypeText, LayerTypeLogo, LayerTypeBase, LayerTypeOverlay, LayerTypeUpload, LayerTypeCar, LayerTypeShape:
		return value, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPayload, raw)
	}
}

// ErrInvalidPayload reports a payload that does not match its layer type.
var ErrInvalidPayload = errors.New("schemes: invalid layer payload")

var colorPattern = regexp.MustCompile(`^#([0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// LayerPayload is implemented by every layer variant.
type LayerPayload interface {
	LayerType() LayerType
	Validate() error
}

// Transform is the geometry shared by placed layers.
type Transform struct {
	Left          float64  `json:"left"`
	Top           float64  `json:"top"`
	Width         float64  `json:"width"`
	Height        float64  `json:"height"`
	Rotation      float64  `json:"rotation"`
	ScaleX        float64  `json:"scale_x"`
	ScaleY        float64  `json:"scale_y"`
	SkewX         float64  `json:"skew_x"`
	SkewY         float64  `json:"skew_y"`
	Flip          bool     `json:"flip"`
	Flop          bool     `json:"flop"`
	Opacity       *float64 `json:"opacity,omitempty"`
	ShadowColor   string   `json:"shadow_color,omitempty"`
	ShadowBlur    float64  `json:"shadow_blur,omitempty"`
	ShadowOffsetX float64  `json:"shadow_offset_x,omitempty"`
	ShadowOffsetY float64  `json:"shadow_offset_y,omitempty"`
}

func (t Transform) validate() error {
	if t.Width < 0 || t.Height < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidPayload)
	}
	if t.Opacity != nil && (*t.Opacity < 0 || *t.Opacity > 1) {
		return fmt.Errorf("%w: opacity out of range", ErrInvalidPayload)
	}
	return validColor("shadow_color", t.ShadowColor)
}

// TextPayload renders a string.
type TextPayload struct {
	Transform
	Text        string  `json:"text"`
	Font        string  `json:"font,omitempty"`
	Size        float64 `json:"size,omitempty"`
	Color       string  `json:"color,omitempty"`
	StrokeColor string  `json:"stroke_color,omitempty"`
	StrokeWidth float64 `json:"stroke_width,omitempty"`
	Align       string  `json:"align,omitempty"`
}

func (TextPayload) LayerType() LayerType { return LayerTypeText }

func (p TextPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: text is empty", ErrInvalidPayload)
	}
	switch p.Align {
	case "", "left", "center", "right":
	default:
		return fmt.Errorf("%w: unknown align %q", ErrInvalidPayload, p.Align)
	}
	if p.Size < 0 || p.StrokeWidth < 0 {
		return fmt.Errorf("%w: negative text metric", ErrInvalidPayload)
	}
	return firstError(p.Transform.validate(), validColor("color", p.Color), validColor("stroke_color", p.StrokeColor))
}

// LogoPayload places a logo from the shared library.
type LogoPayload struct {
	Transform
	LogoID string `json:"logo_id"`
	Color  string `json:"color,omitempty"`
}

func (LogoPayload) LayerType() LayerType { return LayerTypeLogo }

func (p LogoPayload) Validate() error {
	if !validIdentifier(p.LogoID) {
		return fmt.Errorf("%w: logo_id required", ErrInvalidPayload)
	}
	return firstError(p.Transform.validate(), validColor("color", p.Color))
}

// BasePayload fills the car with a base paint pattern.
type BasePayload struct {
	Transform
	BasePaintID string   `json:"base_paint_id"`
	Colors      []string `json:"colors,omitempty"`
}

func (BasePayload) LayerType() LayerType { return LayerTypeBase }

func (p BasePayload) Validate() error {
	if !validIdentifier(p.BasePaintID) {
		return fmt.Errorf("%w: base_paint_id required", ErrInvalidPayload)
	}
	for _, color := range p.Colors {
		if err := validColor("colors", color); err != nil {
			return err
		}
	}
	return p.Transform.validate()
}

// OverlayPayload places a vector overlay.
type OverlayPayload struct {
	Transform
	OverlayID   string  `json:"overlay_id"`
	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"stroke_width,omitempty"`
}

func (OverlayPayload) LayerType() LayerType { return LayerTypeOverlay }

func (p OverlayPayload) Validate() error {
	if !validIdentifier(p.OverlayID) {
		return fmt.Errorf("%w: overlay_id required", ErrInvalidPayload)
	}
	if p.StrokeWidth < 0 {
		return fmt.Errorf("%w: negative stroke_width", ErrInvalidPayload)
	}
	return firstError(p.Transform.validate(), validColor("color", p.Color))
}

// UploadPayload places a user-uploaded image.
type UploadPayload struct {
	Transform
	UploadID string `json:"upload_id"`
}

func (UploadPayload) LayerType() LayerType { return LayerTypeUpload }

func (p UploadPayload) Validate() error {
	if !validIdentifier(p.UploadID) {
		return fmt.Errorf("%w: upload_id required", ErrInvalidPayload)
	}
	return p.Transform.validate()
}

// CarPayload controls the car template outline.
type CarPayload struct {
	Color        string   `json:"color,omitempty"`
	Opacity      *float64 `json:"opacity,omitempty"`
	ShowWireMask bool     `json:"show_wire_mask,omitempty"`
}

func (CarPayload) LayerType() LayerType { return LayerTypeCar }

func (p CarPayload) Validate() error {
	if p.Opacity != nil && (*p.Opacity < 0 || *p.Opacity > 1) {
		return fmt.Errorf("%w: opacity out of range", ErrInvalidPayload)
	}
	return validColor("color", p.Color)
}

// ShapeKind enumerates drawable primitives.
type ShapeKind string

var shapeKinds = map[ShapeKind]struct{}{
	"rect": {}, "circle": {}, "ellipse": {}, "star": {}, "ring": {}, "regular-polygon": {},
	"wedge": {}, "arc": {}, "arrow": {}, "line": {}, "pen": {},
}

// ShapePayload draws a primitive shape.
type ShapePayload struct {
	Transform
	Shape        ShapeKind `json:"shape"`
	Color        string    `json:"color,omitempty"`
	StrokeColor  string    `json:"stroke_color,omitempty"`
	StrokeWidth  float64   `json:"stroke_width,omitempty"`
	Points       []float64 `json:"points,omitempty"`
	CornerRadius float64   `json:"corner_radius,omitempty"`
	Sides        int       `json:"sides,omitempty"`
	InnerRadius  float64   `json:"inner_radius,omitempty"`
	OuterRadius  float64   `json:"outer_radius,omitempty"`
}

func (ShapePayload) LayerType() LayerType { return LayerTypeShape }

func (p ShapePayload) Validate() error {
	if _, ok := shapeKinds[p.Shape]; !ok {
		return fmt.Errorf("%w: unknown shape %q", ErrInvalidPayload, p.Shape)
	}
	if (p.Shape == "line" || p.Shape == "pen" || p.Shape == "arrow") && (len(p.Points) < 4 || len(p.Points)%2 != 0) {
		return fmt.Errorf("%w: %s needs coordinate pairs", ErrInvalidPayload, p.Shape)
	}
	if p.Shape == "regular-polygon" && p.Sides < 3 {
		return fmt.Errorf("%w: polygon needs at least 3 sides", ErrInvalidPayload)
	}
	if p.StrokeWidth < 0 || p.CornerRadius < 0 || p.InnerRadius < 0 || p.OuterRadius < 0 {
		return fmt.Errorf("%w: negative shape metric", ErrInvalidPayload)
	}
	return firstError(p.Transform.validate(), validColor("color", p.Color), validColor("stroke_color", p.StrokeColor))
}

func newPayload(layerType LayerType) (LayerPayload, error) {
	switch layerType {
	case LayerTypeText:
		return &TextPayload{}, nil
	case LayerTypeLogo:
		return &LogoPayload{}, nil
	case LayerTypeBase:
		return &BasePayload{}, nil
	case LayerTypeOverlay:
		return &OverlayPayload{}, nil
	case LayerTypeUpload:
		return &UploadPayload{}, nil
	case LayerTypeCar:
		return &CarPayload{}, nil
	case LayerTypeShape:
		return &ShapePayload{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown layer type %q", ErrInvalidPayload, layerType)
	}
}

// DecodePayload parses raw JSON into the variant selected by layerType and validates it.
// Unknown fields are rejected.
func DecodePayload(layerType LayerType, raw []byte) (LayerPayload, error) {
	target, err := newPayload(layerType)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	payload := deref(target)
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// EncodePayload renders a payload for storage.
func EncodePayload(payload LayerPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return string(encoded), nil
}

func deref(payload LayerPayload) LayerPayload {
	switch value := payload.(type) {
	case *TextPayload:
		return *value
	case *LogoPayload:
		return *value
	case *BasePayload:
		return *value
	case *OverlayPayload:
		return *value
	case *UploadPayload:
		return *value
	case *CarPayload:
		return *value
	case *ShapePayload:
		return *value
	default:
		return payload
	}
}

func validColor(field, value string) error {
	if value == "" || colorPattern.MatchString(value) {
		return nil
	}
	return fmt.Errorf("%w: %s must be #rrggbb or #rrggbbaa", ErrInvalidPayload, field)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

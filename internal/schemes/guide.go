package schemes

import "fmt"

// SchemeGuide holds the editor guide overlays and defaults for new shapes. It is replaced
// whole on patch.
type SchemeGuide struct {
	ShowWireframe      bool    `json:"show_wireframe"`
	WireframeColor     string  `json:"wireframe_color,omitempty"`
	WireframeOpacity   float64 `json:"wireframe_opacity,omitempty"`
	ShowSponsorBlocks  bool    `json:"show_sponsor_blocks"`
	SponsorColor       string  `json:"sponsor_color,omitempty"`
	SponsorOpacity     float64 `json:"sponsor_opacity,omitempty"`
	ShowNumberBlocks   bool    `json:"show_number_blocks"`
	NumberBlockColor   string  `json:"number_block_color,omitempty"`
	NumberBlockOpacity float64 `json:"number_block_opacity,omitempty"`
	ShowGrid           bool    `json:"show_grid"`
	GridPadding        int     `json:"grid_padding,omitempty"`
	GridStroke         float64 `json:"grid_stroke,omitempty"`
	SnapToGrid         bool    `json:"snap_to_grid"`
	ShowCarMask        bool    `json:"show_car_mask"`
	CarMaskColor       string  `json:"car_mask_color,omitempty"`
	CarMaskOpacity     float64 `json:"car_mask_opacity,omitempty"`
	DefaultShapeColor  string  `json:"default_shape_color,omitempty"`
	DefaultShapeStroke float64 `json:"default_shape_stroke,omitempty"`
	DefaultShapeAlpha  float64 `json:"default_shape_opacity,omitempty"`
}

// DefaultGuide is applied to freshly created schemes.
func DefaultGuide() SchemeGuide {
	return SchemeGuide{
		ShowWireframe:      true,
		WireframeColor:     "#000000",
		WireframeOpacity:   1,
		SponsorColor:       "#7f7f7f",
		SponsorOpacity:     1,
		NumberBlockColor:   "#ff0000",
		NumberBlockOpacity: 1,
		GridPadding:        10,
		GridStroke:         0.1,
		CarMaskColor:       "#000000",
		CarMaskOpacity:     1,
		DefaultShapeColor:  "#000000",
		DefaultShapeAlpha:  1,
	}
}

// Validate checks colours and ranges.
func (g SchemeGuide) Validate() error {
	for field, color := range map[string]string{
		"wireframe_color":     g.WireframeColor,
		"sponsor_color":       g.SponsorColor,
		"number_block_color":  g.NumberBlockColor,
		"car_mask_color":      g.CarMaskColor,
		"default_shape_color": g.DefaultShapeColor,
	} {
		if err := validColor(field, color); err != nil {
			return err
		}
	}
	for field, opacity := range map[string]float64{
		"wireframe_opacity":     g.WireframeOpacity,
		"sponsor_opacity":       g.SponsorOpacity,
		"number_block_opacity":  g.NumberBlockOpacity,
		"car_mask_opacity":      g.CarMaskOpacity,
		"default_shape_opacity": g.DefaultShapeAlpha,
	} {
		if opacity < 0 || opacity > 1 {
			return fmt.Errorf("%w: %s out of range", ErrInvalidPayload, field)
		}
	}
	if g.GridPadding < 0 || g.GridStroke < 0 || g.DefaultShapeStroke < 0 {
		return fmt.Errorf("%w: negative guide metric", ErrInvalidPayload)
	}
	return nil
}

package parcel

// Style is the visual style the map engine applies to one feature.
type Style struct {
	Stroke      string  `json:"stroke"`
	StrokeWidth float64 `json:"strokeWidth"`
	Fill        string  `json:"fill"`
}

// StyleFunc returns the style for a feature. The map engine calls it once per
// visible feature on every style pass, so it must be cheap and side-effect free.
type StyleFunc func(f Feature) Style

// Palette is the pair of styles used for parcels.
type Palette struct {
	Default  Style `json:"default"`
	Selected Style `json:"selected"`
}

// DefaultPalette returns the parcel layer colours.
func DefaultPalette() Palette {
	return Palette{
		Default: Style{
			Stroke:      "#4ECDC4",
			StrokeWidth: 1,
			Fill:        "rgba(78, 205, 196, 0.2)",
		},
		Selected: Style{
			Stroke:      "#FF6B6B",
			StrokeWidth: 2,
			Fill:        "rgba(255, 107, 107, 0.35)",
		},
	}
}

// NewStyler returns a StyleFunc that reads model on every call, so each pass
// reflects the selection at the time the pass runs.
func NewStyler(model *SelectionModel, p Palette) StyleFunc {
	return func(f Feature) Style {
		if model.State().IsSelected(f.ID()) {
			return p.Selected
		}
		return p.Default
	}
}

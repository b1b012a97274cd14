// Package parcel implements parcel selection for the cadastral map viewer.
//
// It holds the selection state, the selection-aware style function, popup
// placement, the parcel detail fetcher and the controller that wires them to
// an externally owned map (see [Map]). Everything in this package runs on the
// map's event loop: callbacks, transitions and network completions are never
// executed concurrently, so the types here carry no locks.
package parcel

import (
	"fmt"
	"math"
	"strconv"
)

// Point is a pixel position relative to the map viewport's top-left corner.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a pixel extent (popup footprint or viewport size).
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FeatureID identifies a rendered feature within a tile layer.
// It is the vector tile feature id in its canonical string form; the empty
// value means "no feature".
type FeatureID string

// ParseFeatureID normalises a feature id as decoded from a vector tile or a
// JSON document. Integers, integral floats and non-empty strings are accepted.
func ParseFeatureID(v any) (FeatureID, bool) {
	switch id := v.(type) {
	case FeatureID:
		return id, id != ""
	case string:
		return FeatureID(id), id != ""
	case int:
		return FeatureID(strconv.Itoa(id)), true
	case int32:
		return FeatureID(strconv.FormatInt(int64(id), 10)), true
	case int64:
		return FeatureID(strconv.FormatInt(id, 10)), true
	case uint32:
		return FeatureID(strconv.FormatUint(uint64(id), 10)), true
	case uint64:
		return FeatureID(strconv.FormatUint(id, 10)), true
	case float64:
		if math.IsNaN(id) || math.IsInf(id, 0) || id != math.Trunc(id) {
			return "", false
		}
		return FeatureID(strconv.FormatFloat(id, 'f', -1, 64)), true
	case fmt.Stringer:
		s := id.String()
		return FeatureID(s), s != ""
	}
	return "", false
}

// SelectionState is the single selection record observed by the styler and
// the popup view.
//
// Visible implies Position != nil and FeatureID != "". The zero value is the
// canonical empty state, see [EmptySelection].
type SelectionState struct {
	Visible   bool      `json:"visible"`
	Position  *Point    `json:"position"`
	FeatureID FeatureID `json:"featureId,omitempty"`
}

// EmptySelection is the value used for initialisation and every deselect.
var EmptySelection = SelectionState{}

// IsSelected reports whether id is the currently selected feature.
func (s SelectionState) IsSelected(id FeatureID) bool {
	return s.Visible && id != "" && s.FeatureID == id
}

// ParcelAttributes are the attributes shown in the popup for a parcel.
type ParcelAttributes struct {
	ParcelNumber string            `json:"parcel_number"`
	Area         string            `json:"area"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// FormatValue renders a property value as display text. Tile servers are not
// consistent about numeric attributes, so numbers and strings both work.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

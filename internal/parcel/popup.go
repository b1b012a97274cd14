package parcel

// DefaultPopupSize is the fixed footprint of the parcel popup.
var DefaultPopupSize = Size{Width: 256, Height: 200}

// ComputePosition places a popup of the given size near click so that it does
// not run past the right or bottom edge of the viewport.
//
// Each axis is handled on its own: the popup opens at the click point when it
// fits, otherwise it flips to the other side of the click and is clamped at 0.
// A popup larger than the viewport still overflows the far edge.
func ComputePosition(click Point, popup, viewport Size) Point {
	return Point{
		X: placeAxis(click.X, popup.Width, viewport.Width),
		Y: placeAxis(click.Y, popup.Height, viewport.Height),
	}
}

func placeAxis(click, extent, limit float64) float64 {
	if click+extent <= limit {
		return click
	}
	return max(click-extent, 0)
}

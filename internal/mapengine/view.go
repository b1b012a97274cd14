package mapengine

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"

	"github.com/joeblew999/plat-cadastre/internal/parcel"
)

// TileSize is the pixel size of one web mercator tile.
const TileSize = 256

// mercatorSpan is the width of the web mercator plane in meters.
const mercatorSpan = 2 * math.Pi * orb.EarthRadius

// View is the visible part of the map: center in lon/lat and a fractional
// zoom level.
type View struct {
	Center orb.Point `json:"center"`
	Zoom   float64   `json:"zoom"`
}

// worldPixel converts lon/lat to global pixel coordinates at zoom, origin at
// the top-left of the world.
func worldPixel(ll orb.Point, zoom float64) orb.Point {
	m := project.WGS84.ToMercator(ll)
	w := TileSize * math.Exp2(zoom)
	return orb.Point{
		(m[0] + mercatorSpan/2) / mercatorSpan * w,
		(mercatorSpan/2 - m[1]) / mercatorSpan * w,
	}
}

func fromWorldPixel(p orb.Point, zoom float64) orb.Point {
	w := TileSize * math.Exp2(zoom)
	m := orb.Point{
		p[0]/w*mercatorSpan - mercatorSpan/2,
		mercatorSpan/2 - p[1]/w*mercatorSpan,
	}
	return project.Mercator.ToWGS84(m)
}

// LonLat returns the geographic position under viewport pixel px.
func (v View) LonLat(px parcel.Point, size parcel.Size) orb.Point {
	c := worldPixel(v.Center, v.Zoom)
	return fromWorldPixel(orb.Point{
		c[0] + px.X - size.Width/2,
		c[1] + px.Y - size.Height/2,
	}, v.Zoom)
}

// Pixel returns the viewport pixel of a geographic position.
func (v View) Pixel(ll orb.Point, size parcel.Size) parcel.Point {
	c := worldPixel(v.Center, v.Zoom)
	p := worldPixel(ll, v.Zoom)
	return parcel.Point{
		X: p[0] - c[0] + size.Width/2,
		Y: p[1] - c[1] + size.Height/2,
	}
}

// Bound returns the lon/lat extent covered by a viewport of the given size.
func (v View) Bound(size parcel.Size) orb.Bound {
	return orb.MultiPoint{
		v.LonLat(parcel.Point{}, size),
		v.LonLat(parcel.Point{X: size.Width, Y: size.Height}, size),
	}.Bound()
}

// Tiles lists the tiles at zoom z that cover the viewport.
func (v View) Tiles(size parcel.Size, z maptile.Zoom) []maptile.Tile {
	b := v.Bound(size)
	lo := maptile.At(orb.Point{b.Min[0], b.Max[1]}, z)
	hi := maptile.At(orb.Point{b.Max[0], b.Min[1]}, z)

	var tiles []maptile.Tile
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			tiles = append(tiles, maptile.New(x, y, z))
		}
	}
	return tiles
}

// tileZoom picks the integer tile zoom used for a view.
func tileZoom(zoom float64, maxZoom maptile.Zoom) maptile.Zoom {
	z := math.Floor(zoom)
	if z < 0 {
		z = 0
	}
	if z > float64(maxZoom) {
		return maxZoom
	}
	return maptile.Zoom(z)
}

package mapengine

import (
	"sort"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// minExtent keeps point and axis-aligned line features at a non-zero size,
// which the R-tree requires.
const minExtent = 1e-9

// Bounds implements rtreego.Spatial.
func (f *Feature) Bounds() rtreego.Rect {
	return rect(f.bound)
}

func rect(b orb.Bound) rtreego.Rect {
	w := b.Max[0] - b.Min[0]
	h := b.Max[1] - b.Min[1]
	if w < minExtent {
		w = minExtent
	}
	if h < minExtent {
		h = minExtent
	}
	r, _ := rtreego.NewRect(rtreego.Point{b.Min[0], b.Min[1]}, []float64{w, h})
	return r
}

// featureIndex answers point queries over the features of one layer.
type featureIndex struct {
	tree *rtreego.Rtree
	size int
}

func newFeatureIndex(features []*Feature) *featureIndex {
	objs := make([]rtreego.Spatial, len(features))
	for i, f := range features {
		objs[i] = f
	}
	return &featureIndex{
		tree: rtreego.NewTree(2, 25, 50, objs...),
		size: len(features),
	}
}

// at returns the features under ll, topmost (last drawn) first. tol is the
// hit tolerance in degrees for point and line features.
func (ix *featureIndex) at(ll orb.Point, tol float64) []*Feature {
	if ix == nil || ix.size == 0 {
		return nil
	}
	query := orb.Bound{Min: ll, Max: ll}.Pad(tol)
	var hits []*Feature
	for _, s := range ix.tree.SearchIntersect(rect(query)) {
		f := s.(*Feature)
		if contains(f.geometry, ll, tol) {
			hits = append(hits, f)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].order > hits[j].order })
	return hits
}

func contains(g orb.Geometry, ll orb.Point, tol float64) bool {
	switch g := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, ll)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, ll)
	case orb.Collection:
		for _, c := range g {
			if contains(c, ll, tol) {
				return true
			}
		}
		return false
	default:
		return planar.DistanceFrom(g, ll) <= tol
	}
}

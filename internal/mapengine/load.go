package mapengine

import (
	"context"

	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"
)

// reload brings every vector layer in line with the current view.
func (m *Map) reload() {
	for _, ls := range m.layers {
		m.loadTiles(ls)
	}
}

// loadTiles drops tiles that left the view and starts loads for tiles that
// entered it. Results come back through the dispatcher.
func (m *Map) loadTiles(ls *layerState) {
	if ls.layer.Style == nil || ls.layer.URL == "" || m.size.Width <= 0 || m.size.Height <= 0 {
		return
	}
	want := map[maptile.Tile]bool{}
	for _, t := range m.view.Tiles(m.size, tileZoom(m.view.Zoom, m.opts.MaxTileZoom)) {
		want[t] = true
	}

	changed := false
	for t := range ls.tiles {
		if !want[t] {
			delete(ls.tiles, t)
			changed = true
		}
	}
	for t := range ls.loading {
		if !want[t] {
			delete(ls.loading, t)
		}
	}
	if changed {
		ls.reindex()
		ls.dirty = true
	}

	if m.opts.Dispatcher == nil {
		m.log.Warn("no dispatcher, tiles not loaded", zap.String("layer", ls.layer.Name))
		return
	}
	for t := range want {
		if _, ok := ls.tiles[t]; ok {
			continue
		}
		if _, ok := ls.loading[t]; ok {
			continue
		}
		m.loadGen++
		ls.loading[t] = m.loadGen
		m.pending++
		go m.fetch(ls, t, m.loadGen, TileURL(ls.layer.URL, t))
	}
	if changed && !m.rendering {
		m.render()
	}
}

func (m *Map) fetch(ls *layerState, t maptile.Tile, gen uint64, url string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.TileTimeout)
	defer cancel()

	data, err := m.opts.Loader.LoadTile(ctx, url)
	var features []*Feature
	if err == nil {
		features, err = decodeTile(data, t, ls.layer.Name)
	}
	m.opts.Dispatcher.Post(func() {
		m.pending--
		m.tileLoaded(ls, t, gen, features, err)
	})
}

func (m *Map) tileLoaded(ls *layerState, t maptile.Tile, gen uint64, features []*Feature, err error) {
	if ls.loading[t] != gen || m.state(ls.layer) != ls {
		return
	}
	delete(ls.loading, t)
	if err != nil {
		m.log.Warn("tile load failed",
			zap.String("layer", ls.layer.Name),
			zap.Uint32("z", uint32(t.Z)), zap.Uint32("x", t.X), zap.Uint32("y", t.Y),
			zap.Error(err))
		return
	}
	ls.tiles[t] = features
	ls.reindex()
	m.Restyle(ls.layer)
}

package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joeblew999/plat-cadastre/internal/mapengine"
	"github.com/joeblew999/plat-cadastre/internal/parcel"
	"github.com/joeblew999/plat-cadastre/internal/service"
	"github.com/joeblew999/plat-cadastre/internal/tiler/gotiler"
)

var screen = parcel.Size{Width: 1200, Height: 900}

func homeParcel() *geojson.Feature {
	const h = 0.0004
	c := HomeView.Center
	f := geojson.NewFeature(orb.Polygon{orb.Ring{
		{c[0] - h, c[1] - h}, {c[0] + h, c[1] - h}, {c[0] + h, c[1] + h}, {c[0] - h, c[1] + h}, {c[0] - h, c[1] - h},
	}})
	f.ID = uint64(42)
	f.Properties["parcel_number"] = "1234/5"
	return f
}

// cadastreServer serves capabilities, parcel tiles and parcel details the
// way a tegola deployment with a detail API does.
func cadastreServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("GET /capabilities", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(parcel.Capabilities{Maps: []parcel.CapabilityMap{{
			Name:  parcel.CadastralMapName,
			Tiles: []string{srv.URL + "/tiles/{z}/{x}/{y}.mvt"},
		}}})
	})
	mux.HandleFunc("GET /tiles/{z}/{x}/{y}", func(w http.ResponseWriter, r *http.Request) {
		z, _ := strconv.Atoi(r.PathValue("z"))
		x, _ := strconv.Atoi(r.PathValue("x"))
		y, _ := strconv.Atoi(strings.TrimSuffix(r.PathValue("y"), ".mvt"))
		data, err := gotiler.EncodeTile(maptile.New(uint32(x), uint32(y), maptile.Zoom(z)),
			[]*geojson.Feature{homeParcel()}, parcel.CadastralMapName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if data == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write(data)
	})
	mux.HandleFunc("GET /parcels/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "42" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"properties":{"parcel_number":"1234/5","area":"812.5","land_use":"orchard"}}`))
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newManager(t *testing.T, srv *httptest.Server, bus *service.EventBus) (*Manager, *service.LayerService) {
	t.Helper()
	layers := service.NewLayerService(t.TempDir(), bus, nil)
	m := NewManager(Config{
		CapabilitiesURL: srv.URL + "/capabilities",
		ParcelURL:       srv.URL + "/parcels/{id}",
		FetchTimeout:    5 * time.Second,
		Client:          srv.Client(),
		Layers:          layers,
		Bus:             bus,
	})
	return m, layers
}

func snapshot(t *testing.T, s *Session) Snapshot {
	t.Helper()
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func waitReady(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := snapshot(t, s)
		return snap.TileURL != "" && snap.Loading == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionSelectsParcelAndLoadsDetail(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := cadastreServer(t)
	defer srv.Close()
	m, _ := newManager(t, srv, nil)
	defer m.Close()

	ctx := context.Background()
	s, err := m.Open(ctx, screen)
	require.NoError(t, err)
	events, unsubscribe := s.Events()
	defer unsubscribe()
	waitReady(t, s)

	snap := snapshot(t, s)
	assert.Equal(t, []string{service.BaseLayerID, service.LandCoverLayerID, parcel.CadastralMapName}, snap.Layers)
	assert.Equal(t, srv.URL+"/tiles/{z}/{x}/{y}.mvt", snap.TileURL)
	assert.True(t, snap.LandCover)

	click := parcel.Point{X: 600, Y: 450}
	require.NoError(t, s.Click(ctx, click))
	snap = snapshot(t, s)
	require.True(t, snap.Selection.Visible)
	assert.Equal(t, parcel.FeatureID("42"), snap.Selection.FeatureID)
	assert.Equal(t, parcel.ComputePosition(click, parcel.DefaultPopupSize, screen), *snap.Selection.Position)
	require.NotNil(t, snap.SelectedStyle)
	assert.Equal(t, parcel.DefaultPalette().Selected, *snap.SelectedStyle)

	require.Eventually(t, func() bool {
		return snapshot(t, s).Detail.Status == parcel.DetailLoaded
	}, 5*time.Second, 10*time.Millisecond)
	detail := snapshot(t, s).Detail
	assert.Equal(t, "1234/5", detail.Attributes.ParcelNumber)
	assert.Equal(t, []Attribute{{Key: "land_use", Label: "land use", Value: "orchard"}}, SortedExtra(detail.Attributes))

	select {
	case ev := <-events:
		assert.NotEmpty(t, ev.Resource)
	case <-time.After(time.Second):
		t.Fatal("no session event")
	}

	require.NoError(t, s.Click(ctx, parcel.Point{X: 10, Y: 10}))
	snap = snapshot(t, s)
	assert.Equal(t, parcel.EmptySelection, snap.Selection)
	assert.Equal(t, parcel.DetailIdle, snap.Detail.Status)
}

func TestSessionMoveStartAndClosePopupClearSelection(t *testing.T) {
	srv := cadastreServer(t)
	m, _ := newManager(t, srv, nil)
	defer m.Close()
	ctx := context.Background()
	s, err := m.Open(ctx, screen)
	require.NoError(t, err)
	waitReady(t, s)

	require.NoError(t, s.Click(ctx, parcel.Point{X: 600, Y: 450}))
	require.True(t, snapshot(t, s).Selection.Visible)
	require.NoError(t, s.MoveStart(ctx))
	assert.False(t, snapshot(t, s).Selection.Visible)

	require.NoError(t, s.Click(ctx, parcel.Point{X: 600, Y: 450}))
	require.True(t, snapshot(t, s).Selection.Visible)
	require.NoError(t, s.ClosePopup(ctx))
	assert.False(t, snapshot(t, s).Selection.Visible)
}

func TestSessionViewAndLandCover(t *testing.T) {
	srv := cadastreServer(t)
	m, _ := newManager(t, srv, nil)
	defer m.Close()
	ctx := context.Background()
	s, err := m.Open(ctx, screen)
	require.NoError(t, err)

	require.NoError(t, s.SetView(ctx, mapengine.View{Center: orb.Point{2.35, 48.85}, Zoom: 12}))
	snap := snapshot(t, s)
	assert.Equal(t, orb.Point{13.2, 46.6}, snap.View.Center, "center stays inside the extent")
	assert.Equal(t, 12.0, snap.View.Zoom)

	require.NoError(t, s.SetLandCover(ctx, false))
	assert.False(t, snapshot(t, s).LandCover)
	require.NoError(t, s.SetLandCover(ctx, true))
	assert.True(t, snapshot(t, s).LandCover)

	require.NoError(t, s.Resize(ctx, parcel.Size{Width: 800, Height: 600}))
	assert.Equal(t, parcel.Size{Width: 800, Height: 600}, snapshot(t, s).Size)
	assert.Error(t, s.Resize(ctx, parcel.Size{}))
}

func TestSessionWithoutCapabilitiesHasNoParcelLayer(t *testing.T) {
	m := NewManager(Config{Layers: service.NewLayerService(t.TempDir(), nil, nil)})
	defer m.Close()
	ctx := context.Background()
	s, err := m.Open(ctx, screen)
	require.NoError(t, err)

	require.NoError(t, s.Click(ctx, parcel.Point{X: 600, Y: 450}))
	snap := snapshot(t, s)
	assert.False(t, snap.Selection.Visible)
	assert.Empty(t, snap.TileURL)
	assert.NotContains(t, snap.Layers, parcel.CadastralMapName)
}

func TestManagerLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	m := NewManager(Config{MaxSessions: 2})
	ctx := context.Background()

	_, err := m.Open(ctx, parcel.Size{})
	assert.Error(t, err)

	a, err := m.Open(ctx, screen)
	require.NoError(t, err)
	b, err := m.Open(ctx, screen)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, m.Len())

	_, err = m.Open(ctx, screen)
	assert.ErrorIs(t, err, ErrTooManySessions)

	got, err := m.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)

	events, _ := a.Events()
	require.NoError(t, m.CloseSession(a.ID()))
	_, ok := <-events
	assert.False(t, ok, "closing a session closes its event streams")
	assert.ErrorIs(t, a.Click(ctx, parcel.Point{}), ErrSessionClosed)
	assert.ErrorIs(t, m.CloseSession(a.ID()), ErrSessionNotFound)
	_, err = m.Get(a.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	m.Close()
	assert.Zero(t, m.Len())
	_, err = m.Open(ctx, screen)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, b.MoveStart(ctx), ErrSessionClosed)
}

func TestManagerConcurrentOpenRespectsLimit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	m := NewManager(Config{MaxSessions: 2})
	ctx := context.Background()

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		opened  int
		refused int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Open(ctx, screen)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				opened++
				return
			}
			assert.ErrorIs(t, err, ErrTooManySessions)
			refused++
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, opened)
	assert.Equal(t, n-2, refused)
	assert.Equal(t, 2, m.Len())
	m.Close()
}

func TestManagerCloseIdle(t *testing.T) {
	m := NewManager(Config{})
	defer m.Close()
	ctx := context.Background()
	s, err := m.Open(ctx, screen)
	require.NoError(t, err)

	assert.Zero(t, m.CloseIdle(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, m.CloseIdle(time.Millisecond))
	_, err = m.Get(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerAppliesLayerUpdates(t *testing.T) {
	srv := cadastreServer(t)
	bus := service.NewEventBus()
	defer bus.Close()
	m, layers := newManager(t, srv, bus)
	defer m.Close()

	ctx := context.Background()
	s, err := m.Open(ctx, screen)
	require.NoError(t, err)
	require.True(t, snapshot(t, s).LandCover)

	lc, ok := layers.Get(service.LandCoverLayerID)
	require.True(t, ok)
	lc.DefaultVisible = false
	_, err = layers.Update(service.LandCoverLayerID, lc)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !snapshot(t, s).LandCover
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLayerURL(t *testing.T) {
	assert.Equal(t, "https://tile.example/{z}/{x}/{y}.png",
		LayerURL(service.LayerConfig{Kind: service.KindXYZ, URL: "https://tile.example/{z}/{x}/{y}.png"}))
	assert.Equal(t, "https://wms.example/wms?SERVICE=WMS&REQUEST=GetMap&TRANSPARENT=true&LAYERS=13",
		LayerURL(service.LayerConfig{Kind: service.KindWMS, URL: "https://wms.example/wms", WMSLayers: "13"}))
	assert.Equal(t, "https://wms.example/wms?map=x&SERVICE=WMS&REQUEST=GetMap&TRANSPARENT=true&LAYERS=13",
		LayerURL(service.LayerConfig{Kind: service.KindWMS, URL: "https://wms.example/wms?map=x", WMSLayers: "13"}))
}

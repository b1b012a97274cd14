package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joeblew999/plat-cadastre/internal/api"
	"github.com/joeblew999/plat-cadastre/internal/parcel"
	"github.com/joeblew999/plat-cadastre/internal/viewer"
)

func writeHomeParcel(t *testing.T, dataDir string) {
	t.Helper()
	const d = 0.0004
	c := viewer.HomeView.Center
	f := geojson.NewFeature(orb.Polygon{orb.Ring{
		{c[0] - d, c[1] - d}, {c[0] + d, c[1] - d}, {c[0] + d, c[1] + d}, {c[0] - d, c[1] + d}, {c[0] - d, c[1] - d},
	}})
	f.ID = 42
	f.Properties["parcel_number"] = "1234/5"
	f.Properties["area"] = "812.5"
	f.Properties["cadastral_municipality"] = "Koprivnica"
	fc := geojson.NewFeatureCollection().Append(f)

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "sources"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "sources", "parcels.geojson"), data, 0o644))
}

// startServer runs a server whose viewers discover tiles and details from
// the server itself.
func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dataDir := t.TempDir()
	writeHomeParcel(t, dataDir)

	ts := httptest.NewUnstartedServer(nil)
	base := "http://" + ts.Listener.Addr().String()
	s, err := New(Config{
		DataDir:         dataDir,
		PublicURL:       base,
		CapabilitiesURL: base + "/api/v1/capabilities",
		ParcelURL:       base + "/api/v1/parcels/{id}",
		FetchTimeout:    5 * time.Second,
		InMemory:        true,
		ImportOnStart:   true,
	})
	require.NoError(t, err)
	ts.Config.Handler = s
	ts.Start()
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func TestServerRoutes(t *testing.T) {
	_, ts := startServer(t)

	for path, want := range map[string]int{
		"/":                      http.StatusOK,
		"/health":                http.StatusOK,
		"/api/v1/info":           http.StatusOK,
		"/api/v1/capabilities":   http.StatusOK,
		"/api/v1/parcels/42":     http.StatusOK,
		"/api/v1/layers":         http.StatusOK,
		"/openapi.json":          http.StatusOK,
		"/nowhere":               http.StatusNotFound,
		"/tiles/roads/0/0/0.mvt": http.StatusNotFound,
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}

	resp, err := http.Get(ts.URL + "/api/v1/capabilities")
	require.NoError(t, err)
	defer resp.Body.Close()
	var caps parcel.Capabilities
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&caps))
	url, err := caps.TileURL(parcel.CadastralMapName)
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/tiles/cadastral_parcels/{z}/{x}/{y}.mvt", url)
}

func TestServerInfo(t *testing.T) {
	s, ts := startServer(t)
	_, err := s.Viewers().Open(context.Background(), parcel.Size{Width: 800, Height: 600})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/v1/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info api.InfoBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.True(t, info.DB)
	assert.True(t, info.Discovery)
	assert.Equal(t, ts.URL+"/api/v1/capabilities", info.CapabilitiesURL)
	assert.Equal(t, ts.URL+"/api/v1/parcels/{id}", info.ParcelURL)
	assert.Equal(t, "5s", info.FetchTimeout)
	assert.Equal(t, 1, info.Sessions)
	assert.Equal(t, viewer.DefaultMaxSessions, info.MaxSessions)
	assert.Contains(t, info.Features, "discovery")
	assert.Contains(t, info.Features, "duckdb")
}

func TestViewerEndToEnd(t *testing.T) {
	s, ts := startServer(t)

	resp, err := http.Get(ts.URL + "/viewer")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, s.Viewers().Len())
	sess := s.Viewers().List()[0]

	ctx := context.Background()
	require.Eventually(t, func() bool {
		snap, err := sess.Snapshot(ctx)
		return err == nil && snap.TileURL != "" && snap.Loading == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The home view is centred on parcel 42.
	require.NoError(t, sess.Click(ctx, parcel.Point{X: 600, Y: 450}))
	require.Eventually(t, func() bool {
		snap, err := sess.Snapshot(ctx)
		return err == nil && snap.Detail.Status == parcel.DetailLoaded
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := sess.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, parcel.FeatureID("42"), snap.Selection.FeatureID)
	assert.Equal(t, "1234/5", snap.Detail.Attributes.ParcelNumber)
	assert.Equal(t, "812.5", snap.Detail.Attributes.Area)
	assert.Equal(t, map[string]string{"cadastral_municipality": "Koprivnica"}, snap.Detail.Attributes.Extra)
}

func TestServerCloseStopsSessions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	s, err := New(Config{Port: "0", DataDir: t.TempDir(), InMemory: true, CapabilitiesURL: "http://127.0.0.1:1/none"})
	require.NoError(t, err)
	_, err = s.Viewers().Open(context.Background(), parcel.Size{Width: 1200, Height: 900})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Zero(t, s.Viewers().Len())
	require.NoError(t, s.Close())
}

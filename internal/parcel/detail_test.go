package parcel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedServer answers /parcels/{id} once the test releases that id.
type gatedServer struct {
	*httptest.Server
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func newGatedServer(t *testing.T) *gatedServer {
	gs := &gatedServer{gates: map[string]chan struct{}{}}
	gs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/parcels/")
		select {
		case <-gs.gate(id):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"properties":{"parcel_number":"PN-%s","area":"%s00","layer":"cadastral_parcels"}}`, id, id)
	}))
	t.Cleanup(gs.Close)
	return gs
}

func (gs *gatedServer) gate(id string) chan struct{} {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	ch, ok := gs.gates[id]
	if !ok {
		ch = make(chan struct{})
		gs.gates[id] = ch
	}
	return ch
}

func (gs *gatedServer) release(id string) { close(gs.gate(id)) }

func TestDetailFetcherLoads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/parcels/42", r.URL.Path)
		w.Write([]byte(`{"properties":{"parcel_number":"1234/5","area":812.5,"owner_type":"public","geometry":"x"}}`))
	}))
	defer srv.Close()

	loop := newTestLoop()
	f := NewDetailFetcher(DetailConfig{URLTemplate: srv.URL + "/api/v1/parcels/{id}", Dispatcher: loop})
	var states []DetailStatus
	f.Subscribe(func(s DetailState) { states = append(states, s.Status) })

	f.Fetch(context.Background(), "42")
	assert.Equal(t, DetailLoading, f.State().Status)
	loop.runNext(t)

	st := f.State()
	require.Equal(t, DetailLoaded, st.Status)
	assert.Equal(t, FeatureID("42"), st.FeatureID)
	assert.Equal(t, "1234/5", st.Attributes.ParcelNumber)
	assert.Equal(t, "812.5", st.Attributes.Area)
	assert.Equal(t, map[string]string{"owner_type": "public"}, st.Attributes.Extra)
	assert.Equal(t, []DetailStatus{DetailLoading, DetailLoaded}, states)
}

func TestDetailFetcherFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-2xx", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusNotFound)
		}},
		{"malformed json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"properties":`))
		}},
		{"missing properties", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"type":"Feature"}`))
		}},
		{"missing parcel number", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"properties":{"area":"812.5","land_use":"orchard"}}`))
		}},
		{"empty parcel number", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"properties":{"parcel_number":"","area":"812.5"}}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			loop := newTestLoop()
			f := NewDetailFetcher(DetailConfig{URLTemplate: srv.URL + "/{id}", Dispatcher: loop})
			f.Fetch(context.Background(), "1")
			loop.runNext(t)

			st := f.State()
			assert.Equal(t, DetailFailed, st.Status)
			assert.Error(t, st.Err)
			assert.Nil(t, st.Attributes)
		})
	}
}

func TestDetailFetcherRejectsIncompleteProperties(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"properties":{"area":"812.5"}}`))
	}))
	defer srv.Close()

	loop := newTestLoop()
	f := NewDetailFetcher(DetailConfig{URLTemplate: srv.URL + "/{id}", Dispatcher: loop})
	f.Fetch(context.Background(), "7")
	loop.runNext(t)

	st := f.State()
	assert.Equal(t, DetailFailed, st.Status)
	assert.ErrorIs(t, st.Err, ErrMalformedDetail)
}

func TestDetailFetcherWithoutDispatcherFails(t *testing.T) {
	f := NewDetailFetcher(DetailConfig{URLTemplate: "http://127.0.0.1:1/{id}"})
	require.NotPanics(t, func() { f.Fetch(context.Background(), "1") })

	st := f.State()
	assert.Equal(t, DetailFailed, st.Status)
	assert.Equal(t, FeatureID("1"), st.FeatureID)
	assert.ErrorIs(t, st.Err, ErrNoDispatcher)
}

func TestDetailFetcherTransportError(t *testing.T) {
	loop := newTestLoop()
	f := NewDetailFetcher(DetailConfig{URLTemplate: "http://127.0.0.1:1/{id}", Dispatcher: loop})
	f.Fetch(context.Background(), "1")
	loop.runNext(t)
	assert.Equal(t, DetailFailed, f.State().Status)
}

func TestDetailFetcherTimeout(t *testing.T) {
	gs := newGatedServer(t)
	loop := newTestLoop()
	f := NewDetailFetcher(DetailConfig{
		URLTemplate: gs.URL + "/parcels/{id}",
		Dispatcher:  loop,
		Timeout:     50 * time.Millisecond,
	})
	f.Fetch(context.Background(), "slow")
	loop.runNext(t)

	st := f.State()
	assert.Equal(t, DetailFailed, st.Status)
	assert.ErrorIs(t, st.Err, context.DeadlineExceeded)
}

func TestDetailFetcherDiscardsStaleResult(t *testing.T) {
	gs := newGatedServer(t)
	loop := newTestLoop()
	f := NewDetailFetcher(DetailConfig{URLTemplate: gs.URL + "/parcels/{id}", Dispatcher: loop})

	f.Fetch(context.Background(), "A")
	f.Fetch(context.Background(), "B")

	gs.release("B")
	loop.runNext(t)
	require.Equal(t, DetailLoaded, f.State().Status)
	assert.Equal(t, "PN-B", f.State().Attributes.ParcelNumber)

	gs.release("A")
	loop.runNext(t)
	assert.Equal(t, FeatureID("B"), f.State().FeatureID)
	assert.Equal(t, "PN-B", f.State().Attributes.ParcelNumber)
}

func TestDetailFetcherResetDropsInFlight(t *testing.T) {
	gs := newGatedServer(t)
	loop := newTestLoop()
	f := NewDetailFetcher(DetailConfig{URLTemplate: gs.URL + "/parcels/{id}", Dispatcher: loop})

	f.Fetch(context.Background(), "A")
	f.Reset()
	assert.Equal(t, DetailIdle, f.State().Status)

	gs.release("A")
	loop.runNext(t)
	assert.Equal(t, DetailIdle, f.State().Status)
	assert.Nil(t, f.State().Attributes)
}

func TestDetailFetcherRefetchSameIDUsesLatest(t *testing.T) {
	gs := newGatedServer(t)
	loop := newTestLoop()
	f := NewDetailFetcher(DetailConfig{URLTemplate: gs.URL + "/parcels/{id}", Dispatcher: loop})

	f.Fetch(context.Background(), "A")
	f.Fetch(context.Background(), "B")
	f.Fetch(context.Background(), "A")

	gs.release("A")
	gs.release("B")
	loop.runNext(t)
	loop.runNext(t)
	loop.runNext(t)

	st := f.State()
	assert.Equal(t, DetailLoaded, st.Status)
	assert.Equal(t, FeatureID("A"), st.FeatureID)
}

func TestDetailURLEscapesID(t *testing.T) {
	assert.Equal(t, "https://h/p/12%2F3", DetailURL("https://h/p/{id}", "12/3"))
}

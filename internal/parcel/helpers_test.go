package parcel

import (
	"slices"
	"testing"
	"time"
)

// testLoop queues posted work so a test decides when it runs.
type testLoop struct {
	tasks chan func()
}

func newTestLoop() *testLoop {
	return &testLoop{tasks: make(chan func(), 64)}
}

func (l *testLoop) Post(fn func()) bool {
	l.tasks <- fn
	return true
}

// runNext waits for one posted task and runs it.
func (l *testLoop) runNext(t *testing.T) {
	t.Helper()
	select {
	case fn := <-l.tasks:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for posted task")
	}
}

type fakeFeature struct {
	id    FeatureID
	props map[string]any
}

func (f fakeFeature) ID() FeatureID              { return f.id }
func (f fakeFeature) Properties() map[string]any { return f.props }

type fakeListener struct {
	t  EventType
	fn func(Event)
}

// fakeMap records layer and listener ownership and runs a style pass over
// the features registered for a layer whenever Restyle is called.
type fakeMap struct {
	size      Size
	layers    []*Layer
	listeners map[ListenerKey]fakeListener
	next      ListenerKey
	features  map[string][]Feature // by layer name
	hits      map[string]map[Point][]Feature
	restyles  map[string]int
	styled    map[FeatureID]Style
	addErr    error
}

func newFakeMap(size Size) *fakeMap {
	return &fakeMap{
		size:      size,
		listeners: map[ListenerKey]fakeListener{},
		features:  map[string][]Feature{},
		hits:      map[string]map[Point][]Feature{},
		restyles:  map[string]int{},
		styled:    map[FeatureID]Style{},
	}
}

func (m *fakeMap) AddLayer(l *Layer) error {
	if m.addErr != nil {
		return m.addErr
	}
	m.layers = append(m.layers, l)
	return nil
}

func (m *fakeMap) RemoveLayer(l *Layer) {
	m.layers = slices.DeleteFunc(m.layers, func(x *Layer) bool { return x == l })
}

func (m *fakeMap) On(t EventType, fn func(Event)) ListenerKey {
	m.next++
	m.listeners[m.next] = fakeListener{t: t, fn: fn}
	return m.next
}

func (m *fakeMap) Off(key ListenerKey) {
	delete(m.listeners, key)
}

func (m *fakeMap) FeaturesAtPixel(px Point, l *Layer) []Feature {
	return m.hits[l.Name][px]
}

func (m *fakeMap) Size() Size { return m.size }

func (m *fakeMap) Restyle(l *Layer) {
	m.restyles[l.Name]++
	for _, f := range m.features[l.Name] {
		m.styled[f.ID()] = l.Style(f)
	}
}

func (m *fakeMap) fire(t EventType, px Point) {
	keys := make([]ListenerKey, 0, len(m.listeners))
	for k := range m.listeners {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if l, ok := m.listeners[k]; ok && l.t == t {
			l.fn(Event{Type: t, Pixel: px})
		}
	}
}

func (m *fakeMap) listenerCount(t EventType) int {
	n := 0
	for _, l := range m.listeners {
		if l.t == t {
			n++
		}
	}
	return n
}

func (m *fakeMap) layerNamed(name string) *Layer {
	for _, l := range m.layers {
		if l.Name == name {
			return l
		}
	}
	return nil
}

package parcel

import "errors"

// EventType names a map event the controller listens to.
type EventType int

const (
	// EventClick fires for a pointer click on the map viewport.
	EventClick EventType = iota + 1
	// EventMoveStart fires when the map starts panning or zooming.
	EventMoveStart
)

func (t EventType) String() string {
	switch t {
	case EventClick:
		return "click"
	case EventMoveStart:
		return "movestart"
	}
	return "unknown"
}

// Event is delivered to map listeners.
type Event struct {
	Type  EventType
	Pixel Point
}

// ListenerKey is returned by [Map.On] and released with [Map.Off].
type ListenerKey uint64

// Feature is a rendered vector feature.
type Feature interface {
	ID() FeatureID
	Properties() map[string]any
}

// Layer is a styled vector tile layer. The controller that creates a Layer
// owns it; the map only holds a reference while the layer is attached.
type Layer struct {
	Name   string
	URL    string // tile URL template with {z}, {x} and {y}
	ZIndex int
	Style  StyleFunc
}

// Map is the externally owned map engine the controller attaches to.
//
// All methods are called from the map's event loop.
type Map interface {
	// AddLayer attaches a layer at its ZIndex.
	AddLayer(l *Layer) error
	// RemoveLayer detaches a layer previously added. Unknown layers are ignored.
	RemoveLayer(l *Layer)
	// On registers a listener for an event type.
	On(t EventType, fn func(Event)) ListenerKey
	// Off removes a listener. Unknown keys are ignored.
	Off(key ListenerKey)
	// FeaturesAtPixel hit-tests px against the rendered features of l only,
	// topmost first.
	FeaturesAtPixel(px Point, l *Layer) []Feature
	// Size returns the current viewport size in pixels.
	Size() Size
	// Restyle schedules a style pass for l. A call made while a pass is
	// running is deferred until that pass has finished.
	Restyle(l *Layer)
}

// ErrNoDispatcher is reported when asynchronous work has no event loop to
// deliver its result to.
var ErrNoDispatcher = errors.New("no dispatcher configured")

// Dispatcher runs fn on the map's event loop. It reports false when the loop
// has stopped and fn will never run.
type Dispatcher interface {
	Post(fn func()) bool
}

// DispatchFunc adapts a function to [Dispatcher].
type DispatchFunc func(fn func()) bool

// Post implements Dispatcher.
func (f DispatchFunc) Post(fn func()) bool { return f(fn) }

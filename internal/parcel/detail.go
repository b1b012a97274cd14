package parcel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultFetchTimeout bounds discovery and detail requests.
const DefaultFetchTimeout = 10 * time.Second

// ErrMalformedDetail is returned when a detail body has no properties object
// or no parcel number.
var ErrMalformedDetail = errors.New("malformed parcel detail")

// DetailStatus is the load state of the popup's parcel attributes.
type DetailStatus int

const (
	DetailIdle DetailStatus = iota
	DetailLoading
	DetailLoaded
	DetailFailed
)

func (s DetailStatus) String() string {
	switch s {
	case DetailIdle:
		return "idle"
	case DetailLoading:
		return "loading"
	case DetailLoaded:
		return "loaded"
	case DetailFailed:
		return "failed"
	}
	return "unknown"
}

// DetailState is what the popup view renders.
type DetailState struct {
	Status     DetailStatus
	FeatureID  FeatureID
	Attributes *ParcelAttributes
	Err        error
}

// DetailConfig configures a [DetailFetcher].
type DetailConfig struct {
	// URLTemplate is the detail endpoint with an {id} placeholder.
	URLTemplate string
	Client      *http.Client
	Timeout     time.Duration
	Dispatcher  Dispatcher // required; results are posted to it
	Logger      *zap.Logger
}

// DetailFetcher loads parcel attributes for the selected feature.
//
// Requests run on their own goroutines; results are posted back to the event
// loop and applied only when they carry the current request key. A result for
// a superseded key is dropped, so the visible state always belongs to the most
// recent Fetch.
type DetailFetcher struct {
	cfg   DetailConfig
	log   *zap.Logger
	state DetailState
	seq   uint64
	subs  []subscriber[DetailState]
	next  int
}

// NewDetailFetcher creates a fetcher in the idle state.
func NewDetailFetcher(cfg DetailConfig) *DetailFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &DetailFetcher{cfg: cfg, log: log.Named("detail")}
}

// State returns the current detail state.
func (f *DetailFetcher) State() DetailState {
	return f.state
}

// Subscribe registers fn for every state change. The returned func removes it.
func (f *DetailFetcher) Subscribe(fn func(DetailState)) (unsubscribe func()) {
	f.next++
	id := f.next
	f.subs = append(f.subs, subscriber[DetailState]{id: id, fn: fn})
	return func() {
		f.subs = removeSubscriber(f.subs, id)
	}
}

// Fetch starts loading attributes for id and moves to Loading. Any request
// still in flight is superseded.
func (f *DetailFetcher) Fetch(ctx context.Context, id FeatureID) {
	if id == "" {
		f.Reset()
		return
	}
	f.seq++
	key := f.seq
	if f.cfg.Dispatcher == nil {
		f.set(DetailState{Status: DetailFailed, FeatureID: id, Err: ErrNoDispatcher})
		return
	}
	f.set(DetailState{Status: DetailLoading, FeatureID: id})

	go func() {
		attrs, err := f.load(ctx, id)
		f.cfg.Dispatcher.Post(func() {
			f.resolve(key, id, attrs, err)
		})
	}()
}

// Reset invalidates any in-flight request and returns to Idle.
func (f *DetailFetcher) Reset() {
	f.seq++
	if f.state.Status == DetailIdle {
		return
	}
	f.set(DetailState{Status: DetailIdle})
}

func (f *DetailFetcher) resolve(key uint64, id FeatureID, attrs *ParcelAttributes, err error) {
	if key != f.seq || f.state.FeatureID != id {
		f.log.Debug("discarding stale parcel detail", zap.String("id", string(id)))
		return
	}
	if err != nil {
		f.log.Warn("parcel detail failed", zap.String("id", string(id)), zap.Error(err))
		f.set(DetailState{Status: DetailFailed, FeatureID: id, Err: err})
		return
	}
	f.set(DetailState{Status: DetailLoaded, FeatureID: id, Attributes: attrs})
}

func (f *DetailFetcher) set(s DetailState) {
	f.state = s
	subs := append([]subscriber[DetailState](nil), f.subs...)
	for _, sub := range subs {
		sub.fn(s)
	}
}

// detailBody is the parcel detail response.
type detailBody struct {
	Properties map[string]json.RawMessage `json:"properties"`
}

func (f *DetailFetcher) load(ctx context.Context, id FeatureID) (*ParcelAttributes, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var body detailBody
	if err := getJSON(ctx, f.cfg.Client, DetailURL(f.cfg.URLTemplate, id), &body); err != nil {
		return nil, err
	}
	if body.Properties == nil {
		return nil, ErrMalformedDetail
	}
	return attributesFromProperties(body.Properties)
}

// DetailURL expands the {id} placeholder of a detail URL template.
func DetailURL(template string, id FeatureID) string {
	return strings.ReplaceAll(template, "{id}", url.PathEscape(string(id)))
}

func attributesFromProperties(props map[string]json.RawMessage) (*ParcelAttributes, error) {
	attrs := &ParcelAttributes{}
	for key, raw := range props {
		value, err := propertyString(raw)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", key, err)
		}
		switch key {
		case "parcel_number":
			attrs.ParcelNumber = value
		case "area":
			attrs.Area = value
		case "geometry", "layer":
		default:
			if attrs.Extra == nil {
				attrs.Extra = make(map[string]string)
			}
			attrs.Extra[key] = value
		}
	}
	if attrs.ParcelNumber == "" {
		return nil, fmt.Errorf("%w: no parcel_number", ErrMalformedDetail)
	}
	return attrs, nil
}

// propertyString renders a JSON scalar as display text.
func propertyString(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	if _, ok := v.(map[string]any); ok {
		return string(raw), nil
	}
	if _, ok := v.([]any); ok {
		return string(raw), nil
	}
	return FormatValue(v), nil
}

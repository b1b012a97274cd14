package parcel

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ParcelLayerZIndex stacks the parcel layer above the base map (0) and the
// land-cover layer (1).
const ParcelLayerZIndex = 2

// ControllerConfig configures a [Controller].
type ControllerConfig struct {
	Discoverer Discoverer
	Fetcher    *DetailFetcher
	Dispatcher Dispatcher // required; discovery results are posted to it
	Logger     *zap.Logger

	MapName   string        // capabilities entry, default CadastralMapName
	LayerName string        // default MapName
	ZIndex    int           // default ParcelLayerZIndex
	PopupSize Size          // default DefaultPopupSize
	Palette   *Palette      // default DefaultPalette()
	Timeout   time.Duration // discovery timeout, default DefaultFetchTimeout
}

// Controller attaches the parcel layer to a map and drives selection.
//
// It owns exactly one layer and its two listeners; it never touches other
// layers or listeners on the map. All methods must be called on the map's
// event loop.
type Controller struct {
	cfg    ControllerConfig
	log    *zap.Logger
	model  *SelectionModel
	styler StyleFunc

	m       Map
	tileURL string
	layer   *Layer
	keys    []ListenerKey

	ctx       context.Context
	cancel    context.CancelFunc
	mountGen  uint64
	fetchedID FeatureID
	unsub     func()
}

// NewController creates an unmounted controller.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.MapName == "" {
		cfg.MapName = CadastralMapName
	}
	if cfg.LayerName == "" {
		cfg.LayerName = cfg.MapName
	}
	if cfg.ZIndex == 0 {
		cfg.ZIndex = ParcelLayerZIndex
	}
	if cfg.PopupSize == (Size{}) {
		cfg.PopupSize = DefaultPopupSize
	}
	if cfg.Palette == nil {
		p := DefaultPalette()
		cfg.Palette = &p
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Controller{
		cfg:   cfg,
		log:   log.Named("controller"),
		model: NewSelectionModel(),
		ctx:   context.Background(),
	}
	c.styler = NewStyler(c.model, *cfg.Palette)
	c.unsub = c.model.Subscribe(c.onSelection)
	return c
}

// Model returns the selection model driven by the controller.
func (c *Controller) Model() *SelectionModel { return c.model }

// Selection returns the current selection.
func (c *Controller) Selection() SelectionState { return c.model.State() }

// Layer returns the attached layer, or nil.
func (c *Controller) Layer() *Layer { return c.layer }

// TileURL returns the tile URL found by discovery, or "".
func (c *Controller) TileURL() string { return c.tileURL }

// Detail returns the fetcher state, or the idle state without a fetcher.
func (c *Controller) Detail() DetailState {
	if c.cfg.Fetcher == nil {
		return DetailState{}
	}
	return c.cfg.Fetcher.State()
}

// Mount starts capability discovery once. The result is delivered on the
// event loop; failures leave the controller without a layer.
func (c *Controller) Mount(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mountGen++
	gen := c.mountGen

	if c.cfg.Discoverer == nil {
		c.log.Warn("no capabilities source configured, parcel layer disabled")
		return
	}
	if c.cfg.Dispatcher == nil {
		c.log.Error("parcel layer disabled", zap.Error(ErrNoDispatcher))
		return
	}

	discoverCtx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	go func() {
		defer cancel()
		caps, err := c.cfg.Discoverer.Discover(discoverCtx)
		c.cfg.Dispatcher.Post(func() {
			c.applyDiscovery(gen, caps, err)
		})
	}()
}

func (c *Controller) applyDiscovery(gen uint64, caps Capabilities, err error) {
	if gen != c.mountGen || c.cancel == nil {
		return
	}
	if err != nil {
		c.log.Error("capability discovery failed", zap.Error(err))
		return
	}
	url, err := caps.TileURL(c.cfg.MapName)
	if err != nil {
		c.log.Error("parcel layer unavailable", zap.Error(err))
		return
	}
	c.log.Info("parcel tile url discovered", zap.String("url", url))
	c.SetTileURL(url)
}

// SetMap provides the map once it exists, or nil when it goes away.
func (c *Controller) SetMap(m Map) {
	if c.m == m {
		return
	}
	c.detach()
	c.m = m
	c.attach()
}

// SetTileURL replaces the tile URL, re-creating the layer when attached.
func (c *Controller) SetTileURL(url string) {
	if c.tileURL == url {
		return
	}
	c.detach()
	c.tileURL = url
	c.attach()
}

// Close hides the popup and clears the selection.
func (c *Controller) Close() {
	c.model.Clear()
}

// Unmount cancels discovery and in-flight requests, removes the listeners and
// the layer. The controller can be mounted again afterwards.
func (c *Controller) Unmount() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mountGen++
	c.detach()
}

func (c *Controller) attach() {
	if c.m == nil || c.tileURL == "" || c.layer != nil {
		return
	}
	layer := &Layer{
		Name:   c.cfg.LayerName,
		URL:    c.tileURL,
		ZIndex: c.cfg.ZIndex,
		Style:  c.styler,
	}
	if err := c.m.AddLayer(layer); err != nil {
		c.log.Error("adding parcel layer", zap.String("url", c.tileURL), zap.Error(err))
		return
	}
	c.layer = layer
	c.keys = []ListenerKey{
		c.m.On(EventClick, c.handleClick),
		c.m.On(EventMoveStart, c.handleMoveStart),
	}
	c.log.Debug("parcel layer attached", zap.String("layer", layer.Name))
}

// detach drops the selection, which refers to features of the layer being
// removed, then releases the listeners and the layer.
func (c *Controller) detach() {
	if c.layer == nil {
		return
	}
	for _, key := range c.keys {
		c.m.Off(key)
	}
	c.keys = nil
	layer := c.layer
	c.layer = nil
	c.m.RemoveLayer(layer)
	if c.model.State().Visible {
		c.model.Clear()
	}
	c.log.Debug("parcel layer detached", zap.String("layer", layer.Name))
}

func (c *Controller) handleClick(ev Event) {
	if c.layer == nil {
		return
	}
	hits := c.m.FeaturesAtPixel(ev.Pixel, c.layer)
	if len(hits) == 0 {
		c.model.Clear()
		return
	}
	pos := ComputePosition(ev.Pixel, c.cfg.PopupSize, c.m.Size())
	c.model.Select(hits[0].ID(), pos)
}

func (c *Controller) handleMoveStart(Event) {
	if c.model.State().Visible {
		c.model.Clear()
	}
}

// onSelection re-styles the layer after every transition and keeps the detail
// fetcher keyed to the selected feature.
func (c *Controller) onSelection(s SelectionState) {
	if c.layer != nil {
		c.m.Restyle(c.layer)
	}
	if c.cfg.Fetcher == nil {
		return
	}
	switch {
	case !s.Visible:
		c.fetchedID = ""
		c.cfg.Fetcher.Reset()
	case s.FeatureID != c.fetchedID:
		c.fetchedID = s.FeatureID
		c.cfg.Fetcher.Fetch(c.ctx, s.FeatureID)
	}
}

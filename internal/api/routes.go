// Package api defines the Huma REST routes of the cadastre server.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-cadastre/internal/humastar"
	"github.com/joeblew999/plat-cadastre/internal/parcel"
	"github.com/joeblew999/plat-cadastre/internal/service"
)

// Services holds the service dependencies for API handlers.
type Services struct {
	Layer  *service.LayerService
	Tile   *service.TileService
	Source *service.SourceService
	Parcel *service.ParcelService
	Bus    *service.EventBus

	// PublicURL is the server root as browsers and viewers reach it; tile
	// URLs in the capabilities document are built from it.
	PublicURL string
}

// Types

type IDInput struct {
	ID string `path:"id" doc:"Layer ID" example:"land_cover"`
}

type ParcelIDInput struct {
	ID string `path:"id" doc:"Parcel identifier, the vector tile feature id" example:"42"`
}

type PageInput struct {
	Offset int `query:"offset" minimum:"0" default:"0" doc:"Items to skip"`
	Limit  int `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Page size"`
}

type LayerOutput struct {
	Body service.LayerConfig
}

type LayersOutput struct {
	Body []service.LayerConfig
}

type HealthBody struct {
	Status  string `json:"status" doc:"Health status" example:"ok"`
	Version string `json:"version" doc:"API version" example:"0.1.0"`
}

// ParcelDetailBody is the detail document the viewer popup loads.
type ParcelDetailBody struct {
	Properties map[string]any `json:"properties" doc:"Parcel attributes; parcel_number and area are always present"`
}

type ExtentBody struct {
	Empty bool      `json:"empty" doc:"True when no parcels are loaded"`
	BBox  []float64 `json:"bbox,omitempty" doc:"min lon, min lat, max lon, max lat" example:"[16.41,46.2,16.43,46.22]"`
}

type ImportBody struct {
	Imported int    `json:"imported" doc:"Parcels stored"`
	Message  string `json:"message" doc:"Result message"`
}

// APIHandler holds the REST handlers. Methods named Register* are
// discovered by huma.AutoRegister.
type APIHandler struct {
	svc *Services
}

func NewAPIHandler(svc *Services) *APIHandler {
	return &APIHandler{svc: svc}
}

// RegisterRoutes registers every REST route on api.
func RegisterRoutes(api huma.API, svc *Services) {
	huma.AutoRegister(api, NewAPIHandler(svc))
}

// RegisterHealth registers the health check.
func (h *APIHandler) RegisterHealth(api huma.API) {
	huma.Get(api, "/health", h.GetHealth, huma.OperationTags("health"))
}

// RegisterCapabilities registers the tegola-style capabilities document.
func (h *APIHandler) RegisterCapabilities(api huma.API) {
	huma.Get(api, "/api/v1/capabilities", h.GetCapabilities, huma.OperationTags("tiles"))
}

// RegisterParcels registers parcel listing and detail routes.
func (h *APIHandler) RegisterParcels(api huma.API) {
	huma.Get(api, "/api/v1/parcels", h.ListParcels, huma.OperationTags("parcels"))
	huma.Get(api, "/api/v1/parcels/{id}", h.GetParcel, huma.OperationTags("parcels"))
	huma.Get(api, "/api/v1/extent", h.GetExtent, huma.OperationTags("parcels"))
}

// RegisterLayers registers layer configuration routes.
func (h *APIHandler) RegisterLayers(api huma.API) {
	huma.Get(api, "/api/v1/layers", h.GetLayers, huma.OperationTags("layers"))
	huma.Get(api, "/api/v1/layers/{id}", h.GetLayer, huma.OperationTags("layers"))
	huma.Put(api, "/api/v1/layers/{id}", h.PutLayer, huma.OperationTags("layers"))
}

// RegisterSources registers source listing and import routes.
func (h *APIHandler) RegisterSources(api huma.API) {
	huma.Get(api, "/api/v1/sources", h.GetSources, huma.OperationTags("sources"))
	huma.Post(api, "/api/v1/sources/import", h.ImportSources, huma.OperationTags("sources"))
}

// RegisterTiles registers the archive listing.
func (h *APIHandler) RegisterTiles(api huma.API) {
	huma.Get(api, "/api/v1/tiles", h.GetTiles, huma.OperationTags("tiles"))
}

// Handlers

func (h *APIHandler) GetHealth(ctx context.Context, input *struct{}) (*struct{ Body HealthBody }, error) {
	return &struct{ Body HealthBody }{Body: HealthBody{Status: "ok", Version: Version}}, nil
}

func (h *APIHandler) GetCapabilities(ctx context.Context, input *struct{}) (*struct{ Body parcel.Capabilities }, error) {
	if h.svc.Tile == nil {
		return &struct{ Body parcel.Capabilities }{Body: parcel.Capabilities{Maps: []parcel.CapabilityMap{}}}, nil
	}
	return &struct{ Body parcel.Capabilities }{Body: h.svc.Tile.Capabilities(h.svc.PublicURL)}, nil
}

func (h *APIHandler) ListParcels(ctx context.Context, input *PageInput) (*struct {
	Body humastar.PageBody[service.Parcel]
}, error) {
	if h.svc.Parcel == nil {
		return nil, huma.Error503ServiceUnavailable("parcel database not available")
	}
	parcels, total, err := h.svc.Parcel.List(ctx, input.Offset, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing parcels", err)
	}
	return &struct {
		Body humastar.PageBody[service.Parcel]
	}{Body: humastar.PageBody[service.Parcel]{
		Total: total, Offset: input.Offset, Limit: input.Limit, Data: parcels,
	}}, nil
}

func (h *APIHandler) GetParcel(ctx context.Context, input *ParcelIDInput) (*struct{ Body ParcelDetailBody }, error) {
	if h.svc.Parcel == nil {
		return nil, huma.Error503ServiceUnavailable("parcel database not available")
	}
	p, err := h.svc.Parcel.Get(ctx, input.ID)
	if errors.Is(err, service.ErrParcelNotFound) {
		return nil, huma.Error404NotFound("parcel not found")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("loading parcel", err)
	}
	return &struct{ Body ParcelDetailBody }{Body: ParcelDetailBody{Properties: p.DetailProperties()}}, nil
}

func (h *APIHandler) GetExtent(ctx context.Context, input *struct{}) (*struct{ Body ExtentBody }, error) {
	if h.svc.Parcel == nil {
		return nil, huma.Error503ServiceUnavailable("parcel database not available")
	}
	b, ok, err := h.svc.Parcel.Bound(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("parcel extent", err)
	}
	if !ok {
		return &struct{ Body ExtentBody }{Body: ExtentBody{Empty: true}}, nil
	}
	return &struct{ Body ExtentBody }{Body: ExtentBody{
		BBox: []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
	}}, nil
}

func (h *APIHandler) GetLayers(ctx context.Context, input *struct{}) (*LayersOutput, error) {
	if h.svc.Layer == nil {
		return &LayersOutput{Body: []service.LayerConfig{}}, nil
	}
	return &LayersOutput{Body: h.svc.Layer.List()}, nil
}

func (h *APIHandler) GetLayer(ctx context.Context, input *IDInput) (*LayerOutput, error) {
	if h.svc.Layer == nil {
		return nil, huma.Error404NotFound("layer not found")
	}
	layer, ok := h.svc.Layer.Get(input.ID)
	if !ok {
		return nil, huma.Error404NotFound("layer not found")
	}
	return &LayerOutput{Body: layer}, nil
}

func (h *APIHandler) PutLayer(ctx context.Context, input *struct {
	IDInput
	Body service.LayerConfig
}) (*LayerOutput, error) {
	if h.svc.Layer == nil {
		return nil, huma.Error503ServiceUnavailable("layer service not available")
	}
	if input.Body.ID != "" && input.Body.ID != input.ID {
		return nil, huma.Error422UnprocessableEntity("body id does not match path id")
	}
	updated, err := h.svc.Layer.Update(input.ID, input.Body)
	if errors.Is(err, service.ErrLayerNotFound) {
		return nil, huma.Error404NotFound(err.Error())
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("saving layer", err)
	}
	return &LayerOutput{Body: updated}, nil
}

func (h *APIHandler) GetSources(ctx context.Context, input *struct{}) (*struct{ Body []service.SourceFile }, error) {
	if h.svc.Source == nil {
		return &struct{ Body []service.SourceFile }{Body: []service.SourceFile{}}, nil
	}
	sources, err := h.svc.Source.List()
	if err != nil {
		return nil, huma.Error500InternalServerError("listing sources", err)
	}
	return &struct{ Body []service.SourceFile }{Body: sources}, nil
}

func (h *APIHandler) ImportSources(ctx context.Context, input *struct{}) (*struct{ Body ImportBody }, error) {
	if h.svc.Source == nil || h.svc.Parcel == nil {
		return nil, huma.Error503ServiceUnavailable("parcel database not available")
	}
	n, err := h.svc.Source.ImportAll(ctx, h.svc.Parcel)
	if err != nil {
		return nil, huma.Error500InternalServerError("importing sources", err)
	}
	if h.svc.Tile != nil {
		h.svc.Tile.Invalidate()
	}
	if h.svc.Bus != nil {
		h.svc.Bus.Publish(service.Event{Resource: "parcels", Action: "imported"})
	}
	return &struct{ Body ImportBody }{Body: ImportBody{
		Imported: n,
		Message:  fmt.Sprintf("Imported %d parcels", n),
	}}, nil
}

func (h *APIHandler) GetTiles(ctx context.Context, input *struct{}) (*struct{ Body []service.TileFile }, error) {
	if h.svc.Tile == nil {
		return &struct{ Body []service.TileFile }{Body: []service.TileFile{}}, nil
	}
	tiles, err := h.svc.Tile.List()
	if err != nil {
		return nil, huma.Error500InternalServerError("listing tiles", err)
	}
	return &struct{ Body []service.TileFile }{Body: tiles}, nil
}

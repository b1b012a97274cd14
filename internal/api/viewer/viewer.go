// Package viewer contains the Datastar SSE handlers of the map viewer page.
// The browser forwards clicks and pans; the server session decides the
// selection and streams signals and the popup fragment back.
package viewer

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-cadastre/internal/humastar"
	"github.com/joeblew999/plat-cadastre/internal/parcel"
	"github.com/joeblew999/plat-cadastre/internal/service"
	"github.com/joeblew999/plat-cadastre/internal/templates"
	sessions "github.com/joeblew999/plat-cadastre/internal/viewer"
)

// PopupSelector is the element the popup fragment is patched into.
const PopupSelector = "#parcel-popup"

var sessionActions = []humastar.ActionDef{
	{Rel: "events", Pattern: "/api/v1/viewer/%s/events", Method: "GET", Title: "Stream viewer state"},
	{Rel: "click", Pattern: "/api/v1/viewer/%s/click", Method: "POST", Title: "Click the map"},
	{Rel: "movestart", Pattern: "/api/v1/viewer/%s/movestart", Method: "POST", Title: "Start panning"},
	{Rel: "view", Pattern: "/api/v1/viewer/%s/view", Method: "POST", Title: "Move the map"},
	{Rel: "close", Pattern: "/api/v1/viewer/%s/close", Method: "POST", Title: "Close the popup"},
	{Rel: "landcover", Pattern: "/api/v1/viewer/%s/landcover", Method: "POST", Title: "Toggle land cover"},
	{Rel: "delete", Pattern: "/api/v1/viewer/%s", Method: "DELETE", Title: "Close the viewer"},
}

// Handler serves the viewer session routes.
type Handler struct {
	humastar.Handler
	manager *sessions.Manager
	layers  *service.LayerService
	log     *zap.Logger
}

func NewHandler(manager *sessions.Manager, layers *service.LayerService, renderer *templates.Renderer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Handler: humastar.Handler{Renderer: renderer},
		manager: manager,
		layers:  layers,
		log:     log.Named("viewer-api"),
	}
}

func (h *Handler) RegisterRoutes(api huma.API) {
	huma.Post(api, "/api/v1/viewer", h.Open, huma.OperationTags("viewer"))
	huma.Delete(api, "/api/v1/viewer/{session}", h.Delete, huma.OperationTags("viewer"))
	huma.Get(api, "/api/v1/viewer/{session}/events", h.Events, huma.OperationTags("viewer"))
	huma.Post(api, "/api/v1/viewer/{session}/click", h.Click, huma.OperationTags("viewer"))
	huma.Post(api, "/api/v1/viewer/{session}/movestart", h.MoveStart, huma.OperationTags("viewer"))
	huma.Post(api, "/api/v1/viewer/{session}/view", h.View, huma.OperationTags("viewer"))
	huma.Post(api, "/api/v1/viewer/{session}/close", h.ClosePopup, huma.OperationTags("viewer"))
	huma.Post(api, "/api/v1/viewer/{session}/landcover", h.LandCover, huma.OperationTags("viewer"))
}

// Types

type SessionInput struct {
	Session string `path:"session" doc:"Viewer session id"`
}

// SignalsInput carries the Datastar signals of a viewer action. Actions
// without signals may post an empty body.
type SignalsInput struct {
	SessionInput
	RawBody []byte `required:"false"`
}

type OpenInput struct {
	Body struct {
		Width  float64 `json:"width" minimum:"1" doc:"Viewport width in pixels" example:"1200"`
		Height float64 `json:"height" minimum:"1" doc:"Viewport height in pixels" example:"900"`
	}
}

// SessionBody describes an open viewer session.
type SessionBody struct {
	ID     string      `json:"id" doc:"Session id"`
	Size   parcel.Size `json:"size" doc:"Viewport size in pixels"`
	Center []float64   `json:"center" doc:"Map center, lon and lat" example:"[16.41774,46.2092]"`
	Zoom   float64     `json:"zoom" doc:"Zoom level" example:"16"`
}

func (b SessionBody) Actions() []humastar.Action {
	return humastar.ActionsFor(b.ID, sessionActions)
}

// Handlers

func (h *Handler) Open(ctx context.Context, input *OpenInput) (*struct{ Body SessionBody }, error) {
	s, err := h.manager.Open(ctx, parcel.Size{Width: input.Body.Width, Height: input.Body.Height})
	if err != nil {
		return nil, sessionError(err)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		h.manager.CloseSession(s.ID())
		return nil, sessionError(err)
	}
	return &struct{ Body SessionBody }{Body: SessionBody{
		ID:     s.ID(),
		Size:   snap.Size,
		Center: []float64{snap.View.Center[0], snap.View.Center[1]},
		Zoom:   snap.View.Zoom,
	}}, nil
}

func (h *Handler) Delete(ctx context.Context, input *SessionInput) (*struct{}, error) {
	if err := h.manager.CloseSession(input.Session); err != nil {
		return nil, sessionError(err)
	}
	return nil, nil
}

func (h *Handler) Click(ctx context.Context, input *SignalsInput) (*struct{}, error) {
	return h.act(ctx, input, func(s *sessions.Session, signals humastar.Signals) error {
		if !signals.Has("x") || !signals.Has("y") {
			return huma.Error400BadRequest("click needs x and y signals")
		}
		return s.Click(ctx, parcel.Point{X: signals.Float("x"), Y: signals.Float("y")})
	})
}

func (h *Handler) MoveStart(ctx context.Context, input *SignalsInput) (*struct{}, error) {
	return h.act(ctx, input, func(s *sessions.Session, _ humastar.Signals) error {
		return s.MoveStart(ctx)
	})
}

func (h *Handler) View(ctx context.Context, input *SignalsInput) (*struct{}, error) {
	return h.act(ctx, input, func(s *sessions.Session, signals humastar.Signals) error {
		snap, err := s.Snapshot(ctx)
		if err != nil {
			return err
		}
		v := snap.View
		if signals.Has("lon") && signals.Has("lat") {
			v.Center[0], v.Center[1] = signals.Float("lon"), signals.Float("lat")
		}
		if signals.Has("zoom") {
			v.Zoom = min(max(signals.Float("zoom"), 0), service.MaxTileZoom)
		}
		return s.SetView(ctx, v)
	})
}

func (h *Handler) ClosePopup(ctx context.Context, input *SignalsInput) (*struct{}, error) {
	return h.act(ctx, input, func(s *sessions.Session, _ humastar.Signals) error {
		return s.ClosePopup(ctx)
	})
}

func (h *Handler) LandCover(ctx context.Context, input *SignalsInput) (*struct{}, error) {
	return h.act(ctx, input, func(s *sessions.Session, signals humastar.Signals) error {
		return s.SetLandCover(ctx, signals.Bool("landcover"))
	})
}

// act parses the signals and runs fn against the session. State changes
// reach the browser through the events stream, so actions answer 204.
func (h *Handler) act(ctx context.Context, input *SignalsInput, fn func(*sessions.Session, humastar.Signals) error) (*struct{}, error) {
	signals, err := humastar.ParseSignals(input.RawBody)
	if err != nil {
		return nil, huma.Error400BadRequest("Invalid request data: " + err.Error())
	}
	s, err := h.manager.Get(input.Session)
	if err != nil {
		return nil, sessionError(err)
	}
	if err := fn(s, signals); err != nil {
		return nil, sessionError(err)
	}
	return nil, nil
}

func sessionError(err error) error {
	var se huma.StatusError
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, sessions.ErrSessionClosed):
		return huma.Error404NotFound("viewer session not found")
	case errors.Is(err, sessions.ErrTooManySessions):
		return huma.Error503ServiceUnavailable(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.Error503ServiceUnavailable("viewer session busy")
	}
	return huma.Error500InternalServerError("viewer session", err)
}

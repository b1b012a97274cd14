package viewer

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-cadastre/internal/humastar"
	"github.com/joeblew999/plat-cadastre/internal/parcel"
	sessions "github.com/joeblew999/plat-cadastre/internal/viewer"
)

// Events streams the session state: one push on connect, then one per
// session change until the client goes away or the session closes.
func (h *Handler) Events(ctx context.Context, input *SessionInput) (*huma.StreamResponse, error) {
	s, err := h.manager.Get(input.Session)
	if err != nil {
		return nil, sessionError(err)
	}
	return h.Stream(func(sse humastar.SSE) {
		events, unsubscribe := s.Events()
		defer unsubscribe()

		if !h.push(ctx, sse, s) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					sse.Error("viewer session closed")
					return
				}
				// Collapse bursts into one push.
				for drained := false; !drained; {
					select {
					case _, ok = <-events:
						if !ok {
							drained = true
						}
					default:
						drained = true
					}
				}
				if !h.push(ctx, sse, s) {
					return
				}
			}
		}
	}), nil
}

// push sends the current signals and popup. It reports whether the stream
// should go on.
func (h *Handler) push(ctx context.Context, sse humastar.SSE, s *sessions.Session) bool {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return false
	}
	if err := sse.Signals(stateSignals(snap)); err != nil {
		return false
	}
	html, err := h.Render("parcel-popup", NewPopupData(snap))
	if err != nil {
		h.log.Error("rendering popup", zap.String("session", snap.ID), zap.Error(err))
		return sse.Error("popup unavailable") == nil
	}
	return sse.Patch(html, PopupSelector) == nil
}

func stateSignals(snap sessions.Snapshot) map[string]any {
	return map[string]any{
		"selected":  string(snap.Selection.FeatureID),
		"detail":    detailStatus(snap).String(),
		"landcover": snap.LandCover,
		"tileUrl":   snap.TileURL,
		"loading":   snap.Loading,
		"lon":       snap.View.Center[0],
		"lat":       snap.View.Center[1],
		"zoom":      snap.View.Zoom,
		"error":     "",
	}
}

// detailStatus is the detail state as it applies to the current selection.
func detailStatus(snap sessions.Snapshot) parcel.DetailStatus {
	if !snap.Selection.Visible {
		return parcel.DetailIdle
	}
	if snap.Detail.FeatureID != snap.Selection.FeatureID {
		return parcel.DetailLoading
	}
	return snap.Detail.Status
}

// PopupData is the data of the "parcel-popup" template.
type PopupData struct {
	Visible      bool
	X, Y         float64
	FeatureID    string
	Status       string
	ParcelNumber string
	Area         string
	Attributes   []sessions.Attribute
	CloseURL     string
}

// NewPopupData builds the popup for a snapshot. The selection position is
// already placed inside the viewport.
func NewPopupData(snap sessions.Snapshot) PopupData {
	sel := snap.Selection
	if !sel.Visible || sel.Position == nil {
		return PopupData{}
	}
	d := PopupData{
		Visible:   true,
		X:         sel.Position.X,
		Y:         sel.Position.Y,
		FeatureID: string(sel.FeatureID),
		Status:    detailStatus(snap).String(),
		CloseURL:  "/api/v1/viewer/" + snap.ID + "/close",
	}
	if d.Status == parcel.DetailLoaded.String() && snap.Detail.Attributes != nil {
		d.ParcelNumber = snap.Detail.Attributes.ParcelNumber
		d.Area = snap.Detail.Attributes.Area
		d.Attributes = sessions.SortedExtra(snap.Detail.Attributes)
	}
	return d
}

// internal/controller/broadcast_controller.go
package controller

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-mailer/internal/model"
	"github.com/unclebandit/broadcast-mailer/internal/service"
)

type BroadcastOperations interface {
	Send(ctx context.Context, teamID, broadcastID string) (*model.Broadcast, error)
	GetDetailsWithStats(ctx context.Context, teamID, broadcastID string) (*service.BroadcastDetails, error)
}

var _ BroadcastOperations = (*service.BroadcastService)(nil)

type BroadcastController struct {
	BroadcastService BroadcastOperations
	TeamHeader       string
	Log              *zap.SugaredLogger
}

func (c *BroadcastController) Routes(r chi.Router) {
	r.Get("/broadcasts/{broadcastId}", c.GetBroadcast)
	r.Post("/broadcasts/{broadcastId}/send", c.SendBroadcast)
}

func (c *BroadcastController) GetBroadcast(w http.ResponseWriter, r *http.Request) {
	team, ok := teamID(w, r, c.TeamHeader)
	if !ok {
		return
	}
	details, err := c.BroadcastService.GetDetailsWithStats(r.Context(), team, chi.URLParam(r, "broadcastId"))
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *BroadcastController) SendBroadcast(w http.ResponseWriter, r *http.Request) {
	team, ok := teamID(w, r, c.TeamHeader)
	if !ok {
		return
	}
	b, err := c.BroadcastService.Send(r.Context(), team, chi.URLParam(r, "broadcastId"))
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"broadcast_id": b.ID,
		"status":       b.Status,
		"send_at":      b.SendAt,
	})
}

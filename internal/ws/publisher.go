package ws

import (
	"encoding/json"
	"log/slog"

	"github.com/appdotbuilder/appfleet/internal/service/deployment"
)

// StatusPublisher pushes status events onto the hub so websocket
// subscribers of the affected deployment see them live.
type StatusPublisher struct {
	hub    *Hub
	logger *slog.Logger
}

// NewStatusPublisher wraps a hub.
func NewStatusPublisher(hub *Hub, logger *slog.Logger) *StatusPublisher {
	return &StatusPublisher{hub: hub, logger: logger.With("component", "ws")}
}

func (p *StatusPublisher) PublishStatus(event deployment.StatusEvent) {
	if p == nil || p.hub == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode status event", "deployment_id", event.DeploymentID, "error", err)
		return
	}
	p.hub.Broadcast(event.DeploymentID, payload)
}

package deployment

import "time"

// StatusEvent announces a deployment status change to subscribers.
type StatusEvent struct {
	DeploymentID string    `json:"deployment_id"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// StatusPublisher fans status changes out to interested parties (websocket
// subscribers, the audit stream). Implementations must not block.
type StatusPublisher interface {
	PublishStatus(event StatusEvent)
}

func publishStatus(publisher StatusPublisher, now func() time.Time, deploymentID, status, reason string) {
	if publisher == nil {
		return
	}
	publisher.PublishStatus(StatusEvent{
		DeploymentID: deploymentID,
		Status:       status,
		Reason:       reason,
		OccurredAt:   now().UTC(),
	})
}

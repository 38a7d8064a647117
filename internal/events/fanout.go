package events

import "github.com/appdotbuilder/appfleet/internal/service/deployment"

// Fanout delivers each status event to every publisher. Typed-nil entries
// are tolerated so optional sinks can be wired unconditionally.
type Fanout []deployment.StatusPublisher

func (f Fanout) PublishStatus(event deployment.StatusEvent) {
	for _, publisher := range f {
		if publisher == nil {
			continue
		}
		publisher.PublishStatus(event)
	}
}

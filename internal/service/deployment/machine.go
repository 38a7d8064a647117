package deployment

import (
	"fmt"

	"github.com/appdotbuilder/appfleet/internal/domain"
)

// Action is a user-requested lifecycle transition.
type Action string

// Supported actions.
const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionSuspend Action = "suspend"
	ActionDelete  Action = "delete"
)

// ParseAction validates a raw action string.
func ParseAction(raw string) (Action, bool) {
	switch Action(raw) {
	case ActionStart, ActionStop, ActionRestart, ActionSuspend, ActionDelete:
		return Action(raw), true
	}
	return "", false
}

// InvalidTransitionError reports a request that is illegal from the
// deployment's current status. It names both sides so the rejection is
// observable rather than a silent no-op.
type InvalidTransitionError struct {
	Current string
	Action  Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("deployment: cannot %s from status %q", e.Action, e.Current)
}

// transitions lists the source statuses each action is legal from. The
// status set is closed; anything not listed fails with
// InvalidTransitionError.
var transitions = map[Action][]string{
	ActionStart:   {domain.StatusStopped, domain.StatusSuspended},
	ActionStop:    {domain.StatusRunning},
	ActionRestart: {domain.StatusRunning, domain.StatusStopped},
	ActionSuspend: {domain.StatusRunning},
	ActionDelete: {
		domain.StatusPending,
		domain.StatusRunning,
		domain.StatusStopped,
		domain.StatusSuspended,
		domain.StatusFailed,
	},
}

// CanApply reports whether the action is legal from the given status.
func CanApply(status string, action Action) error {
	for _, allowed := range transitions[action] {
		if status == allowed {
			return nil
		}
	}
	return &InvalidTransitionError{Current: status, Action: action}
}

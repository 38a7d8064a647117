package deployment

import (
	"errors"
	"testing"

	"github.com/appdotbuilder/appfleet/internal/domain"
)

func TestCanApplyTransitionTable(t *testing.T) {
	statuses := []string{
		domain.StatusPending,
		domain.StatusRunning,
		domain.StatusStopped,
		domain.StatusSuspended,
		domain.StatusFailed,
		domain.StatusDeleted,
	}
	legal := map[Action]map[string]bool{
		ActionStart:   {domain.StatusStopped: true, domain.StatusSuspended: true},
		ActionStop:    {domain.StatusRunning: true},
		ActionRestart: {domain.StatusRunning: true, domain.StatusStopped: true},
		ActionSuspend: {domain.StatusRunning: true},
		ActionDelete: {
			domain.StatusPending:   true,
			domain.StatusRunning:   true,
			domain.StatusStopped:   true,
			domain.StatusSuspended: true,
			domain.StatusFailed:    true,
		},
	}

	for action, allowed := range legal {
		for _, status := range statuses {
			err := CanApply(status, action)
			if allowed[status] && err != nil {
				t.Errorf("%s from %s should be legal, got %v", action, status, err)
			}
			if !allowed[status] && err == nil {
				t.Errorf("%s from %s should be rejected", action, status)
			}
		}
	}
}

func TestCanApplyDeletedIsTerminal(t *testing.T) {
	for _, action := range []Action{ActionStart, ActionStop, ActionRestart, ActionSuspend, ActionDelete} {
		err := CanApply(domain.StatusDeleted, action)
		var transition *InvalidTransitionError
		if !errors.As(err, &transition) {
			t.Fatalf("expected InvalidTransitionError for %s from deleted, got %v", action, err)
		}
		if transition.Current != domain.StatusDeleted || transition.Action != action {
			t.Fatalf("error does not name both sides: %v", transition)
		}
	}
}

func TestParseAction(t *testing.T) {
	for _, raw := range []string{"start", "stop", "restart", "suspend", "delete"} {
		action, ok := ParseAction(raw)
		if !ok || string(action) != raw {
			t.Fatalf("expected %q to parse, got %q %v", raw, action, ok)
		}
	}
	if _, ok := ParseAction("explode"); ok {
		t.Fatalf("unknown action should not parse")
	}
}

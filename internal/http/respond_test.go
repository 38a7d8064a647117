package httpx

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
	"github.com/appdotbuilder/appfleet/internal/service/catalog"
	"github.com/appdotbuilder/appfleet/internal/service/deployment"
	"github.com/appdotbuilder/appfleet/internal/service/ledger"
	"github.com/appdotbuilder/appfleet/internal/service/placement"
)

func TestWriteServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{deployment.ErrForbidden, http.StatusForbidden},
		{deployment.ErrInsufficientBalance, http.StatusPaymentRequired},
		{ledger.ErrInsufficientFunds, http.StatusPaymentRequired},
		{deployment.ErrNameTaken, http.StatusConflict},
		{&deployment.InvalidTransitionError{Current: domain.StatusDeleted, Action: deployment.ActionStart}, http.StatusConflict},
		{placement.ErrNoCapacity, http.StatusServiceUnavailable},
		{deployment.ErrQueueFull, http.StatusServiceUnavailable},
		{deployment.ErrInvalidName, http.StatusBadRequest},
		{catalog.ErrInvalidTemplate, http.StatusBadRequest},
		{catalog.ErrInvalidPlan, http.StatusBadRequest},
		{ledger.ErrAmountOutOfBounds, http.StatusBadRequest},
		{fmt.Errorf("database exploded"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		recorder := httptest.NewRecorder()
		writeServiceError(recorder, tc.err)
		if recorder.Code != tc.want {
			t.Errorf("%v: got status %d, want %d", tc.err, recorder.Code, tc.want)
		}
	}
}

func TestWriteServiceErrorWrappedErrors(t *testing.T) {
	recorder := httptest.NewRecorder()
	writeServiceError(recorder, fmt.Errorf("admission: %w", deployment.ErrInsufficientBalance))
	if recorder.Code != http.StatusPaymentRequired {
		t.Fatalf("wrapped error lost its mapping: %d", recorder.Code)
	}
}

func TestRouteLabelCollapsesIDs(t *testing.T) {
	cases := map[string]string{
		"/v1/deployments":                "/v1/deployments",
		"/v1/deployments/abc-123":        "/v1/deployments/{id}",
		"/v1/deployments/abc-123/events": "/v1/deployments/{id}/events",
		"/v1/balance":                    "/v1/balance",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

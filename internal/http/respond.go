package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/appdotbuilder/appfleet/internal/repository"
	"github.com/appdotbuilder/appfleet/internal/service/catalog"
	"github.com/appdotbuilder/appfleet/internal/service/deployment"
	"github.com/appdotbuilder/appfleet/internal/service/ledger"
	"github.com/appdotbuilder/appfleet/internal/service/placement"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto the HTTP taxonomy.
func writeServiceError(w http.ResponseWriter, err error) {
	var transition *deployment.InvalidTransitionError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, deployment.ErrForbidden):
		writeError(w, http.StatusForbidden, "not the owner of this deployment")
	case errors.Is(err, deployment.ErrInsufficientBalance), errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient balance")
	case errors.Is(err, deployment.ErrNameTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, transition.Error())
	case errors.Is(err, placement.ErrNoCapacity):
		writeError(w, http.StatusServiceUnavailable, "no server has capacity for this plan")
	case errors.Is(err, deployment.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "system is busy, try again shortly")
	case errors.Is(err, deployment.ErrInvalidName),
		errors.Is(err, catalog.ErrInvalidTemplate),
		errors.Is(err, catalog.ErrInvalidPlan),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrAmountOutOfBounds),
		errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

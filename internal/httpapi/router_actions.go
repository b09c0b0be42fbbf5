package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/dwizi/action-governor/internal/governerr"
	"github.com/dwizi/action-governor/internal/governor"
)

func (r *router) handleDecide(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload governor.DecideRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	decision := r.deps.Governor.Decide(req.Context(), payload)
	writeJSON(w, statusForCategory(decision.Category), decision)
}

func (r *router) handleAck(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload governor.AckRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	result := r.deps.Governor.ProcessAck(req.Context(), payload)
	writeJSON(w, statusForCategory(result.Category), result)
}

// statusForCategory maps outcome categories onto HTTP. A policy rejection is
// a valid answer and is returned with 200.
func statusForCategory(category governerr.Category) int {
	switch category {
	case governerr.CategoryCallerError:
		return http.StatusBadRequest
	case governerr.CategoryDependencyFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

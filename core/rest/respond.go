package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/m3rciful/salesbot/core/flow"
	"github.com/m3rciful/salesbot/core/store"
)

func respondJSON(w http.ResponseWriter, code int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

// respondDomainError maps the error taxonomy onto HTTP statuses: missing
// records are 404, invalid-state refusals are 409, the rest is 500.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, flow.ErrFlowNotFound),
		errors.Is(err, flow.ErrNodeNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, flow.ErrNoActiveFlow),
		errors.Is(err, flow.ErrNoStartNode),
		errors.Is(err, flow.ErrHandedOff):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

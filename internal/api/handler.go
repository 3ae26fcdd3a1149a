// Package api provides HTTP handlers for the Memoist session API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/memoist/core/internal/domain"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response with a stable kind code.
func Error(w http.ResponseWriter, err error) {
	kind := domain.Kind(err)
	JSON(w, statusForKind(kind), map[string]string{
		"error": err.Error(),
		"kind":  kind,
	})
}

func statusForKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "conflict", "invalid_transition", "session_completed":
		return http.StatusConflict
	case "validation", "out_of_order_chunk", "unknown_message":
		return http.StatusBadRequest
	case "adapter_unavailable":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/eldtechnologies/pairlink/internal/store"
)

// Handler contains shared dependencies for the debug HTTP handlers.
type Handler struct {
	store       store.Store
	channelMode string // "redis" or "loopback"
}

// NewHandler creates a new Handler over the given store.
func NewHandler(st store.Store, channelMode string) *Handler {
	return &Handler{store: st, channelMode: channelMode}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

package handlers

import (
	"encoding/json"
	"net/http"

	"authz-server/internal/logging"
)

func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	doc, err := h.oidc.Discovery(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Failed to build discovery document")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/jwk-set+json")
	json.NewEncoder(w).Encode(h.oidc.KeySet())
}

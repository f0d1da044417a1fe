package handlers

import (
	"net/http"

	"authz-server/internal/auth"
)

func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, auth.InvalidRequest("malformed request body"))
		return
	}
	creds, err := clientCredentials(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.auth.Token(r.Context(), &auth.TokenRequest{
		ClientCredentials: creds,
		GrantType:         r.PostFormValue("grant_type"),
		Code:              r.PostFormValue("code"),
		RedirectURI:       r.PostFormValue("redirect_uri"),
		CodeVerifier:      r.PostFormValue("code_verifier"),
		RefreshToken:      r.PostFormValue("refresh_token"),
		DeviceCode:        r.PostFormValue("device_code"),
		Scopes:            auth.ParseScope(r.PostFormValue("scope")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// DeviceAuthorization serves POST /device.
func (h *Handler) DeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, auth.InvalidRequest("malformed request body"))
		return
	}
	creds, err := clientCredentials(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.auth.StartDeviceAuthorization(r.Context(), &auth.DeviceAuthorizationRequest{
		ClientCredentials: creds,
		Scopes:            auth.ParseScope(r.PostFormValue("scope")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, auth.InvalidRequest("malformed request body"))
		return
	}
	creds, err := clientCredentials(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.auth.Introspect(r.Context(), &auth.IntrospectionRequest{
		ClientCredentials: creds,
		Token:             r.PostFormValue("token"),
		TokenTypeHint:     r.PostFormValue("token_type_hint"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Revoke answers 200 with an empty body whether or not the token was known.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, auth.InvalidRequest("malformed request body"))
		return
	}
	creds, err := clientCredentials(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	err = h.auth.Revoke(r.Context(), &auth.RevocationRequest{
		ClientCredentials: creds,
		Token:             r.PostFormValue("token"),
		TokenTypeHint:     r.PostFormValue("token_type_hint"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

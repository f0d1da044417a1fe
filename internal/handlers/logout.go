package handlers

import (
	"net/http"
	"net/url"

	"authz-server/internal/auth"
	"authz-server/internal/logging"
)

type logoutView struct {
	ClientName string
	Params     url.Values
}

func parseLogout(v url.Values) *auth.LogoutRequest {
	return &auth.LogoutRequest{
		ClientID:              v.Get("client_id"),
		IDTokenHint:           v.Get("id_token_hint"),
		PostLogoutRedirectURI: v.Get("post_logout_redirect_uri"),
		State:                 v.Get("state"),
	}
}

// LogoutPage asks a signed-in user to confirm. Without a session there is nothing to
// confirm, so sign-out completes immediately.
func (h *Handler) LogoutPage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := parseLogout(query)

	sess, err := h.sessions.Get(r)
	if err != nil {
		h.finishLogout(w, r, req, "")
		return
	}

	params := url.Values{}
	for _, k := range []string{"client_id", "id_token_hint", "post_logout_redirect_uri", "state"} {
		if v := query.Get(k); v != "" {
			params.Set(k, v)
		}
	}
	view := logoutView{Params: params}
	if client := h.auth.LogoutClient(r.Context(), req.ClientID); client != nil {
		view.ClientName = client.DisplayName
	}
	h.render(w, r, http.StatusOK, "logout", "Sign out", h.csrfToken(r, sess.ID), view)
}

// Logout always ends the local session. The post-logout redirect is followed only when it
// is registered and, for a signed-in user, the form carries a valid CSRF token.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	form := url.Values{}
	if err := r.ParseForm(); err == nil {
		form = r.PostForm
	}
	req := parseLogout(form)

	subject := ""
	if sess, err := h.sessions.Get(r); err == nil {
		subject = sess.Subject
		if err := h.csrf.Check(r, sess.ID); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("Logout without a valid CSRF token, skipping post-logout redirect")
			req = &auth.LogoutRequest{}
		}
	}
	h.sessions.End(w)
	h.finishLogout(w, r, req, subject)
}

func (h *Handler) finishLogout(w http.ResponseWriter, r *http.Request, req *auth.LogoutRequest, subject string) {
	location, err := h.auth.ResolveLogout(r.Context(), req, subject)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("Could not resolve post-logout redirect")
		location = ""
	}
	if location != "" {
		http.Redirect(w, r, location, http.StatusFound)
		return
	}
	h.renderMessage(w, r, http.StatusOK, "Signed out", "You have been signed out.")
}

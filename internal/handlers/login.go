package handlers

import (
	"errors"
	"net/http"
	"strings"

	"authz-server/internal/logging"
	"authz-server/internal/principal"
	"authz-server/internal/security"
	"authz-server/internal/session"
)

type loginView struct {
	ReturnTo string
	Error    string
}

// LoginPage is the development stand-in for the external login service.
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	returnTo := session.SafeReturnTo(r.URL.Query().Get("return_to"))
	h.render(w, r, http.StatusOK, "login", "Sign in", h.csrfToken(r, security.AnonymousBinding), loginView{ReturnTo: returnTo})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderMessage(w, r, http.StatusBadRequest, "Sign in", "The form could not be read.")
		return
	}
	returnTo := session.SafeReturnTo(r.PostFormValue("return_to"))
	if err := h.csrf.Check(r, security.AnonymousBinding); err != nil {
		h.renderMessage(w, r, http.StatusForbidden, "Sign in", "This form has expired. Reload the page and try again.")
		return
	}

	subject := strings.TrimSpace(r.PostFormValue("subject"))
	if h.identities == nil || subject == "" {
		h.loginFailed(w, r, returnTo)
		return
	}
	if _, err := h.identities.Identity(r.Context(), subject); err != nil {
		if !errors.Is(err, principal.ErrUnknownSubject) {
			logging.FromContext(r.Context()).WithError(err).Error("Identity lookup failed")
		}
		h.loginFailed(w, r, returnTo)
		return
	}

	if _, err := h.sessions.Start(w, subject); err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Failed to start session")
		h.renderMessage(w, r, http.StatusInternalServerError, "Sign in", "Sign-in is unavailable right now.")
		return
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func (h *Handler) loginFailed(w http.ResponseWriter, r *http.Request, returnTo string) {
	h.render(w, r, http.StatusUnauthorized, "login", "Sign in", h.csrfToken(r, security.AnonymousBinding),
		loginView{ReturnTo: returnTo, Error: "Unknown subject."})
}

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"authz-server/internal/auth"
	"authz-server/internal/registry"
)

type verifyView struct {
	UserCode string
	Error    string
	Pending  *pendingView
}

type pendingView struct {
	UserCode   string
	ClientName string
	Scopes     []*registry.Scope
}

// VerifyPage serves GET /verify and GET /verify/{user_code}.
func (h *Handler) VerifyPage(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r)
	if err != nil {
		h.sessions.RedirectToLogin(w, r)
		return
	}

	code := mux.Vars(r)["user_code"]
	if code == "" {
		code = r.URL.Query().Get("user_code")
	}
	if code == "" {
		h.render(w, r, http.StatusOK, "verify", "Connect a device", "", verifyView{})
		return
	}

	pending, err := h.auth.LookupUserCode(r.Context(), code)
	if err != nil {
		h.renderVerifyError(w, r, code, err)
		return
	}
	name := pending.Client.DisplayName
	if name == "" {
		name = pending.Client.ID
	}
	h.render(w, r, http.StatusOK, "verify", "Connect a device", h.csrfToken(r, sess.ID), verifyView{
		UserCode: pending.UserCode,
		Pending:  &pendingView{UserCode: pending.UserCode, ClientName: name, Scopes: pending.Scopes},
	})
}

// VerifySubmit serves POST /verify, resolving the device session exactly once.
func (h *Handler) VerifySubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderMessage(w, r, http.StatusBadRequest, "Connect a device", "The form could not be read.")
		return
	}
	code := r.PostFormValue("user_code")

	sess, err := h.sessions.Get(r)
	if err != nil {
		http.Redirect(w, r, h.sessions.LoginURL("/verify?"+url.Values{"user_code": {code}}.Encode()), http.StatusFound)
		return
	}
	if err := h.csrf.Check(r, sess.ID); err != nil {
		h.renderMessage(w, r, http.StatusForbidden, "Connect a device", "This form has expired. Enter the code again.")
		return
	}

	var approve bool
	switch r.PostFormValue("action") {
	case "allow":
		approve = true
	case "deny":
	default:
		h.renderMessage(w, r, http.StatusBadRequest, "Connect a device", "Choose allow or deny.")
		return
	}

	if err := h.auth.VerifyUserCode(r.Context(), code, sess.Subject, approve); err != nil {
		h.renderVerifyError(w, r, code, err)
		return
	}
	if approve {
		h.renderMessage(w, r, http.StatusOK, "Device connected", "You can return to your device.")
		return
	}
	h.renderMessage(w, r, http.StatusOK, "Request denied", "The device was not given access.")
}

func (h *Handler) renderVerifyError(w http.ResponseWriter, r *http.Request, code string, err error) {
	if errors.Is(err, auth.ErrUnknownUserCode) || errors.Is(err, auth.ErrUserCodeExpired) || errors.Is(err, auth.ErrUserCodeResolved) {
		h.render(w, r, http.StatusBadRequest, "verify", "Connect a device", "", verifyView{UserCode: code, Error: err.Error()})
		return
	}
	h.renderGatePage(w, r, err)
}

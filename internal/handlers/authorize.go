package handlers

import (
	"errors"
	"net/http"

	"authz-server/internal/auth"
	"authz-server/internal/registry"
	"authz-server/internal/session"
)

type consentView struct {
	ClientName string
	Scopes     []*registry.Scope
	Params     map[string][]string
}

// Authorize serves GET /authorize and the consent form's POST back to it.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		h.authorizePost(w, r)
		return
	}

	req := auth.ParseAuthorizationRequest(r.URL.Query())
	client, err := h.auth.ValidateAuthorizationRequest(r.Context(), req)
	if err != nil {
		h.authorizeError(w, r, err)
		return
	}

	sess, err := h.sessions.Get(r)
	if err != nil || req.Prompt == auth.PromptLogin {
		if req.Prompt == auth.PromptNone {
			h.authorizeError(w, r, h.auth.LoginRequired(req))
			return
		}
		h.redirectToLogin(w, r, req)
		return
	}

	decision, err := h.auth.EvaluateConsent(r.Context(), client, req, sess.Subject)
	if err != nil {
		h.authorizeError(w, r, err)
		return
	}
	if decision == auth.AutoApprove {
		h.approve(w, r, client, req, sess, nil)
		return
	}
	h.renderConsent(w, r, client, req, sess)
}

func (h *Handler) authorizePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderMessage(w, r, http.StatusBadRequest, "Request rejected", "The form could not be read.")
		return
	}
	req := auth.ParseAuthorizationRequest(r.PostForm)
	client, err := h.auth.ValidateAuthorizationRequest(r.Context(), req)
	if err != nil {
		h.authorizeError(w, r, err)
		return
	}

	sess, err := h.sessions.Get(r)
	if err != nil {
		h.redirectToLogin(w, r, req)
		return
	}
	if err := h.csrf.Check(r, sess.ID); err != nil {
		h.renderMessage(w, r, http.StatusForbidden, "Request rejected", "This form has expired. Go back to the application and try again.")
		return
	}

	switch r.PostFormValue("submit") {
	case "deny":
		http.Redirect(w, r, h.auth.Deny(r.Context(), client, req, sess.Subject), http.StatusFound)
	case "allow":
		granted := make([]string, 0, len(r.PostForm["granted_scopes"]))
		granted = append(granted, r.PostForm["granted_scopes"]...)
		h.approve(w, r, client, req, sess, granted)
	default:
		h.renderMessage(w, r, http.StatusBadRequest, "Request rejected", "Choose allow or deny.")
	}
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request, client *registry.Client, req *auth.AuthorizationRequest, sess *session.Session, granted []string) {
	location, err := h.auth.Approve(r.Context(), client, req, sess.Subject, sess.AuthTime, granted)
	if err != nil {
		h.authorizeError(w, r, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

func (h *Handler) renderConsent(w http.ResponseWriter, r *http.Request, client *registry.Client, req *auth.AuthorizationRequest, sess *session.Session) {
	scopes, err := h.auth.ScopeDetails(r.Context(), req.Scopes)
	if err != nil {
		h.authorizeError(w, r, err)
		return
	}
	name := client.DisplayName
	if name == "" {
		name = client.ID
	}
	h.render(w, r, http.StatusOK, "consent", "Authorize application", h.csrfToken(r, sess.ID), consentView{
		ClientName: name,
		Scopes:     scopes,
		Params:     req.Values(),
	})
}

// redirectToLogin returns the browser to this authorization request after login. prompt=login
// is dropped from the return URL so the fresh login satisfies it.
func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request, req *auth.AuthorizationRequest) {
	back := *req
	if back.Prompt == auth.PromptLogin {
		back.Prompt = ""
	}
	http.Redirect(w, r, h.sessions.LoginURL("/authorize?"+back.Values().Encode()), http.StatusFound)
}

// authorizeError redirects errors the client's redirect URI may receive and renders the rest.
func (h *Handler) authorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var redirect *auth.ErrorRedirect
	if errors.As(err, &redirect) {
		h.metrics.RecordError(redirect.Err.Code)
		http.Redirect(w, r, redirect.URL(), http.StatusFound)
		return
	}
	h.renderGatePage(w, r, err)
}

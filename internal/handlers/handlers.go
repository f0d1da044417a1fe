package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"authz-server/internal/auth"
	"authz-server/internal/config"
	"authz-server/internal/gate"
	"authz-server/internal/logging"
	"authz-server/internal/middleware"
	"authz-server/internal/monitoring"
	"authz-server/internal/oidc"
	"authz-server/internal/principal"
	"authz-server/internal/ratelimit"
	"authz-server/internal/security"
	"authz-server/internal/session"
)

type Handler struct {
	cfg        *config.Config
	auth       *auth.Service
	sessions   *session.Manager
	csrf       *security.CSRFManager
	oidc       *oidc.Provider
	identities principal.IdentityProvider
	metrics    *monitoring.Service
	limiter    ratelimit.RateLimiter
}

type Deps struct {
	Auth     *auth.Service
	Sessions *session.Manager
	OIDC     *oidc.Provider
	// Identities backs the development login page; unused when DevLogin is off.
	Identities principal.IdentityProvider
	Metrics    *monitoring.Service
	// Limiter is optional; without it no route is rate limited.
	Limiter ratelimit.RateLimiter
}

func NewHandler(cfg *config.Config, deps Deps) *Handler {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = monitoring.NewService()
	}
	return &Handler{
		cfg:        cfg,
		auth:       deps.Auth,
		sessions:   deps.Sessions,
		csrf:       security.NewCSRFManager(cfg.Security.CSRFSecret, cfg.Security.CSRFTTL),
		oidc:       deps.OIDC,
		identities: deps.Identities,
		metrics:    metrics,
		limiter:    deps.Limiter,
	}
}

// Router builds the full HTTP surface with the shared middleware stack.
func (h *Handler) Router(mw *middleware.Middleware) *mux.Router {
	r := mux.NewRouter()
	r.Use(
		mw.RequestID,
		mw.Logger,
		mw.PanicRecovery,
		mw.SecurityHeaders,
		mw.CORS(h.cfg.Security.AllowedOrigins),
		mw.RequestSizeLimit(h.cfg.Security.MaxRequestSize),
	)
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	g := h.auth.Gate()
	page := func(perm string) mux.MiddlewareFunc { return g.Middleware(perm, h.renderGatePage) }
	api := func(perm string) mux.MiddlewareFunc { return g.Middleware(perm, h.renderGateJSON) }

	r.Handle("/authorize", h.chain(http.HandlerFunc(h.Authorize), h.limit(ratelimit.ByIP("authorize")), page(gate.EndpointAuthorization))).
		Methods(http.MethodGet, http.MethodPost)
	r.Handle("/token", h.chain(http.HandlerFunc(h.Token), h.limit(ratelimit.ByClient("token")), api(gate.EndpointToken))).
		Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/device", h.chain(http.HandlerFunc(h.DeviceAuthorization), h.limit(ratelimit.ByClient("device")), api(gate.EndpointDevice))).
		Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/introspect", h.chain(http.HandlerFunc(h.Introspect), api(gate.EndpointIntrospection))).
		Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/revoke", h.chain(http.HandlerFunc(h.Revoke), api(gate.EndpointRevocation))).
		Methods(http.MethodPost, http.MethodOptions)

	verify := h.limit(ratelimit.ByIP("verify"))
	r.Handle("/verify", h.chain(http.HandlerFunc(h.VerifyPage), verify)).Methods(http.MethodGet)
	r.Handle("/verify/{user_code}", h.chain(http.HandlerFunc(h.VerifyPage), verify)).Methods(http.MethodGet)
	r.Handle("/verify", h.chain(http.HandlerFunc(h.VerifySubmit), verify)).Methods(http.MethodPost)

	r.HandleFunc("/logout", h.LogoutPage).Methods(http.MethodGet)
	r.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)

	if h.cfg.Session.DevLogin {
		login := h.limit(ratelimit.ByIP("login"))
		r.Handle("/login", h.chain(http.HandlerFunc(h.LoginPage), login)).Methods(http.MethodGet)
		r.Handle("/login", h.chain(http.HandlerFunc(h.Login), login)).Methods(http.MethodPost)
	}

	r.HandleFunc("/.well-known/openid-configuration", h.Discovery).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/.well-known/jwks.json", h.JWKS).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/health", h.metrics.ServeHealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.ServeMetrics()).Methods(http.MethodGet)
}

// chain applies middlewares so the first listed runs first.
func (h *Handler) chain(final http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}
	return final
}

func (h *Handler) limit(key ratelimit.KeyFunc) func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(h.limiter, key)
}

// clientCredentials reads client_secret_basic or client_secret_post credentials. Using
// both at once is rejected.
func clientCredentials(r *http.Request) (auth.ClientCredentials, error) {
	formID := r.PostFormValue("client_id")
	formSecret := r.PostFormValue("client_secret")

	user, pass, ok := r.BasicAuth()
	if !ok {
		return auth.ClientCredentials{ClientID: formID, ClientSecret: formSecret}, nil
	}
	id, err := url.QueryUnescape(user)
	if err != nil {
		return auth.ClientCredentials{}, auth.InvalidClient("malformed basic credentials")
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return auth.ClientCredentials{}, auth.InvalidClient("malformed basic credentials")
	}
	if formSecret != "" {
		return auth.ClientCredentials{}, auth.InvalidRequest("use only one client authentication method")
	}
	if formID != "" && formID != id {
		return auth.ClientCredentials{}, auth.InvalidRequest("client_id does not match the authenticated client")
	}
	return auth.ClientCredentials{ClientID: id, ClientSecret: secret}, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as an OAuth JSON error. invalid_client answers a Basic auth
// attempt with a Basic challenge.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oe := auth.AsError(err)
	h.metrics.RecordError(oe.Code)
	if oe.Status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).Error("Request failed")
	}
	if oe.Code == "invalid_client" {
		if _, _, ok := r.BasicAuth(); ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="authz-server"`)
		}
	}
	status := oe.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, oe)
}

func (h *Handler) renderGateJSON(w http.ResponseWriter, r *http.Request, err error) {
	h.writeError(w, r, err)
}

func (h *Handler) renderGatePage(w http.ResponseWriter, r *http.Request, err error) {
	oe := auth.AsError(err)
	h.metrics.RecordError(oe.Code)
	h.renderMessage(w, r, pageStatus(oe), "Request rejected", oe.Code+": "+oe.Description)
}

// pageStatus maps an OAuth error to the status of an HTML error page.
func pageStatus(oe *auth.Error) int {
	if oe.Status >= http.StatusInternalServerError {
		return oe.Status
	}
	return http.StatusBadRequest
}

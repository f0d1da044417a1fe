package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"authz-server/internal/audit"
	"authz-server/internal/auth"
	"authz-server/internal/config"
	"authz-server/internal/logging"
	"authz-server/internal/middleware"
	"authz-server/internal/monitoring"
	"authz-server/internal/oidc"
	"authz-server/internal/principal"
	"authz-server/internal/ratelimit"
	"authz-server/internal/registry"
	"authz-server/internal/session"
	"authz-server/internal/store"
	"authz-server/pkg/crypto"
	jwtpkg "authz-server/pkg/jwt"
)

const spaRedirect = "https://spa.example.com/callback"

var csrfField = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

func secretHash(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func testRegistry(t *testing.T) *registry.FileRegistry {
	t.Helper()
	doc := fmt.Sprintf(`
clients:
  - id: spa
    display_name: Orders SPA
    type: public
    consent_type: permanent
    redirect_uris: [%[1]s]
    post_logout_redirect_uris: [https://spa.example.com/bye]
    permissions: [ept:authorization, ept:token, ept:revocation, ept:logout, gt:authorization_code, gt:refresh_token, rst:code, scp:api]
  - id: tv
    type: public
    permissions: [ept:device, ept:token, "gt:urn:ietf:params:oauth:grant-type:device_code", scp:api]
  - id: backend
    type: confidential
    secret_hash: %[2]q
    permissions: [ept:token, gt:client_credentials, scp:api]
  - id: batch
    type: confidential
    secret_hash: %[2]q
    permissions: [ept:token, gt:authorization_code]
  - id: orders-api
    type: confidential
    secret_hash: %[3]q
    permissions: [ept:introspection]
scopes:
  - name: api
    description: Read and write your orders
    resources: [orders-api]
`, spaRedirect, secretHash(t, "backend-secret"), secretHash(t, "orders-secret"))
	reg, err := registry.Parse([]byte(doc))
	require.NoError(t, err)
	return reg
}

type testServer struct {
	t       *testing.T
	srv     *httptest.Server
	client  *http.Client
	audit   *audit.Recorder
	metrics *monitoring.Service
}

func newTestServer(t *testing.T, limiter ratelimit.RateLimiter) *testServer {
	t.Helper()
	cfg := config.LoadTestConfig()
	reg := testRegistry(t)
	dir := principal.NewStaticDirectory(
		&principal.Identity{Subject: "alice", Name: "Alice", Email: "alice@example.com", EmailVerified: true},
	)
	tokens := jwtpkg.NewManager(cfg.Auth.Issuer, cfg.Auth.JWTSecret)
	metrics := monitoring.NewService()
	recorder := &audit.Recorder{}

	svc := auth.NewService(cfg, auth.Deps{
		Registry:   reg,
		Store:      store.NewMemoryStore(),
		Tokens:     tokens,
		Principals: principal.NewAssembler(dir, reg),
		Audit:      recorder,
		Metrics:    metrics,
	})
	h := NewHandler(cfg, Deps{
		Auth:       svc,
		Sessions:   session.NewManager(cfg.Session),
		OIDC:       oidc.NewProvider(cfg, tokens, nil, reg),
		Identities: dir,
		Metrics:    metrics,
		Limiter:    limiter,
	})
	srv := httptest.NewServer(h.Router(middleware.NewMiddleware(logging.Nop(), metrics)))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testServer{
		t:   t,
		srv: srv,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		audit:   recorder,
		metrics: metrics,
	}
}

func (s *testServer) do(req *http.Request) (*http.Response, string) {
	s.t.Helper()
	resp, err := s.client.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	return resp, string(body)
}

func (s *testServer) get(path string) (*http.Response, string) {
	s.t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+path, nil)
	require.NoError(s.t, err)
	return s.do(req)
}

func (s *testServer) post(path string, form url.Values, basic ...string) (*http.Response, string) {
	s.t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if len(basic) == 2 {
		req.SetBasicAuth(basic[0], basic[1])
	}
	return s.do(req)
}

func (s *testServer) login(subject string) {
	s.t.Helper()
	resp, body := s.get("/login?return_to=/")
	require.Equal(s.t, http.StatusOK, resp.StatusCode)
	resp, _ = s.post("/login", url.Values{
		"subject":    {subject},
		"return_to":  {"/"},
		"csrf_token": {csrfFrom(s.t, body)},
	})
	require.Equal(s.t, http.StatusFound, resp.StatusCode)
}

func csrfFrom(t *testing.T, body string) string {
	t.Helper()
	m := csrfField.FindStringSubmatch(body)
	require.Len(t, m, 2, "page has no csrf token")
	return m[1]
}

func decode(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &out), body)
	return out
}

func spaParams(t *testing.T) (url.Values, string) {
	t.Helper()
	verifier, err := crypto.GenerateCodeVerifier()
	require.NoError(t, err)
	challenge, err := crypto.CodeChallenge(verifier, crypto.MethodS256)
	require.NoError(t, err)
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {"spa"},
		"redirect_uri":          {spaRedirect},
		"scope":                 {"openid api offline_access"},
		"state":                 {"xyz"},
		"nonce":                 {"n-1"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}, verifier
}

func codeFrom(t *testing.T, resp *http.Response) string {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc.String(), spaRedirect), loc.String())
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Equal(t, "http://localhost:18080", loc.Query().Get("iss"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code, loc.String())
	return code
}

func TestAuthorizationCodeFlow(t *testing.T) {
	s := newTestServer(t, nil)
	params, verifier := spaParams(t)

	resp, _ := s.get("/authorize?" + params.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/login?return_to="))

	s.login("alice")

	resp, body := s.get("/authorize?" + params.Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Orders SPA")
	assert.Contains(t, body, "Read and write your orders")
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "'nonce-")

	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("csrf_token", csrfFrom(t, body))
	form.Set("submit", "allow")
	form["granted_scopes"] = []string{"openid", "api", "offline_access"}
	resp, _ = s.post("/authorize", form)
	code := codeFrom(t, resp)

	exchange := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"spa"},
		"code":          {code},
		"redirect_uri":  {spaRedirect},
		"code_verifier": {verifier},
	}
	resp, body = s.post("/token", exchange)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	tokens := decode(t, body)
	assert.Equal(t, "Bearer", tokens["token_type"])
	assert.NotEmpty(t, tokens["id_token"])
	assert.NotEmpty(t, tokens["refresh_token"])

	resp, body = s.post("/introspect", url.Values{"token": {tokens["access_token"].(string)}}, "orders-api", "orders-secret")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	info := decode(t, body)
	assert.Equal(t, true, info["active"])
	assert.Equal(t, "alice", info["sub"])
	assert.Contains(t, info["aud"], "orders-api")

	resp, body = s.post("/token", exchange)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decode(t, body)["error"])

	// Consent is remembered for a permanent client.
	params, _ = spaParams(t)
	resp, _ = s.get("/authorize?" + params.Encode())
	codeFrom(t, resp)
}

func TestAuthorizeDenyAndCSRF(t *testing.T) {
	s := newTestServer(t, nil)
	s.login("alice")
	params, _ := spaParams(t)

	_, body := s.get("/authorize?" + params.Encode())
	token := csrfFrom(t, body)

	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("submit", "allow")
	resp, _ := s.post("/authorize", form)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	form.Set("csrf_token", token)
	form.Set("submit", "deny")
	resp, _ = s.post("/authorize", form)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Contains(t, s.audit.Types(), audit.ConsentDenied)
}

func TestAuthorizeErrors(t *testing.T) {
	s := newTestServer(t, nil)
	params, _ := spaParams(t)

	bad := url.Values{}
	for k, v := range params {
		bad[k] = v
	}
	bad.Set("redirect_uri", "https://evil.example.com/cb")
	resp, body := s.get("/authorize?" + bad.Encode())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
	assert.Contains(t, body, "invalid_request")

	unknown := url.Values{"client_id": {"nobody"}, "redirect_uri": {spaRedirect}, "response_type": {"code"}}
	resp, _ = s.get("/authorize?" + unknown.Encode())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))

	params.Set("prompt", "none")
	resp, _ = s.get("/authorize?" + params.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "login_required", loc.Query().Get("error"))

	s.login("alice")
	resp, _ = s.get("/authorize?" + params.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err = url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "consent_required", loc.Query().Get("error"))
}

func TestPromptLoginDropsPromptFromReturnURL(t *testing.T) {
	s := newTestServer(t, nil)
	s.login("alice")
	params, _ := spaParams(t)
	params.Set("prompt", "login")

	resp, _ := s.get("/authorize?" + params.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	back, err := url.Parse(loc.Query().Get("return_to"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", back.Path)
	assert.Empty(t, back.Query().Get("prompt"))
	assert.Equal(t, "spa", back.Query().Get("client_id"))
}

func TestDeviceFlow(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.post("/device", url.Values{"client_id": {"tv"}, "scope": {"api"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	started := decode(t, body)
	deviceCode := started["device_code"].(string)
	userCode := started["user_code"].(string)
	assert.Regexp(t, `^[BCDFGHJKLMNPQRSTVWXZ]{4}-[BCDFGHJKLMNPQRSTVWXZ]{4}$`, userCode)
	assert.Contains(t, started["verification_uri_complete"], url.QueryEscape(userCode))

	poll := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":   {"tv"},
		"device_code": {deviceCode},
	}
	resp, body = s.post("/token", poll)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "authorization_pending", decode(t, body)["error"])

	resp, _ = s.get("/verify/" + userCode)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/login?return_to="))

	s.login("alice")
	resp, body = s.get("/verify/" + strings.ToLower(userCode))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, userCode)
	token := csrfFrom(t, body)

	approve := url.Values{"user_code": {userCode}, "action": {"allow"}, "csrf_token": {token}}
	resp, body = s.post("/verify", approve)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Device connected")

	resp, body = s.post("/verify", approve)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, auth.ErrUserCodeResolved.Error())

	resp, body = s.post("/token", poll)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.NotEmpty(t, decode(t, body)["access_token"])

	resp, body = s.post("/token", poll)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decode(t, body)["error"])
}

func TestVerifyUnknownCode(t *testing.T) {
	s := newTestServer(t, nil)
	s.login("alice")

	resp, body := s.get("/verify?user_code=BBBB-BBBB")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, auth.ErrUnknownUserCode.Error())

	resp, body = s.get("/verify")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `name="user_code"`)
}

func TestClientCredentials(t *testing.T) {
	s := newTestServer(t, nil)
	form := url.Values{"grant_type": {"client_credentials"}}

	resp, body := s.post("/token", form, "backend", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
	assert.Equal(t, "invalid_client", decode(t, body)["error"])

	resp, body = s.post("/token", form, "backend", "backend-secret")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	tokens := decode(t, body)
	assert.Equal(t, "api", tokens["scope"])
	assert.Nil(t, tokens["refresh_token"])

	resp, body = s.post("/token", form, "batch", "backend-secret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unauthorized_client", decode(t, body)["error"])

	resp, body = s.post("/token", url.Values{"grant_type": {"password"}}, "backend", "backend-secret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_grant_type", decode(t, body)["error"])

	both := url.Values{"grant_type": {"client_credentials"}, "client_secret": {"backend-secret"}}
	resp, body = s.post("/token", both, "backend", "backend-secret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decode(t, body)["error"])
}

func TestGateRejectsUnknownClientAsJSON(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.post("/token", url.Values{"grant_type": {"client_credentials"}, "client_id": {"ghost"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "invalid_client", decode(t, body)["error"])

	resp, body = s.post("/introspect", url.Values{"token": {"x"}}, "backend", "backend-secret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unauthorized_client", decode(t, body)["error"])
}

func TestRevokeRefreshToken(t *testing.T) {
	s := newTestServer(t, nil)
	s.login("alice")
	params, verifier := spaParams(t)

	_, body := s.get("/authorize?" + params.Encode())
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("csrf_token", csrfFrom(t, body))
	form.Set("submit", "allow")
	form["granted_scopes"] = []string{"openid", "api", "offline_access"}
	resp, _ := s.post("/authorize", form)
	code := codeFrom(t, resp)

	_, body = s.post("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"spa"},
		"code":          {code},
		"redirect_uri":  {spaRedirect},
		"code_verifier": {verifier},
	})
	refresh := decode(t, body)["refresh_token"].(string)

	resp, body = s.post("/revoke", url.Values{"client_id": {"spa"}, "token": {refresh}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)

	resp, _ = s.post("/revoke", url.Values{"client_id": {"spa"}, "token": {"never-issued"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.post("/token", url.Values{"grant_type": {"refresh_token"}, "client_id": {"spa"}, "refresh_token": {refresh}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decode(t, body)["error"])
}

func TestLogout(t *testing.T) {
	s := newTestServer(t, nil)
	s.login("alice")

	q := url.Values{
		"client_id":                {"spa"},
		"post_logout_redirect_uri": {"https://spa.example.com/bye"},
		"state":                    {"s1"},
	}
	resp, body := s.get("/logout?" + q.Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Orders SPA")

	form := url.Values{}
	for k, v := range q {
		form[k] = v
	}
	form.Set("csrf_token", csrfFrom(t, body))
	resp, _ = s.post("/logout", form)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://spa.example.com/bye?state=s1", resp.Header.Get("Location"))
	assert.Contains(t, s.audit.Types(), audit.Logout)

	// The session is gone, so authorize asks for a login again.
	params, _ := spaParams(t)
	resp, _ = s.get("/authorize?" + params.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/login"))

	// An unregistered redirect is never followed.
	q.Set("post_logout_redirect_uri", "https://evil.example.com/")
	resp, body = s.get("/logout?" + q.Encode())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "You have been signed out.")
}

func TestLogoutWithoutCSRFStillSignsOut(t *testing.T) {
	s := newTestServer(t, nil)
	s.login("alice")

	resp, body := s.post("/logout", url.Values{
		"client_id":                {"spa"},
		"post_logout_redirect_uri": {"https://spa.example.com/bye"},
		"csrf_token":               {"forged"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"), "a forged form never redirects")
	assert.Contains(t, body, "You have been signed out.")
	assert.Contains(t, s.audit.Types(), audit.Logout)

	params, _ := spaParams(t)
	resp, _ = s.get("/authorize?" + params.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/login"))
}

func TestLoginRejectsUnknownSubject(t *testing.T) {
	s := newTestServer(t, nil)
	_, body := s.get("/login?return_to=https://evil.example.com/")
	assert.Contains(t, body, `name="return_to" value="/"`)

	resp, body := s.post("/login", url.Values{"subject": {"mallory"}, "csrf_token": {csrfFrom(t, body)}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "Unknown subject.")
}

func TestWellKnown(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.get("/.well-known/openid-configuration")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decode(t, body)
	assert.Equal(t, "http://localhost:18080", doc["issuer"])
	assert.Contains(t, doc["scopes_supported"], "api")
	assert.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))

	resp, body = s.get("/.well-known/jwks.json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"keys":[]}`, body)

	resp, _ = s.get("/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = s.get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "authz_http_requests_total")
}

func TestTokenEndpointRateLimitedPerClient(t *testing.T) {
	limiter := ratelimit.NewMemoryRateLimiter(&ratelimit.Config{MaxRequests: 2, Window: time.Minute})
	t.Cleanup(func() { limiter.Close() })
	s := newTestServer(t, limiter)
	form := url.Values{"grant_type": {"client_credentials"}}

	for i := 0; i < 2; i++ {
		resp, _ := s.post("/token", form, "backend", "backend-secret")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := s.post("/token", form, "backend", "backend-secret")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "too_many_requests", decode(t, body)["error"])

	resp, _ = s.post("/token", url.Values{"grant_type": {"client_credentials"}}, "batch", "backend-secret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

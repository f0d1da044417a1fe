// Package session tracks the resource owner's browser login with a signed cookie.
// Establishing the login itself is the job of an external login service.
package session

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authz-server/internal/config"
)

var ErrNoSession = errors.New("no session")

type Session struct {
	ID       string
	Subject  string
	AuthTime time.Time
}

type claims struct {
	AuthTime int64 `json:"auth_time"`
	jwt.RegisteredClaims
}

type Manager struct {
	cfg    config.SessionConfig
	secret []byte
	now    func() time.Time
}

func NewManager(cfg config.SessionConfig) *Manager {
	return &Manager{cfg: cfg, secret: []byte(cfg.Secret), now: time.Now}
}

// Start signs a session for subject and sets it as an HttpOnly cookie.
func (m *Manager) Start(w http.ResponseWriter, subject string) (*Session, error) {
	now := m.now()
	s := &Session{ID: uuid.NewString(), Subject: subject, AuthTime: now}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		AuthTime: now.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    signed,
		Path:     "/",
		Expires:  now.Add(m.cfg.TTL),
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return s, nil
}

// Get returns the session carried by the request, if it is valid.
func (m *Manager) Get(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}
	c := &claims{}
	_, err = jwt.ParseWithClaims(cookie.Value, c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(m.now))
	if err != nil || c.Subject == "" {
		return nil, ErrNoSession
	}
	return &Session{ID: c.ID, Subject: c.Subject, AuthTime: time.Unix(c.AuthTime, 0)}, nil
}

// End clears the cookie. Calling it without a session is harmless.
func (m *Manager) End(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// LoginURL points at the login service with return_to set to the original request.
func (m *Manager) LoginURL(returnTo string) string {
	u, err := url.Parse(m.cfg.LoginURL)
	if err != nil {
		return m.cfg.LoginURL
	}
	q := u.Query()
	q.Set("return_to", returnTo)
	u.RawQuery = q.Encode()
	return u.String()
}

// RedirectToLogin sends the browser to log in and come back to the current request.
func (m *Manager) RedirectToLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, m.LoginURL(r.URL.RequestURI()), http.StatusFound)
}

// SafeReturnTo only allows local paths, so a login cannot bounce the browser off-site.
func SafeReturnTo(returnTo string) string {
	u, err := url.Parse(returnTo)
	if err != nil || u.IsAbs() || u.Host != "" || len(returnTo) == 0 || returnTo[0] != '/' ||
		(len(returnTo) > 1 && (returnTo[1] == '/' || returnTo[1] == '\\')) {
		return "/"
	}
	return returnTo
}

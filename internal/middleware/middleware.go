package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"authz-server/internal/logging"
	"authz-server/internal/monitoring"
	"authz-server/internal/security"
)

const RequestIDHeader = "X-Request-ID"

type Middleware struct {
	logger  *logging.Logger
	metrics *monitoring.Service
}

func NewMiddleware(logger *logging.Logger, metrics *monitoring.Service) *Middleware {
	if logger == nil {
		logger = logging.Nop()
	}
	if metrics == nil {
		metrics = monitoring.NewService()
	}
	return &Middleware{logger: logger, metrics: metrics}
}

// RequestID tags the request with an id, taken from the caller when it sent a sane one,
// and puts a logger carrying that id into the request context.
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = logging.GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := logging.WithRequestID(r.Context(), id)
		ctx = logging.WithLogger(ctx, m.logger.WithRequestID(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.') {
			return false
		}
	}
	return true
}

// Logger writes one access line per request and records request metrics by route template.
func (m *Middleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.metrics.IncrementActiveRequests()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		m.metrics.DecrementActiveRequests()
		m.metrics.RecordRequest(routeName(r), r.Method, wrapped.statusCode, duration)

		userAgent := strings.NewReplacer("\n", "", "\r", "").Replace(r.Header.Get("User-Agent"))
		if len(userAgent) > 200 {
			userAgent = userAgent[:200]
		}

		log := logging.FromContext(r.Context())
		event := log.InfoEvent()
		if wrapped.statusCode >= 500 {
			event = log.ErrorEvent()
		} else if wrapped.statusCode >= 400 {
			event = log.WarnEvent()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Str("remote_ip", ClientIP(r)).
			Str("user_agent", userAgent).
			Msg("request")
	})
}

// routeName prefers the mux path template so metric labels stay bounded.
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// CORS answers preflights and sets allow headers for listed origins. A "*" entry allows any
// origin without credentials.
func (m *Middleware) CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				switch {
				case allowed[origin]:
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Add("Vary", "Origin")
				case wildcard:
					w.Header().Set("Access-Control-Allow-Origin", "*")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders applies the per-endpoint policy from the security package.
func (m *Middleware) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy := security.GetSecurityPolicy(r.URL.Path)

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", policy.FrameOptions)
		w.Header().Set("Referrer-Policy", security.GetReferrerPolicy())
		w.Header().Set("Permissions-Policy", security.GetPermissionsPolicy())
		w.Header().Set("Content-Security-Policy", policy.CSP)
		w.Header().Set("Cache-Control", policy.CacheControl)
		if strings.HasPrefix(policy.CacheControl, "no-store") {
			w.Header().Set("Pragma", "no-cache")
		}
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) PanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logging.FromContext(r.Context()).ErrorEvent().
					Str("panic", formatPanic(err)).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_ip", ClientIP(r)).
					Msg("Recovered from panic")
				m.metrics.RecordError("server_error")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"server_error","error_description":"internal server error"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func formatPanic(v interface{}) string {
	switch p := v.(type) {
	case error:
		return p.Error()
	case string:
		return p
	}
	return "unknown panic"
}

func (m *Middleware) RequestSizeLimit(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxSize <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxSize {
				http.Error(w, "Request entity too large", http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// ClientIP returns the first forwarded address when it parses, else the peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	if xRealIP := r.Header.Get("X-Real-IP"); xRealIP != "" && net.ParseIP(xRealIP) != nil {
		return xRealIP
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

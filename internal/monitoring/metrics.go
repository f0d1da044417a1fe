// Package monitoring exposes Prometheus metrics and the health endpoint.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authz"

type Service struct {
	registry *prometheus.Registry
	start    time.Time

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	httpInflight       prometheus.Gauge
	tokensIssued       *prometheus.CounterVec
	tokensRevoked      prometheus.Counter
	authorizationCodes prometheus.Counter
	oauthErrors        *prometheus.CounterVec
	devicePolls        *prometheus.CounterVec

	checks map[string]HealthCheck
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

func NewService() *Service {
	s := &Service{
		registry: prometheus.NewRegistry(),
		start:    time.Now(),
		checks:   make(map[string]HealthCheck),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_inflight_requests",
			Help:      "Requests currently being served.",
		}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Access tokens issued by grant type.",
		}, []string{"grant_type"}),
		tokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_revoked_total",
			Help:      "Refresh token lineages revoked.",
		}),
		authorizationCodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_codes_issued_total",
			Help:      "Authorization codes issued.",
		}),
		oauthErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_errors_total",
			Help:      "OAuth error responses by error code.",
		}, []string{"error"}),
		devicePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_polls_total",
			Help:      "Device code polls by outcome.",
		}, []string{"outcome"}),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.httpRequests, s.httpDuration, s.httpInflight,
		s.tokensIssued, s.tokensRevoked, s.authorizationCodes,
		s.oauthErrors, s.devicePolls,
	)
	return s
}

func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Service) IncrementActiveRequests() { s.httpInflight.Inc() }
func (s *Service) DecrementActiveRequests() { s.httpInflight.Dec() }

func (s *Service) RecordRequest(route, method string, status int, duration time.Duration) {
	s.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	s.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

func (s *Service) IncrementTokensIssued(grantType string) {
	s.tokensIssued.WithLabelValues(grantType).Inc()
}

func (s *Service) IncrementTokensRevoked() {
	s.tokensRevoked.Inc()
}

func (s *Service) IncrementAuthorizationCodes() {
	s.authorizationCodes.Inc()
}

func (s *Service) RecordError(code string) {
	s.oauthErrors.WithLabelValues(code).Inc()
}

func (s *Service) RecordDevicePoll(outcome string) {
	s.devicePolls.WithLabelValues(outcome).Inc()
}

// AddHealthCheck registers a dependency probed by the health endpoint.
func (s *Service) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

func (s *Service) ServeMetrics() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

func (s *Service) ServeHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	response := map[string]interface{}{
		"status":       status,
		"timestamp":    time.Now().Unix(),
		"uptime":       time.Since(s.start).Seconds(),
		"dependencies": deps,
	}

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

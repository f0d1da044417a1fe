// Package audit records security relevant protocol events.
package audit

import (
	"context"
	"sync"
	"time"

	"authz-server/internal/logging"
)

const (
	AuthorizationCodeIssued    = "authorization_code.issued"
	AuthorizationCodeReplayed  = "authorization_code.replayed"
	TokenIssued                = "token.issued"
	TokenRevoked               = "token.revoked"
	RefreshTokenReuseDetected  = "refresh_token.reuse_detected"
	DeviceAuthorizationStarted = "device.started"
	DeviceVerified             = "device.verified"
	DeviceDenied               = "device.denied"
	ConsentGranted             = "consent.granted"
	ConsentDenied              = "consent.denied"
	Logout                     = "logout"
)

type Event struct {
	Type     string
	ClientID string
	Subject  string
	Fields   map[string]interface{}
	Time     time.Time
}

// Emitter publishes audit events. Implementations must not block the protocol flow.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// LogEmitter writes events as structured log lines.
type LogEmitter struct {
	logger *logging.Logger
}

func NewLogEmitter(logger *logging.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.WithComponent("audit")}
}

func (l *LogEmitter) Emit(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	ev := l.logger.InfoEvent().
		Str("event", e.Type).
		Str("client_id", e.ClientID).
		Str("request_id", logging.GetRequestID(ctx))
	if e.Subject != "" {
		ev = ev.Str("subject", e.Subject)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("audit")
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}

// Package audit provides the best-effort audit bus (C11): a thin wrapper
// over pkg/pgnotify that emits structured governance events without ever
// blocking or failing the calling operation.
package audit

import (
	"context"
	"time"

	"github.com/cn-equity-research/eventgov/pkg/logger"
	"github.com/cn-equity-research/eventgov/pkg/pgnotify"
)

// DefaultChannel is the well-known pg_notify channel audit events are
// published on when the caller does not override it via config.
const DefaultChannel = "event_governance_audit"

const defaultPublishTimeout = 2 * time.Second

// Bus publishes audit events. A nil Bus is valid and turns Emit into a no-op,
// so services can be constructed without wiring a live listener in tests.
type Bus struct {
	publisher Publisher
	log       *logger.Logger
	channel   string
	timeout   time.Duration
}

// Publisher is the subset of *pgnotify.Bus that Emit depends on.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// New wraps an existing pgnotify.Bus. publisher may be nil. An empty channel
// or non-positive timeout falls back to the package defaults, matching
// internal/config's AuditConfig zero-value behavior.
func New(publisher Publisher, log *logger.Logger, channel string, timeout time.Duration) *Bus {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Bus{publisher: publisher, log: log, channel: channel, timeout: timeout}
}

// Envelope is the fixed JSON shape every audit event carries.
type Envelope struct {
	EventType string      `json:"event_type"`
	Payload   interface{} `json:"payload"`
	EmittedAt time.Time   `json:"emitted_at"`
}

// Emit attempts to publish eventType/payload within a bounded timeout. Any
// failure, including the absence of a live listener, is logged at WARN and
// swallowed: the calling operation has already committed its own mutation by
// the time Emit runs, so audit delivery can never roll it back or block it.
func (b *Bus) Emit(ctx context.Context, eventType string, payload interface{}) {
	if b == nil || b.publisher == nil {
		return
	}

	timeoutCtx, cancel := context.WithTimeout(detach(ctx), b.timeout)
	defer cancel()

	envelope := Envelope{EventType: eventType, Payload: payload, EmittedAt: time.Now().UTC()}
	if err := b.publisher.Publish(timeoutCtx, b.channel, envelope); err != nil {
		b.log.WithError(err).WithField("event_type", eventType).Warn("audit emit failed; dropping event")
	}
}

// detach strips the parent's cancellation/deadline while keeping its values,
// so a caller's own context cancellation (e.g. a cancelled request) cannot
// cut off an audit publish that the governed operation itself already
// committed past.
func detach(parent context.Context) context.Context {
	return detachedContext{parent}
}

type detachedContext struct {
	parent context.Context
}

func (d detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (d detachedContext) Done() <-chan struct{}       { return nil }
func (d detachedContext) Err() error                  { return nil }
func (d detachedContext) Value(key interface{}) interface{} {
	return d.parent.Value(key)
}

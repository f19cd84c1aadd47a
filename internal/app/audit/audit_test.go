package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	channel  string
	payloads []interface{}
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel = channel
	p.payloads = append(p.payloads, payload)
	return p.err
}

func TestEmitPublishesEnvelopeOnChannel(t *testing.T) {
	pub := &recordingPublisher{}
	bus := New(pub, nil, "", 0)

	bus.Emit(context.Background(), "event_connector_sla_recovery", map[string]any{"connector_name": "cninfo-anns"})

	require.Equal(t, DefaultChannel, pub.channel)
	require.Len(t, pub.payloads, 1)
	env, ok := pub.payloads[0].(Envelope)
	require.True(t, ok)
	require.Equal(t, "event_connector_sla_recovery", env.EventType)
	require.False(t, env.EmittedAt.IsZero())
}

func TestEmitSwallowsPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("no listener")}
	bus := New(pub, nil, "", 0)

	require.NotPanics(t, func() {
		bus.Emit(context.Background(), "event_connector_sla_recovery", map[string]any{})
	})
}

func TestEmitOnNilBusIsNoop(t *testing.T) {
	var bus *Bus
	require.NotPanics(t, func() {
		bus.Emit(context.Background(), "event_connector_sla_recovery", map[string]any{})
	})
}

func TestEmitOnUnwiredBusIsNoop(t *testing.T) {
	bus := New(nil, nil, "", 0)
	require.NotPanics(t, func() {
		bus.Emit(context.Background(), "event_connector_sla_recovery", map[string]any{})
	})
}

func TestEmitSurvivesAlreadyCancelledContext(t *testing.T) {
	pub := &recordingPublisher{}
	bus := New(pub, nil, "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bus.Emit(ctx, "event_connector_sla_recovery", map[string]any{})
	require.Len(t, pub.payloads, 1)
}

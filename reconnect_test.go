package liveq

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestReconnectBackoff(t *testing.T) {
	settings := &ReconnectSettings{
		MinTimeout:       100 * time.Millisecond,
		MaxTimeout:       15 * time.Second,
		StabilityTimeout: 30 * time.Second,
	}
	reconnect := NewReconnect(settings)

	assertTimeoutNear := func(expected time.Duration) {
		timeout := reconnect.NextTimeout()
		assert.Equal(t, expected/2 <= timeout, true)
		assert.Equal(t, timeout <= expected, true)
	}

	reconnect.Disconnected()
	assertTimeoutNear(100 * time.Millisecond)

	reconnect.Disconnected()
	assertTimeoutNear(200 * time.Millisecond)

	reconnect.Disconnected()
	assertTimeoutNear(400 * time.Millisecond)

	// doubling caps at the max
	for i := 0; i < 16; i++ {
		reconnect.Disconnected()
	}
	assertTimeoutNear(15 * time.Second)
}

func TestReconnectStabilityReset(t *testing.T) {
	settings := &ReconnectSettings{
		MinTimeout:       100 * time.Millisecond,
		MaxTimeout:       15 * time.Second,
		StabilityTimeout: 30 * time.Second,
	}
	reconnect := NewReconnect(settings)

	for i := 0; i < 8; i++ {
		reconnect.Disconnected()
	}
	assert.Equal(t, 1*time.Second <= reconnect.NextTimeout(), true)

	// a short-lived connection does not reset the backoff
	reconnect.Connected()
	reconnect.Disconnected()
	assert.Equal(t, 1*time.Second <= reconnect.NextTimeout(), true)

	// a connection that stayed up past the stability window does
	reconnect.Connected()
	reconnect.connectedTime = time.Now().Add(-settings.StabilityTimeout)
	reconnect.Disconnected()

	timeout := reconnect.NextTimeout()
	assert.Equal(t, timeout <= 100*time.Millisecond, true)
}

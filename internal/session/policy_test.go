package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gowa-connect/internal/transport"
)

func TestDecideBackoffDoublesUpToCap(t *testing.T) {
	policy := DefaultReconnectionPolicy()
	transient := transport.DisconnectEvent{Code: 500}

	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second, // 80s would exceed the cap
	}

	for i, want := range expected {
		d := policy.Decide(i, transient)
		assert.True(t, d.ShouldRetry, "retry %d should be allowed", i)
		assert.Equal(t, want, d.Delay, "retry %d delay", i)
	}
}

func TestDecideStopsAfterMaxRetries(t *testing.T) {
	policy := ReconnectionPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		MaxRetries: 3,
	}
	transient := transport.DisconnectEvent{Code: 500}

	assert.True(t, policy.Decide(2, transient).ShouldRetry)
	assert.False(t, policy.Decide(3, transient).ShouldRetry)
	assert.False(t, policy.Decide(10, transient).ShouldRetry)
}

func TestDecideNeverRetriesPermanent(t *testing.T) {
	policy := DefaultReconnectionPolicy()

	d := policy.Decide(0, transport.DisconnectEvent{Code: 401, IsPermanent: true})
	assert.False(t, d.ShouldRetry)
	assert.Zero(t, d.Delay)

	d = policy.Decide(0, transport.DisconnectEvent{Code: 401, IsDeviceRemoved: true, IsPermanent: true})
	assert.False(t, d.ShouldRetry)
}

func TestDecideCapsOverflowedShift(t *testing.T) {
	policy := ReconnectionPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		MaxRetries: 100,
	}

	// shifting far enough to overflow still lands on the cap
	d := policy.Decide(70, transport.DisconnectEvent{Code: 500})
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, 30*time.Second, d.Delay)
}

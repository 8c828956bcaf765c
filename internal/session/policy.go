package session

import (
	"time"

	"gowa-connect/internal/transport"
)

// ReconnectDecision is the outcome of one policy evaluation.
type ReconnectDecision struct {
	ShouldRetry bool
	Delay       time.Duration
}

// ReconnectionPolicy decides whether and when to retry after a disconnect.
// Pure: no clock, no side effects.
type ReconnectionPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

func DefaultReconnectionPolicy() ReconnectionPolicy {
	return ReconnectionPolicy{
		BaseDelay:  5 * time.Second,
		MaxDelay:   60 * time.Second,
		MaxRetries: 5,
	}
}

// Decide evaluates a disconnect given the number of retries already spent.
// Permanent disconnects and device removal never retry; a manual Connect
// resets the budget.
func (p ReconnectionPolicy) Decide(retryCount int, evt transport.DisconnectEvent) ReconnectDecision {
	if evt.IsPermanent || evt.IsDeviceRemoved {
		return ReconnectDecision{}
	}
	if retryCount >= p.MaxRetries {
		return ReconnectDecision{}
	}

	delay := p.BaseDelay << uint(retryCount)
	if delay <= 0 || delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return ReconnectDecision{ShouldRetry: true, Delay: delay}
}

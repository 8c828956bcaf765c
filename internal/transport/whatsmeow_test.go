package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitAfterTeardownIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &meowHandle{
		sessionID: "alpha",
		out:       make(chan Event, 4),
		ctx:       ctx,
		cancel:    cancel,
	}

	// same state Close leaves behind: context cancelled, channel still open.
	// whatsmeow callbacks can fire after Disconnect; a late emit must be a
	// silent drop, never a panic.
	cancel()

	assert.NotPanics(t, func() {
		for i := 0; i < 10; i++ {
			h.emit(Event{Type: EventOpen})
		}
	})

	select {
	case evt := <-h.out:
		t.Fatalf("unexpected event after teardown: %s", evt.Type)
	default:
	}
}

func TestEmitDropsWhenBufferFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &meowHandle{
		sessionID: "alpha",
		out:       make(chan Event, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	assert.NotPanics(t, func() {
		h.emit(Event{Type: EventOpen})
		h.emit(Event{Type: EventChallenge, Challenge: "QR"}) // buffer full, dropped
	})

	evt := <-h.out
	assert.Equal(t, EventOpen, evt.Type)
	select {
	case <-h.out:
		t.Fatal("second event should have been dropped")
	default:
	}
}

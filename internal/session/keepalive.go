package session

import (
	"context"
	"log"
	"sync"
	"time"

	"gowa-connect/internal/transport"
)

// KeepAlive runs one liveness probe timer per connected session. A probe
// failure self-cancels the timer instead of erroring anyone; the drop is
// observed via the next Status call or the transport close event.
type KeepAlive struct {
	interval time.Duration

	mu     sync.Mutex
	timers map[string]chan struct{}
}

func NewKeepAlive(interval time.Duration) *KeepAlive {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &KeepAlive{
		interval: interval,
		timers:   make(map[string]chan struct{}),
	}
}

// Start is idempotent: a second Start for a live session is a no-op, so the
// status drift write-back can call it safely.
func (k *KeepAlive) Start(id string, handle transport.Handle) {
	k.mu.Lock()
	if _, ok := k.timers[id]; ok {
		k.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	k.timers[id] = stop
	k.mu.Unlock()

	go k.run(id, handle, stop)
}

func (k *KeepAlive) run(id string, handle transport.Handle, stop chan struct{}) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !handle.IsOpen() {
				log.Println("⏹ Stopping keepalive, transport closed:", id)
				k.remove(id, stop)
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := handle.Ping(ctx)
			cancel()
			if err != nil {
				log.Printf("⚠ Keepalive probe failed for %s: %v", id, err)
				k.remove(id, stop)
				return
			}
		}
	}
}

// remove drops the timer only if stop is still the registered one; Stop may
// have already replaced state under us.
func (k *KeepAlive) remove(id string, stop chan struct{}) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if cur, ok := k.timers[id]; ok && cur == stop {
		delete(k.timers, id)
	}
}

// Stop cancels the session's timer synchronously. Safe to call twice.
func (k *KeepAlive) Stop(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if stop, ok := k.timers[id]; ok {
		close(stop)
		delete(k.timers, id)
	}
}

func (k *KeepAlive) Active(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, ok := k.timers[id]
	return ok
}

func (k *KeepAlive) ActiveIDs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	ids := make([]string, 0, len(k.timers))
	for id := range k.timers {
		ids = append(ids, id)
	}
	return ids
}

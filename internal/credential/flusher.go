package credential

import (
	"log"
	"sync"
	"time"
)

// Flusher owns the per-session flush timers. Event-driven saves go through
// Note; the timer re-saves the last known credential as a defensive flush
// against missed events. StopFlush HARUS dipanggil setiap session keluar dari
// registry — timer yang tertinggal adalah leak utama yang dijaga desain ini.
type Flusher struct {
	store    Store
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*flushEntry
}

type flushEntry struct {
	stop   chan struct{}
	latest *Credential
}

func NewFlusher(store Store, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Flusher{
		store:    store,
		interval: interval,
		entries:  make(map[string]*flushEntry),
	}
}

// Note records fresh credential material and saves it immediately. A failed
// save is logged only; the periodic flush retries it. Ids without a flush
// entry are dropped: the session was already released, and a late save would
// resurrect a credential that Disconnect just deleted.
func (f *Flusher) Note(id string, cred *Credential) {
	f.mu.Lock()
	entry, ok := f.entries[id]
	if ok {
		entry.latest = cred
	}
	f.mu.Unlock()

	if !ok {
		log.Println("⚠ Dropping credential update for released session:", id)
		return
	}

	if err := f.store.Save(id, cred); err != nil {
		log.Printf("⚠ Credential save failed for %s (will retry on flush): %v", id, err)
	}
}

// StartFlush is idempotent; a second call for a live session is a no-op.
func (f *Flusher) StartFlush(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[id]; ok {
		return
	}
	entry := &flushEntry{stop: make(chan struct{})}
	f.entries[id] = entry

	go f.run(id, entry)
}

func (f *Flusher) run(id string, entry *flushEntry) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-entry.stop:
			return
		case <-ticker.C:
			f.mu.Lock()
			latest := entry.latest
			f.mu.Unlock()

			if latest == nil {
				continue
			}
			if err := f.store.Save(id, latest); err != nil {
				log.Printf("⚠ Periodic credential flush failed for %s: %v", id, err)
			}
		}
	}
}

// Discard forgets the in-memory credential without stopping the timer. Used
// when the remote side wipes auth state but the session stays registered.
func (f *Flusher) Discard(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if entry, ok := f.entries[id]; ok {
		entry.latest = nil
	}
}

// StopFlush cancels the timer synchronously. Safe to call twice.
func (f *Flusher) StopFlush(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if entry, ok := f.entries[id]; ok {
		close(entry.stop)
		delete(f.entries, id)
	}
}

// Active reports whether a flush timer exists for the session.
func (f *Flusher) Active(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.entries[id]
	return ok
}

// ActiveIDs snapshots the timer set (cleanup sweep, tests).
func (f *Flusher) ActiveIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.entries))
	for id := range f.entries {
		ids = append(ids, id)
	}
	return ids
}

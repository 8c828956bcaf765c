package credential

import (
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("credential not found")

// Credential is the opaque auth material for one session. Blob is whatever
// the transport handed us on creds update; HasStateKey marks that the blob
// is complete enough for a challenge-free reconnect.
type Credential struct {
	SessionID   string
	Blob        []byte
	HasStateKey bool
	UpdatedAt   time.Time
}

type Store interface {
	Load(id string) (*Credential, error)
	// Save is an idempotent upsert.
	Save(id string, cred *Credential) error
	Delete(id string) error
	// List returns every session id with a stored credential (restore on boot).
	List() ([]string, error)
}

// MemoryStore adalah Store in-memory, dipakai di test dan sebagai fallback
// kalau tidak ada database credential terpisah.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*Credential)}
}

func (s *MemoryStore) Load(id string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (s *MemoryStore) Save(id string, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cred
	cp.SessionID = id
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.creds[id] = &cp
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, id)
	return nil
}

func (s *MemoryStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.creds))
	for id := range s.creds {
		ids = append(ids, id)
	}
	return ids, nil
}

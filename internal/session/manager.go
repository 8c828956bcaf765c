package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gowa-connect/internal/credential"
	"gowa-connect/internal/transport"
)

// Sink receives session lifecycle notifications (websocket hub, webhook).
type Sink interface {
	OnSessionStatusChanged(sessionID string, state State, challenge string)
	// OnQRChallengeExpired fires when a pending QR outlives its TTL.
	OnQRChallengeExpired(sessionID string)
}

// HistoryConsumer is the slice of the history pipeline the manager drives.
type HistoryConsumer interface {
	ProcessBatch(ctx context.Context, sessionID string, batch transport.HistoryBatch) error
	ProcessLive(sessionID string, msgs []transport.Message)
	UpsertContacts(sessionID string, contacts []transport.Contact)
	Forget(sessionID string)
}

// Config holds the manager tunables; main fills it from env.
type Config struct {
	MaxSessions       int
	ConnectTimeout    time.Duration
	PairingTimeout    time.Duration
	ChallengeTTL      time.Duration
	KeepAliveInterval time.Duration
	FlushInterval     time.Duration
	Policy            ReconnectionPolicy
}

func DefaultConfig() Config {
	return Config{
		MaxSessions:       50,
		ConnectTimeout:    15 * time.Second,
		PairingTimeout:    30 * time.Second,
		ChallengeTTL:      5 * time.Minute,
		KeepAliveInterval: 15 * time.Second,
		FlushInterval:     60 * time.Second,
		Policy:            DefaultReconnectionPolicy(),
	}
}

// ConnectResult is what a Connect caller gets back: either an auth challenge
// to present, or confirmation the session is (already) authenticated.
type ConnectResult struct {
	State              State  `json:"state"`
	NeedsAuthChallenge bool   `json:"needsAuthChallenge"`
	Challenge          string `json:"challenge,omitempty"`
}

// StatusInfo is the Status() payload. RealIsActive is the transport's live
// observation, distinct from the recorded state, so callers can detect drift.
type StatusInfo struct {
	SessionID    string `json:"sessionId"`
	State        State  `json:"state"`
	RealIsActive bool   `json:"realIsActive"`
	RetryCount   int    `json:"retryCount"`
	Challenge    string `json:"challenge,omitempty"`
}

// Manager adalah registry top-level semua session. Map registry adalah
// satu-satunya state yang dishare lintas session.
type Manager struct {
	cfg       Config
	transport transport.Transport
	creds     credential.Store
	flusher   *credential.Flusher
	keepalive *KeepAlive
	history   HistoryConsumer
	sink      Sink

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(cfg Config, tr transport.Transport, creds credential.Store, history HistoryConsumer, sink Sink) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultConfig().MaxSessions
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = DefaultConfig().PairingTimeout
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultConfig().ChallengeTTL
	}
	if cfg.Policy.MaxRetries == 0 {
		cfg.Policy = DefaultReconnectionPolicy()
	}

	return &Manager{
		cfg:       cfg,
		transport: tr,
		creds:     creds,
		flusher:   credential.NewFlusher(creds, cfg.FlushInterval),
		keepalive: NewKeepAlive(cfg.KeepAliveInterval),
		history:   history,
		sink:      sink,
		sessions:  make(map[string]*Session),
	}
}

// NewSessionID generates a fresh session id.
func NewSessionID() string {
	return uuid.NewString()
}

// CreateSession registers a new session in DISCONNECTED state and allocates
// its credential flush slot. At capacity it first tries to evict the oldest
// inactive session.
func (m *Manager) CreateSession(id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyExists
	}

	var evicted *Session
	if len(m.sessions) >= m.cfg.MaxSessions {
		evicted = m.evictOldestInactiveLocked()
		if evicted == nil {
			m.mu.Unlock()
			return nil, ErrCapacityExceeded
		}
	}

	s := newSession(id)
	m.sessions[id] = s
	m.mu.Unlock()

	if evicted != nil {
		m.releaseResources(evicted)
		log.Println("⚠ Evicted oldest inactive session:", evicted.ID)
	}

	m.flusher.StartFlush(id)
	return s, nil
}

// Get looks a session up.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Len returns the registry size.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions snapshots the registry (cross-session iteration never holds the
// lock while touching a session).
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Connect drives the session towards CONNECTED and blocks until a challenge,
// an open event, or the connect timeout. forceReset discards the stored
// credential first so the transport issues a fresh QR.
func (m *Manager) Connect(ctx context.Context, id string, forceReset bool) (*ConnectResult, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.resetRetries() // manual connect restarts the retry budget
	return m.connect(ctx, s, forceReset, true)
}

// connect is the shared dial path for manual connects and policy retries.
// Caller holds s.opMu.
func (m *Manager) connect(ctx context.Context, s *Session, forceReset, waitChallenge bool) (*ConnectResult, error) {
	// forceReset bypasses the short-circuit: a live session still gets torn
	// down and redialed with a fresh auth challenge.
	if !forceReset && s.State() == StateConnected && s.handleOpen() {
		return &ConnectResult{State: StateConnected}, nil
	}

	var blob []byte
	if forceReset {
		m.flusher.Discard(s.ID)
		if err := m.creds.Delete(s.ID); err != nil {
			log.Printf("⚠ Failed to discard credential for %s: %v", s.ID, err)
		}
	} else {
		cred, err := m.creds.Load(s.ID)
		if err == nil {
			blob = cred.Blob
		} else if !errors.Is(err, credential.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
		}
	}

	// drop any stale connection before redialing
	m.keepalive.Stop(s.ID)
	s.dropBundle()

	s.beginConnecting()
	m.notifyStatus(s)

	handle, events, err := m.transport.Dial(ctx, s.ID, blob, forceReset)
	if err != nil {
		s.setState(StateDisconnected)
		m.notifyStatus(s)
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	b, waiter := s.attachBundle(handle, events)
	go m.runSession(s, b)

	timeout := time.NewTimer(m.cfg.ConnectTimeout)
	defer timeout.Stop()

	select {
	case out := <-waiter:
		switch out.kind {
		case outcomeOpen:
			return &ConnectResult{State: StateConnected}, nil
		case outcomeChallenge:
			if !waitChallenge {
				// A retry attempt discovered the session needs fresh auth:
				// the retry loop stops here, the challenge surfaces via
				// Status and the websocket hub.
				log.Println("⚠ Reconnect needs a fresh auth challenge, stopping retries:", s.ID)
			}
			return &ConnectResult{State: out.state, NeedsAuthChallenge: true, Challenge: out.challenge}, nil
		default:
			return nil, ErrConnectFailed
		}

	case <-timeout.C:
		s.disarmWaiter()
		m.keepalive.Stop(s.ID)
		s.dropBundle()
		s.setState(StateDisconnected)
		m.notifyStatus(s)
		return nil, ErrConnectTimeout

	case <-ctx.Done():
		s.disarmWaiter()
		m.keepalive.Stop(s.ID)
		s.dropBundle()
		s.setState(StateDisconnected)
		m.notifyStatus(s)
		return nil, ctx.Err()
	}
}

// RequestPairingCode swaps the auth challenge to a phone pairing code. Valid
// only while the transport is in its connecting phase; a pending QR challenge
// is cancelled and the session continues in pairing mode.
func (m *Manager) RequestPairingCode(ctx context.Context, id, phone string) (string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.State() {
	case StateConnecting, StateQRPending, StatePairingPending:
		// in the window
	default:
		return "", ErrPairingWindowMissed
	}

	b := s.currentBundle()
	if b == nil || !b.handle.IsOpen() {
		return "", ErrPairingWindowMissed
	}

	s.setPairingMode(true)

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.PairingTimeout)
	defer cancel()

	code, err := b.handle.RequestPairingCode(reqCtx, phone)
	if err != nil {
		s.setPairingMode(false)
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrConnectTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	s.setChallenge(code, challengePairing, m.cfg.ChallengeTTL)
	m.notifyStatus(s)
	return code, nil
}

// Send delivers a text message through the session's live handle.
func (m *Manager) Send(ctx context.Context, id, target, text string) (string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != StateConnected {
		return "", ErrNotConnected
	}
	b := s.currentBundle()
	if b == nil || !b.handle.IsOpen() {
		return "", ErrNotConnected
	}

	msgID, err := b.handle.Send(ctx, target, text)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	s.touch()
	return msgID, nil
}

// Status re-derives state from the transport's live observation and writes
// back if the stored value drifted. The write-back is idempotent: no second
// keepalive timer, no duplicate events.
func (m *Manager) Status(id string) (*StatusInfo, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	_, kind := s.currentChallenge()
	if s.expireChallenge() {
		log.Println("⚠ Auth challenge expired for session:", id)
		if kind == challengeQR {
			m.sink.OnQRChallengeExpired(id)
		}
		m.notifyStatus(s)
	}

	real := s.handleOpen()
	state := s.State()

	switch {
	case state == StateConnected && !real:
		s.setState(StateDisconnected)
		state = StateDisconnected
	case state != StateConnected && state != StateLoggedOut && real:
		s.markConnected()
		state = StateConnected
		if b := s.currentBundle(); b != nil {
			m.keepalive.Start(s.ID, b.handle) // idempotent
		}
	}

	challenge, _ := s.currentChallenge()
	_, retries, _ := s.snapshot()
	return &StatusInfo{
		SessionID:    id,
		State:        state,
		RealIsActive: real,
		RetryCount:   retries,
		Challenge:    challenge,
	}, nil
}

// Disconnect logs the session out and clears all local state. Logout failures
// on the remote side are logged, never surfaced; local cleanup always wins.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.setAutoReconnect(false)

	// timers first, then the network
	m.keepalive.Stop(id)
	m.flusher.StopFlush(id)

	b := s.currentBundle()
	s.dropBundle()
	s.setState(StateLoggedOut)
	m.history.Forget(id)

	if err := m.creds.Delete(id); err != nil {
		log.Printf("⚠ Failed to delete credential for %s: %v", id, err)
	}

	if b != nil {
		// remote logout is best effort and backgrounded
		handle := b.handle
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := handle.Logout(ctx); err != nil {
				log.Printf("⚠ Remote logout failed for %s: %v", id, err)
			}
		}()
	}

	m.sink.OnSessionStatusChanged(id, StateLoggedOut, "")
	log.Println("✓ Session logged out and cleared:", id)
	return nil
}

// Cleanup is the periodic sweep: shrink the registry back under the cap and
// remove any credential or timer whose session id is gone (defensive, guards
// against partial-failure bugs elsewhere).
func (m *Manager) Cleanup() {
	var evicted []*Session
	m.mu.Lock()
	for len(m.sessions) > m.cfg.MaxSessions {
		victim := m.evictOldestInactiveLocked()
		if victim == nil {
			break
		}
		evicted = append(evicted, victim)
	}
	registered := make(map[string]bool, len(m.sessions))
	for id := range m.sessions {
		registered[id] = true
	}
	m.mu.Unlock()

	for _, s := range evicted {
		m.releaseResources(s)
		log.Println("⚠ Cleanup evicted session:", s.ID)
	}

	for _, id := range m.keepalive.ActiveIDs() {
		if !registered[id] {
			m.keepalive.Stop(id)
			log.Println("⚠ Cleanup removed orphaned keepalive timer:", id)
		}
	}
	for _, id := range m.flusher.ActiveIDs() {
		if !registered[id] {
			m.flusher.StopFlush(id)
			log.Println("⚠ Cleanup removed orphaned flush timer:", id)
		}
	}

	ids, err := m.creds.List()
	if err != nil {
		log.Printf("⚠ Cleanup could not list credentials: %v", err)
		return
	}
	for _, id := range ids {
		if !registered[id] {
			if err := m.creds.Delete(id); err != nil {
				log.Printf("⚠ Cleanup failed to delete orphaned credential %s: %v", id, err)
			} else {
				log.Println("⚠ Cleanup removed orphaned credential:", id)
			}
		}
	}
}

// RunCleanupLoop runs Cleanup on a ticker until ctx is cancelled.
func (m *Manager) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// RestoreAll reconnects every session with a persisted credential, each with
// a small random jitter so a restart does not stampede the remote service.
// One failed restore never blocks the others.
func (m *Manager) RestoreAll(ctx context.Context) error {
	ids, err := m.creds.List()
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}

	log.Printf("Found %d saved sessions to restore", len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		if _, err := m.CreateSession(id); err != nil && !errors.Is(err, ErrAlreadyExists) {
			log.Printf("⚠ Cannot restore session %s: %v", id, err)
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			jitter := time.Duration(rand.Int63n(int64(5 * time.Second)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter):
			}

			if _, err := m.Connect(ctx, id, false); err != nil {
				log.Printf("⚠ Restore connect failed for %s: %v", id, err)
				return
			}
			log.Println("✓ Restored session:", id)
		}(id)
	}
	wg.Wait()
	return nil
}

// Shutdown drops every session's resources without logging anyone out, so
// credentials survive for the next RestoreAll.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.setAutoReconnect(false)
		m.releaseResources(s)
	}
	log.Printf("✓ Connection manager shut down, %d sessions released", len(all))
}

// releaseResources stops the session's timers and drops its bundle. Does not
// touch credentials.
func (m *Manager) releaseResources(s *Session) {
	m.keepalive.Stop(s.ID)
	m.flusher.StopFlush(s.ID)
	s.setAutoReconnect(false)
	s.dropBundle()
	m.history.Forget(s.ID)
}

// evictOldestInactiveLocked picks the inactive session (transport not open)
// with the oldest activity and removes it from the registry. Caller holds
// m.mu and must call releaseResources on the result afterwards.
func (m *Manager) evictOldestInactiveLocked() *Session {
	var candidates []*Session
	for _, s := range m.sessions {
		if !s.transportUp() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].evictionAge().Before(candidates[j].evictionAge())
	})

	victim := candidates[0]
	delete(m.sessions, victim.ID)
	return victim
}

// HasKeepAlive / HasFlushTimer expose the timer sets for the debug surface
// and the resource-leak tests.
func (m *Manager) HasKeepAlive(id string) bool  { return m.keepalive.Active(id) }
func (m *Manager) HasFlushTimer(id string) bool { return m.flusher.Active(id) }

func (m *Manager) notifyStatus(s *Session) {
	challenge, _ := s.currentChallenge()
	m.sink.OnSessionStatusChanged(s.ID, s.State(), challenge)
}

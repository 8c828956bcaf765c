package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"gowa-connect/internal/transport"
)

// State adalah lifecycle per-session.
type State string

const (
	StateDisconnected   State = "DISCONNECTED"
	StateConnecting     State = "CONNECTING"
	StateQRPending      State = "QR_PENDING"
	StatePairingPending State = "PAIRING_PENDING"
	StateConnected      State = "CONNECTED"
	StateLoggedOut      State = "LOGGED_OUT"
)

// Error taxonomy surfaced to callers. Handler layer maps these to HTTP codes.
var (
	ErrNotFound              = errors.New("session not found")
	ErrAlreadyExists         = errors.New("session already exists")
	ErrCapacityExceeded      = errors.New("session capacity exceeded")
	ErrConnectTimeout        = errors.New("connect timed out")
	ErrConnectFailed         = errors.New("connect failed")
	ErrNotConnected          = errors.New("session not connected")
	ErrPairingWindowMissed   = errors.New("pairing window missed")
	ErrCredentialUnavailable = errors.New("credential unavailable")
)

type challengeKind string

const (
	challengeQR      challengeKind = "qr"
	challengePairing challengeKind = "pairing"
)

type outcomeKind int

const (
	outcomeOpen outcomeKind = iota
	outcomeChallenge
	outcomeClosed
)

type connectOutcome struct {
	kind      outcomeKind
	challenge string
	state     State
}

// Session is one logical connection to the chat transport. The registry owns
// it; only the bound runtime goroutine and the per-session serialized ops
// mutate it.
type Session struct {
	ID        string
	CreatedAt time.Time

	// opMu serializes Connect/Disconnect/Send/RequestPairingCode for this id.
	opMu sync.Mutex

	mu               sync.Mutex
	state            State
	retryCount       int
	lastSeenAt       time.Time
	autoReconnect    bool
	challenge        string
	challengeIs      challengeKind
	challengeExpires time.Time
	pairingMode      bool
	retrying         bool
	waiter           chan connectOutcome
	bundle           *bundle
}

// bundle memiliki semua resource satu koneksi live: handle transport, event
// channel, dan cancel untuk runtime loop. Removal = satu drop, bukan empat
// map delete yang bisa saling tertinggal.
type bundle struct {
	handle transport.Handle
	events <-chan transport.Event
	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(id string) *Session {
	return &Session{
		ID:            id,
		CreatedAt:     time.Now().UTC(),
		state:         StateDisconnected,
		autoReconnect: true,
	}
}

func (s *Session) snapshot() (State, int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.retryCount, s.lastSeenAt
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// beginConnecting clears any stale challenge and bumps retryCount.
func (s *Session) beginConnecting() {
	s.mu.Lock()
	s.state = StateConnecting
	s.retryCount++
	s.challenge = ""
	s.challengeIs = ""
	s.challengeExpires = time.Time{}
	s.pairingMode = false
	s.mu.Unlock()
}

func (s *Session) resetRetries() {
	s.mu.Lock()
	s.retryCount = 0
	s.mu.Unlock()
}

func (s *Session) markConnected() {
	s.mu.Lock()
	s.state = StateConnected
	s.retryCount = 0
	s.lastSeenAt = time.Now().UTC()
	s.challenge = ""
	s.challengeIs = ""
	s.pairingMode = false
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeenAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) setChallenge(payload string, kind challengeKind, ttl time.Duration) {
	s.mu.Lock()
	s.challenge = payload
	s.challengeIs = kind
	s.challengeExpires = time.Now().Add(ttl)
	if kind == challengePairing {
		s.state = StatePairingPending
	} else {
		s.state = StateQRPending
	}
	s.mu.Unlock()
}

// expireChallenge drops a challenge past its TTL. Returns true if it expired.
func (s *Session) expireChallenge() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.challenge == "" || time.Now().Before(s.challengeExpires) {
		return false
	}
	s.challenge = ""
	s.challengeIs = ""
	s.pairingMode = false
	if s.state == StateQRPending || s.state == StatePairingPending {
		s.state = StateDisconnected
	}
	return true
}

func (s *Session) currentChallenge() (string, challengeKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge, s.challengeIs
}

func (s *Session) setPairingMode(on bool) {
	s.mu.Lock()
	s.pairingMode = on
	if on {
		// cancel a pending QR challenge; pairing takes over
		s.challenge = ""
		s.challengeIs = ""
	}
	s.mu.Unlock()
}

func (s *Session) inPairingMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingMode
}

func (s *Session) AutoReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoReconnect
}

func (s *Session) setAutoReconnect(on bool) {
	s.mu.Lock()
	s.autoReconnect = on
	s.mu.Unlock()
}

// attachBundle installs the live connection resources and arms the connect
// waiter. Caller must have dropped any previous bundle.
func (s *Session) attachBundle(handle transport.Handle, events <-chan transport.Event) (*bundle, chan connectOutcome) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &bundle{handle: handle, events: events, ctx: ctx, cancel: cancel}
	waiter := make(chan connectOutcome, 1)

	s.mu.Lock()
	s.bundle = b
	s.waiter = waiter
	s.mu.Unlock()
	return b, waiter
}

// dropBundle cancels the runtime and closes the handle. Timer teardown is the
// manager's job and happens before this touches the network.
func (s *Session) dropBundle() {
	s.mu.Lock()
	b := s.bundle
	s.bundle = nil
	s.waiter = nil
	s.mu.Unlock()

	if b != nil {
		b.cancel()
		b.handle.Close()
	}
}

// clearBundle detaches only if b is still the current bundle (the close event
// may race a newer connect).
func (s *Session) clearBundle(b *bundle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bundle != b {
		return false
	}
	s.bundle = nil
	s.waiter = nil
	return true
}

func (s *Session) currentBundle() *bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundle
}

func (s *Session) disarmWaiter() {
	s.mu.Lock()
	s.waiter = nil
	s.mu.Unlock()
}

func (s *Session) notifyWaiter(out connectOutcome) {
	s.mu.Lock()
	waiter := s.waiter
	if waiter != nil {
		s.waiter = nil
	}
	s.mu.Unlock()

	if waiter != nil {
		waiter <- out
	}
}

// tryBeginRetry claims the session's single retry-loop slot. Returns false
// when a loop is already running; a transient close during one of its own
// attempts must not stack a second loop on top.
func (s *Session) tryBeginRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retrying {
		return false
	}
	s.retrying = true
	return true
}

func (s *Session) endRetry() {
	s.mu.Lock()
	s.retrying = false
	s.mu.Unlock()
}

// handleOpen reports whether the live handle is up and authenticated.
func (s *Session) handleOpen() bool {
	b := s.currentBundle()
	return b != nil && b.handle.IsOpen() && b.handle.IsLoggedIn()
}

// transportUp reports whether the socket is up at all (eviction check).
func (s *Session) transportUp() bool {
	b := s.currentBundle()
	return b != nil && b.handle.IsOpen()
}

// evictionAge is the timestamp used to pick the oldest inactive session.
func (s *Session) evictionAge() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastSeenAt.IsZero() {
		return s.CreatedAt
	}
	return s.lastSeenAt
}

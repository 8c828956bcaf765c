package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gowa-connect/internal/credential"
	"gowa-connect/internal/transport"
)

// fakeHandle is a scriptable transport.Handle. Tests flip the link state and
// push events on the channel the manager consumes.
type fakeHandle struct {
	mu        sync.Mutex
	open      bool
	loggedIn  bool
	pairCode  string
	pingErr   error
	loggedOut bool
	sent      []string

	events chan transport.Event
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan transport.Event, 16)}
}

func (h *fakeHandle) setLink(open, loggedIn bool) {
	h.mu.Lock()
	h.open = open
	h.loggedIn = loggedIn
	h.mu.Unlock()
}

func (h *fakeHandle) emit(evt transport.Event) {
	h.events <- evt
}

func (h *fakeHandle) Send(ctx context.Context, target, text string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, target+"|"+text)
	return "MSG-1", nil
}

func (h *fakeHandle) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	h.mu.Lock()
	code := h.pairCode
	h.mu.Unlock()
	if code == "" {
		return "", errors.New("pairing unavailable")
	}
	return code, nil
}

func (h *fakeHandle) Ping(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pingErr
}

func (h *fakeHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	h.loggedOut = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Close() { h.setLink(false, false) }

func (h *fakeHandle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

func (h *fakeHandle) IsLoggedIn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedIn
}

func (h *fakeHandle) wasLoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

// fakeTransport hands out fakeHandles and runs the per-dial script in a
// goroutine, the same shape as a real dial kicking off its event pump.
type fakeTransport struct {
	mu     sync.Mutex
	dials  int
	last   *fakeHandle
	onDial func(n int, h *fakeHandle)
}

func (t *fakeTransport) Dial(ctx context.Context, sessionID string, authBlob []byte, forceReset bool) (transport.Handle, <-chan transport.Event, error) {
	h := newFakeHandle()

	t.mu.Lock()
	t.dials++
	n := t.dials
	t.last = h
	onDial := t.onDial
	t.mu.Unlock()

	if onDial != nil {
		go onDial(n, h)
	}
	return h, h.events, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastHandle() *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// openOnDial scripts a successful auth: link up, then the open event.
func openOnDial(n int, h *fakeHandle) {
	h.setLink(true, true)
	h.emit(transport.Event{Type: transport.EventOpen})
}

type nopSink struct{}

func (nopSink) OnSessionStatusChanged(sessionID string, state State, challenge string) {}
func (nopSink) OnQRChallengeExpired(sessionID string)                                  {}

// recordSink captures sink notifications for assertions.
type recordSink struct {
	mu        sync.Mutex
	statuses  []State
	qrExpired []string
}

func (r *recordSink) OnSessionStatusChanged(sessionID string, state State, challenge string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, state)
}

func (r *recordSink) OnQRChallengeExpired(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qrExpired = append(r.qrExpired, sessionID)
}

func (r *recordSink) expiredFor(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.qrExpired {
		if id == sessionID {
			return true
		}
	}
	return false
}

type nopHistory struct{}

func (nopHistory) ProcessBatch(ctx context.Context, sessionID string, batch transport.HistoryBatch) error {
	return nil
}
func (nopHistory) ProcessLive(sessionID string, msgs []transport.Message)       {}
func (nopHistory) UpsertContacts(sessionID string, contacts []transport.Contact) {}
func (nopHistory) Forget(sessionID string)                                       {}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.PairingTimeout = 500 * time.Millisecond
	cfg.Policy = ReconnectionPolicy{
		BaseDelay:  20 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		MaxRetries: 3,
	}
	return cfg
}

func newTestManager(cfg Config, tr *fakeTransport, creds credential.Store) *Manager {
	if creds == nil {
		creds = credential.NewMemoryStore()
	}
	return NewManager(cfg, tr, creds, nopHistory{}, nopSink{})
}

func TestCreateSession(t *testing.T) {
	m := newTestManager(testConfig(), &fakeTransport{}, nil)

	s, err := m.CreateSession("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, s.State())
	assert.True(t, m.HasFlushTimer("alpha"))

	_, err = m.CreateSession("alpha")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateSessionEvictsOldestInactive(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 2
	m := newTestManager(cfg, &fakeTransport{}, nil)

	_, err := m.CreateSession("old")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = m.CreateSession("newer")
	require.NoError(t, err)

	_, err = m.CreateSession("third")
	require.NoError(t, err)

	_, err = m.Get("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get("newer")
	assert.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.False(t, m.HasFlushTimer("old"))
}

func TestCreateSessionCapacityExceededWhenAllActive(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 2
	m := newTestManager(cfg, &fakeTransport{}, nil)

	for _, id := range []string{"a", "b"} {
		s, err := m.CreateSession(id)
		require.NoError(t, err)
		h := newFakeHandle()
		h.setLink(true, false)
		s.attachBundle(h, h.events)
	}

	_, err := m.CreateSession("c")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestConnectDeliversQRChallenge(t *testing.T) {
	tr := &fakeTransport{onDial: func(n int, h *fakeHandle) {
		h.setLink(true, false)
		h.emit(transport.Event{Type: transport.EventChallenge, Challenge: "QR-CODE-1"})
	}}
	m := newTestManager(testConfig(), tr, nil)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)

	res, err := m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)
	assert.True(t, res.NeedsAuthChallenge)
	assert.Equal(t, "QR-CODE-1", res.Challenge)
	assert.Equal(t, StateQRPending, res.State)

	s, _ := m.Get("alpha")
	assert.Equal(t, StateQRPending, s.State())
}

func TestConnectReachesConnected(t *testing.T) {
	tr := &fakeTransport{onDial: openOnDial}
	m := newTestManager(testConfig(), tr, nil)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)

	res, err := m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, res.State)
	assert.False(t, res.NeedsAuthChallenge)

	s, _ := m.Get("alpha")
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 0, s.RetryCount())
	assert.True(t, m.HasKeepAlive("alpha"))
}

func TestConnectForceResetRedialsConnectedSession(t *testing.T) {
	tr := &fakeTransport{onDial: openOnDial}
	creds := credential.NewMemoryStore()
	m := newTestManager(testConfig(), tr, creds)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)
	require.Equal(t, 1, tr.dialCount())
	require.NoError(t, creds.Save("alpha", &credential.Credential{Blob: []byte(`{"jid":"x"}`)}))

	// forced reset on a live session must discard the credential and redial
	res, err := m.Connect(context.Background(), "alpha", true)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, res.State)
	assert.Equal(t, 2, tr.dialCount())

	_, err = creds.Load("alpha")
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestConnectUnknownSession(t *testing.T) {
	m := newTestManager(testConfig(), &fakeTransport{}, nil)

	_, err := m.Connect(context.Background(), "ghost", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	tr := &fakeTransport{} // dial succeeds, transport stays silent
	m := newTestManager(cfg, tr, nil)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), "alpha", false)
	assert.ErrorIs(t, err, ErrConnectTimeout)

	s, _ := m.Get("alpha")
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, m.HasKeepAlive("alpha"))
}

func TestPermanentCloseGoesLoggedOutAndWipesCredential(t *testing.T) {
	tr := &fakeTransport{onDial: openOnDial}
	creds := credential.NewMemoryStore()
	m := newTestManager(testConfig(), tr, creds)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)
	require.NoError(t, creds.Save("alpha", &credential.Credential{Blob: []byte(`{"jid":"x"}`)}))

	_, err = m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)

	h := tr.lastHandle()
	h.setLink(false, false)
	h.emit(transport.Event{Type: transport.EventClose, Disconnect: &transport.DisconnectEvent{Code: 401, IsPermanent: true}})

	s, _ := m.Get("alpha")
	assert.Eventually(t, func() bool {
		return s.State() == StateLoggedOut
	}, time.Second, 10*time.Millisecond)

	_, err = creds.Load("alpha")
	assert.ErrorIs(t, err, credential.ErrNotFound)
	assert.Eventually(t, func() bool {
		return !m.HasKeepAlive("alpha")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, tr.dialCount(), "permanent close must not trigger a retry")
}

func TestDeviceRemovedWipesCredentialButStaysReauthable(t *testing.T) {
	tr := &fakeTransport{onDial: openOnDial}
	creds := credential.NewMemoryStore()
	m := newTestManager(testConfig(), tr, creds)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)
	require.NoError(t, creds.Save("alpha", &credential.Credential{Blob: []byte(`{"jid":"x"}`)}))

	_, err = m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)

	h := tr.lastHandle()
	h.setLink(false, false)
	h.emit(transport.Event{Type: transport.EventClose, Disconnect: &transport.DisconnectEvent{Code: 401, IsPermanent: true, IsDeviceRemoved: true}})

	s, _ := m.Get("alpha")
	assert.Eventually(t, func() bool {
		return s.State() == StateDisconnected
	}, time.Second, 10*time.Millisecond)

	_, err = creds.Load("alpha")
	assert.ErrorIs(t, err, credential.ErrNotFound)
	_, err = m.Get("alpha")
	assert.NoError(t, err, "session stays registered for a fresh QR")
}

func TestTransientCloseReconnects(t *testing.T) {
	tr := &fakeTransport{onDial: openOnDial}
	m := newTestManager(testConfig(), tr, nil)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)

	h := tr.lastHandle()
	h.setLink(false, false)
	h.emit(transport.Event{Type: transport.EventClose, Disconnect: &transport.DisconnectEvent{Code: 500}})

	s, _ := m.Get("alpha")
	assert.Eventually(t, func() bool {
		return tr.dialCount() == 2 && s.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.RetryCount())
	assert.True(t, m.HasKeepAlive("alpha"))
}

func TestRepeatedTransientClosesShareOneRetryBudget(t *testing.T) {
	// first dial connects; every later dial drops with a transient close
	tr := &fakeTransport{onDial: func(n int, h *fakeHandle) {
		if n == 1 {
			openOnDial(n, h)
			return
		}
		h.emit(transport.Event{Type: transport.EventClose, Disconnect: &transport.DisconnectEvent{Code: 500}})
	}}
	m := newTestManager(testConfig(), tr, nil)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)

	h := tr.lastHandle()
	h.setLink(false, false)
	h.emit(transport.Event{Type: transport.EventClose, Disconnect: &transport.DisconnectEvent{Code: 500}})

	// MaxRetries 3 allows exactly four more dials: each attempt bumps
	// retryCount, and the loop stops once the budget is spent. A close during
	// a retry attempt must feed the same loop, not spawn another one.
	s, _ := m.Get("alpha")
	assert.Eventually(t, func() bool {
		return tr.dialCount() == 5 && s.State() == StateDisconnected
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 5, tr.dialCount(), "retry attempts must not stack per close")
}

func TestDisconnectReleasesEverything(t *testing.T) {
	tr := &fakeTransport{onDial: openOnDial}
	creds := credential.NewMemoryStore()
	m := newTestManager(testConfig(), tr, creds)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)
	require.NoError(t, creds.Save("alpha", &credential.Credential{Blob: []byte(`{"jid":"x"}`)}))

	h := tr.lastHandle()
	require.NoError(t, m.Disconnect("alpha"))

	_, err = m.Get("alpha")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, m.HasKeepAlive("alpha"))
	assert.False(t, m.HasFlushTimer("alpha"))

	_, err = creds.Load("alpha")
	assert.ErrorIs(t, err, credential.ErrNotFound)

	assert.Eventually(t, h.wasLoggedOut, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, m.Disconnect("alpha"), ErrNotFound)
}

func TestSend(t *testing.T) {
	tr := &fakeTransport{onDial: openOnDial}
	m := newTestManager(testConfig(), tr, nil)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)

	_, err = m.Send(context.Background(), "alpha", "628123456789@s.whatsapp.net", "halo")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)

	msgID, err := m.Send(context.Background(), "alpha", "628123456789@s.whatsapp.net", "halo")
	require.NoError(t, err)
	assert.Equal(t, "MSG-1", msgID)

	h := tr.lastHandle()
	h.mu.Lock()
	sent := append([]string(nil), h.sent...)
	h.mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, "628123456789@s.whatsapp.net|halo", sent[0])
}

func TestStatusDriftWriteBack(t *testing.T) {
	m := newTestManager(testConfig(), &fakeTransport{}, nil)

	s, err := m.CreateSession("alpha")
	require.NoError(t, err)

	t.Run("recorded connected but transport down", func(t *testing.T) {
		h := newFakeHandle()
		h.setLink(true, true)
		s.attachBundle(h, h.events)
		s.markConnected()

		h.setLink(false, false)

		info, err := m.Status("alpha")
		require.NoError(t, err)
		assert.Equal(t, StateDisconnected, info.State)
		assert.False(t, info.RealIsActive)
		assert.Equal(t, StateDisconnected, s.State())
	})

	t.Run("recorded disconnected but transport up", func(t *testing.T) {
		h := newFakeHandle()
		h.setLink(true, true)
		s.attachBundle(h, h.events)
		s.setState(StateDisconnected)

		info, err := m.Status("alpha")
		require.NoError(t, err)
		assert.Equal(t, StateConnected, info.State)
		assert.True(t, info.RealIsActive)
		assert.True(t, m.HasKeepAlive("alpha"))

		// write-back is idempotent
		info, err = m.Status("alpha")
		require.NoError(t, err)
		assert.Equal(t, StateConnected, info.State)
		assert.True(t, m.HasKeepAlive("alpha"))
	})
}

func TestStatusExpiresQRChallengeAndNotifies(t *testing.T) {
	sink := &recordSink{}
	m := NewManager(testConfig(), &fakeTransport{}, credential.NewMemoryStore(), nopHistory{}, sink)

	s, err := m.CreateSession("alpha")
	require.NoError(t, err)

	s.setChallenge("QR-CODE-1", challengeQR, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	info, err := m.Status("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, info.State)
	assert.Empty(t, info.Challenge)
	assert.True(t, sink.expiredFor("alpha"))

	// a fresh challenge within its TTL is untouched
	s.setChallenge("QR-CODE-2", challengeQR, time.Minute)
	info, err = m.Status("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateQRPending, info.State)
	assert.Equal(t, "QR-CODE-2", info.Challenge)
}

func TestRequestPairingCode(t *testing.T) {
	tr := &fakeTransport{onDial: func(n int, h *fakeHandle) {
		h.mu.Lock()
		h.pairCode = "ABCD-1234"
		h.mu.Unlock()
		h.setLink(true, false)
		h.emit(transport.Event{Type: transport.EventChallenge, Challenge: "QR-CODE-1"})
	}}
	m := newTestManager(testConfig(), tr, nil)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)

	// outside the window
	_, err = m.RequestPairingCode(context.Background(), "alpha", "628123456789")
	assert.ErrorIs(t, err, ErrPairingWindowMissed)

	res, err := m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)
	require.Equal(t, StateQRPending, res.State)

	code, err := m.RequestPairingCode(context.Background(), "alpha", "628123456789")
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", code)

	s, _ := m.Get("alpha")
	assert.Equal(t, StatePairingPending, s.State())

	// QR refreshes are suppressed while pairing is in flight
	tr.lastHandle().emit(transport.Event{Type: transport.EventChallenge, Challenge: "QR-CODE-2"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatePairingPending, s.State())
}

func TestCredsUpdateFlowsToStore(t *testing.T) {
	tr := &fakeTransport{onDial: func(n int, h *fakeHandle) {
		h.setLink(true, true)
		h.emit(transport.Event{Type: transport.EventCredsUpdate, Credential: []byte(`{"jid":"628@s"}`), HasStateKey: true})
		h.emit(transport.Event{Type: transport.EventOpen})
	}}
	creds := credential.NewMemoryStore()
	m := newTestManager(testConfig(), tr, creds)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		cred, err := creds.Load("alpha")
		return err == nil && cred.HasStateKey && string(cred.Blob) == `{"jid":"628@s"}`
	}, time.Second, 10*time.Millisecond)
}

func TestCleanupRemovesOrphans(t *testing.T) {
	creds := credential.NewMemoryStore()
	m := newTestManager(testConfig(), &fakeTransport{}, creds)

	_, err := m.CreateSession("kept")
	require.NoError(t, err)

	// orphaned resources with no registered session behind them
	h := newFakeHandle()
	h.setLink(true, true)
	m.keepalive.Start("ghost", h)
	m.flusher.StartFlush("ghost")
	require.NoError(t, creds.Save("ghost", &credential.Credential{Blob: []byte("x")}))

	m.Cleanup()

	assert.False(t, m.HasKeepAlive("ghost"))
	assert.False(t, m.HasFlushTimer("ghost"))
	_, err = creds.Load("ghost")
	assert.ErrorIs(t, err, credential.ErrNotFound)

	assert.True(t, m.HasFlushTimer("kept"))
}

func TestShutdownKeepsCredentials(t *testing.T) {
	tr := &fakeTransport{onDial: openOnDial}
	creds := credential.NewMemoryStore()
	m := newTestManager(testConfig(), tr, creds)

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), "alpha", false)
	require.NoError(t, err)
	require.NoError(t, creds.Save("alpha", &credential.Credential{Blob: []byte("x")}))

	m.Shutdown()

	assert.Equal(t, 0, m.Len())
	assert.False(t, m.HasKeepAlive("alpha"))
	assert.False(t, m.HasFlushTimer("alpha"))

	_, err = creds.Load("alpha")
	assert.NoError(t, err, "shutdown must not log sessions out")
}

func TestRestoreAll(t *testing.T) {
	tr := &fakeTransport{onDial: openOnDial}
	creds := credential.NewMemoryStore()
	m := newTestManager(testConfig(), tr, creds)

	require.NoError(t, creds.Save("one", &credential.Credential{Blob: []byte(`{"jid":"1"}`)}))
	require.NoError(t, creds.Save("two", &credential.Credential{Blob: []byte(`{"jid":"2"}`)}))

	require.NoError(t, m.RestoreAll(context.Background()))

	assert.Equal(t, 2, m.Len())
	for _, id := range []string{"one", "two"} {
		s, err := m.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StateConnected, s.State())
	}
}

package session

import (
	"context"
	"errors"
	"log"
	"time"

	"gowa-connect/internal/credential"
	"gowa-connect/internal/transport"
)

// runSession is the per-session event loop. It is the only goroutine that
// reacts to transport events for this connection; everything it needs hangs
// off the bundle, so cancelling the bundle stops it deterministically.
func (m *Manager) runSession(s *Session, b *bundle) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case evt, ok := <-b.events:
			if !ok {
				return
			}
			if !m.handleEvent(s, b, evt) {
				return
			}
		}
	}
}

// handleEvent applies one transport event. Returns false when the loop must
// stop (connection closed).
func (m *Manager) handleEvent(s *Session, b *bundle, evt transport.Event) bool {
	switch evt.Type {
	case transport.EventOpen:
		s.markConnected()
		m.keepalive.Start(s.ID, b.handle)
		m.notifyStatus(s)
		s.notifyWaiter(connectOutcome{kind: outcomeOpen, state: StateConnected})
		log.Println("✓ Connected! Session:", s.ID)

	case transport.EventChallenge:
		if s.State() == StateConnected {
			return true // stale challenge after successful auth
		}
		if s.inPairingMode() {
			return true // QR refreshes are suppressed while pairing
		}
		s.setChallenge(evt.Challenge, challengeQR, m.cfg.ChallengeTTL)
		m.notifyStatus(s)
		s.notifyWaiter(connectOutcome{kind: outcomeChallenge, challenge: evt.Challenge, state: StateQRPending})

	case transport.EventCredsUpdate:
		m.flusher.Note(s.ID, &credential.Credential{
			SessionID:   s.ID,
			Blob:        evt.Credential,
			HasStateKey: evt.HasStateKey,
			UpdatedAt:   time.Now().UTC(),
		})

	case transport.EventMessages:
		s.touch()
		m.history.ProcessLive(s.ID, evt.Messages)

	case transport.EventContacts:
		m.history.UpsertContacts(s.ID, evt.Contacts)

	case transport.EventHistoryBatch:
		if evt.History == nil {
			return true
		}
		batch := *evt.History
		go func() {
			if err := m.history.ProcessBatch(b.ctx, s.ID, batch); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("✗ History sync failed for %s: %v", s.ID, err)
			}
		}()

	case transport.EventClose:
		var reason transport.DisconnectEvent
		if evt.Disconnect != nil {
			reason = *evt.Disconnect
		}
		m.handleClose(s, b, reason)
		return false
	}

	return true
}

// handleClose classifies a disconnect and routes it: device removed wipes
// credentials but keeps the session re-authable; permanent goes terminal
// LOGGED_OUT; transient hands off to the reconnection policy.
func (m *Manager) handleClose(s *Session, b *bundle, reason transport.DisconnectEvent) {
	m.keepalive.Stop(s.ID)
	b.cancel()
	b.handle.Close()
	if !s.clearBundle(b) {
		// A newer connect already replaced this bundle; stale close.
		return
	}

	switch {
	case reason.IsDeviceRemoved:
		log.Println("✗ Device removed remotely, wiping credentials:", s.ID)
		m.wipeCredential(s.ID)
		s.setState(StateDisconnected)
		m.notifyStatus(s)
		s.notifyWaiter(connectOutcome{kind: outcomeClosed, state: StateDisconnected})

	case reason.IsPermanent:
		log.Println("✗ Logged out! Session:", s.ID)
		m.wipeCredential(s.ID)
		s.setState(StateLoggedOut)
		m.notifyStatus(s)
		s.notifyWaiter(connectOutcome{kind: outcomeClosed, state: StateLoggedOut})

	default:
		s.setState(StateDisconnected)
		s.notifyWaiter(connectOutcome{kind: outcomeClosed, state: StateDisconnected})

		retries := s.RetryCount() - 1
		if retries < 0 {
			retries = 0
		}
		decision := m.cfg.Policy.Decide(retries, reason)

		if !decision.ShouldRetry || !s.AutoReconnect() {
			if s.AutoReconnect() {
				log.Println("✗ Reconnect retries exhausted for session:", s.ID)
			}
			m.notifyStatus(s)
			return
		}

		m.notifyStatus(s)
		if s.tryBeginRetry() {
			log.Printf("⚠ Transient disconnect (code %d) for %s, retrying in %s", reason.Code, s.ID, decision.Delay)
			go m.retryLoop(s, decision.Delay)
		}
	}
}

// retryLoop performs policy-driven reconnect attempts. It stops when the
// session connects, needs a fresh auth challenge, was removed from the
// registry, or the retry budget runs out.
func (m *Manager) retryLoop(s *Session, delay time.Duration) {
	defer s.endRetry()

	for {
		time.Sleep(delay)

		if cur, err := m.Get(s.ID); err != nil || cur != s {
			return // removed or replaced while we slept
		}
		if !s.AutoReconnect() {
			return
		}

		s.opMu.Lock()
		res, err := m.connect(context.Background(), s, false, false)
		s.opMu.Unlock()

		if err == nil {
			if res.NeedsAuthChallenge {
				return // fresh auth required, no point retrying
			}
			return // connected; a later close re-enters the policy
		}

		retries := s.RetryCount() - 1
		if retries < 0 {
			retries = 0
		}
		decision := m.cfg.Policy.Decide(retries, transport.DisconnectEvent{Code: 500})
		if !decision.ShouldRetry {
			log.Println("✗ Reconnect retries exhausted for session:", s.ID)
			s.setState(StateDisconnected)
			m.notifyStatus(s)
			return
		}
		delay = decision.Delay
	}
}

// wipeCredential removes persisted and in-flight auth material for the id.
func (m *Manager) wipeCredential(id string) {
	m.flusher.Discard(id)
	if err := m.creds.Delete(id); err != nil {
		log.Printf("⚠ Failed to wipe credential for %s: %v", id, err)
	}
}

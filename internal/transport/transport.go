package transport

import (
	"context"
	"time"
)

// EventType membedakan event yang keluar dari satu koneksi transport.
type EventType string

const (
	EventOpen         EventType = "open"
	EventClose        EventType = "close"
	EventChallenge    EventType = "challenge"
	EventCredsUpdate  EventType = "creds_update"
	EventMessages     EventType = "messages"
	EventHistoryBatch EventType = "history_batch"
	EventContacts     EventType = "contacts"
)

// Event adalah satu item di channel outbound per-session. Satu channel per
// koneksi, bukan callback per event type, supaya state machine bisa select
// dan cancellation-nya jelas.
type Event struct {
	Type EventType

	// EventChallenge
	Challenge string

	// EventClose
	Disconnect *DisconnectEvent

	// EventCredsUpdate
	Credential  []byte
	HasStateKey bool

	// EventMessages (realtime upserts)
	Messages []Message

	// EventHistoryBatch
	History *HistoryBatch

	// EventContacts
	Contacts []Contact
}

// DisconnectEvent classifies why a connection closed. Consumed once by the
// reconnection policy, never persisted.
type DisconnectEvent struct {
	Code            int
	IsPermanent     bool
	IsDeviceRemoved bool
}

// Message is a raw inbound message as the transport saw it. IDs are still in
// transport form (with server / device suffixes); normalization happens in
// the history pipeline.
type Message struct {
	MessageID string
	ChatID    string
	SenderID  string
	Text      string
	Timestamp time.Time
	IsGroup   bool
	IsFromMe  bool
	Type      string
}

// Contact is a raw contact/chat participant record.
type Contact struct {
	ID                string
	Name              string
	PictureURL        string
	LastInteractionAt time.Time
}

// Chat is a raw conversation record inside a history batch.
type Chat struct {
	ID            string
	Name          string
	LastMessageAt time.Time
}

// HistoryBatch is one bulk delivery of backlog data on a fresh connect.
type HistoryBatch struct {
	Chats    []Chat
	Contacts []Contact
	Messages []Message
	SyncType string
	IsLatest bool
	Progress int
}

// Handle adalah satu koneksi live ke chat transport.
type Handle interface {
	// Send sends a text payload and returns the transport message id.
	Send(ctx context.Context, target string, text string) (string, error)
	// RequestPairingCode asks for a phone pairing code. Only valid while the
	// transport is in its connecting phase.
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// Ping is a lightweight liveness probe (presence refresh).
	Ping(ctx context.Context) error
	// Logout unlinks the device on the remote side.
	Logout(ctx context.Context) error
	// Close tears the connection down locally and closes the event channel.
	Close()
	// IsOpen reports whether the underlying socket is up.
	IsOpen() bool
	// IsLoggedIn reports whether the connection is authenticated.
	IsLoggedIn() bool
}

// Transport opens connections. authBlob is the opaque credential material
// owned by the credential store; nil means a fresh auth challenge is needed.
type Transport interface {
	Dial(ctx context.Context, sessionID string, authBlob []byte, forceReset bool) (Handle, <-chan Event, error)
}

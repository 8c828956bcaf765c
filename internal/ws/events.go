package ws

import "time"

// Nama event yang dikirim ke FE lewat websocket.
const (
	EventQRGenerated          = "QR_GENERATED"
	EventQRSuccess            = "QR_SUCCESS"
	EventQRTimeout            = "QR_TIMEOUT"
	EventPairingCode          = "PAIRING_CODE"
	EventSessionStatusChanged = "SESSION_STATUS_CHANGED"
	EventIncomingMessage      = "INCOMING_MESSAGE"
	EventContactUpserted      = "CONTACT_UPSERTED"
	EventSyncProgress         = "SYNC_PROGRESS"
	EventSyncCompleted        = "SYNC_COMPLETED"
	EventSyncFailed           = "SYNC_FAILED"
)

// WsEvent adalah amplop semua event realtime. SessionID dipakai hub untuk
// filtering per-session subscriber; kosong berarti broadcast ke semua.
type WsEvent struct {
	Event     string      `json:"event"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// SessionStatusChangedData dikirim setiap state session berubah.
type SessionStatusChangedData struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Challenge string `json:"challenge,omitempty"`
}

// QRGeneratedData membawa payload QR mentah; rendering jadi gambar urusan FE.
type QRGeneratedData struct {
	SessionID string    `json:"session_id"`
	QRData    string    `json:"qr_data"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SyncProgressData dikirim per batch history sync.
type SyncProgressData struct {
	SessionID   string `json:"session_id"`
	SyncedCount int    `json:"synced_count"`
	TotalCount  int    `json:"total_count"`
}

// SyncCompletedData membawa agregat saat satu backlog selesai diproses.
type SyncCompletedData struct {
	SessionID string `json:"session_id"`
	Chats     int    `json:"chats"`
	Contacts  int    `json:"contacts"`
	Messages  int    `json:"messages"`
}

// SyncFailedData dikirim sekali saat sync gagal unrecoverable.
type SyncFailedData struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

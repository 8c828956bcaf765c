package model

import "time"

// NormalizedMessage adalah bentuk canonical untuk semua pesan yang keluar dari
// connection manager, baik realtime maupun hasil history sync. Downstream
// (websocket, webhook, persistence) hanya perlu mengerti bentuk ini.
type NormalizedMessage struct {
	SessionID    string    `json:"sessionId"`
	FromID       string    `json:"fromId"`
	Text         string    `json:"text"`
	MessageID    string    `json:"messageId"`
	Timestamp    time.Time `json:"timestamp"`
	IsGroup      bool      `json:"isGroup"`
	IsFromMe     bool      `json:"isFromMe"`
	IsHistorical bool      `json:"isHistorical"`
	MessageType  string    `json:"messageType"`
}

// NormalizedContact is the canonical contact shape emitted on upserts.
// ContactID is already stripped of transport suffixes (device part, server).
type NormalizedContact struct {
	SessionID         string    `json:"sessionId"`
	ContactID         string    `json:"contactId"`
	Name              string    `json:"name"`
	PictureURL        string    `json:"pictureUrl,omitempty"`
	LastInteractionAt time.Time `json:"lastInteractionAt"`
}

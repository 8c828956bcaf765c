package service

import (
	"time"

	"gowa-connect/config"
	"gowa-connect/internal/history"
	"gowa-connect/internal/model"
	"gowa-connect/internal/session"
	"gowa-connect/internal/ws"
)

// EventSink fans normalized connection-manager events out to the realtime
// hub and the webhook forwarder. It implements both session.Sink and
// history.Emitter so the manager and the pipeline share one outlet.
type EventSink struct {
	Realtime ws.RealtimePublisher
	Webhook  *WebhookForwarder
}

var _ session.Sink = (*EventSink)(nil)
var _ history.Emitter = (*EventSink)(nil)

func NewEventSink(realtime ws.RealtimePublisher, webhook *WebhookForwarder) *EventSink {
	return &EventSink{Realtime: realtime, Webhook: webhook}
}

func (e *EventSink) publish(event, sessionID string, data interface{}) {
	if e.Realtime == nil {
		return
	}
	e.Realtime.Publish(ws.WsEvent{
		Event:     event,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

func (e *EventSink) OnSessionStatusChanged(sessionID string, state session.State, challenge string) {
	e.publish(ws.EventSessionStatusChanged, sessionID, ws.SessionStatusChangedData{
		SessionID: sessionID,
		State:     string(state),
		Challenge: challenge,
	})

	if state == session.StateQRPending && challenge != "" {
		e.publish(ws.EventQRGenerated, sessionID, ws.QRGeneratedData{
			SessionID: sessionID,
			QRData:    challenge,
			ExpiresAt: time.Now().UTC().Add(5 * time.Minute),
		})
	}
	if state == session.StatePairingPending && challenge != "" {
		e.publish(ws.EventPairingCode, sessionID, map[string]interface{}{
			"session_id":   sessionID,
			"pairing_code": challenge,
		})
	}
	if state == session.StateConnected {
		e.publish(ws.EventQRSuccess, sessionID, map[string]interface{}{
			"session_id": sessionID,
			"status":     "connected",
		})
	}
}

func (e *EventSink) OnQRChallengeExpired(sessionID string) {
	e.publish(ws.EventQRTimeout, sessionID, map[string]interface{}{
		"session_id": sessionID,
		"reason":     "QR challenge expired, request a new connect",
	})
}

func (e *EventSink) OnNormalizedMessage(msg model.NormalizedMessage) {
	if config.EnableWebsocketIncomingMessage {
		e.publish(ws.EventIncomingMessage, msg.SessionID, msg)
	}
	if e.Webhook != nil {
		e.Webhook.ForwardMessage(msg)
	}
}

func (e *EventSink) OnContactUpserted(contact model.NormalizedContact) {
	e.publish(ws.EventContactUpserted, contact.SessionID, contact)
}

func (e *EventSink) OnSyncProgress(sessionID string, synced, total int) {
	e.publish(ws.EventSyncProgress, sessionID, ws.SyncProgressData{
		SessionID:   sessionID,
		SyncedCount: synced,
		TotalCount:  total,
	})
}

func (e *EventSink) OnSyncCompleted(sessionID string, counts history.Counts) {
	e.publish(ws.EventSyncCompleted, sessionID, ws.SyncCompletedData{
		SessionID: sessionID,
		Chats:     counts.Chats,
		Contacts:  counts.Contacts,
		Messages:  counts.Messages,
	})
}

func (e *EventSink) OnSyncFailed(sessionID string, err error) {
	e.publish(ws.EventSyncFailed, sessionID, ws.SyncFailedData{
		SessionID: sessionID,
		Error:     err.Error(),
	})
}

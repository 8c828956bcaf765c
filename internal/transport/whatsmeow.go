package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// meowCreds adalah isi blob credential yang kita simpan: cukup JID device,
// key material asli tetap di container whatsmeow.
type meowCreds struct {
	JID string `json:"jid"`
}

// Whatsmeow adapts a whatsmeow client pool to the Transport contract. It is a
// thin wrapper: named event callbacks from the library are converted into one
// outbound Event channel per connection.
type Whatsmeow struct {
	container  *sqlstore.Container
	deviceName string
}

func NewWhatsmeow(container *sqlstore.Container, deviceName string) *Whatsmeow {
	if deviceName == "" {
		deviceName = "GOWA Connect"
	}
	return &Whatsmeow{container: container, deviceName: deviceName}
}

func (w *Whatsmeow) Dial(ctx context.Context, sessionID string, authBlob []byte, forceReset bool) (Handle, <-chan Event, error) {
	device, err := w.resolveDevice(ctx, authBlob, forceReset)
	if err != nil {
		return nil, nil, err
	}

	// Device name global setting, harus di-set SEBELUM pairing
	store.DeviceProps.Os = proto.String(w.deviceName)

	clientLog := waLog.Stdout("Client", "INFO", true)
	client := whatsmeow.NewClient(device, clientLog)

	hctx, cancel := context.WithCancel(context.Background())
	h := &meowHandle{
		sessionID: sessionID,
		client:    client,
		out:       make(chan Event, 256),
		ctx:       hctx,
		cancel:    cancel,
	}
	client.AddEventHandler(h.handleEvent)

	if client.Store.ID == nil {
		// Belum pernah pairing: QR channel harus diambil sebelum Connect.
		qrChan, err := client.GetQRChannel(hctx)
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("get qr channel: %w", err)
		}
		go h.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	return h, h.out, nil
}

func (w *Whatsmeow) resolveDevice(ctx context.Context, authBlob []byte, forceReset bool) (*store.Device, error) {
	if len(authBlob) > 0 && !forceReset {
		var mc meowCreds
		if err := json.Unmarshal(authBlob, &mc); err == nil && mc.JID != "" {
			jid, err := types.ParseJID(mc.JID)
			if err == nil {
				device, err := w.container.GetDevice(ctx, jid)
				if err == nil && device != nil {
					return device, nil
				}
			}
		}
		// Blob rusak atau device hilang dari store: jatuh ke device baru.
		fmt.Println("⚠ Stored credential unusable, creating fresh device")
	}

	if forceReset && len(authBlob) > 0 {
		var mc meowCreds
		if err := json.Unmarshal(authBlob, &mc); err == nil && mc.JID != "" {
			if jid, err := types.ParseJID(mc.JID); err == nil {
				if device, err := w.container.GetDevice(ctx, jid); err == nil && device != nil {
					if err := w.container.DeleteDevice(ctx, device); err != nil {
						fmt.Println("⚠ Failed to delete old device store:", err)
					}
				}
			}
		}
	}

	return w.container.NewDevice(), nil
}

type meowHandle struct {
	sessionID string
	client    *whatsmeow.Client
	out       chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (h *meowHandle) emit(evt Event) {
	select {
	case <-h.ctx.Done():
		// Handle sudah di-Close: event terlambat dibuang.
		return
	default:
	}

	select {
	case h.out <- evt:
	default:
		// Buffer penuh: drop daripada block event loop whatsmeow.
		fmt.Println("⚠ Transport event buffer full, dropping event for:", h.sessionID)
	}
}

func (h *meowHandle) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		h.emit(Event{Type: EventOpen})
		h.emitCreds()

	case *events.PairSuccess:
		h.emitCreds()

	case *events.Disconnected:
		h.emit(Event{Type: EventClose, Disconnect: &DisconnectEvent{Code: 500}})

	case *events.StreamReplaced:
		h.emit(Event{Type: EventClose, Disconnect: &DisconnectEvent{Code: 440, IsPermanent: true}})

	case *events.LoggedOut:
		h.emit(Event{Type: EventClose, Disconnect: &DisconnectEvent{
			Code:            int(v.Reason),
			IsPermanent:     true,
			IsDeviceRemoved: true,
		}})

	case *events.ClientOutdated:
		h.emit(Event{Type: EventClose, Disconnect: &DisconnectEvent{Code: 405, IsPermanent: true}})

	case *events.Message:
		h.emit(Event{Type: EventMessages, Messages: []Message{convertLiveMessage(v)}})

	case *events.HistorySync:
		if batch := convertHistorySync(v); batch != nil {
			h.emit(Event{Type: EventHistoryBatch, History: batch})
		}

	case *events.PushName:
		h.emit(Event{Type: EventContacts, Contacts: []Contact{{
			ID:   v.JID.String(),
			Name: v.NewPushName,
		}}})
	}
}

func (h *meowHandle) emitCreds() {
	if h.client.Store.ID == nil {
		return
	}
	blob, err := json.Marshal(meowCreds{JID: h.client.Store.ID.String()})
	if err != nil {
		return
	}
	h.emit(Event{Type: EventCredsUpdate, Credential: blob, HasStateKey: true})
}

// pumpQR mengubah QR channel whatsmeow menjadi challenge events.
func (h *meowHandle) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		select {
		case <-h.ctx.Done():
			return
		default:
		}

		switch {
		case item.Event == "code":
			h.emit(Event{Type: EventChallenge, Challenge: item.Code})
		case item.Event == "success":
			// PairSuccess/Connected events will follow from the client.
			return
		case item.Event == "timeout":
			h.emit(Event{Type: EventClose, Disconnect: &DisconnectEvent{Code: 408}})
			return
		case strings.HasPrefix(item.Event, "err-"):
			h.emit(Event{Type: EventClose, Disconnect: &DisconnectEvent{Code: 500}})
			return
		}
	}
}

func (h *meowHandle) Send(ctx context.Context, target string, text string) (string, error) {
	jid, err := types.ParseJID(target)
	if err != nil {
		return "", fmt.Errorf("invalid target jid: %w", err)
	}
	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (h *meowHandle) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	return h.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
}

func (h *meowHandle) Ping(ctx context.Context) error {
	return h.client.SendPresence(ctx, types.PresenceAvailable)
}

func (h *meowHandle) Logout(ctx context.Context) error {
	return h.client.Logout(ctx)
}

// Close tears the connection down. The out channel is deliberately left open:
// whatsmeow can still fire event callbacks after Disconnect returns, and a
// late emit must never hit a closed channel. Consumers exit via the close
// event or their own context instead.
func (h *meowHandle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.client.Disconnect()
	})
}

func (h *meowHandle) IsOpen() bool {
	return h.client.IsConnected()
}

func (h *meowHandle) IsLoggedIn() bool {
	return h.client.IsLoggedIn()
}

func convertLiveMessage(evt *events.Message) Message {
	return Message{
		MessageID: evt.Info.ID,
		ChatID:    evt.Info.Chat.String(),
		SenderID:  evt.Info.Sender.String(),
		Text:      extractText(evt.Message),
		Timestamp: evt.Info.Timestamp,
		IsGroup:   evt.Info.IsGroup,
		IsFromMe:  evt.Info.IsFromMe,
		Type:      classifyMessage(evt.Message),
	}
}

func convertHistorySync(evt *events.HistorySync) *HistoryBatch {
	data := evt.Data
	if data == nil {
		return nil
	}

	batch := &HistoryBatch{
		SyncType: data.GetSyncType().String(),
		Progress: int(data.GetProgress()),
	}
	// Whatsmeow delivers the backlog in chunks; RECENT is the closing one.
	batch.IsLatest = data.GetSyncType().String() == "RECENT"

	for _, pn := range data.GetPushnames() {
		batch.Contacts = append(batch.Contacts, Contact{
			ID:   pn.GetID(),
			Name: pn.GetPushname(),
		})
	}

	for _, conv := range data.GetConversations() {
		chatJID := conv.GetID()
		chat := Chat{ID: chatJID, Name: conv.GetName()}

		for _, hmsg := range conv.GetMessages() {
			info := hmsg.GetMessage()
			if info == nil || info.GetKey() == nil {
				continue
			}
			ts := time.Unix(int64(info.GetMessageTimestamp()), 0)
			if ts.After(chat.LastMessageAt) {
				chat.LastMessageAt = ts
			}

			sender := info.GetParticipant()
			if sender == "" {
				sender = info.GetKey().GetRemoteJID()
			}

			batch.Messages = append(batch.Messages, Message{
				MessageID: info.GetKey().GetID(),
				ChatID:    chatJID,
				SenderID:  sender,
				Text:      extractText(info.GetMessage()),
				Timestamp: ts,
				IsGroup:   strings.HasSuffix(chatJID, "@g.us"),
				IsFromMe:  info.GetKey().GetFromMe(),
				Type:      classifyMessage(info.GetMessage()),
			})
		}

		batch.Chats = append(batch.Chats, chat)
	}

	return batch
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

func classifyMessage(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return "unknown"
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	default:
		return "unknown"
	}
}

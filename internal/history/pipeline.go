package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"gowa-connect/internal/model"
	"gowa-connect/internal/transport"
)

var ErrMalformedBatch = errors.New("malformed history batch")

// Counts adalah agregat yang dibawa sinyal sync completed.
type Counts struct {
	Chats    int `json:"chats"`
	Contacts int `json:"contacts"`
	Messages int `json:"messages"`
}

// Emitter is the downstream collaborator contract (persistence, realtime
// delivery). One OnNormalizedMessage call per message, historical or live.
type Emitter interface {
	OnNormalizedMessage(msg model.NormalizedMessage)
	OnContactUpserted(contact model.NormalizedContact)
	OnSyncProgress(sessionID string, synced, total int)
	OnSyncCompleted(sessionID string, counts Counts)
	OnSyncFailed(sessionID string, err error)
}

// Pipeline consumes bulk history batches and realtime updates uniformly and
// feeds the emitter in small paced batches. The pacing is deliberate
// backpressure: backlogs can be tens of thousands of messages and downstream
// consumers are not sized for that burst.
type Pipeline struct {
	emitter    Emitter
	batchSize  int
	batchDelay time.Duration

	mu       sync.Mutex
	contacts map[contactKey]*model.NormalizedContact
}

type contactKey struct {
	sessionID string
	contactID string
}

func NewPipeline(emitter Emitter, batchSize int, batchDelay time.Duration) *Pipeline {
	if batchSize <= 0 {
		batchSize = 10
	}
	if batchDelay < 0 {
		batchDelay = 200 * time.Millisecond
	}
	return &Pipeline{
		emitter:    emitter,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		contacts:   make(map[contactKey]*model.NormalizedContact),
	}
}

// ProcessBatch handles one bulk backlog delivery. Messages are emitted oldest
// first within each chat, in fixed-size groups with an inter-batch delay.
// Failures are reported via OnSyncFailed and returned; there is no automatic
// retry, a fresh connect restarts the sync.
func (p *Pipeline) ProcessBatch(ctx context.Context, sessionID string, batch transport.HistoryBatch) error {
	counts := Counts{Chats: len(batch.Chats)}

	for _, contact := range batch.Contacts {
		if contact.ID == "" {
			err := fmt.Errorf("%w: contact without id", ErrMalformedBatch)
			p.emitter.OnSyncFailed(sessionID, err)
			return err
		}
		p.upsertContact(sessionID, contact)
		counts.Contacts++
	}

	// Chat records double as contact upserts so lastInteractionAt advances.
	for _, chat := range batch.Chats {
		if chat.ID == "" {
			err := fmt.Errorf("%w: chat without id", ErrMalformedBatch)
			p.emitter.OnSyncFailed(sessionID, err)
			return err
		}
		p.upsertContact(sessionID, transport.Contact{
			ID:                chat.ID,
			Name:              chat.Name,
			LastInteractionAt: chat.LastMessageAt,
		})
	}

	ordered, err := orderMessages(batch.Messages)
	if err != nil {
		p.emitter.OnSyncFailed(sessionID, err)
		return err
	}

	total := len(ordered)
	for i := 0; i < total; i += p.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := i + p.batchSize
		if end > total {
			end = total
		}
		for _, msg := range ordered[i:end] {
			p.emitter.OnNormalizedMessage(normalize(sessionID, msg, true))
			counts.Messages++
		}
		p.emitter.OnSyncProgress(sessionID, end, total)

		if end < total && p.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.batchDelay):
			}
		}
	}

	p.emitter.OnSyncCompleted(sessionID, counts)
	log.Printf("✓ History sync batch done for %s: %d chats, %d contacts, %d messages (type=%s latest=%v)",
		sessionID, counts.Chats, counts.Contacts, counts.Messages, batch.SyncType, batch.IsLatest)
	return nil
}

// ProcessLive handles realtime message upserts. Same normalization as the
// backlog path, isHistorical=false.
func (p *Pipeline) ProcessLive(sessionID string, msgs []transport.Message) {
	for _, msg := range msgs {
		p.emitter.OnNormalizedMessage(normalize(sessionID, msg, false))
		p.upsertContact(sessionID, transport.Contact{
			ID:                msg.SenderID,
			LastInteractionAt: msg.Timestamp,
		})
	}
}

// UpsertContacts merges standalone contact pushes (app state sync) into the
// cache. Same merge rules as the backlog path.
func (p *Pipeline) UpsertContacts(sessionID string, contacts []transport.Contact) {
	for _, contact := range contacts {
		p.upsertContact(sessionID, contact)
	}
}

// upsertContact is keyed by normalized id × session. Last write wins on name
// and picture; lastInteractionAt only ever advances.
func (p *Pipeline) upsertContact(sessionID string, contact transport.Contact) {
	id := NormalizeID(contact.ID)
	if id == "" {
		return
	}
	key := contactKey{sessionID: sessionID, contactID: id}

	p.mu.Lock()
	existing, ok := p.contacts[key]
	if !ok {
		existing = &model.NormalizedContact{SessionID: sessionID, ContactID: id}
		p.contacts[key] = existing
	}
	if contact.Name != "" {
		existing.Name = contact.Name
	}
	if contact.PictureURL != "" {
		existing.PictureURL = contact.PictureURL
	}
	if contact.LastInteractionAt.After(existing.LastInteractionAt) {
		existing.LastInteractionAt = contact.LastInteractionAt
	}
	snapshot := *existing
	p.mu.Unlock()

	p.emitter.OnContactUpserted(snapshot)
}

// Contact returns the current merged record, if any. Used by tests and the
// status surface.
func (p *Pipeline) Contact(sessionID, contactID string) (model.NormalizedContact, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.contacts[contactKey{sessionID: sessionID, contactID: NormalizeID(contactID)}]
	if !ok {
		return model.NormalizedContact{}, false
	}
	return *c, true
}

// Forget drops the contact cache for a session (session removed).
func (p *Pipeline) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key := range p.contacts {
		if key.sessionID == sessionID {
			delete(p.contacts, key)
		}
	}
}

// orderMessages sorts chronologically within each chat while keeping the
// chats themselves in first-seen order.
func orderMessages(msgs []transport.Message) ([]transport.Message, error) {
	byChat := make(map[string][]transport.Message)
	var chatOrder []string

	for _, msg := range msgs {
		if msg.ChatID == "" {
			return nil, fmt.Errorf("%w: message %q without chat id", ErrMalformedBatch, msg.MessageID)
		}
		if _, ok := byChat[msg.ChatID]; !ok {
			chatOrder = append(chatOrder, msg.ChatID)
		}
		byChat[msg.ChatID] = append(byChat[msg.ChatID], msg)
	}

	ordered := make([]transport.Message, 0, len(msgs))
	for _, chatID := range chatOrder {
		chatMsgs := byChat[chatID]
		sort.SliceStable(chatMsgs, func(i, j int) bool {
			return chatMsgs[i].Timestamp.Before(chatMsgs[j].Timestamp)
		})
		ordered = append(ordered, chatMsgs...)
	}
	return ordered, nil
}

func normalize(sessionID string, msg transport.Message, historical bool) model.NormalizedMessage {
	msgType := msg.Type
	if msgType == "" {
		msgType = "text"
	}
	return model.NormalizedMessage{
		SessionID:    sessionID,
		FromID:       NormalizeID(msg.SenderID),
		Text:         msg.Text,
		MessageID:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		IsGroup:      msg.IsGroup || IsGroupID(msg.ChatID),
		IsFromMe:     msg.IsFromMe,
		IsHistorical: historical,
		MessageType:  msgType,
	}
}

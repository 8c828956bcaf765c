package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gowa-connect/internal/model"
	"gowa-connect/internal/transport"
)

// recordEmitter captures everything the pipeline emits.
type recordEmitter struct {
	mu        sync.Mutex
	messages  []model.NormalizedMessage
	contacts  []model.NormalizedContact
	progress  [][2]int
	completed []Counts
	failed    []error
}

func (r *recordEmitter) OnNormalizedMessage(msg model.NormalizedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordEmitter) OnContactUpserted(contact model.NormalizedContact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts = append(r.contacts, contact)
}

func (r *recordEmitter) OnSyncProgress(sessionID string, synced, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, [2]int{synced, total})
}

func (r *recordEmitter) OnSyncCompleted(sessionID string, counts Counts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, counts)
}

func (r *recordEmitter) OnSyncFailed(sessionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func backlogBatch(numMessages int) transport.HistoryBatch {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	batch := transport.HistoryBatch{
		Chats: []transport.Chat{
			{ID: "628111@s.whatsapp.net", Name: "Chat A", LastMessageAt: base},
			{ID: "628222@s.whatsapp.net", Name: "Chat B", LastMessageAt: base},
			{ID: "12036304@g.us", Name: "Group C", LastMessageAt: base},
		},
		Contacts: []transport.Contact{
			{ID: "628111@s.whatsapp.net", Name: "Andi"},
			{ID: "628222@s.whatsapp.net", Name: "Budi"},
		},
		SyncType: "RECENT",
		IsLatest: true,
	}

	chats := []string{"628111@s.whatsapp.net", "628222@s.whatsapp.net", "12036304@g.us"}
	for i := 0; i < numMessages; i++ {
		chat := chats[i%len(chats)]
		// deliberately out of order: newest first, the pipeline must re-sort
		batch.Messages = append(batch.Messages, transport.Message{
			MessageID: fmt.Sprintf("m%03d", i),
			ChatID:    chat,
			SenderID:  "628111:12@s.whatsapp.net",
			Text:      fmt.Sprintf("pesan %d", i),
			Timestamp: base.Add(-time.Duration(i) * time.Minute),
		})
	}
	return batch
}

func TestProcessBatchBatchesAndOrders(t *testing.T) {
	rec := &recordEmitter{}
	p := NewPipeline(rec, 10, 10*time.Millisecond)

	batch := backlogBatch(25)
	start := time.Now()
	require.NoError(t, p.ProcessBatch(context.Background(), "sess-1", batch))
	elapsed := time.Since(start)

	assert.Len(t, rec.messages, 25)

	// 25 messages at batch size 10 = 3 groups, 2 inter-batch delays
	assert.Equal(t, [][2]int{{10, 25}, {20, 25}, {25, 25}}, rec.progress)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)

	for _, msg := range rec.messages {
		assert.True(t, msg.IsHistorical)
		assert.Equal(t, "sess-1", msg.SessionID)
		assert.Equal(t, "628111", msg.FromID, "sender id must be normalized")
		// group flag derived from the raw chat id
		if msg.MessageID == "m002" {
			assert.True(t, msg.IsGroup)
		}
	}

	require.Len(t, rec.completed, 1)
	assert.Equal(t, Counts{Chats: 3, Contacts: 2, Messages: 25}, rec.completed[0])
	assert.Empty(t, rec.failed)
}

func TestProcessBatchChronologicalWithinChat(t *testing.T) {
	rec := &recordEmitter{}
	p := NewPipeline(rec, 100, 0)

	batch := backlogBatch(12)
	require.NoError(t, p.ProcessBatch(context.Background(), "sess-1", batch))

	// rebuild message id -> raw chat id from the input
	chatOf := make(map[string]string, len(batch.Messages))
	for _, raw := range batch.Messages {
		chatOf[raw.MessageID] = raw.ChatID
	}

	lastPerChat := make(map[string]time.Time)
	for _, msg := range rec.messages {
		chat := chatOf[msg.MessageID]
		if prev, ok := lastPerChat[chat]; ok {
			assert.False(t, msg.Timestamp.Before(prev),
				"message %s out of order within chat %s", msg.MessageID, chat)
		}
		lastPerChat[chat] = msg.Timestamp
	}
}

func TestProcessBatchMalformed(t *testing.T) {
	rec := &recordEmitter{}
	p := NewPipeline(rec, 10, 0)

	batch := transport.HistoryBatch{
		Messages: []transport.Message{
			{MessageID: "m1", ChatID: "", Text: "no chat"},
		},
	}

	err := p.ProcessBatch(context.Background(), "sess-1", batch)
	require.ErrorIs(t, err, ErrMalformedBatch)
	require.Len(t, rec.failed, 1)
	assert.ErrorIs(t, rec.failed[0], ErrMalformedBatch)
	assert.Empty(t, rec.completed)
	assert.Empty(t, rec.messages)
}

func TestProcessBatchCancelled(t *testing.T) {
	rec := &recordEmitter{}
	p := NewPipeline(rec, 5, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.ProcessBatch(ctx, "sess-1", backlogBatch(25))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.completed)
	assert.Less(t, len(rec.messages), 25)
}

func TestProcessLive(t *testing.T) {
	rec := &recordEmitter{}
	p := NewPipeline(rec, 10, 0)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.ProcessLive("sess-1", []transport.Message{
		{MessageID: "live1", ChatID: "628111@s.whatsapp.net", SenderID: "628111:7@s.whatsapp.net", Text: "halo", Timestamp: now, Type: "text"},
	})

	require.Len(t, rec.messages, 1)
	msg := rec.messages[0]
	assert.False(t, msg.IsHistorical)
	assert.Equal(t, "628111", msg.FromID)
	assert.Equal(t, "text", msg.MessageType)

	// the sender's lastInteractionAt advanced
	contact, ok := p.Contact("sess-1", "628111")
	require.True(t, ok)
	assert.Equal(t, now, contact.LastInteractionAt)
}

func TestUpsertContactsMergeRules(t *testing.T) {
	rec := &recordEmitter{}
	p := NewPipeline(rec, 10, 0)

	early := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	p.UpsertContacts("sess-1", []transport.Contact{
		{ID: "628111@s.whatsapp.net", Name: "Andi", LastInteractionAt: late},
	})
	p.UpsertContacts("sess-1", []transport.Contact{
		{ID: "628111@s.whatsapp.net", Name: "Andi Baru", PictureURL: "https://pic/1.jpg", LastInteractionAt: early},
	})

	contact, ok := p.Contact("sess-1", "628111")
	require.True(t, ok)
	assert.Equal(t, "Andi Baru", contact.Name, "last write wins on name")
	assert.Equal(t, "https://pic/1.jpg", contact.PictureURL)
	assert.Equal(t, late, contact.LastInteractionAt, "lastInteractionAt only advances")

	// contacts are per session
	_, ok = p.Contact("sess-2", "628111")
	assert.False(t, ok)
}

func TestForgetDropsSessionContacts(t *testing.T) {
	rec := &recordEmitter{}
	p := NewPipeline(rec, 10, 0)

	p.UpsertContacts("sess-1", []transport.Contact{{ID: "628111@s.whatsapp.net", Name: "Andi"}})
	p.UpsertContacts("sess-2", []transport.Contact{{ID: "628111@s.whatsapp.net", Name: "Andi"}})

	p.Forget("sess-1")

	_, ok := p.Contact("sess-1", "628111")
	assert.False(t, ok)
	_, ok = p.Contact("sess-2", "628111")
	assert.True(t, ok)
}

func TestNormalizeID(t *testing.T) {
	cases := map[string]string{
		"6285148107612@s.whatsapp.net":    "6285148107612",
		"6285148107612:43@s.whatsapp.net": "6285148107612",
		"120363041234567890@g.us":         "120363041234567890",
		"6285148107612@c.us":              "6285148107612",
		"6285148107612":                   "6285148107612",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeID(in), "input %q", in)
	}

	assert.True(t, IsGroupID("120363041234567890@g.us"))
	assert.False(t, IsGroupID("6285148107612@s.whatsapp.net"))
}

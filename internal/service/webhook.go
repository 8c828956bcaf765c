package service

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"gowa-connect/internal/model"
)

type WebhookPayload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// WebhookForwarder POSTs normalized messages to the configured collaborator
// endpoint. Historical backlog items are forwarded too; downstream uses the
// isHistorical flag to suppress automated responses.
type WebhookForwarder struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookForwarder(url, secret string) *WebhookForwarder {
	if url == "" {
		return nil
	}
	return &WebhookForwarder{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookForwarder) ForwardMessage(msg model.NormalizedMessage) {
	w.send("incoming_message", msg)
}

func (w *WebhookForwarder) send(event string, data interface{}) {
	payload := WebhookPayload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("webhook: marshal error: %v", err)
		return
	}

	req, err := http.NewRequest("POST", w.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("webhook: new request error: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	// If webhook secret is set, add HMAC signature header
	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(body)
		signature := hex.EncodeToString(mac.Sum(nil))

		req.Header.Set("X-GOWA-Signature", signature)
	}

	go func() {
		resp, err := w.client.Do(req)
		if err != nil {
			log.Printf("webhook: send error: %v", err)
			return
		}
		_ = resp.Body.Close()
	}()
}

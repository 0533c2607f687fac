package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSink posts events to an HTTP endpoint, e.g. a push provider
// gateway. Broadcasts are posted with an empty recipient.
type WebhookSink struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookSink(endpoint string) *WebhookSink {
	return &WebhookSink{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) SendTo(ctx context.Context, recipientID string, ev Event) error {
	return w.post(ctx, recipientID, ev)
}

func (w *WebhookSink) Broadcast(ctx context.Context, ev Event) error {
	return w.post(ctx, "", ev)
}

func (w *WebhookSink) post(ctx context.Context, recipientID string, ev Event) error {
	b, err := json.Marshal(envelope{Recipient: recipientID, Broadcast: recipientID == "", Event: ev})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook %s: status %d", w.Endpoint, resp.StatusCode)
	}
	return nil
}

type envelope struct {
	Recipient string `json:"recipient,omitempty"`
	Broadcast bool   `json:"broadcast"`
	Event     Event  `json:"event"`
}

package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

const (
	// SignatureHeader carries "sha256=" and the hex HMAC-SHA256 of the body.
	SignatureHeader = "X-Signature-256"
	// DeliveryHeader carries a unique id per delivery for receiver dedup.
	DeliveryHeader = "X-Readtrack-Delivery"
)

// Webhook posts the Notification itself as JSON.
type Webhook struct {
	client *http.Client
	url    string
	secret string
}

// NewWebhook returns a Webhook notifier. Deliveries are unsigned when
// secret is empty.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{client: newHTTPClient(), url: url, secret: secret}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	h := http.Header{}
	h.Set("User-Agent", "readtrack")
	h.Set(DeliveryHeader, uuid.NewString())
	if w.secret != "" {
		h.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	if err := post(ctx, w.client, w.url, body, h); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

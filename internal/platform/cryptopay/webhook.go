package cryptopay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// VerifySignature checks the crypto-pay-api-signature header: the hex HMAC-SHA256
// of the raw body keyed with SHA256(token). An empty signature never verifies.
func VerifySignature(token string, body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || token == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	secret := sha256.Sum256([]byte(token))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign returns the signature the gateway would send for body.
func Sign(token string, body []byte) string {
	secret := sha256.Sum256([]byte(token))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) VerifyWebhookSignature(body []byte, signature string) bool {
	return VerifySignature(c.token, body, signature)
}

// ParseWebhook decodes a webhook update body.
func (c *Client) ParseWebhook(body []byte) (*WebhookUpdate, error) {
	return ParseWebhook(body)
}

func ParseWebhook(body []byte) (*WebhookUpdate, error) {
	var u WebhookUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("failed to decode webhook update: %w", err)
	}
	if u.UpdateID == 0 || u.UpdateType == "" {
		return nil, errors.New("webhook update is missing update_id or update_type")
	}
	return &u, nil
}

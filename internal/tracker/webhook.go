package tracker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// WebhookEvent is the single inbound shape spec.md §4.5.2 acts on.
type WebhookEvent struct {
	Action string          `json:"action"` // create | update | remove
	Type   string          `json:"type"`   // only "Issue" is acted on
	Data   json.RawMessage `json:"data"`
}

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionRemove = "remove"

	TypeIssue = "Issue"
)

// ParseWebhookEvent decodes the raw body into a WebhookEvent.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	return &ev, nil
}

// VerifySignature checks an HMAC-SHA256 signature (hex-encoded) against
// body using secret, constant-time. signature is the raw header value,
// e.g. "sha256=<hex>" or a bare hex digest -- both forms are accepted.
func VerifySignature(secret, signatureHeader string, body []byte) bool {
	const prefix = "sha256="
	digest := signatureHeader
	if len(digest) > len(prefix) && digest[:len(prefix)] == prefix {
		digest = digest[len(prefix):]
	}

	expected, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := mac.Sum(nil)

	return hmac.Equal(expected, computed)
}

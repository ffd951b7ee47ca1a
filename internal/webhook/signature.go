// Package webhook ingests billing-provider events through a durable inbox
// and reconciles subscription, license and cache state from them.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader is the request header carrying the event signature.
const SignatureHeader = "X-Webhook-Signature"

var ErrInvalidSignature = errors.New("invalid_webhook_signature")

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the provider's signature over the raw body.
// An optional "sha256=" prefix is tolerated. Comparison is constant time.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	want := Sign(secret, body)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(signature))) {
		return ErrInvalidSignature
	}
	return nil
}

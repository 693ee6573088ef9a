// Package signing computes and verifies the HMAC-SHA256 signatures
// Runlater attaches to outbound webhook deliveries and callbacks.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header names attached to every signed outbound request.
const (
	HeaderTaskID      = "X-Runlater-Task-Id"
	HeaderExecutionID = "X-Runlater-Execution-Id"
	HeaderSignature   = "X-Runlater-Signature"
)

// Sign returns the signature for body under the org's webhook secret,
// formatted as "sha256=<hex>".
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
// Comparison is constant-time.
func Verify(body, secret []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

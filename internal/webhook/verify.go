package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

var (
	// ErrMissingSignature means the X-Hub-Signature-256 header is absent or
	// not in "sha256=<hex>" form.
	ErrMissingSignature = errors.New("missing or malformed X-Hub-Signature-256 header")
	// ErrBadSignature means the payload does not match the signature.
	ErrBadSignature = errors.New("webhook signature mismatch")
)

// VerifySignature checks a GitHub HMAC-SHA256 payload signature in constant
// time.
func VerifySignature(payload []byte, header, secret string) error {
	received, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok || received == "" {
		return ErrMissingSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(received), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

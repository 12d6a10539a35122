package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingSignature = errors.New("missing X-Hub-Signature-256 header")
	ErrBadSignature     = errors.New("signature mismatch")
)

// GitHubSignature returns the X-Hub-Signature-256 header value for body.
func GitHubSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyGitHubSignature checks an X-Hub-Signature-256 header (format: sha256=<hex>).
func VerifyGitHubSignature(secret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	sigHex, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return errors.New("X-Hub-Signature-256 must have format sha256=<hex>")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return errors.New("invalid hex in X-Hub-Signature-256")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), sig) != 1 {
		return ErrBadSignature
	}
	return nil
}

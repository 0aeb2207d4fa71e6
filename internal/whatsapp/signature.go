package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC of a webhook body
const SignatureHeader = "X-Hub-Signature-256"

// ValidSignature checks an X-Hub-Signature-256 value ("sha256=<hex>") against body.
// An empty secret disables the check.
func ValidSignature(body []byte, signature, appSecret string) bool {
	if appSecret == "" {
		return true
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)

	return hmac.Equal(sig, mac.Sum(nil))
}

// Sign computes the header value for body
func Sign(body []byte, appSecret string) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Package signing computes and checks the HMAC-SHA256 signatures used on
// tenant webhook deliveries and on gateway intake requests.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	Prefix = "sha256="

	// HeaderSignature carries the signature on outbound tenant deliveries.
	HeaderSignature = "X-Signature"
	// HeaderGatewaySignature carries the signature on gateway intake requests.
	HeaderGatewaySignature = "X-Gateway-Signature"
)

// Sign returns "sha256=" followed by the hex HMAC of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify accepts the signature with or without the "sha256=" prefix and
// compares in constant time.
func Verify(secret string, body []byte, provided string) bool {
	provided = strings.TrimSpace(provided)
	if secret == "" || provided == "" {
		return false
	}
	if !strings.HasPrefix(provided, Prefix) {
		provided = Prefix + provided
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

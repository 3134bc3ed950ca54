package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// MAC returns the HMAC-SHA256 keyed digest of data under secret. All honest
// participants share the secret out-of-band; a message whose tag does not
// match was either forged or tampered with in transit.
func MAC(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyMAC recomputes the keyed digest of data under secret and compares it
// with tag in constant time.
func VerifyMAC(secret, data, tag []byte) bool {
	return hmac.Equal(MAC(secret, data), tag)
}

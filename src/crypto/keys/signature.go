package keys

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
)

// Sign signs the data with the private key and the built-in pseudo-random
// generator rand.Reader.
func Sign(priv *ecdsa.PrivateKey, data []byte) (r, s *big.Int, err error) {
	return ecdsa.Sign(rand.Reader, priv, data)
}

// Verify verifies that a signature represented by r and s values, is a valid
// signature of the data by an owner of the private key associated with the
// provided public key.
func Verify(pub *ecdsa.PublicKey, data []byte, r, s *big.Int) bool {
	return ecdsa.Verify(pub, data, r, s)
}

// EncodeSignature returns a string representation of a signature.
func EncodeSignature(r, s *big.Int) string {
	return fmt.Sprintf("%s|%s", r.Text(36), s.Text(36))
}

// DecodeSignature parses a string representation of a signature as produced
// by EncodeSignature.
func DecodeSignature(sig string) (r, s *big.Int, err error) {
	values := strings.Split(sig, "|")
	if len(values) != 2 {
		return r, s, fmt.Errorf("wrong number of values in signature: got %d, want 2", len(values))
	}
	r, _ = new(big.Int).SetString(values[0], 36)
	s, _ = new(big.Int).SetString(values[1], 36)
	return r, s, nil
}

// Verifier abstracts signature verification so that callers can plug in
// alternative schemes. VerifyBytes is the ECDSA implementation.
type Verifier func(message, signature, publicKey []byte) bool

// SignBytes signs the SHA256 digest of the message and returns the signature
// in the string encoding produced by EncodeSignature.
func SignBytes(priv *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	r, s, err := Sign(priv, digest[:])
	if err != nil {
		return nil, err
	}
	return []byte(EncodeSignature(r, s)), nil
}

// VerifyBytes implements Verifier over the package's ECDSA primitives. The
// message is hashed with SHA256, matching SignBytes; the signature is
// expected in the string encoding produced by EncodeSignature.
func VerifyBytes(message, signature, publicKey []byte) bool {
	pub := ToPublicKey(publicKey)
	if pub == nil {
		return false
	}
	r, s, err := DecodeSignature(string(signature))
	if err != nil || r == nil || s == nil {
		return false
	}
	digest := sha256.Sum256(message)
	return Verify(pub, digest[:], r, s)
}

package keys

import (
	"bytes"
	"crypto/ecdsa"

	"github.com/mr-tron/base58"
	"github.com/unauthority/los/src/crypto"
)

// addressVersion is the version byte prepended to the public-key hash before
// Base58 encoding. Must be identical across the network.
const addressVersion byte = 0x4A

// addressPrefix is the human-readable prefix of every LOS address.
const addressPrefix = "LOS"

// AddressFromPublicKeyBytes derives the LOS address of a public key given in
// uncompressed form.
//
// Format: "LOS" + Base58(version || hash160(pubkey) || checksum), where
// hash160 is the first 20 bytes of SHA256(pubkey) and the checksum is the
// first 4 bytes of SHA256(SHA256(version || hash160)).
func AddressFromPublicKeyBytes(pub []byte) string {
	hash := crypto.SHA256(pub)[:20]

	payload := make([]byte, 0, 25)
	payload = append(payload, addressVersion)
	payload = append(payload, hash...)

	checksum := crypto.SHA256(crypto.SHA256(payload))[:4]
	payload = append(payload, checksum...)

	return addressPrefix + base58.Encode(payload)
}

// AddressFromPublicKey derives the LOS address of an ecdsa public key.
func AddressFromPublicKey(pub *ecdsa.PublicKey) string {
	return AddressFromPublicKeyBytes(FromPublicKey(pub))
}

// ValidAddress checks the prefix, Base58 encoding, length, and checksum of an
// address.
func ValidAddress(address string) bool {
	if len(address) <= len(addressPrefix) || address[:len(addressPrefix)] != addressPrefix {
		return false
	}

	decoded, err := base58.Decode(address[len(addressPrefix):])
	if err != nil {
		return false
	}

	// version (1) + hash (20) + checksum (4)
	if len(decoded) != 25 {
		return false
	}

	payload := decoded[:21]
	checksum := decoded[21:]

	return bytes.Equal(checksum, crypto.SHA256(crypto.SHA256(payload))[:4])
}

// AddressResolver maps a validator address to its public key bytes. It is
// supplied by the identity collaborator; returns nil for unknown validators.
type AddressResolver func(address string) []byte

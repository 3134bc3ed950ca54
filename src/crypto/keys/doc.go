// Package keys implements the public key cryptography used throughout LOS.
//
// Every validator owns an ECDSA key pair on the secp256k1 curve. The public
// key derives the validator's LOS address, a Base58Check encoding with a
// version byte and a 4-byte checksum, and the private key signs finality
// checkpoints.
//
// The Verifier and AddressResolver function types decouple the packages that
// verify signatures from this implementation, so alternative schemes can be
// plugged in without touching the consensus or checkpoint code.
package keys

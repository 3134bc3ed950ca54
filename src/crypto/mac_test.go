package crypto

import (
	"bytes"
	"testing"
)

func TestMAC(t *testing.T) {
	secret := []byte("secret")
	data := []byte("some payload")

	tag := MAC(secret, data)

	if !VerifyMAC(secret, data, tag) {
		t.Fatalf("tag should verify")
	}

	if VerifyMAC([]byte("other secret"), data, tag) {
		t.Fatalf("tag should not verify under a different secret")
	}

	if VerifyMAC(secret, []byte("other payload"), tag) {
		t.Fatalf("tag should not verify different data")
	}

	// deterministic
	if !bytes.Equal(tag, MAC(secret, data)) {
		t.Fatalf("tag should be deterministic")
	}
}

func TestSHA256(t *testing.T) {
	h1 := SHA256([]byte("data"))
	h2 := SHA256([]byte("data"))

	if !bytes.Equal(h1, h2) {
		t.Fatalf("hash should be deterministic")
	}
	if len(h1) != 32 {
		t.Fatalf("hash should be 32 bytes, got %d", len(h1))
	}

	if bytes.Equal(h1, SHA256([]byte("other"))) {
		t.Fatalf("different inputs should hash differently")
	}
}

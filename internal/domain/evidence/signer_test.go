package evidence

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestHMACSignerRoundTrip(t *testing.T) {
	signer := NewHMACSigner([]byte("0123456789abcdef0123456789abcdef"), KeySourceEnv)
	payload := []byte(`{"metadata":{"session_id":"s1"}}`)

	block, err := signer.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	if block.Algorithm != AlgHMACSHA256 {
		t.Errorf("algorithm = %s, want %s", block.Algorithm, AlgHMACSHA256)
	}
	if !signer.Verify(payload, block) {
		t.Error("unmodified payload failed verification")
	}
}

func TestHMACSignerDetectsSingleByteMutation(t *testing.T) {
	signer := NewHMACSigner([]byte("0123456789abcdef0123456789abcdef"), KeySourceEnv)
	payload := []byte(`{"metadata":{"session_id":"s1"}}`)
	block, _ := signer.Sign(payload)

	for i := range payload {
		mutated := append([]byte{}, payload...)
		mutated[i] ^= 0x01
		if signer.Verify(mutated, block) {
			t.Fatalf("mutation at byte %d passed verification", i)
		}
	}
}

func TestEd25519SignerRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := NewEd25519Signer(priv.Seed(), KeySourceFile)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("evidence payload")
	block, err := signer.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	if block.PublicKey == "" {
		t.Error("ed25519 block missing embedded public key")
	}
	if !signer.Verify(payload, block) {
		t.Error("unmodified payload failed verification")
	}

	mutated := append([]byte{}, payload...)
	mutated[0] ^= 0x01
	if signer.Verify(mutated, block) {
		t.Error("mutated payload passed verification")
	}
}

func TestVerifyBlockWithoutSigner(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := NewEd25519Signer(priv.Seed(), KeySourceEnv)
	payload := []byte("offline verify")
	block, _ := signer.Sign(payload)

	if !VerifyBlock(payload, block, nil) {
		t.Error("self-contained ed25519 verification failed")
	}

	hmacSigner := NewHMACSigner([]byte("shared-key-material"), KeySourceEnv)
	hmacBlock, _ := hmacSigner.Sign(payload)
	if !VerifyBlock(payload, hmacBlock, []byte("shared-key-material")) {
		t.Error("hmac verification with shared key failed")
	}
	if VerifyBlock(payload, hmacBlock, []byte("wrong-key")) {
		t.Error("hmac verification passed with wrong key")
	}
}

func TestEd25519SignerRejectsBadKeyLength(t *testing.T) {
	if _, err := NewEd25519Signer([]byte("short"), KeySourceEnv); err == nil {
		t.Error("expected error for undersized key material")
	}
}

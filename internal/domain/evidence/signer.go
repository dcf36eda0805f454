package evidence

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// Algorithm identifiers written into export metadata.
const (
	AlgHMACSHA256 = "hmac-sha256"
	AlgEd25519    = "ed25519"
)

// KeySource describes where signing key material came from.
const (
	KeySourceEnv  = "env"
	KeySourceFile = "file"
)

// SignatureBlock accompanies every export. Verification takes the
// payload and this block and returns pass/fail offline.
type SignatureBlock struct {
	Algorithm string `json:"algorithm"`
	KeySource string `json:"key_source"`
	Signature string `json:"signature"`
	// PublicKey is set for asymmetric schemes so verification needs no
	// key distribution side channel.
	PublicKey string `json:"public_key,omitempty"`
}

// Signer is the pluggable integrity scheme for evidence exports.
type Signer interface {
	Sign(payload []byte) (SignatureBlock, error)
	Verify(payload []byte, block SignatureBlock) bool
	Algorithm() string
}

// HMACSigner signs exports with a shared secret.
type HMACSigner struct {
	key       []byte
	keySource string
}

// NewHMACSigner creates a symmetric signer.
func NewHMACSigner(key []byte, keySource string) *HMACSigner {
	return &HMACSigner{key: key, keySource: keySource}
}

func (s *HMACSigner) Algorithm() string { return AlgHMACSHA256 }

func (s *HMACSigner) Sign(payload []byte) (SignatureBlock, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return SignatureBlock{
		Algorithm: AlgHMACSHA256,
		KeySource: s.keySource,
		Signature: hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

func (s *HMACSigner) Verify(payload []byte, block SignatureBlock) bool {
	if block.Algorithm != AlgHMACSHA256 {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(block.Signature))
}

// Ed25519Signer signs exports with an asymmetric key pair.
type Ed25519Signer struct {
	priv      ed25519.PrivateKey
	keySource string
}

// NewEd25519Signer creates an asymmetric signer from a seed or full
// private key.
func NewEd25519Signer(keyMaterial []byte, keySource string) (*Ed25519Signer, error) {
	var priv ed25519.PrivateKey
	switch len(keyMaterial) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(keyMaterial)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(keyMaterial)
	default:
		return nil, fmt.Errorf("evidence: ed25519 key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(keyMaterial))
	}
	return &Ed25519Signer{priv: priv, keySource: keySource}, nil
}

func (s *Ed25519Signer) Algorithm() string { return AlgEd25519 }

func (s *Ed25519Signer) Sign(payload []byte) (SignatureBlock, error) {
	pub := s.priv.Public().(ed25519.PublicKey)
	return SignatureBlock{
		Algorithm: AlgEd25519,
		KeySource: s.keySource,
		Signature: hex.EncodeToString(ed25519.Sign(s.priv, payload)),
		PublicKey: hex.EncodeToString(pub),
	}, nil
}

func (s *Ed25519Signer) Verify(payload []byte, block SignatureBlock) bool {
	if block.Algorithm != AlgEd25519 {
		return false
	}
	pubHex := block.PublicKey
	if pubHex == "" {
		pubHex = hex.EncodeToString(s.priv.Public().(ed25519.PublicKey))
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(block.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// VerifyBlock checks a payload against its signature block without a
// configured signer, using the algorithm and embedded public key. For
// HMAC blocks the shared key must be supplied.
func VerifyBlock(payload []byte, block SignatureBlock, hmacKey []byte) bool {
	switch block.Algorithm {
	case AlgHMACSHA256:
		return NewHMACSigner(hmacKey, block.KeySource).Verify(payload, block)
	case AlgEd25519:
		pub, err := hex.DecodeString(block.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return false
		}
		sig, err := hex.DecodeString(block.Signature)
		if err != nil {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
	}
	return false
}

// LoadKeyMaterial resolves signing key bytes from an inline value or a
// file path, reporting which source was used.
func LoadKeyMaterial(inline, filePath string) ([]byte, string, error) {
	if filePath != "" {
		b, err := os.ReadFile(filePath)
		if err != nil {
			return nil, "", fmt.Errorf("read signing key file: %w", err)
		}
		return decodeKey(b), KeySourceFile, nil
	}
	if inline != "" {
		return decodeKey([]byte(inline)), KeySourceEnv, nil
	}
	return nil, "", fmt.Errorf("no signing key configured")
}

// decodeKey accepts hex-encoded key material and falls back to raw
// bytes.
func decodeKey(b []byte) []byte {
	trimmed := make([]byte, 0, len(b))
	for _, c := range b {
		if c != '\n' && c != '\r' && c != ' ' && c != '\t' {
			trimmed = append(trimmed, c)
		}
	}
	if decoded, err := hex.DecodeString(string(trimmed)); err == nil && len(decoded) > 0 {
		return decoded
	}
	return trimmed
}

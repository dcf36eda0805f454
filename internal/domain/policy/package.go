package policy

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
)

// SignatureScheme selects how package signatures are produced and
// verified.
type SignatureScheme string

const (
	SchemeHMAC    SignatureScheme = "hmac"
	SchemeEd25519 SignatureScheme = "ed25519"
)

// Package is an immutable signed policy artifact for one tenant
// version. BundleRaw holds the exact bundle bytes the hash and
// signature cover.
type Package struct {
	TenantID   string `yaml:"tenant_id" json:"tenant_id"`
	Version    string `yaml:"version" json:"version"`
	BundleHash string `yaml:"bundle_hash" json:"bundle_hash"`
	Signer     string `yaml:"signer" json:"signer"`
	Signature  string `yaml:"signature" json:"signature"`
	BundleRaw  string `yaml:"bundle" json:"bundle"`
}

// Verifier checks package provenance against the configured key
// material for each known signer.
type Verifier struct {
	scheme SignatureScheme
	// hmacKey is the shared secret for SchemeHMAC.
	hmacKey []byte
	// pubKeys maps signer name to Ed25519 public key for SchemeEd25519.
	pubKeys map[string]ed25519.PublicKey
}

// NewHMACVerifier creates a verifier for HMAC-signed packages.
func NewHMACVerifier(secret []byte) *Verifier {
	return &Verifier{scheme: SchemeHMAC, hmacKey: secret}
}

// NewEd25519Verifier creates a verifier with per-signer public keys.
func NewEd25519Verifier(pubKeys map[string]ed25519.PublicKey) *Verifier {
	return &Verifier{scheme: SchemeEd25519, pubKeys: pubKeys}
}

// BundleDigest returns the hex SHA-256 over the canonical bundle bytes.
func BundleDigest(bundleRaw []byte) string {
	sum := sha256.Sum256(bundleRaw)
	return hex.EncodeToString(sum[:])
}

// Verify checks that the package digest matches the declared
// bundle_hash and that the signature verifies for the declared signer.
// A failure of either check is signature_invalid; the caller must not
// alter the active policy on failure.
func (v *Verifier) Verify(pkg Package) error {
	if BundleDigest([]byte(pkg.BundleRaw)) != pkg.BundleHash {
		return gateerr.Newf(gateerr.KindSignatureInvalid,
			"bundle digest does not match declared bundle_hash for %s/%s", pkg.TenantID, pkg.Version)
	}

	switch v.scheme {
	case SchemeHMAC:
		want := hmacSignature(v.hmacKey, pkg.BundleHash)
		if !hmac.Equal([]byte(want), []byte(pkg.Signature)) {
			return gateerr.Newf(gateerr.KindSignatureInvalid,
				"hmac signature mismatch for %s/%s", pkg.TenantID, pkg.Version)
		}
	case SchemeEd25519:
		pub, ok := v.pubKeys[pkg.Signer]
		if !ok {
			return gateerr.Newf(gateerr.KindSignatureInvalid,
				"unknown signer %q", pkg.Signer)
		}
		sig, err := hex.DecodeString(pkg.Signature)
		if err != nil || !ed25519.Verify(pub, []byte(pkg.BundleHash), sig) {
			return gateerr.Newf(gateerr.KindSignatureInvalid,
				"ed25519 signature mismatch for %s/%s", pkg.TenantID, pkg.Version)
		}
	default:
		return gateerr.Newf(gateerr.KindSignatureInvalid,
			"unsupported signature scheme %q", v.scheme)
	}
	return nil
}

// SignHMAC builds a complete signed package from bundle bytes using
// the shared secret. Used by tests and the packaging tooling.
func SignHMAC(secret []byte, tenantID, version, signer string, bundleRaw []byte) Package {
	hash := BundleDigest(bundleRaw)
	return Package{
		TenantID:   tenantID,
		Version:    version,
		BundleHash: hash,
		Signer:     signer,
		Signature:  hmacSignature(secret, hash),
		BundleRaw:  string(bundleRaw),
	}
}

// SignEd25519 builds a complete signed package using a private key.
func SignEd25519(priv ed25519.PrivateKey, tenantID, version, signer string, bundleRaw []byte) Package {
	hash := BundleDigest(bundleRaw)
	return Package{
		TenantID:   tenantID,
		Version:    version,
		BundleHash: hash,
		Signer:     signer,
		Signature:  hex.EncodeToString(ed25519.Sign(priv, []byte(hash))),
		BundleRaw:  string(bundleRaw),
	}
}

func hmacSignature(key []byte, bundleHash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(bundleHash))
	return hex.EncodeToString(mac.Sum(nil))
}

package policy

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
)

const testBundle = `tenant_id: t1
version: v2
read_only_tools: [db_query]
write_tools: [db_insert]
`

func TestHMACPackageRoundTrip(t *testing.T) {
	secret := []byte("package-shared-secret")
	pkg := SignHMAC(secret, "t1", "v2", "ci", []byte(testBundle))

	v := NewHMACVerifier(secret)
	if err := v.Verify(pkg); err != nil {
		t.Fatalf("valid package rejected: %v", err)
	}
}

func TestHMACPackageTamperedBundle(t *testing.T) {
	secret := []byte("package-shared-secret")
	pkg := SignHMAC(secret, "t1", "v2", "ci", []byte(testBundle))
	pkg.BundleRaw += "denied_tools: []\n"

	err := NewHMACVerifier(secret).Verify(pkg)
	if !gateerr.IsKind(err, gateerr.KindSignatureInvalid) {
		t.Fatalf("tampered bundle: got %v, want signature_invalid", err)
	}
}

func TestHMACPackageWrongKey(t *testing.T) {
	pkg := SignHMAC([]byte("right-key"), "t1", "v2", "ci", []byte(testBundle))
	err := NewHMACVerifier([]byte("wrong-key")).Verify(pkg)
	if !gateerr.IsKind(err, gateerr.KindSignatureInvalid) {
		t.Fatalf("wrong key: got %v, want signature_invalid", err)
	}
}

func TestEd25519Package(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pkg := SignEd25519(priv, "t1", "v3", "release-bot", []byte(testBundle))

	v := NewEd25519Verifier(map[string]ed25519.PublicKey{"release-bot": pub})
	if err := v.Verify(pkg); err != nil {
		t.Fatalf("valid package rejected: %v", err)
	}

	pkg.Signer = "unknown-bot"
	if err := v.Verify(pkg); !gateerr.IsKind(err, gateerr.KindSignatureInvalid) {
		t.Fatalf("unknown signer: got %v, want signature_invalid", err)
	}
}

func writeBundleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderStrictRejectsUnsigned(t *testing.T) {
	dir := t.TempDir()
	writeBundleFile(t, dir, "t1.yaml", testBundle)

	loader := NewLoader(dir, true, NewHMACVerifier([]byte("secret")))
	_, err := loader.Load()
	if !gateerr.IsKind(err, gateerr.KindSignatureInvalid) {
		t.Fatalf("strict mode accepted unsigned bundle: %v", err)
	}
}

func TestLoaderPermissiveAcceptsUnsigned(t *testing.T) {
	dir := t.TempDir()
	writeBundleFile(t, dir, "t1.yaml", testBundle)

	loader := NewLoader(dir, false, nil)
	snap, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}
	bundle, ok := snap.BundleFor("t1")
	if !ok || bundle.Version != "v2" {
		t.Fatalf("bundle not loaded: %+v", snap.Bundles)
	}
}

func TestLoaderStrictAcceptsSignedPackage(t *testing.T) {
	dir := t.TempDir()
	secret := []byte("package-shared-secret")

	// The signature covers the exact bundle bytes the YAML block
	// scalar yields after dedenting.
	bundleYAML := "tenant_id: t1\nversion: v2\nread_only_tools: [db_query]\nwrite_tools: [db_insert]\n"
	signed := SignHMAC(secret, "t1", "v2", "ci", []byte(bundleYAML))
	content := "tenant_id: t1\nversion: v2\nbundle_hash: " + signed.BundleHash +
		"\nsigner: ci\nsignature: " + signed.Signature +
		"\nbundle: |\n  tenant_id: t1\n  version: v2\n  read_only_tools: [db_query]\n  write_tools: [db_insert]\n"
	writeBundleFile(t, dir, "t1.yaml", content)

	loader := NewLoader(dir, true, NewHMACVerifier(secret))
	snap, err := loader.Load()
	if err != nil {
		t.Fatalf("signed package rejected: %v", err)
	}
	if _, ok := snap.BundleFor("t1"); !ok {
		t.Fatal("bundle missing after load")
	}
}

func TestLoaderMismatchedHashRejected(t *testing.T) {
	dir := t.TempDir()
	secret := []byte("package-shared-secret")
	pkg := SignHMAC(secret, "t1", "v2", "ci", []byte(testBundle))
	pkg.BundleHash = "deadbeef" + pkg.BundleHash[8:]

	content := "tenant_id: t1\nversion: v2\nbundle_hash: " + pkg.BundleHash +
		"\nsigner: ci\nsignature: " + pkg.Signature +
		"\nbundle: |\n  tenant_id: t1\n"
	writeBundleFile(t, dir, "t1.yaml", content)

	loader := NewLoader(dir, true, NewHMACVerifier(secret))
	_, err := loader.Load()
	var ge *gateerr.Error
	if !errors.As(err, &ge) || ge.Kind != gateerr.KindSignatureInvalid {
		t.Fatalf("mismatched hash: got %v, want signature_invalid", err)
	}
}

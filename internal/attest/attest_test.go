package attest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DenisKimskku/veripatch/internal/bundle"
	"github.com/DenisKimskku/veripatch/internal/config"
)

func seedBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"repro.json":                       `{"session_id": "s1"}`,
		"final.patch":                      "--- a/x\n+++ b/x\n@@ -1,1 +1,1 @@\n-a\n+b\n",
		"attempts/0_baseline/verify.json":  `{"exit_code": 1}`,
	}
	for rel, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestSignVerifyRoundTripNone(t *testing.T) {
	dir := seedBundle(t)
	env := config.SnapshotFrom(nil)

	att, err := Sign(dir, config.AttestationNone, "", env)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if _, listed := att.BundleManifest[bundle.AttestationFile]; listed {
		t.Error("attestation.json listed in its own manifest")
	}
	if len(att.BundleManifest) != 3 {
		t.Errorf("manifest has %d entries", len(att.BundleManifest))
	}

	if _, err := Verify(dir, env); err != nil {
		t.Fatalf("Verify failed on untouched bundle: %v", err)
	}
}

func TestSignVerifyRoundTripHMAC(t *testing.T) {
	dir := seedBundle(t)
	env := config.SnapshotFrom(map[string]string{"PP_ATTEST_HMAC_KEY": "super-secret"})

	att, err := Sign(dir, config.AttestationHMACSHA256, "PP_ATTEST_HMAC_KEY", env)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if att.Signature == "" {
		t.Fatal("no signature produced")
	}
	if _, err := Verify(dir, env); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	// A different key must not verify.
	badEnv := config.SnapshotFrom(map[string]string{"PP_ATTEST_HMAC_KEY": "wrong"})
	if _, err := Verify(dir, badEnv); !errors.Is(err, ErrMismatch) {
		t.Errorf("wrong key verified: %v", err)
	}
}

func TestSignRequiresKey(t *testing.T) {
	dir := seedBundle(t)
	if _, err := Sign(dir, config.AttestationHMACSHA256, "PP_ATTEST_HMAC_KEY", config.SnapshotFrom(nil)); err == nil {
		t.Error("hmac-sha256 signing without a key succeeded")
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	dir := seedBundle(t)
	env := config.SnapshotFrom(map[string]string{"PP_ATTEST_HMAC_KEY": "k"})
	if _, err := Sign(dir, config.AttestationHMACSHA256, "PP_ATTEST_HMAC_KEY", env); err != nil {
		t.Fatal(err)
	}

	// Flip one byte in final.patch.
	target := filepath.Join(dir, "final.patch")
	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0x01
	if err := os.WriteFile(target, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = Verify(dir, env)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("tamper not detected: %v", err)
	}
	if !strings.Contains(err.Error(), "final.patch") {
		t.Errorf("mismatch does not name the offending path: %v", err)
	}
}

func TestVerifyDetectsRemovedAndAddedFiles(t *testing.T) {
	dir := seedBundle(t)
	env := config.SnapshotFrom(nil)
	if _, err := Sign(dir, config.AttestationNone, "", env); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "extra.txt"), []byte("sneaky"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Verify(dir, env)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("added file not detected: %v", err)
	}
	if !strings.Contains(err.Error(), "extra.txt") {
		t.Errorf("mismatch does not name the added file: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "extra.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "repro.json")); err != nil {
		t.Fatal(err)
	}
	_, err = Verify(dir, env)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("removed file not detected: %v", err)
	}
	if !strings.Contains(err.Error(), "repro.json") {
		t.Errorf("mismatch does not name the removed file: %v", err)
	}
}

func TestDigestStable(t *testing.T) {
	m := map[string]string{"b": "2", "a": "1"}
	if Digest(m) != Digest(map[string]string{"a": "1", "b": "2"}) {
		t.Error("digest depends on map order")
	}
	if Digest(m) == Digest(map[string]string{"a": "1", "b": "3"}) {
		t.Error("digest ignores values")
	}
}

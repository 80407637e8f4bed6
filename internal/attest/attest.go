// Package attest signs and verifies proof bundles. A bundle manifest maps
// every bundle file to its SHA-256; the manifest digest is optionally signed
// with HMAC-SHA256 using a key taken from the environment.
package attest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/DenisKimskku/veripatch/internal/bundle"
	"github.com/DenisKimskku/veripatch/internal/config"
)

// ErrMismatch is returned when any bundle file or signature disagrees with
// the recorded attestation.
var ErrMismatch = errors.New("attestation_mismatch")

// Attestation is the persisted attestation.json payload. The file itself is
// never a member of its own manifest.
type Attestation struct {
	Mode           string            `json:"mode"`
	KeyEnv         string            `json:"key_env,omitempty"`
	BundleManifest map[string]string `json:"bundle_manifest"`
	ManifestDigest string            `json:"manifest_digest"`
	Signature      string            `json:"signature,omitempty"`
}

// BuildManifest hashes every file in the bundle directory except
// attestation.json, keyed by slash-separated relative path.
func BuildManifest(bundleDir string) (map[string]string, error) {
	manifest := make(map[string]string)
	err := filepath.WalkDir(bundleDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(bundleDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == bundle.AttestationFile {
			return nil
		}
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		sum := sha256.Sum256(raw)
		manifest[rel] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk bundle: %w", err)
	}
	return manifest, nil
}

// Digest computes the manifest digest: SHA-256 over the sorted
// `path\tsha256` lines joined with LF, no trailing newline.
func Digest(manifest map[string]string) string {
	paths := make([]string, 0, len(manifest))
	for p := range manifest {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	lines := make([]string, len(paths))
	for i, p := range paths {
		lines[i] = p + "\t" + manifest[p]
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// Sign attests the bundle at bundleDir and writes attestation.json. For
// hmac-sha256 the key comes from the environment variable named keyEnv; a
// missing key is an error.
func Sign(bundleDir, mode, keyEnv string, env *config.EnvSnapshot) (*Attestation, error) {
	switch mode {
	case config.AttestationNone, config.AttestationHMACSHA256:
	default:
		return nil, fmt.Errorf("unsupported attestation mode %q", mode)
	}

	manifest, err := BuildManifest(bundleDir)
	if err != nil {
		return nil, err
	}
	att := &Attestation{
		Mode:           mode,
		BundleManifest: manifest,
		ManifestDigest: Digest(manifest),
	}

	if mode == config.AttestationHMACSHA256 {
		key := env.Get(keyEnv)
		if key == "" {
			return nil, fmt.Errorf("attestation mode hmac-sha256 requires environment variable %s", keyEnv)
		}
		att.KeyEnv = keyEnv
		att.Signature = signDigest(key, att.ManifestDigest)
	}

	data, err := bundle.MarshalCanonical(att)
	if err != nil {
		return nil, fmt.Errorf("canonicalize attestation: %w", err)
	}
	target := filepath.Join(bundleDir, bundle.AttestationFile)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return nil, fmt.Errorf("write attestation: %w", err)
	}
	return att, nil
}

func signDigest(key, digest string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(digest))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the bundle manifest and checks it against
// attestation.json, including the HMAC signature in constant time. Any
// disagreement yields ErrMismatch naming the first offending path.
func Verify(bundleDir string, env *config.EnvSnapshot) (*Attestation, error) {
	raw, err := os.ReadFile(filepath.Join(bundleDir, bundle.AttestationFile))
	if err != nil {
		return nil, fmt.Errorf("read attestation: %w", err)
	}
	var att Attestation
	if err := json.Unmarshal(raw, &att); err != nil {
		return nil, fmt.Errorf("decode attestation: %w", err)
	}

	current, err := BuildManifest(bundleDir)
	if err != nil {
		return nil, err
	}

	if path, ok := firstMismatch(att.BundleManifest, current); !ok {
		return &att, fmt.Errorf("%w: %s", ErrMismatch, path)
	}
	if Digest(current) != att.ManifestDigest {
		return &att, fmt.Errorf("%w: manifest digest", ErrMismatch)
	}

	switch att.Mode {
	case config.AttestationNone, "":
	case config.AttestationHMACSHA256:
		key := env.Get(att.KeyEnv)
		if key == "" {
			return &att, fmt.Errorf("verification requires environment variable %s", att.KeyEnv)
		}
		expected := signDigest(key, att.ManifestDigest)
		if !hmac.Equal([]byte(expected), []byte(att.Signature)) {
			return &att, fmt.Errorf("%w: signature", ErrMismatch)
		}
	default:
		return &att, fmt.Errorf("unsupported attestation mode %q", att.Mode)
	}
	return &att, nil
}

// firstMismatch compares recorded and current manifests and returns the
// lexicographically first differing path.
func firstMismatch(recorded, current map[string]string) (string, bool) {
	union := make(map[string]bool, len(recorded)+len(current))
	for p := range recorded {
		union[p] = true
	}
	for p := range current {
		union[p] = true
	}
	paths := make([]string, 0, len(union))
	for p := range union {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if recorded[p] != current[p] {
			return p, false
		}
	}
	return "", true
}

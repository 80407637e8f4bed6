// Package bundle writes the proof bundle: the canonical artifact tree that
// records the command, policy, environment, attempts, and final patch of a
// session. All JSON artifacts use a canonical form so their digests are
// stable.
package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Canonical bundle file names.
const (
	PolicyFile       = "policy.json"
	EnvironmentFile  = "environment.json"
	ManifestFile     = "workspace_manifest.json"
	SourceGitDiff    = "source_git.diff"
	AttemptsDir      = "attempts"
	FinalPatchFile   = "final.patch"
	SummaryFile      = "final_summary.md"
	ReproFile        = "repro.json"
	AttestationFile  = "attestation.json"
	BaselineDirName  = "0_baseline"
	VerifyFileName   = "verify.json"
	ProposedFileName = "proposed.json"
	AppliedPatchName = "applied.patch"
)

// MarshalCanonical renders v as canonical JSON: keys sorted
// lexicographically, two-space indentation, UTF-8, LF, no trailing newline.
// Struct field order is erased by round-tripping through a generic value.
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Writer emits artifacts under one proof_bundle directory. Artifact files
// are write-once; the writer never rewrites a finalized attempt.
type Writer struct {
	Dir string
}

// NewWriter creates the bundle directory tree.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(dir, AttemptsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}
	return &Writer{Dir: dir}, nil
}

// WriteJSON writes v as canonical JSON at the bundle-relative path.
func (w *Writer) WriteJSON(rel string, v any) error {
	data, err := MarshalCanonical(v)
	if err != nil {
		return fmt.Errorf("canonicalize %s: %w", rel, err)
	}
	return w.writeBytes(rel, data)
}

// WriteText writes raw text at the bundle-relative path.
func (w *Writer) WriteText(rel, text string) error {
	return w.writeBytes(rel, []byte(text))
}

func (w *Writer) writeBytes(rel string, data []byte) error {
	target := filepath.Join(w.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", rel, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// AttemptDir returns the bundle-relative directory for attempt n; 0 is the
// baseline.
func AttemptDir(n int) string {
	if n == 0 {
		return filepath.ToSlash(filepath.Join(AttemptsDir, BaselineDirName))
	}
	return fmt.Sprintf("%s/%d", AttemptsDir, n)
}

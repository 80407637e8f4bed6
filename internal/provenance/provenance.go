// Package provenance captures what the engine ran against: a hashed
// manifest of the workspace before any mutation, and the git state of the
// source tree.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// FileRecord is one manifested workspace file.
type FileRecord struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest covers the user's workspace pre-run, excluding the artifact
// directory and .git. RootSHA256 digests the sorted path/hash list.
type Manifest struct {
	Files      []FileRecord `json:"files"`
	RootSHA256 string       `json:"root_sha256"`
}

// BuildManifest walks root and hashes every regular file, skipping the named
// directories. Hashing fans out across CPUs; the result is ordered by path,
// so the manifest is deterministic.
func BuildManifest(root string, skipNames []string) (Manifest, error) {
	skip := make(map[string]bool, len(skipNames))
	for _, n := range skipNames {
		skip[n] = true
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("walk workspace: %w", err)
	}
	sort.Strings(paths)

	records := make([]FileRecord, len(paths))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		g.Go(func() error {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			sum, size, err := hashFile(path)
			if err != nil {
				return err
			}
			records[i] = FileRecord{Path: filepath.ToSlash(rel), SHA256: sum, Size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Manifest{}, fmt.Errorf("hash workspace: %w", err)
	}

	return Manifest{Files: records, RootSHA256: rootDigest(records)}, nil
}

// rootDigest hashes the sorted `path\tsha256\n` list.
func rootDigest(records []FileRecord) string {
	h := sha256.New()
	for _, r := range records {
		fmt.Fprintf(h, "%s\t%s\n", r.Path, r.SHA256)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// GitMetadata is the source tree's git state at session start.
type GitMetadata struct {
	IsRepo    bool   `json:"is_git_repo"`
	Commit    string `json:"git_commit,omitempty"`
	Branch    string `json:"git_branch,omitempty"`
	RemoteURL string `json:"git_remote_url,omitempty"`
	Dirty     bool   `json:"git_dirty"`
	Diff      string `json:"-"`
}

// CollectGit gathers commit, branch, remote, and dirty state for root. The
// uncommitted diff rides in Diff for source_git.diff. Best effort; a
// non-repo returns the zero value.
func CollectGit(root string) GitMetadata {
	var md GitMetadata
	if out, err := gitOut(root, "rev-parse", "--is-inside-work-tree"); err != nil || out != "true" {
		return md
	}
	md.IsRepo = true
	if out, err := gitOut(root, "rev-parse", "HEAD"); err == nil {
		md.Commit = out
	}
	if out, err := gitOut(root, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		md.Branch = out
	}
	if out, err := gitOut(root, "config", "--get", "remote.origin.url"); err == nil {
		md.RemoteURL = out
	}
	if out, err := gitOut(root, "status", "--porcelain"); err == nil && out != "" {
		md.Dirty = true
		if diff, err := gitOut(root, "diff", "--no-color"); err == nil {
			md.Diff = diff
		}
	}
	return md
}

func gitOut(dir string, args ...string) (string, error) {
	cmd := gitCommand(dir, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

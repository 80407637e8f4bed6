// Package sandbox materializes writable copies of a workspace for the
// attempt loop. Backends: plain recursive copy, git worktree, and container
// (a copy mounted into a container runtime at verification time).
package sandbox

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/DenisKimskku/veripatch/internal/config"
)

// ArtifactDirName is the workspace-level artifact directory, always excluded
// from sandbox materialization and manifests.
const ArtifactDirName = ".veripatch"

// Sandbox is a writable self-contained copy of the workspace. It is retained
// on disk inside the artifact tree; it is the replay material.
type Sandbox struct {
	Root             string
	Backend          string // native or container execution
	WorkspaceBackend string // copy or git_worktree materialization
	ControlRoot      string // git control root for worktree sandboxes
	ContainerRuntime string
	ContainerImage   string
	ContainerWorkdir string
	ContainerImageID string
	Network          string
	CPULimit         string
	MemoryLimit      string
}

// IsGitWorktree reports whether patches may be applied via the host git.
func (s *Sandbox) IsGitWorktree() bool {
	return s.WorkspaceBackend == config.BackendGitWorktree
}

// Materialize creates a sandbox at dest according to the policy's backend
// selection. auto picks git_worktree for a clean git repository and copy
// otherwise.
func Materialize(workspaceRoot, dest string, pol config.Policy) (*Sandbox, error) {
	backend := strings.ToLower(strings.TrimSpace(pol.Sandbox.Backend))
	if backend == "" {
		backend = config.BackendAuto
	}

	switch backend {
	case config.BackendContainer:
		runtime := pol.Sandbox.ContainerRuntime
		if _, err := exec.LookPath(runtime); err != nil {
			return nil, fmt.Errorf("container backend requested but runtime %q is not in PATH", runtime)
		}
		sb, err := copySandbox(workspaceRoot, dest)
		if err != nil {
			return nil, err
		}
		sb.Backend = "container"
		sb.ContainerRuntime = runtime
		sb.ContainerImage = pol.Sandbox.ContainerImage
		sb.ContainerWorkdir = pol.Sandbox.ContainerWorkdir
		sb.ContainerImageID = imageID(runtime, pol.Sandbox.ContainerImage)
		sb.Network = pol.Network
		sb.CPULimit = pol.Sandbox.CPULimit
		sb.MemoryLimit = pol.Sandbox.MemoryLimit
		return sb, nil

	case config.BackendCopy:
		return copySandbox(workspaceRoot, dest)

	case config.BackendGitWorktree:
		if !IsGitRepo(workspaceRoot) {
			return nil, fmt.Errorf("sandbox backend git_worktree requires a git repository")
		}
		return worktreeSandbox(workspaceRoot, dest)

	case config.BackendAuto:
		if IsGitRepo(workspaceRoot) && IsGitClean(workspaceRoot) {
			return worktreeSandbox(workspaceRoot, dest)
		}
		return copySandbox(workspaceRoot, dest)
	}
	return nil, fmt.Errorf("unknown sandbox backend %q", backend)
}

func copySandbox(workspaceRoot, dest string) (*Sandbox, error) {
	if err := CopyTree(workspaceRoot, dest, []string{".git", ArtifactDirName}); err != nil {
		return nil, fmt.Errorf("materialize copy sandbox: %w", err)
	}
	return &Sandbox{
		Root:             dest,
		Backend:          "native",
		WorkspaceBackend: config.BackendCopy,
		ControlRoot:      workspaceRoot,
	}, nil
}

func worktreeSandbox(workspaceRoot, dest string) (*Sandbox, error) {
	out, err := git(workspaceRoot, "worktree", "add", "--detach", dest, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("create git worktree sandbox: %v: %s", err, out)
	}
	controlRoot := workspaceRoot
	if top, err := git(workspaceRoot, "rev-parse", "--show-toplevel"); err == nil && top != "" {
		controlRoot = top
	}
	return &Sandbox{
		Root:             dest,
		Backend:          "native",
		WorkspaceBackend: config.BackendGitWorktree,
		ControlRoot:      controlRoot,
	}, nil
}

// IsGitRepo reports whether path is inside a git work tree.
func IsGitRepo(path string) bool {
	out, err := git(path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// IsGitClean reports whether the work tree has no pending changes.
func IsGitClean(path string) bool {
	out, err := git(path, "status", "--porcelain")
	return err == nil && out == ""
}

func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// imageID resolves the container image digest when the image is present
// locally. Best effort; empty on failure.
func imageID(runtime, image string) string {
	cmd := exec.Command(runtime, "image", "inspect", image, "--format", "{{.Id}}")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// RuntimeVersion reports the container runtime version string, for
// environment provenance. Empty when undetectable.
func RuntimeVersion(runtime string) string {
	if runtime == "" {
		return ""
	}
	cmd := exec.Command(runtime, "--version")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// CopyTree recursively copies src into dest (created fresh), skipping the
// named top-level-or-nested directory names. Symlinks are skipped; regular
// file modes are preserved.
func CopyTree(src, dest string, skipNames []string) error {
	skip := make(map[string]bool, len(skipNames))
	for _, n := range skipNames {
		skip[n] = true
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if skip[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dest, rel), 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, filepath.Join(dest, rel), d)
	})
}

func copyFile(src, dest string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

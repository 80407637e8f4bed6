package policy

import (
	"testing"

	"github.com/DenisKimskku/veripatch/internal/config"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"**", "anything/at/all.txt", true},
		{"**", "top.txt", true},
		{"*.py", "math_utils.py", true},
		{"*.py", "pkg/math_utils.py", false},
		{"**/*.py", "pkg/sub/math_utils.py", true},
		{"**/*.py", "math_utils.py", true},
		{"src/**", "src/a/b/c.go", true},
		{"src/**", "other/a.go", false},
		{"secrets/*", "secrets/key", true},
		{"secrets/*", "secrets/deep/key", false},
		{"secrets/**", "secrets/deep/key", true},
		{"file?.txt", "file1.txt", true},
		{"file?.txt", "file12.txt", false},
		{"a/*/c", "a/b/c", true},
		{"a/*/c", "a/b/d/c", false},
	}
	for _, tc := range cases {
		if got := Match(tc.pattern, tc.name); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	if _, err := NormalizePath("/etc/passwd"); err == nil {
		t.Error("absolute path accepted")
	}
	if _, err := NormalizePath("../outside.txt"); err == nil {
		t.Error("parent traversal accepted")
	}
	if _, err := NormalizePath("a/../../outside.txt"); err == nil {
		t.Error("nested traversal accepted")
	}
	got, err := NormalizePath("a/./b\\c.txt")
	if err != nil {
		t.Fatalf("NormalizePath failed: %v", err)
	}
	if got != "a/b/c.txt" {
		t.Errorf("normalized to %q", got)
	}
}

func TestCheckWritePathDenyWins(t *testing.T) {
	pol := config.Default()
	pol.WriteAllowlist = []string{"**"}
	pol.DenyWrite = []string{"secrets/**"}

	if d := CheckWritePath(pol, "src/main.go"); !d.Allowed {
		t.Errorf("allowlisted path denied: %+v", d)
	}
	d := CheckWritePath(pol, "secrets/key")
	if d.Allowed {
		t.Fatal("deny_write did not win over allowlist")
	}
	if d.Reason != ReasonPathNotAllowed {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonPathNotAllowed)
	}
}

func TestCheckWritePathEmptyAllowlist(t *testing.T) {
	pol := config.Default()
	pol.WriteAllowlist = nil

	if d := CheckWritePath(pol, "anything.txt"); d.Allowed {
		t.Error("empty allowlist permitted a write")
	}
}

func TestCheckPatchLimits(t *testing.T) {
	pol := config.Default()
	pol.Limits.MaxFilesChanged = 2
	pol.Limits.MaxPatchBytes = 100

	d := CheckPatch(pol, []string{"a.txt", "b.txt", "c.txt"}, 50)
	if d.Allowed || d.Reason != ReasonTooManyFiles {
		t.Errorf("too_many_files not detected: %+v", d)
	}
	d = CheckPatch(pol, []string{"a.txt"}, 2048)
	if d.Allowed || d.Reason != ReasonPatchTooLarge {
		t.Errorf("patch_too_large not detected: %+v", d)
	}
	if d := CheckPatch(pol, []string{"a.txt"}, 50); !d.Allowed {
		t.Errorf("valid patch rejected: %+v", d)
	}
}

func TestCheckCommand(t *testing.T) {
	pol := config.Default()
	pol.AllowedCommands = []string{"pytest -q"}
	pol.AllowedArgv = [][]string{{"go", "test", "./..."}}

	if d := CheckCommand(pol, "pytest -q", nil); !d.Allowed {
		t.Error("exact command rejected")
	}
	if d := CheckCommand(pol, "pytest -q --lf", nil); d.Allowed {
		t.Error("prefix match accepted")
	}
	// Union semantics: the argv allowlist grants on its own.
	if d := CheckCommand(pol, "go test ./...", []string{"go", "test", "./..."}); !d.Allowed {
		t.Error("argv allowlist did not grant")
	}
	d := CheckCommand(pol, "rm -rf /", nil)
	if d.Allowed || d.Reason != ReasonCommandNotAllowed {
		t.Errorf("unexpected decision: %+v", d)
	}
}

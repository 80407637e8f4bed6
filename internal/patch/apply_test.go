package patch

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DenisKimskku/veripatch/internal/config"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(raw)
}

func TestApplyModify(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "math_utils.py", "def add(a, b):\n    return resultx\n\nresult = 0\n")

	diff := `--- a/math_utils.py
+++ b/math_utils.py
@@ -1,2 +1,2 @@
 def add(a, b):
-    return resultx
+    return result
`
	paths, err := Apply(root, diff, config.Default(), false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(paths) != 1 || paths[0] != "math_utils.py" {
		t.Errorf("paths = %v", paths)
	}
	got := readFile(t, root, "math_utils.py")
	want := "def add(a, b):\n    return result\n\nresult = 0\n"
	if got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestApplyCreateAndDelete(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "stale.txt", "obsolete\n")

	diff := `--- /dev/null
+++ b/fresh/new.txt
@@ -0,0 +1,2 @@
+line one
+line two
--- a/stale.txt
+++ /dev/null
@@ -1,1 +0,0 @@
-obsolete
`
	if _, err := Apply(root, diff, config.Default(), false); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := readFile(t, root, "fresh/new.txt"); got != "line one\nline two\n" {
		t.Errorf("created content = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "stale.txt")); !os.IsNotExist(err) {
		t.Error("deleted file still present")
	}
}

func TestApplyContextMismatchIsTransactional(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha\n")
	writeFile(t, root, "b.txt", "bravo\n")

	// First file applies cleanly, second file's context does not match. The
	// sandbox must come back byte-identical.
	diff := `--- a/a.txt
+++ b/a.txt
@@ -1,1 +1,1 @@
-alpha
+ALPHA
--- a/b.txt
+++ b/b.txt
@@ -1,1 +1,1 @@
-wrong context
+BRAVO
`
	_, err := Apply(root, diff, config.Default(), false)
	if !errors.Is(err, ErrApply) {
		t.Fatalf("expected ErrApply, got %v", err)
	}
	if got := readFile(t, root, "a.txt"); got != "alpha\n" {
		t.Errorf("a.txt mutated after failed apply: %q", got)
	}
	if got := readFile(t, root, "b.txt"); got != "bravo\n" {
		t.Errorf("b.txt mutated after failed apply: %q", got)
	}
}

func TestApplyRejectsDeniedPath(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "secrets/key", "s3cr3t\n")

	pol := config.Default()
	pol.DenyWrite = []string{"secrets/**"}

	diff := `--- a/secrets/key
+++ b/secrets/key
@@ -1,1 +1,1 @@
-s3cr3t
+evil
`
	_, err := Apply(root, diff, pol, false)
	if err == nil {
		t.Fatal("denied path applied")
	}
	if !strings.Contains(err.Error(), "path_not_allowed") {
		t.Errorf("error = %v, want path_not_allowed", err)
	}
	if got := readFile(t, root, "secrets/key"); got != "s3cr3t\n" {
		t.Error("sandbox mutated by rejected patch")
	}
}

func TestApplyRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	diff := `--- a/../escape.txt
+++ b/../escape.txt
@@ -1,1 +1,1 @@
-x
+y
`
	if _, err := Apply(root, diff, config.Default(), false); err == nil {
		t.Fatal("path traversal accepted")
	}
}

func TestApplyRename(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "old_name.go", "package x\n")

	diff := "rename from old_name.go\nrename to new_name.go\n"
	if _, err := Apply(root, diff, config.Default(), false); err != nil {
		t.Fatalf("Apply rename failed: %v", err)
	}
	if got := readFile(t, root, "new_name.go"); got != "package x\n" {
		t.Errorf("renamed content = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "old_name.go")); !os.IsNotExist(err) {
		t.Error("old name still present after rename")
	}
}

func TestApplyInsertionHunk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "list.txt", "one\ntwo\n")

	diff := `--- a/list.txt
+++ b/list.txt
@@ -1,0 +2,1 @@
+one-and-a-half
`
	if _, err := Apply(root, diff, config.Default(), false); err != nil {
		t.Fatalf("Apply insertion failed: %v", err)
	}
	if got := readFile(t, root, "list.txt"); got != "one\none-and-a-half\ntwo\n" {
		t.Errorf("content = %q", got)
	}
}

func TestApplyRewrite(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "target.py", "broken\n")

	rel, err := ApplyRewrite(root, "target.py", "fixed\n", config.Default())
	if err != nil {
		t.Fatalf("ApplyRewrite failed: %v", err)
	}
	if rel != "target.py" {
		t.Errorf("rel = %q", rel)
	}
	if got := readFile(t, root, "target.py"); got != "fixed\n" {
		t.Errorf("content = %q", got)
	}

	pol := config.Default()
	pol.DenyWrite = []string{"target.py"}
	if _, err := ApplyRewrite(root, "target.py", "evil\n", pol); err == nil {
		t.Error("denied rewrite accepted")
	}
}

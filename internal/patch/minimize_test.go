package patch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DenisKimskku/veripatch/internal/config"
)

// minimizeHarness stages copies of a one-file baseline and verifies by
// checking the file content, standing in for a real verification command.
type minimizeHarness struct {
	t        *testing.T
	baseline string
	pass     func(content string) bool
	stages   int
}

func (h *minimizeHarness) stage() (string, func(), error) {
	h.stages++
	root := h.t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "app.txt"), []byte(h.baseline), 0o644); err != nil {
		return "", nil, err
	}
	return root, func() {}, nil
}

func (h *minimizeHarness) verify(root string) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(root, "app.txt"))
	if err != nil {
		return false, nil
	}
	return h.pass(string(raw)), nil
}

func TestMinimizeDropsUnneededHunk(t *testing.T) {
	baseline := "alpha\nb1\nb2\nb3\nb4\nb5\nb6\nb7\nomega\n"

	// Two hunks: only the first (alpha -> ALPHA) is needed to pass; the
	// second (omega -> OMEGA) is gratuitous.
	twoHunks := `--- a/app.txt
+++ b/app.txt
@@ -1,2 +1,2 @@
-alpha
+ALPHA
 b1
@@ -8,2 +8,2 @@
 b7
-omega
+OMEGA
`
	h := &minimizeHarness{
		t:        t,
		baseline: baseline,
		pass:     func(content string) bool { return strings.Contains(content, "ALPHA") },
	}

	minimized, err := Minimize(twoHunks, config.Default(), h.stage, h.verify)
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if !strings.Contains(minimized, "ALPHA") {
		t.Errorf("needed hunk dropped:\n%s", minimized)
	}
	if strings.Contains(minimized, "OMEGA") {
		t.Errorf("gratuitous hunk kept:\n%s", minimized)
	}

	// Fixed point: minimizing again changes nothing.
	again, err := Minimize(minimized, config.Default(), h.stage, h.verify)
	if err != nil {
		t.Fatalf("re-Minimize failed: %v", err)
	}
	if again != minimized {
		t.Errorf("minimization is not a fixed point:\n%q\nvs\n%q", minimized, again)
	}
}

func TestMinimizeKeepsAllNeededHunks(t *testing.T) {
	baseline := "alpha\nb1\nb2\nb3\nb4\nb5\nb6\nb7\nomega\n"
	twoHunks := `--- a/app.txt
+++ b/app.txt
@@ -1,2 +1,2 @@
-alpha
+ALPHA
 b1
@@ -8,2 +8,2 @@
 b7
-omega
+OMEGA
`
	h := &minimizeHarness{
		t:        t,
		baseline: baseline,
		pass: func(content string) bool {
			return strings.Contains(content, "ALPHA") && strings.Contains(content, "OMEGA")
		},
	}
	minimized, err := Minimize(twoHunks, config.Default(), h.stage, h.verify)
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if !strings.Contains(minimized, "ALPHA") || !strings.Contains(minimized, "OMEGA") {
		t.Errorf("needed hunk dropped:\n%s", minimized)
	}
}

func TestMinimizeEmptyPatchPassesThrough(t *testing.T) {
	out, err := Minimize("", config.Default(), nil, nil)
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if out != "" {
		t.Errorf("out = %q", out)
	}
}

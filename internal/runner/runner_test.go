package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DenisKimskku/veripatch/internal/config"
)

func testRunner() *Runner {
	return New(config.SnapshotFrom(map[string]string{
		"PATH":              os.Getenv("PATH"),
		"PP_OPENAI_API_KEY": "sk-should-never-leak",
	}), nil)
}

func TestRunPass(t *testing.T) {
	r := testRunner()
	res := r.Run(context.Background(), "echo hello", nil, t.TempDir(), 10, nil)
	if !res.Passed() {
		t.Fatalf("echo failed: %+v", res)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.TimedOut {
		t.Error("unexpected timeout")
	}
}

func TestRunFailure(t *testing.T) {
	r := testRunner()
	res := r.Run(context.Background(), "exit 3", nil, t.TempDir(), 10, nil)
	if res.Passed() {
		t.Fatal("exit 3 reported as pass")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	r := testRunner()
	start := time.Now()
	res := r.Run(context.Background(), "sleep 5", nil, t.TempDir(), 1, nil)
	if !res.TimedOut {
		t.Fatalf("timeout not flagged: %+v", res)
	}
	if res.Passed() {
		t.Error("timed-out command reported as pass")
	}
	if res.ExitCode == 0 {
		t.Error("timed-out command recorded exit 0")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("timeout enforcement took %v", elapsed)
	}
}

func TestRunArgvMode(t *testing.T) {
	r := testRunner()
	res := r.Run(context.Background(), "echo argv-mode", []string{"echo", "argv-mode"}, t.TempDir(), 10, nil)
	if !res.Passed() {
		t.Fatalf("argv run failed: %+v", res)
	}
	if !strings.Contains(res.Stdout, "argv-mode") {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunSanitizesEnvironment(t *testing.T) {
	r := testRunner()
	res := r.Run(context.Background(), "env", nil, t.TempDir(), 10, nil)
	if !res.Passed() {
		t.Fatalf("env failed: %+v", res)
	}
	if strings.Contains(res.Stdout, "sk-should-never-leak") {
		t.Error("secret environment variable leaked into child process")
	}
	if !strings.Contains(res.Stdout, "CI=1") {
		t.Error("CI=1 not pinned in child environment")
	}
}

func TestRunWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "probe.txt"), []byte("here\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := testRunner()
	res := r.Run(context.Background(), "cat probe.txt", nil, dir, 10, nil)
	if !res.Passed() || !strings.Contains(res.Stdout, "here") {
		t.Fatalf("command did not run in sandbox dir: %+v", res)
	}
}

func TestTails(t *testing.T) {
	long := strings.Repeat("x", TailBytes+100)
	res := Result{Stdout: long}
	if len(res.StdoutTail()) != TailBytes {
		t.Errorf("tail length = %d", len(res.StdoutTail()))
	}
	if !strings.HasSuffix(long, res.StdoutTail()) {
		t.Error("tail is not a suffix")
	}
}

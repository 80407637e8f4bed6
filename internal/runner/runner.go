// Package runner executes verification commands deterministically, on the
// host or inside a container runtime, with a sanitized environment and a
// hard per-command timeout that kills the whole process group.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/DenisKimskku/veripatch/internal/config"
	"github.com/DenisKimskku/veripatch/internal/sandbox"
)

// TailBytes bounds the stdout/stderr tails stored in attempt records; full
// captures go to the attempt directory.
const TailBytes = 64 * 1024

// timeoutExitCode mirrors the conventional shell exit code for a killed
// command.
const timeoutExitCode = 124

// Result is the outcome of one command execution. Exit 0 without a timeout
// is a pass; everything else is a failure.
type Result struct {
	Cmd        string `json:"cmd"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// Passed reports whether the command proved its target.
func (r Result) Passed() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// StdoutTail returns the last TailBytes of stdout.
func (r Result) StdoutTail() string { return tail(r.Stdout) }

// StderrTail returns the last TailBytes of stderr.
func (r Result) StderrTail() string { return tail(r.Stderr) }

// CombinedOutput joins stdout and stderr for evidence extraction.
func (r Result) CombinedOutput() string {
	switch {
	case r.Stdout != "" && r.Stderr != "":
		return r.Stdout + "\n" + r.Stderr
	case r.Stdout != "":
		return r.Stdout
	default:
		return r.Stderr
	}
}

func tail(s string) string {
	if len(s) <= TailBytes {
		return s
	}
	return s[len(s)-TailBytes:]
}

// Runner spawns verification commands with a frozen environment snapshot.
type Runner struct {
	Env *config.EnvSnapshot
	Log *zap.Logger
}

// New builds a Runner.
func New(env *config.EnvSnapshot, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Env: env, Log: log.Named("runner")}
}

// Run executes cmdStr (or argv, when non-empty) with working directory dir,
// bounded by timeoutSec. When sb selects the container backend the command
// runs inside the configured image with dir mounted at the container
// workdir.
func (r *Runner) Run(ctx context.Context, cmdStr string, argv []string, dir string, timeoutSec int, sb *sandbox.Sandbox) Result {
	start := time.Now()

	runCtx := ctx
	if timeoutSec > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
		defer cancel()
	}

	var cmd *exec.Cmd
	if sb != nil && sb.Backend == "container" {
		containerArgv := buildContainerArgv(cmdStr, argv, dir, sb)
		cmd = exec.Command(containerArgv[0], containerArgv[1:]...)
	} else if len(argv) > 0 {
		cmd = exec.Command(argv[0], argv[1:]...)
	} else {
		cmd = exec.Command("sh", "-c", cmdStr)
	}
	cmd.Dir = dir
	cmd.Env = append(r.Env.SanitizedEnviron(), "CI=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcessGroup(cmd)

	r.Log.Debug("spawning verification command",
		zap.String("cmd", cmdStr),
		zap.String("dir", dir),
		zap.Int("timeout_sec", timeoutSec))

	err := startAndWait(runCtx, cmd)
	duration := time.Since(start)

	result := Result{
		Cmd:        cmdStr,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration.Milliseconds(),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.TimedOut = true
		result.ExitCode = timeoutExitCode
		result.Stderr = appendNote(result.Stderr, fmt.Sprintf("[veripatch] command timed out after %ds", timeoutSec))
	case err == nil:
		result.ExitCode = 0
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Stderr = appendNote(result.Stderr, fmt.Sprintf("[veripatch] spawn failed: %v", err))
		}
	}

	r.Log.Debug("verification command finished",
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("duration", duration))
	return result
}

// startAndWait runs the command and enforces context cancellation by killing
// the process group.
func startAndWait(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return ctx.Err()
	}
}

func appendNote(stderr, note string) string {
	if stderr == "" {
		return note
	}
	return stderr + "\n" + note
}

// buildContainerArgv assembles `<runtime> run --rm ...` for the container
// backend, denying network access when the policy says so.
func buildContainerArgv(cmdStr string, argv []string, dir string, sb *sandbox.Sandbox) []string {
	runtime := sb.ContainerRuntime
	if runtime == "" {
		runtime = "docker"
	}
	workdir := sb.ContainerWorkdir
	if workdir == "" {
		workdir = "/workspace"
	}
	out := []string{
		runtime, "run", "--rm",
		"--workdir", workdir,
		"--volume", dir + ":" + workdir,
		"-e", "CI=1",
	}
	if sb.Network == config.NetworkDeny {
		out = append(out, "--network", "none")
	}
	if sb.CPULimit != "" {
		out = append(out, "--cpus", sb.CPULimit)
	}
	if sb.MemoryLimit != "" {
		out = append(out, "--memory", sb.MemoryLimit)
	}
	out = append(out, sb.ContainerImage)
	if len(argv) > 0 {
		out = append(out, argv...)
	} else {
		out = append(out, "sh", "-lc", cmdStr)
	}
	return out
}

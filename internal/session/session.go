// Package session drives one proving session from baseline verification to a
// finalized proof bundle: materialize sandbox, verify, ask the proposer,
// apply under policy, re-verify, minimize, write artifacts, attest.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DenisKimskku/veripatch/internal/attest"
	"github.com/DenisKimskku/veripatch/internal/bundle"
	"github.com/DenisKimskku/veripatch/internal/config"
	"github.com/DenisKimskku/veripatch/internal/evidence"
	"github.com/DenisKimskku/veripatch/internal/patch"
	"github.com/DenisKimskku/veripatch/internal/policy"
	"github.com/DenisKimskku/veripatch/internal/proposer"
	"github.com/DenisKimskku/veripatch/internal/provenance"
	"github.com/DenisKimskku/veripatch/internal/redact"
	"github.com/DenisKimskku/veripatch/internal/runner"
	"github.com/DenisKimskku/veripatch/internal/sandbox"
	"github.com/DenisKimskku/veripatch/internal/store"
)

// Session results.
const (
	ResultPass  = "pass"
	ResultFail  = "fail"
	ResultError = "error"
)

// Attempt outcomes.
const (
	OutcomePass     = "pass"
	OutcomeFail     = "fail"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// ErrCommandNotAllowed is a policy violation fatal at session start.
var ErrCommandNotAllowed = errors.New(policy.ReasonCommandNotAllowed)

// ErrCanceled finalizes a partial bundle before the session returns.
var ErrCanceled = errors.New("canceled")

const maxEditableFiles = 12

// VerifyRecord summarizes one verification run inside an attempt record.
type VerifyRecord struct {
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	StdoutTail string `json:"stdout_tail"`
	StderrTail string `json:"stderr_tail"`
	TimedOut   bool   `json:"timed_out"`
}

// Attempt is one propose/apply/verify cycle; index 0 is the verify-only
// baseline.
type Attempt struct {
	Index        int           `json:"index"`
	ProposedDiff string        `json:"proposed_diff,omitempty"`
	AppliedPatch string        `json:"applied_patch,omitempty"`
	Verify       *VerifyRecord `json:"verify,omitempty"`
	Outcome      string        `json:"outcome"`
	Reason       string        `json:"reason,omitempty"`
}

// Repro is the repro.json payload, written last so it can reference digests
// of the other artifacts.
type Repro struct {
	SessionID               string   `json:"session_id"`
	Command                 string   `json:"command"`
	Argv                    []string `json:"argv,omitempty"`
	PolicyHash              string   `json:"policy_hash"`
	WorkspaceRoot           string   `json:"workspace_root"`
	WorkspaceManifestSHA256 string   `json:"workspace_manifest_sha256"`
	Provider                string   `json:"provider"`
	SandboxBackend          string   `json:"sandbox_backend"`
	ContainerRuntimeVersion string   `json:"container_runtime_version,omitempty"`
	ContainerImageID        string   `json:"container_image_id,omitempty"`
	GitCommit               string   `json:"git_commit,omitempty"`
	GitBranch               string   `json:"git_branch,omitempty"`
	GitRemoteURL            string   `json:"git_remote_url,omitempty"`
	GitDirty                bool     `json:"git_dirty"`
	StartedAt               string   `json:"started_at"`
	EndedAt                 string   `json:"ended_at"`
	DurationMS              int64    `json:"duration_ms"`
	AttemptsUsed            int      `json:"attempts_used"`
	Result                  string   `json:"result"`
	Reason                  string   `json:"reason,omitempty"`
}

// Options parameterize one Run invocation.
type Options struct {
	Command           string
	PolicyPath        string
	ProviderName      string
	Attest            bool
	AttestationMode   string
	AttestationKeyEnv string
}

// Summary is what Run hands back to the CLI.
type Summary struct {
	SessionID       string    `json:"session_id"`
	Result          string    `json:"result"`
	AttemptsUsed    int       `json:"attempts_used"`
	FinalExitCode   int       `json:"final_exit_code"`
	BundleDir       string    `json:"proof_bundle"`
	SandboxDir      string    `json:"sandbox"`
	FinalPatch      string    `json:"final_patch,omitempty"`
	AttestationPath string    `json:"attestation,omitempty"`
	Attempts        []Attempt `json:"attempts"`
}

// Controller owns sessions for one workspace.
type Controller struct {
	WorkspaceRoot string
	Env           *config.EnvSnapshot
	Log           *zap.Logger

	// Proposer overrides provider construction, for tests.
	Proposer proposer.Proposer
}

// New builds a Controller.
func New(workspaceRoot string, env *config.EnvSnapshot, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{WorkspaceRoot: workspaceRoot, Env: env, Log: log.Named("session")}
}

// Run executes one proving session for opts.Command and finalizes a proof
// bundle regardless of outcome. The returned error is non-nil only for
// fatal conditions (policy violation at entry, invalid config, I/O failure,
// cancellation); a failing command with an exhausted budget is a
// Result=fail summary, not an error.
func (c *Controller) Run(ctx context.Context, opts Options) (Summary, error) {
	startedAt := time.Now()

	cfg, _, err := config.Load(opts.PolicyPath, opts.Command, c.WorkspaceRoot)
	if err != nil {
		return Summary{}, err
	}
	pol := cfg.Policy

	argv := pol.ArgvFor(opts.Command)
	if d := policy.CheckCommand(pol, opts.Command, strings.Fields(opts.Command)); !d.Allowed {
		return Summary{}, fmt.Errorf("%w: %s", ErrCommandNotAllowed, d.Detail)
	}

	prop := c.Proposer
	if prop == nil {
		prop, err = proposer.New(opts.ProviderName, c.Env, c.Log)
		if err != nil {
			return Summary{}, err
		}
	}

	sessionID := uuid.NewString()
	sessionDir := filepath.Join(c.WorkspaceRoot, sandbox.ArtifactDirName, sessionID)
	bundleDir := filepath.Join(sessionDir, "proof_bundle")
	sandboxDir := filepath.Join(sessionDir, "sandbox")
	log := c.Log.With(zap.String("session_id", sessionID))
	log.Info("starting session", zap.String("command", opts.Command))

	writer, err := bundle.NewWriter(bundleDir)
	if err != nil {
		return Summary{}, err
	}

	manifest, err := provenance.BuildManifest(c.WorkspaceRoot, []string{".git", sandbox.ArtifactDirName})
	if err != nil {
		return Summary{}, err
	}
	gitMeta := provenance.CollectGit(c.WorkspaceRoot)

	sb, err := sandbox.Materialize(c.WorkspaceRoot, sandboxDir, pol)
	if err != nil {
		return Summary{}, err
	}

	policyHash, err := pol.Hash()
	if err != nil {
		return Summary{}, err
	}

	if err := writer.WriteJSON(bundle.PolicyFile, cfg); err != nil {
		return Summary{}, err
	}
	if err := writer.WriteJSON(bundle.EnvironmentFile, environmentPayload(sb)); err != nil {
		return Summary{}, err
	}
	if err := writer.WriteJSON(bundle.ManifestFile, manifest); err != nil {
		return Summary{}, err
	}
	if gitMeta.Dirty && gitMeta.Diff != "" {
		if err := writer.WriteText(bundle.SourceGitDiff, gitMeta.Diff); err != nil {
			return Summary{}, err
		}
	}

	run := runner.New(c.Env, log)
	timeout := pol.Limits.PerCommandTimeoutSec

	repro := Repro{
		SessionID:               sessionID,
		Command:                 opts.Command,
		Argv:                    argv,
		PolicyHash:              policyHash,
		WorkspaceRoot:           c.WorkspaceRoot,
		WorkspaceManifestSHA256: manifest.RootSHA256,
		Provider:                prop.Name(),
		SandboxBackend:          sb.WorkspaceBackend,
		ContainerImageID:        sb.ContainerImageID,
		GitCommit:               gitMeta.Commit,
		GitBranch:               gitMeta.Branch,
		GitRemoteURL:            gitMeta.RemoteURL,
		GitDirty:                gitMeta.Dirty,
		StartedAt:               startedAt.UTC().Format(time.RFC3339),
	}
	if sb.Backend == "container" {
		repro.SandboxBackend = config.BackendContainer
		repro.ContainerRuntimeVersion = sandbox.RuntimeVersion(sb.ContainerRuntime)
	}

	loop := &attemptLoop{
		log: log, writer: writer, run: run, sb: sb,
		pol: pol, prop: prop, command: opts.Command, argv: argv, timeout: timeout,
	}
	attempts, lastVerify, loopErr := loop.execute(ctx)

	result := ResultFail
	switch {
	case loopErr != nil:
		result = ResultError
		if errors.Is(loopErr, ErrCanceled) {
			repro.Reason = "canceled"
		}
	case lastVerify.Passed():
		result = ResultPass
	}

	finalPatch := ""
	if loopErr == nil {
		finalPatch, err = patch.DiffDirs(c.WorkspaceRoot, sb.Root, []string{sandbox.ArtifactDirName})
		if err != nil {
			return Summary{}, err
		}
	}

	if result == ResultPass && pol.Minimize && strings.TrimSpace(finalPatch) != "" {
		minimized := c.minimize(ctx, finalPatch, pol, run, sb, opts.Command, argv, timeout, log)
		if strings.TrimSpace(minimized) != "" {
			finalPatch = minimized
		}
	}

	if err := writer.WriteText(bundle.FinalPatchFile, finalPatch); err != nil {
		return Summary{}, err
	}

	attemptsUsed := len(attempts) // baseline included
	endedAt := time.Now()
	repro.EndedAt = endedAt.UTC().Format(time.RFC3339)
	repro.DurationMS = endedAt.Sub(startedAt).Milliseconds()
	repro.AttemptsUsed = attemptsUsed
	repro.Result = result

	summaryMD := renderSummary(opts.Command, result, attempts, finalPatch, policyHash, lastVerify)
	if err := writer.WriteText(bundle.SummaryFile, summaryMD); err != nil {
		return Summary{}, err
	}
	if err := writer.WriteJSON(bundle.ReproFile, repro); err != nil {
		return Summary{}, err
	}

	attestationPath := ""
	shouldAttest := opts.Attest || pol.Attestation.Enabled
	if shouldAttest {
		mode := firstNonEmpty(opts.AttestationMode, pol.Attestation.Mode, config.AttestationNone)
		keyEnv := firstNonEmpty(opts.AttestationKeyEnv, pol.Attestation.KeyEnv)
		if _, err := attest.Sign(bundleDir, mode, keyEnv, c.Env); err != nil {
			return Summary{}, err
		}
		attestationPath = filepath.Join(bundleDir, bundle.AttestationFile)
	}

	c.recordLedger(store.Entry{
		SessionID:    sessionID,
		Command:      opts.Command,
		Result:       result,
		AttemptsUsed: attemptsUsed,
		BundleDir:    bundleDir,
		StartedAt:    startedAt,
		EndedAt:      endedAt,
		DurationMS:   repro.DurationMS,
	}, log)

	summary := Summary{
		SessionID:       sessionID,
		Result:          result,
		AttemptsUsed:    attemptsUsed,
		FinalExitCode:   lastVerify.ExitCode,
		BundleDir:       bundleDir,
		SandboxDir:      sb.Root,
		FinalPatch:      finalPatch,
		AttestationPath: attestationPath,
		Attempts:        attempts,
	}
	log.Info("session finished",
		zap.String("result", result),
		zap.Int("attempts_used", attemptsUsed))

	if loopErr != nil {
		return summary, loopErr
	}
	return summary, nil
}

// attemptLoop holds the per-session loop state.
type attemptLoop struct {
	log     *zap.Logger
	writer  *bundle.Writer
	run     *runner.Runner
	sb      *sandbox.Sandbox
	pol     config.Policy
	prop    proposer.Proposer
	command string
	argv    []string
	timeout int
}

// execute runs the baseline plus up to max_attempts proposer cycles. Each
// attempt is fully written to disk before the next one starts.
func (l *attemptLoop) execute(ctx context.Context) ([]Attempt, runner.Result, error) {
	baseline := l.run.Run(ctx, l.command, l.argv, l.sb.Root, l.timeout, l.sb)
	if err := l.writeVerify(0, baseline); err != nil {
		return nil, baseline, err
	}
	attempts := []Attempt{{Index: 0, Verify: verifyRecord(baseline), Outcome: outcomeOf(baseline)}}
	lastVerify := baseline

	if baseline.Passed() {
		return attempts, lastVerify, nil
	}

	// The baseline counts against max_attempts: a budget of 1 permits the
	// baseline verification and nothing else.
	var previousErrors []string
	for n := 1; len(attempts) < l.pol.Limits.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return attempts, lastVerify, fmt.Errorf("%w: %v", ErrCanceled, err)
		}

		req := l.buildRequest(lastVerify, previousErrors)
		proposal, propErr := l.prop.Propose(ctx, req)
		if propErr != nil {
			l.log.Warn("proposer failed", zap.Int("attempt", n), zap.Error(propErr))
			att := Attempt{Index: n, Outcome: OutcomeError, Reason: propErr.Error()}
			if err := l.writeAttempt(att, "", ""); err != nil {
				return attempts, lastVerify, err
			}
			attempts = append(attempts, att)
			previousErrors = append(previousErrors, propErr.Error())
			continue
		}

		if strings.TrimSpace(proposal.Diff) == "" || patch.IsNoop(proposal.Diff) {
			// A strict no-op after the provider's own retry: count it once
			// and stop asking.
			att := Attempt{Index: n, ProposedDiff: proposal.Diff, Outcome: OutcomeRejected, Reason: "empty_or_noop_diff"}
			if err := l.writeAttempt(att, proposal.RawResponse, ""); err != nil {
				return attempts, lastVerify, err
			}
			attempts = append(attempts, att)
			break
		}

		applied, applyErr := patch.Apply(l.sb.Root, proposal.Diff, l.pol, l.sb.IsGitWorktree())
		if applyErr != nil {
			l.log.Warn("patch rejected", zap.Int("attempt", n), zap.Error(applyErr))
			att := Attempt{Index: n, ProposedDiff: proposal.Diff, Outcome: OutcomeRejected, Reason: applyErr.Error()}
			if err := l.writeAttempt(att, proposal.RawResponse, ""); err != nil {
				return attempts, lastVerify, err
			}
			attempts = append(attempts, att)
			previousErrors = append(previousErrors, applyErr.Error())
			continue
		}
		l.log.Debug("patch applied", zap.Int("attempt", n), zap.Strings("paths", applied))

		verify := l.run.Run(ctx, l.command, l.argv, l.sb.Root, l.timeout, l.sb)
		att := Attempt{
			Index:        n,
			ProposedDiff: proposal.Diff,
			AppliedPatch: proposal.Diff,
			Verify:       verifyRecord(verify),
			Outcome:      outcomeOf(verify),
		}
		if err := l.writeAttempt(att, proposal.RawResponse, proposal.Diff); err != nil {
			return attempts, lastVerify, err
		}
		if err := l.writeVerify(n, verify); err != nil {
			return attempts, lastVerify, err
		}
		attempts = append(attempts, att)
		lastVerify = verify

		if verify.Passed() {
			break
		}
		previousErrors = append(previousErrors,
			fmt.Sprintf("attempt %d verify failed with exit code %d", n, verify.ExitCode))
	}
	return attempts, lastVerify, nil
}

func (l *attemptLoop) buildRequest(lastVerify runner.Result, previousErrors []string) proposer.Request {
	combined := redact.Text(lastVerify.CombinedOutput())
	ev := evidence.Extract(lastVerify.CombinedOutput(), l.sb.Root)
	for k, v := range ev.Snippets {
		ev.Snippets[k] = redact.Text(v)
	}
	for i, a := range ev.FailingAssertions {
		ev.FailingAssertions[i] = redact.Text(a)
	}

	files, order := l.editableFiles()
	return proposer.Request{
		Command:           l.command,
		FailureOutput:     combined,
		Context:           ev,
		PreviousAttempts:  previousErrors,
		WriteAllowlist:    l.pol.WriteAllowlist,
		DenyWrite:         l.pol.DenyWrite,
		EditableFiles:     files,
		EditableFileOrder: order,
	}
}

// editableFiles snapshots the sandbox files the policy permits writes to,
// bounded and ordered for a deterministic prompt.
func (l *attemptLoop) editableFiles() (map[string]string, []string) {
	var rels []string
	_ = filepath.WalkDir(l.sb.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == sandbox.ArtifactDirName {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(l.sb.Root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.Type().IsRegular() && policy.CheckWritePath(l.pol, rel).Allowed {
			rels = append(rels, rel)
		}
		return nil
	})
	sort.Strings(rels)
	if len(rels) > maxEditableFiles {
		rels = rels[:maxEditableFiles]
	}

	files := make(map[string]string, len(rels))
	order := make([]string, 0, len(rels))
	for _, rel := range rels {
		raw, err := os.ReadFile(filepath.Join(l.sb.Root, filepath.FromSlash(rel)))
		if err != nil || strings.ContainsRune(string(raw), 0) {
			continue
		}
		files[rel] = string(raw)
		order = append(order, rel)
	}
	return files, order
}

func (l *attemptLoop) writeVerify(n int, res runner.Result) error {
	return l.writer.WriteJSON(bundle.AttemptDir(n)+"/"+bundle.VerifyFileName, res)
}

func (l *attemptLoop) writeAttempt(att Attempt, rawResponse, appliedPatch string) error {
	proposed := map[string]any{
		"diff":         att.ProposedDiff,
		"outcome":      att.Outcome,
		"raw_response": rawResponse,
	}
	if att.Reason != "" {
		proposed["reason"] = att.Reason
	}
	dir := bundle.AttemptDir(att.Index)
	if err := l.writer.WriteJSON(dir+"/"+bundle.ProposedFileName, proposed); err != nil {
		return err
	}
	if appliedPatch != "" {
		if err := l.writer.WriteText(dir+"/"+bundle.AppliedPatchName, appliedPatch); err != nil {
			return err
		}
	}
	return nil
}

// minimize shrinks the passing patch while preserving the pass, staging each
// candidate on a fresh copy of the workspace.
func (c *Controller) minimize(ctx context.Context, finalPatch string, pol config.Policy, run *runner.Runner, sb *sandbox.Sandbox, command string, argv []string, timeout int, log *zap.Logger) string {
	stage := func() (string, func(), error) {
		tmp, err := os.MkdirTemp("", "veripatch-minimize-")
		if err != nil {
			return "", nil, err
		}
		root := filepath.Join(tmp, "workspace")
		if err := sandbox.CopyTree(c.WorkspaceRoot, root, []string{".git", sandbox.ArtifactDirName}); err != nil {
			os.RemoveAll(tmp)
			return "", nil, err
		}
		return root, func() { os.RemoveAll(tmp) }, nil
	}
	verify := func(root string) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		res := run.Run(ctx, command, argv, root, timeout, sb)
		return res.Passed(), nil
	}

	minimized, err := patch.Minimize(finalPatch, pol, stage, verify)
	if err != nil {
		log.Warn("minimization aborted", zap.Error(err))
		return finalPatch
	}
	return minimized
}

func (c *Controller) recordLedger(e store.Entry, log *zap.Logger) {
	ledger, err := store.Open(filepath.Join(c.WorkspaceRoot, sandbox.ArtifactDirName, "sessions.db"))
	if err != nil {
		log.Warn("session ledger unavailable", zap.Error(err))
		return
	}
	defer ledger.Close()
	if err := ledger.Record(e); err != nil {
		log.Warn("session ledger write failed", zap.Error(err))
	}
}

func environmentPayload(sb *sandbox.Sandbox) map[string]any {
	payload := map[string]any{
		"go_version":        runtime.Version(),
		"os":                runtime.GOOS,
		"arch":              runtime.GOARCH,
		"sandbox_backend":   sb.WorkspaceBackend,
		"execution_backend": sb.Backend,
		// The environment a verification command sees is the sanitized host
		// environment plus this pinned set.
		"pinned_env": map[string]string{"CI": "1"},
	}
	if sb.Backend == "container" {
		payload["container_runtime"] = sb.ContainerRuntime
		payload["container_runtime_version"] = sandbox.RuntimeVersion(sb.ContainerRuntime)
		payload["container_image"] = sb.ContainerImage
		payload["container_image_id"] = sb.ContainerImageID
		payload["container_workdir"] = sb.ContainerWorkdir
		payload["network"] = sb.Network
	}
	return payload
}

func verifyRecord(res runner.Result) *VerifyRecord {
	return &VerifyRecord{
		ExitCode:   res.ExitCode,
		DurationMS: res.DurationMS,
		StdoutTail: res.StdoutTail(),
		StderrTail: res.StderrTail(),
		TimedOut:   res.TimedOut,
	}
}

func outcomeOf(res runner.Result) string {
	if res.Passed() {
		return OutcomePass
	}
	return OutcomeFail
}

func renderSummary(command, result string, attempts []Attempt, finalPatch, policyHash string, lastVerify runner.Result) string {
	filesChanged := 0
	if parsed, err := patch.Parse(finalPatch); err == nil {
		filesChanged = len(parsed.Files)
	}
	attemptsUsed := len(attempts)

	var b strings.Builder
	b.WriteString("# Proof Summary\n\n")
	fmt.Fprintf(&b, "- result: %s\n", result)
	fmt.Fprintf(&b, "- command: `%s`\n", command)
	fmt.Fprintf(&b, "- attempts_used: %d\n", attemptsUsed)
	fmt.Fprintf(&b, "- files_changed: %d\n", filesChanged)
	fmt.Fprintf(&b, "- final_exit_code: %d\n", lastVerify.ExitCode)
	fmt.Fprintf(&b, "- policy_hash: `%s`\n", policyHash)
	b.WriteString("\n## Final verification output\n\n```text\n")
	b.WriteString(clipText(lastVerify.Stdout, 4000))
	b.WriteString(clipText(lastVerify.Stderr, 4000))
	b.WriteString("\n```\n")
	return b.String()
}

func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

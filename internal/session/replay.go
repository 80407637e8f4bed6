package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/DenisKimskku/veripatch/internal/attest"
	"github.com/DenisKimskku/veripatch/internal/bundle"
	"github.com/DenisKimskku/veripatch/internal/config"
	"github.com/DenisKimskku/veripatch/internal/patch"
	"github.com/DenisKimskku/veripatch/internal/provenance"
	"github.com/DenisKimskku/veripatch/internal/runner"
	"github.com/DenisKimskku/veripatch/internal/sandbox"
)

// ErrIO marks unrecoverable I/O problems during replay, such as a manifested
// file missing from the source tree.
var ErrIO = errors.New("io_error")

// ReplayOptions parameterize Replay.
type ReplayOptions struct {
	BundleDir         string
	CwdOverride       string
	VerifyAttestation bool
}

// TargetResult is one proof target's replay outcome.
type TargetResult struct {
	Name     string `json:"name"`
	Cmd      string `json:"cmd"`
	ExitCode int    `json:"exit_code"`
	Passed   bool   `json:"passed"`
	TimedOut bool   `json:"timed_out"`
}

// ReplayReport aggregates a replay run.
type ReplayReport struct {
	BundleDir string         `json:"bundle_dir"`
	Sandbox   string         `json:"sandbox"`
	Targets   []TargetResult `json:"targets"`
	AllPassed bool           `json:"all_passed"`
}

// Replay reconstructs a sandbox from a proof bundle and reruns its recorded
// proof targets: manifested files are copied from the source tree into a
// fresh temp sandbox, final.patch is applied, and each target runs under the
// bundle's policy. With VerifyAttestation set, attestation is checked first
// and a mismatch short-circuits the replay.
func (c *Controller) Replay(ctx context.Context, opts ReplayOptions) (ReplayReport, error) {
	log := c.Log.Named("replay").With(zap.String("bundle", opts.BundleDir))

	if opts.VerifyAttestation {
		if _, err := attest.Verify(opts.BundleDir, c.Env); err != nil {
			return ReplayReport{}, err
		}
		log.Info("attestation verified")
	}

	var repro Repro
	if err := readBundleJSON(opts.BundleDir, bundle.ReproFile, &repro); err != nil {
		return ReplayReport{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	var cfg config.Config
	if err := readBundleJSON(opts.BundleDir, bundle.PolicyFile, &cfg); err != nil {
		return ReplayReport{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	var manifest provenance.Manifest
	if err := readBundleJSON(opts.BundleDir, bundle.ManifestFile, &manifest); err != nil {
		return ReplayReport{}, fmt.Errorf("%w: %v", ErrIO, err)
	}

	sourceRoot := opts.CwdOverride
	if sourceRoot == "" {
		sourceRoot = repro.WorkspaceRoot
	}

	tmp, err := os.MkdirTemp("", "veripatch-replay-")
	if err != nil {
		return ReplayReport{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	replayRoot := filepath.Join(tmp, "workspace")

	if err := materializeFromManifest(sourceRoot, replayRoot, manifest); err != nil {
		return ReplayReport{}, err
	}

	finalPatch, err := os.ReadFile(filepath.Join(opts.BundleDir, bundle.FinalPatchFile))
	if err != nil {
		return ReplayReport{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if strings.TrimSpace(string(finalPatch)) != "" {
		if _, err := patch.Apply(replayRoot, string(finalPatch), cfg.Policy, false); err != nil {
			return ReplayReport{}, err
		}
	}

	var sb *sandbox.Sandbox
	if cfg.Policy.Sandbox.Backend == config.BackendContainer {
		sb = &sandbox.Sandbox{
			Root:             replayRoot,
			Backend:          "container",
			WorkspaceBackend: config.BackendCopy,
			ContainerRuntime: cfg.Policy.Sandbox.ContainerRuntime,
			ContainerImage:   cfg.Policy.Sandbox.ContainerImage,
			ContainerWorkdir: cfg.Policy.Sandbox.ContainerWorkdir,
			Network:          cfg.Policy.Network,
			CPULimit:         cfg.Policy.Sandbox.CPULimit,
			MemoryLimit:      cfg.Policy.Sandbox.MemoryLimit,
		}
	}

	run := runner.New(c.Env, log)
	report := ReplayReport{BundleDir: opts.BundleDir, Sandbox: replayRoot, AllPassed: true}
	targets := cfg.ProofTargets
	if len(targets) == 0 && repro.Command != "" {
		targets = []config.ProofTarget{{Name: "default", Cmd: repro.Command}}
	}
	for _, target := range targets {
		res := run.Run(ctx, target.Cmd, cfg.Policy.ArgvFor(target.Cmd), replayRoot, cfg.Policy.Limits.PerCommandTimeoutSec, sb)
		tr := TargetResult{
			Name:     target.Name,
			Cmd:      target.Cmd,
			ExitCode: res.ExitCode,
			Passed:   res.Passed(),
			TimedOut: res.TimedOut,
		}
		report.Targets = append(report.Targets, tr)
		if !tr.Passed {
			report.AllPassed = false
		}
		log.Info("replayed target",
			zap.String("target", target.Name),
			zap.Bool("passed", tr.Passed))
	}
	return report, nil
}

// materializeFromManifest copies exactly the manifested files from the
// source tree. A missing file is an I/O error; replay cannot be faithful
// without it.
func materializeFromManifest(sourceRoot, dest string, manifest provenance.Manifest) error {
	for _, rec := range manifest.Files {
		src := filepath.Join(sourceRoot, filepath.FromSlash(rec.Path))
		raw, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("%w: manifested file %s: %v", ErrIO, rec.Path, err)
		}
		target := filepath.Join(dest, filepath.FromSlash(rec.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		if err := os.WriteFile(target, raw, 0o644); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}

func readBundleJSON(bundleDir, rel string, v any) error {
	raw, err := os.ReadFile(filepath.Join(bundleDir, rel))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

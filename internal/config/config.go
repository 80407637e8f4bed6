// Package config holds the typed session configuration: the immutable Policy
// record, proof targets, and the loader for veripatch.yaml / veripatch.json
// policy documents. Unknown fields in a policy document are rejected.
package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for structurally valid documents whose values
// fail validation (bad enums, max_attempts < 1, unknown fields).
var ErrInvalidConfig = errors.New("invalid_config")

// Network policy values.
const (
	NetworkAllow = "allow"
	NetworkDeny  = "deny"
)

// Sandbox backend values.
const (
	BackendAuto        = "auto"
	BackendCopy        = "copy"
	BackendGitWorktree = "git_worktree"
	BackendContainer   = "container"
)

// Attestation modes.
const (
	AttestationNone       = "none"
	AttestationHMACSHA256 = "hmac-sha256"
)

// Limits bounds one session's resource usage.
type Limits struct {
	MaxAttempts          int `yaml:"max_attempts" json:"max_attempts"`
	MaxFilesChanged      int `yaml:"max_files_changed" json:"max_files_changed"`
	MaxPatchBytes        int `yaml:"max_patch_bytes" json:"max_patch_bytes"`
	PerCommandTimeoutSec int `yaml:"per_command_timeout_sec" json:"per_command_timeout_sec"`
}

// SandboxConfig selects and parameterizes the sandbox backend.
type SandboxConfig struct {
	Backend          string `yaml:"backend" json:"backend"`
	ContainerRuntime string `yaml:"container_runtime" json:"container_runtime"`
	ContainerImage   string `yaml:"container_image" json:"container_image"`
	ContainerWorkdir string `yaml:"container_workdir" json:"container_workdir"`
	CPULimit         string `yaml:"cpu_limit,omitempty" json:"cpu_limit,omitempty"`
	MemoryLimit      string `yaml:"memory_limit,omitempty" json:"memory_limit,omitempty"`
}

// AttestationConfig selects the bundle signing mode.
type AttestationConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Mode    string `yaml:"mode" json:"mode"`
	KeyEnv  string `yaml:"key_env" json:"key_env"`
}

// Policy is the immutable record governing a session. Its canonical JSON
// digest is recorded in repro.json as policy_hash.
type Policy struct {
	Network         string            `yaml:"network" json:"network"`
	AllowedCommands []string          `yaml:"allowed_commands" json:"allowed_commands"`
	AllowedArgv     [][]string        `yaml:"allowed_argv,omitempty" json:"allowed_argv,omitempty"`
	WriteAllowlist  []string          `yaml:"write_allowlist" json:"write_allowlist"`
	DenyWrite       []string          `yaml:"deny_write" json:"deny_write"`
	Limits          Limits            `yaml:"limits" json:"limits"`
	Minimize        bool              `yaml:"minimize" json:"minimize"`
	Sandbox         SandboxConfig     `yaml:"sandbox" json:"sandbox"`
	Attestation     AttestationConfig `yaml:"attestation" json:"attestation"`
}

// ProofTarget names one verification command.
type ProofTarget struct {
	Name string `yaml:"name" json:"name"`
	Cmd  string `yaml:"cmd" json:"cmd"`
}

// Config is the full loaded configuration: proof targets plus policy.
type Config struct {
	ProofTargets []ProofTarget `yaml:"proof_targets" json:"proof_targets"`
	Policy       Policy        `yaml:"policy" json:"policy"`
}

// Default returns the policy applied when no policy document is found.
func Default() Policy {
	return Policy{
		Network:        NetworkDeny,
		WriteAllowlist: []string{"**"},
		Limits: Limits{
			MaxAttempts:          3,
			MaxFilesChanged:      8,
			MaxPatchBytes:        200000,
			PerCommandTimeoutSec: 600,
		},
		Minimize: true,
		Sandbox: SandboxConfig{
			Backend:          BackendAuto,
			ContainerRuntime: "docker",
			ContainerImage:   "python:3.11-slim",
			ContainerWorkdir: "/workspace",
		},
		Attestation: AttestationConfig{
			Enabled: false,
			Mode:    AttestationNone,
			KeyEnv:  "PP_ATTEST_HMAC_KEY",
		},
	}
}

// CommandAllowed reports whether cmd is permitted as a proof target, by exact
// string match against allowed_commands or exact vector match against
// allowed_argv. Either set granting permission is sufficient.
func (p Policy) CommandAllowed(cmd string, argv []string) bool {
	normalized := strings.TrimSpace(cmd)
	for _, c := range p.AllowedCommands {
		if strings.TrimSpace(c) == normalized {
			return true
		}
	}
	if len(argv) > 0 {
		for _, v := range p.AllowedArgv {
			if argvEqual(v, argv) {
				return true
			}
		}
	}
	return false
}

// ArgvFor returns the allowed argv vector matching cmd's whitespace split, if
// any. Shell-less execution is preferred when the vector is allowlisted.
func (p Policy) ArgvFor(cmd string) []string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return nil
	}
	for _, v := range p.AllowedArgv {
		if argvEqual(v, fields) {
			return append([]string(nil), v...)
		}
	}
	return nil
}

func argvEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Hash returns the hex SHA-256 of the policy's RFC 8785 canonical JSON.
func (p Policy) Hash() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal policy: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize policy: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Validate checks enum fields and limit bounds.
func (p Policy) Validate() error {
	switch p.Network {
	case NetworkAllow, NetworkDeny:
	default:
		return fmt.Errorf("%w: policy.network must be allow or deny, got %q", ErrInvalidConfig, p.Network)
	}
	switch p.Sandbox.Backend {
	case BackendAuto, BackendCopy, BackendGitWorktree, BackendContainer:
	default:
		return fmt.Errorf("%w: policy.sandbox.backend %q", ErrInvalidConfig, p.Sandbox.Backend)
	}
	switch p.Attestation.Mode {
	case AttestationNone, AttestationHMACSHA256:
	default:
		return fmt.Errorf("%w: policy.attestation.mode %q", ErrInvalidConfig, p.Attestation.Mode)
	}
	if p.Limits.MaxAttempts < 1 {
		return fmt.Errorf("%w: policy.limits.max_attempts must be >= 1", ErrInvalidConfig)
	}
	if p.Limits.MaxFilesChanged < 0 || p.Limits.MaxPatchBytes < 0 || p.Limits.PerCommandTimeoutSec < 0 {
		return fmt.Errorf("%w: policy.limits values must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// Load reads a policy document and assembles the session Config. When path is
// empty, veripatch.yaml / veripatch.yml / veripatch.json are probed at the
// workspace root; with no document present the default policy is used,
// permitting exactly fallbackCmd. The resolved document path (empty when the
// defaults applied) is returned alongside the config.
func Load(path, fallbackCmd, workspaceRoot string) (Config, string, error) {
	resolved := path
	if resolved == "" {
		for _, candidate := range []string{"veripatch.yaml", "veripatch.yml", "veripatch.json"} {
			full := filepath.Join(workspaceRoot, candidate)
			if _, err := os.Stat(full); err == nil {
				resolved = full
				break
			}
		}
	}

	cfg := Config{Policy: Default()}
	if resolved != "" {
		raw, err := os.ReadFile(resolved)
		if err != nil {
			return Config{}, "", fmt.Errorf("read policy document: %w", err)
		}
		if err := decodeStrict(resolved, raw, &cfg); err != nil {
			return Config{}, "", err
		}
	}

	applyFallbacks(&cfg, fallbackCmd)
	if err := cfg.Policy.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, resolved, nil
}

// decodeStrict unmarshals a YAML or JSON policy document, rejecting unknown
// fields in either format.
func decodeStrict(path string, raw []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// applyFallbacks fills target and allowlist defaults. Scalar policy fields
// keep their defaults through decoding (the document is decoded over a
// Default() policy), so an explicit zero like max_attempts: 0 survives to
// Validate and is rejected there.
func applyFallbacks(cfg *Config, fallbackCmd string) {
	if len(cfg.ProofTargets) == 0 && fallbackCmd != "" {
		cfg.ProofTargets = []ProofTarget{{Name: "default", Cmd: fallbackCmd}}
	}
	if len(cfg.Policy.AllowedCommands) == 0 {
		for _, t := range cfg.ProofTargets {
			cfg.Policy.AllowedCommands = append(cfg.Policy.AllowedCommands, t.Cmd)
		}
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, resolved, err := Load("", "pytest -q", dir)
	require.NoError(t, err)
	require.Empty(t, resolved)

	require.Equal(t, []string{"pytest -q"}, cfg.Policy.AllowedCommands)
	require.Equal(t, []string{"**"}, cfg.Policy.WriteAllowlist)
	require.Equal(t, 3, cfg.Policy.Limits.MaxAttempts)
	require.True(t, cfg.Policy.Minimize)
	require.Len(t, cfg.ProofTargets, 1)
	require.Equal(t, "pytest -q", cfg.ProofTargets[0].Cmd)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "veripatch.yaml", `
proof_targets:
  - name: unit
    cmd: pytest -q
policy:
  network: deny
  allowed_commands: [pytest -q]
  write_allowlist: ["src/**"]
  deny_write: ["src/secrets/**"]
  limits:
    max_attempts: 5
  minimize: false
  sandbox:
    backend: copy
`)
	cfg, resolved, err := Load("", "pytest -q", dir)
	require.NoError(t, err)
	require.NotEmpty(t, resolved)

	require.Equal(t, 5, cfg.Policy.Limits.MaxAttempts)
	// Unset limit fields keep their defaults.
	require.Equal(t, 200000, cfg.Policy.Limits.MaxPatchBytes)
	require.False(t, cfg.Policy.Minimize)
	require.Equal(t, BackendCopy, cfg.Policy.Sandbox.Backend)
	require.Equal(t, []string{"src/**"}, cfg.Policy.WriteAllowlist)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "custom.json", `{
  "policy": {
    "allowed_commands": ["go test ./..."],
    "limits": {"max_attempts": 2}
  }
}`)
	cfg, _, err := Load(path, "go test ./...", dir)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Policy.Limits.MaxAttempts)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "veripatch.yaml", `
policy:
  allowed_commands: [pytest -q]
  surprise_field: true
`)
	_, _, err := Load(path, "pytest -q", dir)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsZeroMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "veripatch.yaml", `
policy:
  allowed_commands: [pytest -q]
  limits:
    max_attempts: 0
`)
	_, _, err := Load(path, "pytest -q", dir)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsBadEnums(t *testing.T) {
	dir := t.TempDir()
	for name, doc := range map[string]string{
		"network": "policy:\n  network: maybe\n",
		"backend": "policy:\n  sandbox:\n    backend: chroot\n",
		"attmode": "policy:\n  attestation:\n    mode: rsa\n",
	} {
		path := writePolicy(t, dir, name+".yaml", doc)
		_, _, err := Load(path, "true", dir)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestPolicyHashStable(t *testing.T) {
	p := Default()
	h1, err := p.Hash()
	require.NoError(t, err)
	h2, err := p.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	p2 := Default()
	p2.Limits.MaxAttempts = 7
	h3, err := p2.Hash()
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestCommandAllowedUnion(t *testing.T) {
	p := Default()
	p.AllowedCommands = []string{"make test"}
	p.AllowedArgv = [][]string{{"go", "vet", "./..."}}

	require.True(t, p.CommandAllowed("make test", nil))
	require.True(t, p.CommandAllowed("go vet ./...", []string{"go", "vet", "./..."}))
	require.False(t, p.CommandAllowed("make test && rm -rf /", nil))

	require.Equal(t, []string{"go", "vet", "./..."}, p.ArgvFor("go vet ./..."))
	require.Nil(t, p.ArgvFor("make test"))
}

func TestEnvSnapshot(t *testing.T) {
	env := SnapshotFrom(map[string]string{
		"PP_PROVIDER":       "openai",
		"PP_OPENAI_API_KEY": "sk-secret",
		"PP_LOCAL_API_KEY":  "local-secret",
		"PATH":              "/usr/bin",
	})
	require.Equal(t, "openai", env.Provider())
	require.Equal(t, "sk-secret", env.Get("PP_OPENAI_API_KEY"))

	sanitized := env.SanitizedEnviron()
	for _, kv := range sanitized {
		if kv == "PP_OPENAI_API_KEY=sk-secret" || kv == "PP_LOCAL_API_KEY=local-secret" {
			t.Errorf("secret leaked into sanitized environ: %s", kv)
		}
	}
	require.Contains(t, sanitized, "PATH=/usr/bin")
}

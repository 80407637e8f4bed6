package config

import (
	"os"
	"strconv"
	"strings"
)

// secretPrefixes name environment variables that must never reach a child
// process or a log line.
var secretPrefixes = []string{"PP_OPENAI_", "PP_ATTEST_"}

var secretExact = map[string]bool{"PP_LOCAL_API_KEY": true}

// EnvSnapshot is a frozen view of the process environment, captured once at
// session start. Components receive it as an explicit input instead of
// reading os.Getenv ad hoc.
type EnvSnapshot struct {
	vars map[string]string
}

// SnapshotEnv captures the current process environment.
func SnapshotEnv() *EnvSnapshot {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return &EnvSnapshot{vars: vars}
}

// SnapshotFrom builds a snapshot from an explicit map, for tests.
func SnapshotFrom(vars map[string]string) *EnvSnapshot {
	copied := make(map[string]string, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return &EnvSnapshot{vars: copied}
}

// Get returns the value for key, or "" when unset.
func (e *EnvSnapshot) Get(key string) string {
	return e.vars[key]
}

// GetDefault returns the value for key, or fallback when unset or empty.
func (e *EnvSnapshot) GetDefault(key, fallback string) string {
	if v := e.vars[key]; v != "" {
		return v
	}
	return fallback
}

// GetInt parses the value for key as an integer, or returns fallback.
func (e *EnvSnapshot) GetInt(key string, fallback int) int {
	v := e.vars[key]
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Provider returns the configured proposer provider name.
func (e *EnvSnapshot) Provider() string {
	return strings.ToLower(strings.TrimSpace(e.GetDefault("PP_PROVIDER", "stub")))
}

// IsSecretName reports whether an environment variable name matches the
// configured secret-name patterns and must be dropped from child
// environments.
func IsSecretName(name string) bool {
	if secretExact[name] {
		return true
	}
	for _, prefix := range secretPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// SanitizedEnviron returns the snapshot as KEY=VALUE pairs with secret-named
// variables removed, suitable for exec.Cmd.Env.
func (e *EnvSnapshot) SanitizedEnviron() []string {
	out := make([]string, 0, len(e.vars))
	for k, v := range e.vars {
		if IsSecretName(k) {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

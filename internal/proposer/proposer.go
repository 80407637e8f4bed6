// Package proposer talks to the external patch proposer: a black box that
// turns failure evidence into unified-diff text. Providers: a deterministic
// stub, the OpenAI API, and OpenAI-compatible local inference servers.
package proposer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/DenisKimskku/veripatch/internal/config"
	"github.com/DenisKimskku/veripatch/internal/evidence"
)

// ErrProposer marks provider-side failures (transport, bad responses). The
// attempt loop records them and keeps going.
var ErrProposer = errors.New("proposer_error")

// Request carries everything the proposer may see. All free text is redacted
// before it gets here.
type Request struct {
	Command           string
	FailureOutput     string
	Context           evidence.Slice
	PreviousAttempts  []string
	WriteAllowlist    []string
	DenyWrite         []string
	EditableFiles     map[string]string
	EditableFileOrder []string
}

// Proposal is the provider's answer: a unified diff (possibly empty) plus
// the raw model response for the attempt record.
type Proposal struct {
	Diff        string `json:"diff"`
	RawResponse string `json:"raw_response,omitempty"`
}

// Proposer is the provider interface.
type Proposer interface {
	// Name identifies the provider in repro.json.
	Name() string
	// Propose requests a patch for the failing command.
	Propose(ctx context.Context, req Request) (Proposal, error)
}

// New builds the provider selected by name, falling back to the environment
// snapshot's PP_PROVIDER and then to the stub.
func New(name string, env *config.EnvSnapshot, log *zap.Logger) (Proposer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	resolved := strings.ToLower(strings.TrimSpace(name))
	if resolved == "" {
		resolved = env.Provider()
	}
	switch resolved {
	case "stub":
		return &Stub{}, nil
	case "openai":
		apiKey := env.Get("PP_OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("%w: openai provider requires PP_OPENAI_API_KEY", ErrProposer)
		}
		return newHTTPProposer(httpConfig{
			label:      "openai",
			apiKey:     apiKey,
			baseURL:    env.GetDefault("PP_OPENAI_BASE_URL", "https://api.openai.com/v1"),
			model:      env.GetDefault("PP_OPENAI_MODEL", "gpt-4o"),
			maxTokens:  env.GetInt("PP_OPENAI_MAX_TOKENS", 2000),
			timeoutSec: 240,
		}, log), nil
	case "local", "local-openai", "vllm", "lmstudio":
		return newHTTPProposer(httpConfig{
			label:      "local",
			apiKey:     env.Get("PP_LOCAL_API_KEY"),
			baseURL:    env.GetDefault("PP_LOCAL_BASE_URL", "http://127.0.0.1:8000/v1"),
			model:      env.GetDefault("PP_LOCAL_MODEL", "Qwen/Qwen2.5-Coder-7B-Instruct"),
			maxTokens:  env.GetInt("PP_OPENAI_MAX_TOKENS", 2000),
			timeoutSec: env.GetInt("PP_LOCAL_TIMEOUT_SEC", 240),
		}, log), nil
	}
	return nil, fmt.Errorf("%w: unknown provider %q", ErrProposer, resolved)
}

// StripFence removes a surrounding markdown code fence from model output.
func StripFence(s string) string {
	text := strings.TrimSpace(s)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

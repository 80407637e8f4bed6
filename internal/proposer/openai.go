package proposer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DenisKimskku/veripatch/internal/patch"
)

type httpConfig struct {
	label      string
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	timeoutSec int
}

// httpProposer speaks the OpenAI-compatible chat completions protocol. It
// serves both the hosted OpenAI provider and local inference servers.
type httpProposer struct {
	cfg    httpConfig
	client *http.Client
	log    *zap.Logger
}

func newHTTPProposer(cfg httpConfig, log *zap.Logger) *httpProposer {
	if cfg.maxTokens <= 0 {
		cfg.maxTokens = 2000
	}
	return &httpProposer{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.timeoutSec) * time.Second,
		},
		log: log.Named("proposer").With(zap.String("provider", cfg.label)),
	}
}

// Name implements Proposer.
func (p *httpProposer) Name() string { return p.cfg.label }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Propose implements Proposer. An empty or whitespace-only answer triggers
// exactly one retry with an amended prompt that also permits the single-file
// rewrite framing.
func (p *httpProposer) Propose(ctx context.Context, req Request) (Proposal, error) {
	content, err := p.complete(ctx, buildPrompt(req))
	if err != nil {
		return Proposal{}, err
	}
	diff := StripFence(content)

	if strings.TrimSpace(diff) == "" || patch.IsNoop(diff) {
		p.log.Debug("empty or no-op proposal, retrying once")
		retry, retryErr := p.complete(ctx, buildRetryPrompt(req, content))
		if retryErr != nil {
			return Proposal{}, retryErr
		}
		content = retry
		diff = StripFence(retry)
	}

	// The retry prompt invites a full-file rewrite block when a diff is too
	// hard; convert it into a patch so the policy and applier see a normal
	// unified diff.
	if path, body, ok := patch.DetectRewrite(content); ok {
		if current, known := req.EditableFiles[path]; known {
			if rewriteDiff := patch.FileDiff(path, current, body); rewriteDiff != "" {
				diff = rewriteDiff
			}
		}
	}

	return Proposal{Diff: diff, RawResponse: content}, nil
}

// complete posts one chat completion and returns the first choice's content.
// Transient HTTP failures are retried with exponential backoff.
func (p *httpProposer) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.cfg.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens: p.cfg.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrProposer, err)
	}

	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrProposer, ctx.Err())
			}
		}

		content, retryable, err := p.post(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		p.log.Debug("proposer request failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return "", lastErr
}

func (p *httpProposer) post(ctx context.Context, body []byte) (string, bool, error) {
	url := strings.TrimRight(p.cfg.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrProposer, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", true, fmt.Errorf("%w: %v", ErrProposer, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("%w: read response: %v", ErrProposer, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("%w: HTTP %d: %s", ErrProposer, resp.StatusCode, truncate(string(raw), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("%w: HTTP %d: %s", ErrProposer, resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("%w: decode response: %v", ErrProposer, err)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("%w: %s", ErrProposer, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("%w: response has no choices", ErrProposer)
	}
	return parsed.Choices[0].Message.Content, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package proposer

import (
	"fmt"
	"strings"
)

const systemPrompt = "You repair failing codebases by producing minimal unified diff patches."

const (
	maxFailureOutput = 12000
	maxSnippetBlock  = 20000
	maxEditableBlock = 24000
	maxPrevAttempts  = 3
)

// buildPrompt renders the proposer request as a single user message.
func buildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("Return a unified diff that makes the failing command pass.\n")
	b.WriteString("Rules:\n")
	b.WriteString("1) include '--- a/<path>' and '+++ b/<path>' headers for every changed file.\n")
	b.WriteString("2) only touch files matching the allowlist and no denylist pattern.\n")
	b.WriteString("3) context and removed lines must match the file snapshots verbatim.\n")
	b.WriteString("4) minimize changes; no refactors, no dependency changes.\n")
	b.WriteString("5) the diff must make a real change; no-op patches are rejected.\n\n")

	fmt.Fprintf(&b, "Failing command: %s\n\n", req.Command)

	if block := editableBlock(req); block != "" {
		fmt.Fprintf(&b, "Editable file snapshots (canonical; edit ONLY these files):\n%s\n\n", block)
	}

	writeList(&b, "Write allowlist", req.WriteAllowlist)
	writeList(&b, "Write denylist", req.DenyWrite)

	prev := req.PreviousAttempts
	if len(prev) > maxPrevAttempts {
		prev = prev[len(prev)-maxPrevAttempts:]
	}
	writeList(&b, "Recent attempt errors", prev)
	writeList(&b, "Failing assertions", req.Context.FailingAssertions)

	fmt.Fprintf(&b, "\nFailure output:\n%s\n", clip(req.FailureOutput, maxFailureOutput))

	if block := snippetBlock(req); block != "" {
		fmt.Fprintf(&b, "\nContext snippets:\n%s\n", block)
	}
	return b.String()
}

// buildRetryPrompt amends the prompt after an empty or no-op answer. It
// explicitly offers the single-file rewrite framing as a fallback.
func buildRetryPrompt(req Request, previousResponse string) string {
	var b strings.Builder
	b.WriteString("Your previous response was empty or made no effective change.\n")
	b.WriteString("Return a NON-EMPTY unified diff now, editing at least one line of an editable file.\n")
	b.WriteString("If a diff is impractical, instead return a complete single-file rewrite framed exactly as:\n")
	b.WriteString("file: <path>\n```\n<complete replacement file content>\n```\n\n")
	fmt.Fprintf(&b, "Rejected response:\n%s\n\n", clip(previousResponse, 4000))
	b.WriteString(buildPrompt(req))
	return b.String()
}

func editableBlock(req Request) string {
	var parts []string
	for _, path := range req.EditableFileOrder {
		content := req.EditableFiles[path]
		if content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("### %s\n```\n%s\n```", path, content))
	}
	return clip(strings.Join(parts, "\n\n"), maxEditableBlock)
}

func snippetBlock(req Request) string {
	var parts []string
	for _, loc := range req.Context.Locations {
		key := fmt.Sprintf("%s:%d", loc.File, loc.Line)
		if snippet := req.Context.Snippets[key]; snippet != "" {
			parts = append(parts, fmt.Sprintf("### %s\n%s", key, snippet))
		}
	}
	return clip(strings.Join(parts, "\n\n"), maxSnippetBlock)
}

func writeList(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "%s:\n", title)
	if len(items) == 0 {
		b.WriteString("- (none)\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

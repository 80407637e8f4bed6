// Package policy evaluates session policy: command allowlisting, write-path
// globs, and quantitative patch limits. All checks are pure functions over
// the frozen Policy record.
package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/DenisKimskku/veripatch/internal/config"
)

// Reject reasons, stable across releases. They appear in attempt records and
// in CLI output.
const (
	ReasonCommandNotAllowed = "command_not_allowed"
	ReasonPathNotAllowed    = "path_not_allowed"
	ReasonTooManyFiles      = "too_many_files"
	ReasonPatchTooLarge     = "patch_too_large"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason, detail string) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}

// CheckCommand verifies that cmd (or its argv vector) is an exact member of
// the policy's allowlists. No prefix matching, shell expansion, or globbing.
func CheckCommand(p config.Policy, cmd string, argv []string) Decision {
	if p.CommandAllowed(cmd, argv) {
		return allow()
	}
	return deny(ReasonCommandNotAllowed, fmt.Sprintf("command %q is not allowlisted", cmd))
}

// NormalizePath cleans a candidate write path relative to the sandbox root.
// Absolute paths, parent traversal, and empty paths are rejected.
func NormalizePath(p string) (string, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if cleaned == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(cleaned, "/") {
		return "", fmt.Errorf("absolute path %q", p)
	}
	cleaned = path.Clean(cleaned)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the sandbox root", p)
	}
	if cleaned == "." {
		return "", fmt.Errorf("path %q does not name a file", p)
	}
	return cleaned, nil
}

// CheckWritePath decides whether the sandbox-relative path may be written.
// The path must match at least one write_allowlist glob and no deny_write
// glob; deny wins on overlap.
func CheckWritePath(p config.Policy, rel string) Decision {
	normalized, err := NormalizePath(rel)
	if err != nil {
		return deny(ReasonPathNotAllowed, err.Error())
	}
	allowed := false
	for _, pattern := range p.WriteAllowlist {
		if Match(pattern, normalized) {
			allowed = true
			break
		}
	}
	if !allowed {
		return deny(ReasonPathNotAllowed, fmt.Sprintf("path %q matches no write_allowlist pattern", normalized))
	}
	for _, pattern := range p.DenyWrite {
		if Match(pattern, normalized) {
			return deny(ReasonPathNotAllowed, fmt.Sprintf("path %q matches deny_write pattern %q", normalized, pattern))
		}
	}
	return allow()
}

// CheckPatch applies the quantitative limits and the per-path write check to
// a parsed patch's touched paths and serialized size.
func CheckPatch(p config.Policy, paths []string, patchBytes int) Decision {
	if p.Limits.MaxFilesChanged > 0 && len(paths) > p.Limits.MaxFilesChanged {
		return deny(ReasonTooManyFiles, fmt.Sprintf("patch touches %d files, limit %d", len(paths), p.Limits.MaxFilesChanged))
	}
	if p.Limits.MaxPatchBytes > 0 && patchBytes > p.Limits.MaxPatchBytes {
		return deny(ReasonPatchTooLarge, fmt.Sprintf("patch is %d bytes, limit %d", patchBytes, p.Limits.MaxPatchBytes))
	}
	for _, rel := range paths {
		if d := CheckWritePath(p, rel); !d.Allowed {
			return d
		}
	}
	return allow()
}

// Match implements the policy glob dialect over slash-separated paths:
// `*` matches within a single segment, `**` (as a whole segment) matches any
// number of segments including zero, and `?` matches one character.
func Match(pattern, name string) bool {
	return matchSegments(splitSegments(pattern), splitSegments(name))
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		// Zero segments, or consume one and keep the double-star active.
		if matchSegments(pattern[1:], name) {
			return true
		}
		return len(name) > 0 && matchSegments(pattern, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	if !matchSegment(pattern[0], name[0]) {
		return false
	}
	return matchSegments(pattern[1:], name[1:])
}

// matchSegment matches one glob segment against one path segment with `*`
// and `?` semantics confined to the segment.
func matchSegment(pattern, name string) bool {
	pi, ni := 0, 0
	starP, starN := -1, 0
	for ni < len(name) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == name[ni]):
			pi++
			ni++
		case pi < len(pattern) && pattern[pi] == '*':
			starP, starN = pi, ni
			pi++
		case starP >= 0:
			starN++
			ni = starN
			pi = starP + 1
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

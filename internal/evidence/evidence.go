// Package evidence extracts failure context from verification output:
// implicated source locations, surrounding code snippets, and failing
// assertion lines. The result rides along in the proposer request.
package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxLocations  = 20
	maxAssertions = 20
	snippetRadius = 25
)

var (
	tracebackFileRe = regexp.MustCompile(`File "(.+?)", line (\d+)`)
	diagnosticRe    = regexp.MustCompile(`([\w./\\-]+):\s?(\d+)(?::(\d+))?`)
	assertionRe     = regexp.MustCompile(`(AssertionError:.*|E\s+assert\s+.*|FAILED\s+.*|--- FAIL:.*|panic:.*)`)
)

// Location is one implicated file position.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Slice is the extracted failure context.
type Slice struct {
	Locations         []Location        `json:"locations"`
	Snippets          map[string]string `json:"snippets"`
	FailingAssertions []string          `json:"failing_assertions"`
}

// Extract parses failureOutput for locations inside workspaceRoot and
// attaches code snippets around each.
func Extract(failureOutput, workspaceRoot string) Slice {
	locations := extractLocations(failureOutput, workspaceRoot)
	snippets := make(map[string]string, len(locations))
	for _, loc := range locations {
		key := fmt.Sprintf("%s:%d", loc.File, loc.Line)
		snippets[key] = snippetAt(workspaceRoot, loc.File, loc.Line)
	}

	var assertions []string
	for _, m := range assertionRe.FindAllStringSubmatch(failureOutput, -1) {
		assertions = append(assertions, strings.TrimSpace(m[1]))
		if len(assertions) >= maxAssertions {
			break
		}
	}
	return Slice{Locations: locations, Snippets: snippets, FailingAssertions: assertions}
}

func extractLocations(text, workspaceRoot string) []Location {
	var out []Location
	seen := make(map[string]bool)

	add := func(raw string, line int, reason string) {
		rel, ok := toRelative(raw, workspaceRoot)
		if !ok {
			return
		}
		key := rel + ":" + strconv.Itoa(line)
		if seen[key] || len(out) >= maxLocations {
			return
		}
		seen[key] = true
		out = append(out, Location{File: rel, Line: line, Reason: reason})
	}

	for _, m := range tracebackFileRe.FindAllStringSubmatch(text, -1) {
		line, _ := strconv.Atoi(m[2])
		add(m[1], line, "traceback")
	}
	for _, m := range diagnosticRe.FindAllStringSubmatch(text, -1) {
		line, _ := strconv.Atoi(m[2])
		add(m[1], line, "diagnostic")
	}
	return out
}

// toRelative resolves a reported path against the workspace root and rejects
// anything that lands outside it.
func toRelative(raw, workspaceRoot string) (string, bool) {
	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(workspaceRoot, p)
	}
	resolved, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	rootAbs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(rootAbs, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// snippetAt renders lines around lineNo with a >> marker on the implicated
// line.
func snippetAt(workspaceRoot, rel string, lineNo int) string {
	raw, err := os.ReadFile(filepath.Join(workspaceRoot, filepath.FromSlash(rel)))
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return ""
	}

	start := lineNo - snippetRadius
	if start < 1 {
		start = 1
	}
	end := lineNo + snippetRadius
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		marker := "  "
		if i == lineNo {
			marker = ">>"
		}
		fmt.Fprintf(&b, "%s %5d | %s\n", marker, i, lines[i-1])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

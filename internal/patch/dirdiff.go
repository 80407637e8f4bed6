package patch

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const diffContextLines = 3

// DiffDirs computes a unified diff from baseDir to newDir restricted to text
// files, skipping .git and any excluded top-level directory names. The
// result parses back through Parse and is the canonical final.patch content.
func DiffDirs(baseDir, newDir string, exclude []string) (string, error) {
	baseFiles, err := listTextFiles(baseDir, exclude)
	if err != nil {
		return "", err
	}
	newFiles, err := listTextFiles(newDir, exclude)
	if err != nil {
		return "", err
	}

	union := make(map[string]bool)
	for rel := range baseFiles {
		union[rel] = true
	}
	for rel := range newFiles {
		union[rel] = true
	}
	paths := make([]string, 0, len(union))
	for rel := range union {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	var p Patch
	for _, rel := range paths {
		oldContent, inBase := baseFiles[rel]
		newContent, inNew := newFiles[rel]
		if inBase && inNew && oldContent == newContent {
			continue
		}

		fc := FileChange{OldPath: "a/" + rel, NewPath: "b/" + rel, Mode: Modify}
		switch {
		case !inBase:
			fc.OldPath = "/dev/null"
			fc.Mode = Create
		case !inNew:
			fc.NewPath = "/dev/null"
			fc.Mode = Delete
		}
		fc.Hunks = computeHunks(oldContent, newContent)
		if len(fc.Hunks) == 0 {
			continue
		}
		p.Files = append(p.Files, fc)
	}
	return p.Render(), nil
}

// listTextFiles maps sandbox-relative path to content for every text file
// under root. Binary files (NUL byte in the first 8 KiB) are skipped.
func listTextFiles(root string, exclude []string) (map[string]string, error) {
	skip := map[string]bool{".git": true}
	for _, name := range exclude {
		skip[name] = true
	}

	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		// In a worktree sandbox .git is a file, not a directory.
		if skip[d.Name()] {
			return nil
		}
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		if isBinary(raw) {
			return nil
		}
		files[rel] = strings.ReplaceAll(string(raw), "\r\n", "\n")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

func isBinary(raw []byte) bool {
	probe := raw
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

// FileDiff renders a unified diff for a single file's content change, used
// to turn a full-file rewrite into a reviewable patch. Empty when the
// contents are equal.
func FileDiff(rel, oldContent, newContent string) string {
	oldContent = strings.ReplaceAll(oldContent, "\r\n", "\n")
	newContent = strings.ReplaceAll(newContent, "\r\n", "\n")
	if oldContent == newContent {
		return ""
	}
	fc := FileChange{OldPath: "a/" + rel, NewPath: "b/" + rel, Mode: Modify}
	switch {
	case oldContent == "":
		fc.OldPath = "/dev/null"
		fc.Mode = Create
	case newContent == "":
		fc.NewPath = "/dev/null"
		fc.Mode = Delete
	}
	fc.Hunks = computeHunks(oldContent, newContent)
	if len(fc.Hunks) == 0 {
		return ""
	}
	return Patch{Files: []FileChange{fc}}.Render()
}

// lineOp is one line of the old/new interleaving produced by the diff
// engine.
type lineOp struct {
	kind LineKind
	text string
}

// computeHunks diffs two file contents line-wise and groups the result into
// unified-diff hunks with standard context. The line-level reduction via
// DiffLinesToChars avoids newline boundary artifacts.
func computeHunks(oldContent, newContent string) []Hunk {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	a, b, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var ops []lineOp
	for _, d := range diffs {
		for _, line := range splitDiffLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, lineOp{kind: Context, text: line})
			case diffmatchpatch.DiffDelete:
				ops = append(ops, lineOp{kind: Remove, text: line})
			case diffmatchpatch.DiffInsert:
				ops = append(ops, lineOp{kind: Add, text: line})
			}
		}
	}
	return groupHunks(ops, diffContextLines)
}

func splitDiffLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// groupHunks turns the flat op list into hunks, merging changes whose
// context windows touch.
func groupHunks(ops []lineOp, context int) []Hunk {
	changed := make([]int, 0)
	for i, op := range ops {
		if op.kind != Context {
			changed = append(changed, i)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	// Group change indexes whose gap fits inside two context windows.
	type span struct{ start, end int }
	var spans []span
	cur := span{start: changed[0], end: changed[0]}
	for _, idx := range changed[1:] {
		if idx-cur.end <= 2*context {
			cur.end = idx
			continue
		}
		spans = append(spans, cur)
		cur = span{start: idx, end: idx}
	}
	spans = append(spans, cur)

	// Precompute old/new line numbers (1-based) at each op index.
	oldAt := make([]int, len(ops)+1)
	newAt := make([]int, len(ops)+1)
	oldLine, newLine := 1, 1
	for i, op := range ops {
		oldAt[i] = oldLine
		newAt[i] = newLine
		if op.kind == Context || op.kind == Remove {
			oldLine++
		}
		if op.kind == Context || op.kind == Add {
			newLine++
		}
	}
	oldAt[len(ops)] = oldLine
	newAt[len(ops)] = newLine

	var hunks []Hunk
	for _, s := range spans {
		start := s.start - context
		if start < 0 {
			start = 0
		}
		end := s.end + 1 + context
		if end > len(ops) {
			end = len(ops)
		}
		h := Hunk{OldStart: oldAt[start], NewStart: newAt[start]}
		for _, op := range ops[start:end] {
			h.Lines = append(h.Lines, Line{Kind: op.kind, Text: op.text})
		}
		h.OldLen, h.NewLen = h.Counts()
		if h.OldLen == 0 {
			h.OldStart = oldAt[start] - 1
		}
		if h.NewLen == 0 {
			h.NewStart = newAt[start] - 1
		}
		hunks = append(hunks, h)
	}
	return hunks
}

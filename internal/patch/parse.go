package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var hunkHeaderRe = regexp.MustCompile(`^@@\s+-(\d+)(?:,(\d+))?\s+\+(\d+)(?:,(\d+))?\s+@@`)

// Parse reads unified-diff text into a Patch. It accepts conventional
// --- a/<path> / +++ b/<path> headers, /dev/null creation and deletion
// markers, git rename from/to blocks, and @@ hunk headers. CR line endings
// are stripped. Malformed headers, hunk count mismatches, and overlapping
// hunks are rejected with ErrParse.
func Parse(diffText string) (Patch, error) {
	lines := strings.Split(strings.ReplaceAll(diffText, "\r\n", "\n"), "\n")

	var p Patch
	var current *FileChange
	var pendingRename *FileChange

	flush := func() error {
		if current == nil {
			return nil
		}
		if err := validateFile(*current); err != nil {
			return err
		}
		p.Files = append(p.Files, *current)
		current = nil
		return nil
	}

	i := 0
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git"),
			strings.HasPrefix(line, "index "),
			strings.HasPrefix(line, "similarity index"),
			strings.HasPrefix(line, "new file mode"),
			strings.HasPrefix(line, "deleted file mode"),
			strings.HasPrefix(line, "old mode"),
			strings.HasPrefix(line, "new mode"):
			i++

		case strings.HasPrefix(line, "rename from "):
			if err := flush(); err != nil {
				return Patch{}, err
			}
			pendingRename = &FileChange{
				OldPath: strings.TrimSpace(strings.TrimPrefix(line, "rename from ")),
				Mode:    Rename,
			}
			i++

		case strings.HasPrefix(line, "rename to "):
			if pendingRename == nil {
				return Patch{}, fmt.Errorf("%w: rename to without rename from at line %d", ErrParse, i+1)
			}
			pendingRename.NewPath = strings.TrimSpace(strings.TrimPrefix(line, "rename to "))
			current = pendingRename
			pendingRename = nil
			i++
			// A pure rename has no hunks; content edits may follow with
			// their own ---/+++ pair for the same file.
			if i < len(lines) && strings.HasPrefix(lines[i], "--- ") {
				i += 2 // skip the ---/+++ pair, paths already known
			}

		case strings.HasPrefix(line, "--- "):
			if err := flush(); err != nil {
				return Patch{}, err
			}
			oldPath := headerPath(line)
			i++
			if i >= len(lines) || !strings.HasPrefix(lines[i], "+++ ") {
				return Patch{}, fmt.Errorf("%w: expected +++ header after --- at line %d", ErrParse, i)
			}
			newPath := headerPath(lines[i])
			i++
			fc := FileChange{OldPath: oldPath, NewPath: newPath, Mode: Modify}
			switch {
			case oldPath == "/dev/null" && newPath == "/dev/null":
				return Patch{}, fmt.Errorf("%w: both sides are /dev/null", ErrParse)
			case oldPath == "/dev/null":
				fc.Mode = Create
			case newPath == "/dev/null":
				fc.Mode = Delete
			}
			current = &fc

		case strings.HasPrefix(line, "@@"):
			if current == nil {
				return Patch{}, fmt.Errorf("%w: hunk without file header at line %d", ErrParse, i+1)
			}
			h, next, err := parseHunk(lines, i)
			if err != nil {
				return Patch{}, err
			}
			current.Hunks = append(current.Hunks, h)
			i = next

		default:
			i++
		}
	}
	if pendingRename != nil {
		return Patch{}, fmt.Errorf("%w: rename from without rename to", ErrParse)
	}
	if err := flush(); err != nil {
		return Patch{}, err
	}
	if len(p.Files) == 0 {
		return Patch{}, fmt.Errorf("%w: no file changes found", ErrParse)
	}
	return p, nil
}

// headerPath extracts the path from a ---/+++ header, dropping any
// tab-separated timestamp suffix.
func headerPath(line string) string {
	p := strings.TrimSpace(line[4:])
	if tab := strings.IndexByte(p, '\t'); tab >= 0 {
		p = p[:tab]
	}
	return p
}

func parseHunk(lines []string, i int) (Hunk, int, error) {
	m := hunkHeaderRe.FindStringSubmatch(lines[i])
	if m == nil {
		return Hunk{}, 0, fmt.Errorf("%w: malformed hunk header %q", ErrParse, lines[i])
	}
	h := Hunk{
		OldStart: atoiDefault(m[1], 0),
		OldLen:   atoiDefault(m[2], 1),
		NewStart: atoiDefault(m[3], 0),
		NewLen:   atoiDefault(m[4], 1),
	}
	i++
	for i < len(lines) {
		line := strings.TrimSuffix(lines[i], "\r")
		if strings.HasPrefix(line, "@@") || strings.HasPrefix(line, "--- ") ||
			strings.HasPrefix(line, "diff --git") || strings.HasPrefix(line, "rename from ") {
			break
		}
		if strings.HasPrefix(line, `\ No newline at end of file`) {
			i++
			continue
		}
		if line == "" {
			// Trailing blank after the final hunk; inside a hunk an empty
			// line is shorthand for an empty context line.
			if hunkComplete(h) {
				i++
				continue
			}
			h.Lines = append(h.Lines, Line{Kind: Context})
			i++
			continue
		}
		switch line[0] {
		case ' ', '+', '-':
			h.Lines = append(h.Lines, Line{Kind: LineKind(line[0]), Text: line[1:]})
		default:
			return Hunk{}, 0, fmt.Errorf("%w: malformed hunk line %q", ErrParse, line)
		}
		i++
	}
	oldCount, newCount := h.Counts()
	if oldCount != h.OldLen || newCount != h.NewLen {
		return Hunk{}, 0, fmt.Errorf("%w: hunk @@ -%d,%d +%d,%d @@ has %d/%d lines",
			ErrParse, h.OldStart, h.OldLen, h.NewStart, h.NewLen, oldCount, newCount)
	}
	return h, i, nil
}

// Counts returns the observed (old, new) line totals of the hunk body.
func (h Hunk) Counts() (int, int) {
	var oldCount, newCount int
	for _, l := range h.Lines {
		if l.Kind == Context || l.Kind == Remove {
			oldCount++
		}
		if l.Kind == Context || l.Kind == Add {
			newCount++
		}
	}
	return oldCount, newCount
}

func hunkComplete(h Hunk) bool {
	oldCount, newCount := h.Counts()
	return oldCount >= h.OldLen && newCount >= h.NewLen
}

// validateFile rejects hunks whose old ranges intersect within one file.
func validateFile(f FileChange) error {
	for i := 0; i < len(f.Hunks); i++ {
		for j := i + 1; j < len(f.Hunks); j++ {
			a, b := f.Hunks[i], f.Hunks[j]
			aEnd := a.OldStart + a.OldLen
			bEnd := b.OldStart + b.OldLen
			if a.OldStart < bEnd && b.OldStart < aEnd {
				return fmt.Errorf("%w: overlapping hunks in %s (old ranges %d-%d and %d-%d)",
					ErrParse, f.Path(), a.OldStart, aEnd, b.OldStart, bEnd)
			}
		}
	}
	return nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

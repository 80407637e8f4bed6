package patch

import (
	"fmt"

	"github.com/DenisKimskku/veripatch/internal/config"
)

// StageFunc materializes a fresh copy of the pre-patch workspace and returns
// its root plus a cleanup function.
type StageFunc func() (root string, cleanup func(), err error)

// VerifyFunc reruns the proof command in the tree at root and reports
// whether it passed.
type VerifyFunc func(root string) (bool, error)

// Minimize greedily removes hunks from a passing patch, in reverse order,
// keeping each removal only if verification still passes on a fresh staging
// copy. The result is a fixed point: re-minimizing a minimized patch yields
// the same patch. An empty or unparsable input is returned unchanged.
func Minimize(patchText string, pol config.Policy, stage StageFunc, verify VerifyFunc) (string, error) {
	parsed, err := Parse(patchText)
	if err != nil {
		return patchText, nil
	}
	current := parsed.Clone()

	progress := true
	for progress {
		progress = false
	removal:
		for fi := len(current.Files) - 1; fi >= 0; fi-- {
			for hi := len(current.Files[fi].Hunks) - 1; hi >= 0; hi-- {
				candidate := current.Clone()
				candidate.Files[fi].Hunks = append(
					candidate.Files[fi].Hunks[:hi],
					candidate.Files[fi].Hunks[hi+1:]...)
				candidate.Files = pruneEmptyFiles(candidate.Files)

				pass, err := tryCandidate(candidate, pol, stage, verify)
				if err != nil {
					return "", err
				}
				if pass {
					current = candidate
					progress = true
					break removal
				}
			}
		}
	}

	if len(current.Files) == 0 {
		return "", nil
	}
	return current.Render(), nil
}

func pruneEmptyFiles(files []FileChange) []FileChange {
	out := files[:0]
	for _, f := range files {
		if len(f.Hunks) > 0 || f.Mode == Rename {
			out = append(out, f)
		}
	}
	return out
}

// tryCandidate applies the candidate patch to a fresh staging tree and runs
// verification there.
func tryCandidate(candidate Patch, pol config.Policy, stage StageFunc, verify VerifyFunc) (bool, error) {
	root, cleanup, err := stage()
	if err != nil {
		return false, fmt.Errorf("stage minimization tree: %w", err)
	}
	defer cleanup()

	rendered := candidate.Render()
	if rendered != "" {
		if _, err := Apply(root, rendered, pol, false); err != nil {
			// Dropping this hunk broke a later hunk's context; not a
			// candidate.
			return false, nil
		}
	}
	return verify(root)
}

package patch

import (
	"strings"
)

// DetectRewrite recognizes the single-file rewrite directive a proposer may
// return instead of a diff:
//
//	file: path/to/target
//	```
//	<complete replacement content>
//	```
//
// It returns the target path and replacement content when the framing is
// present.
func DetectRewrite(text string) (string, string, bool) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "file:") {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(trimmed, "file:"))
		if path == "" {
			continue
		}
		j := i + 1
		for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
			j++
		}
		if j >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[j]), "```") {
			continue
		}
		var body []string
		for k := j + 1; k < len(lines); k++ {
			if strings.TrimSpace(lines[k]) == "```" {
				content := strings.Join(body, "\n")
				if content != "" {
					content += "\n"
				}
				return path, content, true
			}
			body = append(body, lines[k])
		}
		return "", "", false
	}
	return "", "", false
}

// Package redact scrubs secrets and personal data from text before it leaves
// the engine, primarily failure output and code snippets bound for the patch
// proposer.
package redact

import (
	"math"
	"regexp"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key\s*[=:]\s*)([A-Za-z0-9_\-]{8,})`),
	regexp.MustCompile(`(?i)(token\s*[=:]\s*)([A-Za-z0-9_\-]{8,})`),
	regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)([A-Za-z0-9\-._~+/]+=*)`),
	regexp.MustCompile(`(?i)(password\s*[=:]\s*)([^\s"']{4,})`),
}

var bareSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}\b`),
}

var (
	emailRe  = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phoneRe  = regexp.MustCompile(`\b(?:\+?\d{1,3}[\s.-]?)?(?:\(?\d{3}\)?[\s.-]?)\d{3}[\s.-]?\d{4}\b`)
	b64ishRe = regexp.MustCompile(`\b[A-Za-z0-9+/]{24,}={0,2}\b`)
)

// entropyThreshold is the Shannon-entropy cutoff (bits per char basis) above
// which a base64-looking token is treated as key material.
const entropyThreshold = 4.0

// Text replaces recognizable secrets, emails, phone numbers, and
// high-entropy tokens with redaction markers.
func Text(s string) string {
	out := s
	for _, p := range secretPatterns {
		out = p.ReplaceAllString(out, "${1}[REDACTED]")
	}
	for _, p := range bareSecretPatterns {
		out = p.ReplaceAllString(out, "[REDACTED_SECRET]")
	}
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	out = b64ishRe.ReplaceAllStringFunc(out, func(token string) string {
		if entropy(token) >= entropyThreshold {
			return "[REDACTED_HIGH_ENTROPY]"
		}
		return token
	})
	return out
}

func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}
	total := float64(len(s))
	var h float64
	for _, count := range freq {
		p := float64(count) / total
		h -= p * math.Log2(p)
	}
	return h
}

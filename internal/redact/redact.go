package redact

import (
	"sort"
	"strings"
)

// Marker replaces every redacted secret occurrence.
const Marker = "[FILTERED]"

// Redact replaces every exact occurrence of each secret literal in text with
// Marker. Matching is literal substring, never regex, so secret material can
// not form catastrophic patterns. Empty secrets are skipped; with no secrets
// configured the text passes through unchanged.
func Redact(text string, secrets []string) string {
	if text == "" || len(secrets) == 0 {
		return text
	}
	// Longest first so a secret containing another secret is replaced whole.
	ordered := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			ordered = append(ordered, s)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })
	for _, s := range ordered {
		text = strings.ReplaceAll(text, s, Marker)
	}
	return text
}

// BuildSecrets assembles the redaction list for one build: the shared
// platform secrets plus per-build literals such as the callback token and
// the triggering user's source-control access token when known.
func BuildSecrets(shared []string, perBuild ...string) []string {
	secrets := make([]string, 0, len(shared)+len(perBuild))
	secrets = append(secrets, shared...)
	secrets = append(secrets, perBuild...)
	return secrets
}

// Package redact strips credentials from strings and structured data before
// they reach logs, the audit log or a chat room.
//
// The bot holds two secrets: its account password and its access token.
// Neither may appear in a log line, an audit payload or an audit-room
// notice.  Redaction works on string representations, so callers pass the
// concrete secret values they hold.
package redact

import (
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

// minLen is the shortest value String will redact; shorter values would
// match ordinary substrings.
const minLen = 4

// String replaces every occurrence of each sensitive value in s with
// Placeholder.
//
//	safe := redact.String(err.Error(), cfg.Pass, cfg.AccessToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < minLen {
			continue
		}
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}

// Value returns Placeholder for a non-empty secret and "" otherwise, so a
// redacted config still shows whether the secret was set.
func Value(secret string) string {
	if secret == "" {
		return ""
	}
	return Placeholder
}

// Map returns a shallow copy of m with string values replaced for every key
// whose name suggests a secret (pass, token, secret, credential, auth, key).
func Map(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" && IsSensitiveKey(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// IsSensitiveKey reports whether a key name suggests it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"pass", "token", "secret", "credential", "auth", "key"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

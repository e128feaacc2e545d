// Package security scrubs secret material from command payloads before
// they reach the audit trail or stderr logs.
package security

import (
	"regexp"
	"strings"
)

var (
	secretKeyExpr     = `(?:password|passwd|secret|hmac|nonce|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	kvSecretPattern   = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern   = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	secretLikePattern = regexp.MustCompile(`(?i)(-----BEGIN [^-]+ PRIVATE KEY-----|` + secretKeyExpr + `|bearer\s+[A-Za-z0-9._~+/=-]+)`)
)

// RedactPayload replaces secret values with a marker while keeping the
// surrounding structure readable. Signed command envelopes carry hmac
// and nonce fields, which are treated as secrets so a stored payload
// can never be replayed.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	out = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	return out
}

// RedactForAudit prepares a payload for the command_audit table. Unlike
// RedactPayload it fails closed: if the payload looks secret-bearing but
// no transform fired, nothing is stored.
func RedactForAudit(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	redacted := RedactPayload(trimmed)
	if secretLikePattern.MatchString(trimmed) && !strings.Contains(redacted, "[REDACTED]") {
		return ""
	}
	return redacted
}

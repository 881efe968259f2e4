// internal/security/scrubber.go
package security

import "regexp"

var (
	// Session tokens are 32 random bytes rendered as 64 hex characters.
	sessionTokenPattern = regexp.MustCompile(`\b[0-9a-fA-F]{64,}\b`)
	bearerPattern       = regexp.MustCompile(`Bearer\s+\S{20,}`)
	// token=..., session=..., admin_session=... in query strings or cookies
	tokenParamPattern = regexp.MustCompile(`(?i)\b((?:admin_)?(?:session|token))=[^\s&;]+`)
)

// ScrubOutput redacts session tokens and bearer credentials from s.
func ScrubOutput(s string) string {
	result := tokenParamPattern.ReplaceAllString(s, "$1=[REDACTED]")
	result = bearerPattern.ReplaceAllString(result, "Bearer [REDACTED]")
	result = sessionTokenPattern.ReplaceAllString(result, "[REDACTED]")
	return result
}

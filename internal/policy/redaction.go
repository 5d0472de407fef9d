package policy

import "regexp"

var (
	githubTokenPattern     = regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{16,}|github_pat_[A-Za-z0-9_]{20,})\b`)
	openRouterKeyPattern   = regexp.MustCompile(`\bsk-or-[A-Za-z0-9\-_]{8,}\b`)
	authorizationPattern   = regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9\-_.=]{12,}`)
	deviceCodeFieldPattern = regexp.MustCompile(`("(?:access_token|device_code|client_secret)"\s*:\s*")[^"]+(")`)
)

// RedactSecrets masks hosting tokens, model-provider keys and credential
// fields so error text can be logged or shown in chat.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := githubTokenPattern.ReplaceAllString(out, "[REDACTED_GITHUB_TOKEN]")
	changed = changed || next != out
	out = next

	next = openRouterKeyPattern.ReplaceAllString(out, "[REDACTED_API_KEY]")
	changed = changed || next != out
	out = next

	// Field redaction runs before the header rule so JSON bodies keep their shape.
	next = deviceCodeFieldPattern.ReplaceAllString(out, "${1}[REDACTED]${2}")
	changed = changed || next != out
	out = next

	next = authorizationPattern.ReplaceAllString(out, "$1 [REDACTED]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Redact is RedactSecrets without the change flag.
func Redact(input string) string {
	out, _ := RedactSecrets(input)
	return out
}

package policy

import (
	"strings"
	"testing"
)

func TestRedactSecrets(t *testing.T) {
	input := `push failed for ghp_abcdefghijklmnopqrstuvwx using key sk-or-v1-0123456789abcdef ` +
		`and header Bearer eyJhbGciOiJIUzI1NiJ9.payload body {"access_token":"gho_secretsecret"}`
	out, changed := RedactSecrets(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_GITHUB_TOKEN]", "[REDACTED_API_KEY]", "Bearer [REDACTED]", `"access_token":"[REDACTED]"`} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	for _, secret := range []string{"ghp_abcdefghijklmnopqrstuvwx", "sk-or-v1-0123456789abcdef", "gho_secretsecret"} {
		if strings.Contains(out, secret) {
			t.Fatalf("output still contains %q: %q", secret, out)
		}
	}
}

func TestRedactSecretsLeavesPlainText(t *testing.T) {
	out, changed := RedactSecrets("Failed to create branch (404): Not Found")
	if changed {
		t.Fatalf("changed = true for plain text: %q", out)
	}
}

// Package security masks sensitive values before they are logged, audited or sent out.
package security

import (
	"strings"
)

var sensitiveSubstrings = []string{
	"token",
	"password",
	"authorization",
	"apikey",
	"api_key",
	"access_key",
	"private_key",
	"credential",
	"passwd",
	"secret",
	"signature",
	"cookie",
	"session",
	"jwt",
	"bearer",
	"pwd",
	"passphrase",
	"dsn",
}

// RedactArguments returns a copy of values with sensitive keys replaced by "***".
func RedactArguments(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	redacted := make(map[string]any, len(values))
	for key, value := range values {
		if isSensitiveKey(key) {
			redacted[key] = "***"
			continue
		}
		redacted[key] = value
	}
	return redacted
}

// MaskEmails returns a copy of values where every string containing "@" is masked with MaskEmail.
func MaskEmails(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	masked := make(map[string]any, len(values))
	for key, value := range values {
		if s, ok := value.(string); ok && strings.Contains(s, "@") {
			masked[key] = MaskEmail(s)
			continue
		}
		masked[key] = value
	}
	return masked
}

// MaskEmail keeps the first two characters of the local part: alice@company.com -> al***@company.com.
func MaskEmail(value string) string {
	at := strings.LastIndex(value, "@")
	if at < 0 {
		return value
	}
	local := []rune(value[:at])
	if len(local) > 2 {
		local = local[:2]
	}
	return string(local) + "***" + value[at:]
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if strings.Contains(lower, "secret") && strings.Contains(lower, "name") {
		return false
	}
	for _, part := range sensitiveSubstrings {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

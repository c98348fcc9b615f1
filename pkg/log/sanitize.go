package log

import (
	"regexp"
	"strings"
)

// Keys whose string values must never be logged verbatim.
var sensitiveKeywords = []string{
	"password", "passwd", "pwd",
	"secret", "token", "credential",
	"dsn", "source",
}

// DSN credentials look like user:pass@tcp(host)/db; mask the pass portion.
var dsnCredentials = regexp.MustCompile(`^([^:@/]+):([^@]+)@`)

// SanitizeField masks the value when the key suggests it carries credentials.
// Non-sensitive values pass through unchanged.
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return maskValue(value)
		}
	}

	return value
}

// maskValue keeps just enough of the value to correlate logs without
// revealing the credential itself.
func maskValue(value string) string {
	// MySQL DSN: keep everything but the password
	if m := dsnCredentials.FindStringSubmatch(value); m != nil {
		return dsnCredentials.ReplaceAllString(value, m[1]+":***@")
	}

	if len(value) <= 8 {
		return "***"
	}
	return value[:4] + "***" + value[len(value)-2:]
}

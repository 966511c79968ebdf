package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces the value of any attribute whose key looks like a
// credential.
const RedactedValue = "[REDACTED]"

var sensitiveKeyFragments = []string{
	"secret",
	"token",
	"password",
	"passphrase",
	"authorization",
	"private_key",
	"dsn",
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}

// redact masks string values under sensitive keys. Empty values pass through.
func redact(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}

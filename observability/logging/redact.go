package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys never reach the log in clear text, whoever logs them.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"api_token":     {},
	"api_key":       {},
	"x_api_key":     {},
	"token":         {},
	"private_key":   {},
	"secret":        {},
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
}

// IsSensitive reports whether values logged under key are redacted.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[normalizeKey(key)]
	return ok
}

// MaskValue returns the redacted placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds an attribute that is redacted when key is sensitive.
func MaskField(key, value string) slog.Attr {
	if IsSensitive(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}

// redactAttr is installed as part of the handler's ReplaceAttr hook so a
// sensitive key is masked even when the caller forgot MaskField.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindString && IsSensitive(attr.Key) {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return attr
}

// Package masking redacts payment instruments and contact details before
// they are persisted in audit metadata.
package masking

import "strings"

const maskToken = "****"

// Keys whose string values never land in the audit store unmasked. Matching
// is case-insensitive on the metadata key.
var sensitiveKeys = map[string]bool{
	"payment_method_id": true,
	"card_number":       true,
	"account_number":    true,
	"email":             true,
	"phone":             true,
	"device_token":      true,
	"webhook_url":       true,
	"token":             true,
	"secret":            true,
}

// MaskValue redacts a value while keeping the identifier prefix and a short
// suffix so operators can still correlate instruments across entries, e.g.
// "pm_1abcDEFGH" becomes "pm_****EFGH".
func MaskValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix := ""
	if i := strings.LastIndex(trimmed, "_"); i >= 0 && i < len(trimmed)-1 {
		prefix = trimmed[:i+1]
		trimmed = trimmed[i+1:]
	}
	if len(trimmed) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + trimmed[len(trimmed)-4:]
}

// Sanitize returns a copy of metadata with values under sensitive keys
// masked. Nested maps and lists are walked; everything else passes through.
func Sanitize(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return metadata
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		out[key] = sanitizeValue(key, value)
	}
	return out
}

func sanitizeValue(key string, value any) any {
	switch v := value.(type) {
	case string:
		if sensitiveKeys[strings.ToLower(strings.TrimSpace(key))] {
			return MaskValue(v)
		}
		return v
	case map[string]any:
		return Sanitize(v)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, sanitizeValue(key, item))
		}
		return out
	default:
		return value
	}
}

package runner

import "strings"

const redactedPlaceholder = "[REDACTED]"

var sensitiveKeyMarkers = []string{
	"password",
	"token",
	"secret",
	"key",
	"credential",
	"authorization",
}

// RedactArgs returns a deep copy of args with values under sensitive keys
// replaced. The original map is never modified; tool invocations receive
// the unredacted arguments, only event payloads carry the redacted form.
func RedactArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}

	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		return RedactArgs(typed)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

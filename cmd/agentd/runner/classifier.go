package runner

import "strings"

// Critical tool errors abort a worker run immediately instead of being
// fed back to the LLM for recovery. Matching is a case-insensitive
// substring check over the combined tool result and extracted message.

var configurationErrors = []string{
	"not configured",
	"no ssh key",
	"ssh key not found",
	"not connected",
	"not found in path",
	"ssh client not found",
	"connector_not_configured",
	"invalid_credentials",
	"credentials have expired",
}

var executionSetupMarkers = []string{"ssh", "connection", "host", "unreachable"}

// Transient conditions that must never fail-fast, even when another
// marker also matches.
var nonCriticalErrors = []string{
	"timeout",
	"timed out",
	"rate_limited",
	"rate limit",
	"temporarily unavailable",
}

// IsCriticalToolError classifies a tool failure. The default for an
// unmatched error is non-critical.
func IsCriticalToolError(text string) bool {
	lower := strings.ToLower(text)

	for _, marker := range nonCriticalErrors {
		if strings.Contains(lower, marker) {
			return false
		}
	}

	for _, marker := range configurationErrors {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	if strings.Contains(lower, "permission_denied") {
		return true
	}

	if strings.Contains(lower, "execution_error") {
		for _, marker := range executionSetupMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}

	return strings.Contains(lower, "validation_error")
}

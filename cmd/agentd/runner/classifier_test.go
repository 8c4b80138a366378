package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCriticalConfigurationErrors(t *testing.T) {
	critical := []string{
		"tool not configured for this workspace",
		"No SSH key available",
		"ssh key not found in agent config",
		"client is NOT CONNECTED",
		"binary not found in PATH",
		"ssh client not found",
		"connector_not_configured: jira",
		"invalid_credentials",
		"your credentials have expired, please re-authenticate",
		"permission_denied: repo is private",
		"execution_error: host unreachable",
		"execution_error: ssh handshake failed",
		"validation_error: missing field 'token'",
	}
	for _, text := range critical {
		assert.True(t, IsCriticalToolError(text), "expected critical: %s", text)
	}
}

func TestNonCriticalErrors(t *testing.T) {
	nonCritical := []string{
		"request timeout after 30s",
		"operation timed out",
		"rate_limited: try again later",
		"GitHub API rate limit exceeded",
		"service temporarily unavailable",
		"unexpected end of stream",
		"500 internal server error",
		"execution_error: process exited with code 1",
	}
	for _, text := range nonCritical {
		assert.False(t, IsCriticalToolError(text), "expected non-critical: %s", text)
	}
}

func TestNonCriticalMarkerWinsOverCritical(t *testing.T) {
	// A transient condition never fails fast even when a critical marker
	// is also present.
	assert.False(t, IsCriticalToolError("validation_error: upstream timed out"))
}

func TestClassifierIsCaseInsensitive(t *testing.T) {
	assert.True(t, IsCriticalToolError("VALIDATION_ERROR: bad input"))
	assert.True(t, IsCriticalToolError("Permission_Denied"))
}

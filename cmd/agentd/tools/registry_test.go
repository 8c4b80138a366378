package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{})  { l.t.Logf("[INFO] %s %v", msg, keysAndValues) }
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, keysAndValues) }
func (l *testLogger) Warn(msg string, keysAndValues ...interface{})  { l.t.Logf("[WARN] %s %v", msg, keysAndValues) }
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, keysAndValues) }

func namedTool(name string) Tool {
	return NewFuncTool(name, "test tool "+name, nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return name, nil
		})
}

func toolNames(ts []Tool) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name()
	}
	return out
}

func newTestRegistry(t *testing.T, builtins ...string) *Registry {
	tools := make([]Tool, len(builtins))
	for i, name := range builtins {
		tools[i] = namedTool(name)
	}
	return NewRegistry(tools, &testLogger{t: t})
}

func TestGetToolPrefersRuntimeTier(t *testing.T) {
	r := newTestRegistry(t, "search")

	runtime := namedTool("search")
	require.NoError(t, r.Register(runtime))

	got, ok := r.GetTool("search")
	require.True(t, ok)
	assert.Same(t, runtime, got)

	r.ClearRuntimeTools()
	got, ok = r.GetTool("search")
	require.True(t, ok)
	assert.NotSame(t, runtime, got)
}

func TestClearRuntimeToolsIdempotentAndKeepsBuiltins(t *testing.T) {
	r := newTestRegistry(t, "search", "calculator")
	require.NoError(t, r.Register(namedTool("mcp_github")))

	r.ClearRuntimeTools()
	r.ClearRuntimeTools()

	_, ok := r.GetTool("mcp_github")
	assert.False(t, ok)
	assert.Equal(t, []string{"search", "calculator"}, r.GetToolNames())
}

func TestFilterByAllowlistEmptyMeansAll(t *testing.T) {
	r := newTestRegistry(t, "search", "calculator")
	require.NoError(t, r.Register(namedTool("mcp_github")))

	assert.Equal(t, []string{"search", "calculator", "mcp_github"}, toolNames(r.FilterByAllowlist(nil)))
	assert.Equal(t, []string{"search", "calculator", "mcp_github"}, toolNames(r.FilterByAllowlist([]string{})))
}

func TestFilterByAllowlistPatternOrderThenRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t, "jira_create", "jira_search", "github_create", "github_search")

	got := r.FilterByAllowlist([]string{"github_*", "jira_search"})
	assert.Equal(t, []string{"github_create", "github_search", "jira_search"}, toolNames(got))
}

func TestFilterByAllowlistDeduplicates(t *testing.T) {
	r := newTestRegistry(t, "jira_create", "jira_search")

	got := r.FilterByAllowlist([]string{"jira_create", "jira_*"})
	assert.Equal(t, []string{"jira_create", "jira_search"}, toolNames(got))
}

func TestFilterByAllowlistExactNameDoesNotGlob(t *testing.T) {
	r := newTestRegistry(t, "search", "search_web")

	got := r.FilterByAllowlist([]string{"search"})
	assert.Equal(t, []string{"search"}, toolNames(got))
}

func TestFilterByAllowlistUnknownPatternYieldsNothing(t *testing.T) {
	r := newTestRegistry(t, "search")

	assert.Empty(t, r.FilterByAllowlist([]string{"notion_*"}))
}

func TestAInvokeReturnsResult(t *testing.T) {
	tool := namedTool("echo")

	val, err := tool.AInvoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", val)
}

func TestAInvokeHonorsContextCancellation(t *testing.T) {
	slow := NewFuncTool("slow", "", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := slow.AInvoke(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAInvokeRecoversPanic(t *testing.T) {
	bad := NewFuncTool("bad", "", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			panic("tool exploded")
		})

	_, err := bad.AInvoke(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

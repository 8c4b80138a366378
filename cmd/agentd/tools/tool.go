package tools

import (
	"context"
	"fmt"
)

// Tool is the capability interface every executable tool implements.
// Run is the synchronous form used by workflow node executors; AInvoke is
// the asynchronous form used by the agent runner and must never block the
// caller's goroutine on slow work beyond what ctx allows.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Run(ctx context.Context, args map[string]interface{}) (interface{}, error)
	AInvoke(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// RunFunc is the signature of a tool's execution body
type RunFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// FuncTool adapts a plain function into a Tool. AInvoke runs the body on
// its own goroutine so a blocking implementation still honors ctx
// cancellation from the caller's side.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      map[string]interface{}
	Fn              RunFunc
}

// NewFuncTool creates a tool from a function
func NewFuncTool(name, description string, schema map[string]interface{}, fn RunFunc) *FuncTool {
	return &FuncTool{
		ToolName:        name,
		ToolDescription: description,
		ToolSchema:      schema,
		Fn:              fn,
	}
}

func (t *FuncTool) Name() string                   { return t.ToolName }
func (t *FuncTool) Description() string            { return t.ToolDescription }
func (t *FuncTool) Schema() map[string]interface{} { return t.ToolSchema }

// Run executes the tool synchronously
func (t *FuncTool) Run(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.Fn(ctx, args)
}

type invokeResult struct {
	value interface{}
	err   error
}

// AInvoke executes the tool on a separate goroutine and waits for either
// completion or context cancellation. On cancellation the goroutine keeps
// running to completion but its result is discarded.
func (t *FuncTool) AInvoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("tool %s panicked: %v", t.ToolName, r)}
			}
		}()
		value, err := t.Fn(ctx, args)
		done <- invokeResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

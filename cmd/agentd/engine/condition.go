package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/praxisline/agentd/common/models"
)

// Condition types supported by conditional nodes
const (
	ConditionExpression = "expression"
	ConditionExists     = "exists"
	ConditionCEL        = "cel"
)

var comparisonPattern = regexp.MustCompile(`^\s*(.+?)\s*(==|!=|<=|>=|<|>)\s*(.+?)\s*$`)

// celCache holds compiled CEL programs keyed by expression text so a
// workflow that runs repeatedly never recompiles.
type celCache struct {
	mu       sync.Mutex
	env      *cel.Env
	programs map[string]cel.Program
}

func newCELCache() (*celCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("outputs", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	return &celCache{env: env, programs: make(map[string]cel.Program)}, nil
}

func (c *celCache) program(expr string) (cel.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prg, ok := c.programs[expr]; ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile cel expression: %w", issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build cel program: %w", err)
	}
	c.programs[expr] = prg
	return prg, nil
}

// evaluateCondition runs a conditional node's check and returns its
// envelope value {result, branch}.
func (e *Engine) evaluateCondition(config map[string]interface{}, outputs map[string]models.NodeEnvelope) (map[string]interface{}, error) {
	conditionType, _ := config["condition_type"].(string)
	if conditionType == "" {
		conditionType = ConditionExpression
	}

	var result bool
	var err error
	switch conditionType {
	case ConditionExpression:
		expr, ok := config["expression"].(string)
		if !ok {
			return nil, fmt.Errorf("conditional node requires a string expression")
		}
		result, err = evaluateComparison(expr)
	case ConditionExists:
		result = evaluateExists(config["variable"])
	case ConditionCEL:
		expr, ok := config["expression"].(string)
		if !ok {
			return nil, fmt.Errorf("conditional node requires a string expression")
		}
		result, err = e.evaluateCEL(expr, outputs)
	default:
		return nil, fmt.Errorf("unknown condition_type %q", conditionType)
	}
	if err != nil {
		return nil, err
	}

	branch := "false"
	if result {
		branch = "true"
	}
	return map[string]interface{}{"result": result, "branch": branch}, nil
}

// evaluateComparison parses "left op right" after variable substitution.
// Operands are numbers or quoted strings.
func evaluateComparison(expr string) (bool, error) {
	match := comparisonPattern.FindStringSubmatch(expr)
	if match == nil {
		return false, fmt.Errorf("malformed condition expression %q", expr)
	}
	left, op, right := match[1], match[2], match[3]

	leftNum, leftErr := strconv.ParseFloat(left, 64)
	rightNum, rightErr := strconv.ParseFloat(right, 64)
	if leftErr == nil && rightErr == nil {
		return compareNumbers(leftNum, rightNum, op), nil
	}

	leftStr, leftOK := unquote(left)
	rightStr, rightOK := unquote(right)
	if !leftOK || !rightOK {
		return false, fmt.Errorf("condition operands must be numeric or quoted strings: %q", expr)
	}
	switch op {
	case "==":
		return leftStr == rightStr, nil
	case "!=":
		return leftStr != rightStr, nil
	default:
		return false, fmt.Errorf("operator %q requires numeric operands: %q", op, expr)
	}
}

func compareNumbers(left, right float64, op string) bool {
	switch op {
	case "==":
		return left == right
	case "!=":
		return left != right
	case "<":
		return left < right
	case "<=":
		return left <= right
	case ">":
		return left > right
	case ">=":
		return left >= right
	}
	return false
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1], true
		}
	}
	return "", false
}

// evaluateExists treats a resolved variable as present when it is
// non-nil, non-empty, and not a leftover unresolved reference.
func evaluateExists(value interface{}) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case string:
		if typed == "" {
			return false
		}
		return !strings.Contains(typed, "${")
	default:
		return true
	}
}

func (e *Engine) evaluateCEL(expr string, outputs map[string]models.NodeEnvelope) (bool, error) {
	prg, err := e.cel.program(expr)
	if err != nil {
		return false, err
	}

	vars := make(map[string]interface{}, len(outputs))
	for nodeID, env := range outputs {
		vars[nodeID] = envelopeAsMap(env)
	}

	out, _, err := prg.Eval(map[string]interface{}{"outputs": vars})
	if err != nil {
		return false, fmt.Errorf("evaluate cel expression: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression %q did not return a bool", expr)
	}
	return result, nil
}

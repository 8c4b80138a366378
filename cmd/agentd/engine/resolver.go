package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/praxisline/agentd/common/models"
)

// variablePattern matches ${node}, ${node.value}, ${node.value.a.b.c}
// and ${node.meta.key}. Numeric path components index into sequences.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)((?:\.[A-Za-z0-9_-]+)*)\}`)

// resolver substitutes node-output variables into node configs.
// A string that is exactly one variable resolves to the typed value;
// variables embedded in longer strings interpolate as text. Unresolved
// variables stay literal and are logged.
type resolver struct {
	outputs map[string]models.NodeEnvelope
	logger  Logger
}

func newResolver(outputs map[string]models.NodeEnvelope, logger Logger) *resolver {
	return &resolver{outputs: outputs, logger: logger}
}

// resolveConfig structurally resolves a node config: maps and slices are
// walked, strings are interpolated, everything else passes through.
func (r *resolver) resolveConfig(config map[string]interface{}) map[string]interface{} {
	if config == nil {
		return nil
	}
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = r.resolveAny(v)
	}
	return out
}

func (r *resolver) resolveAny(v interface{}) interface{} {
	switch typed := v.(type) {
	case string:
		return r.resolveString(typed)
	case map[string]interface{}:
		return r.resolveConfig(typed)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = r.resolveAny(item)
		}
		return out
	default:
		return v
	}
}

// resolveString resolves variables inside one string. A full-string match
// keeps the resolved value's type.
func (r *resolver) resolveString(s string) interface{} {
	match := variablePattern.FindStringSubmatch(s)
	if match != nil && match[0] == s {
		value, ok := r.lookup(match[1], match[2])
		if !ok {
			r.logger.Warn("unresolved workflow variable", "variable", s)
			return s
		}
		return value
	}

	return variablePattern.ReplaceAllStringFunc(s, func(variable string) string {
		parts := variablePattern.FindStringSubmatch(variable)
		value, ok := r.lookup(parts[1], parts[2])
		if !ok {
			r.logger.Warn("unresolved workflow variable", "variable", variable)
			return variable
		}
		return stringify(value)
	})
}

// lookup resolves one variable reference. path is the raw suffix
// including its leading dot, e.g. ".value.a.b".
func (r *resolver) lookup(nodeID, path string) (interface{}, bool) {
	env, ok := r.outputs[nodeID]
	if !ok {
		return nil, false
	}

	path = strings.TrimPrefix(path, ".")
	switch {
	case path == "":
		return envelopeAsMap(env), true
	case path == "value":
		return env.Value, true
	case strings.HasPrefix(path, "value."):
		return jsonPath(env.Value, strings.TrimPrefix(path, "value."))
	case path == "meta":
		return env.Meta, true
	case strings.HasPrefix(path, "meta."):
		return jsonPath(env.Meta, strings.TrimPrefix(path, "meta."))
	default:
		return nil, false
	}
}

// jsonPath digs a dotted path out of an arbitrary value. Numeric path
// components index into arrays.
func jsonPath(value interface{}, path string) (interface{}, bool) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(data, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func envelopeAsMap(env models.NodeEnvelope) map[string]interface{} {
	return map[string]interface{}{
		"value": env.Value,
		"meta":  env.Meta,
	}
}

func stringify(v interface{}) string {
	switch typed := v.(type) {
	case string:
		return typed
	case nil:
		return ""
	case float64:
		// JSON numbers round-trip as float64; render integers without
		// a trailing .0
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprintf("%v", typed)
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(data)
	}
}

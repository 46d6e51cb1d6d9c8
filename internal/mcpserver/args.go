package mcpserver

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Argument coercion. Clients vary in how faithfully they encode tool
// arguments; object and array parameters are accepted either as native
// JSON values or as string-encoded JSON.

func objectArg(args map[string]interface{}, key string) (map[string]interface{}, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch typed := raw.(type) {
	case map[string]interface{}:
		return typed, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return nil, nil
		}
		var out map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return nil, fmt.Errorf("%s must be a JSON object: %v", key, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a JSON object", key)
	}
}

func arrayArg(args map[string]interface{}, key string) ([]interface{}, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch typed := raw.(type) {
	case []interface{}:
		return typed, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return nil, nil
		}
		var out []interface{}
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return nil, fmt.Errorf("%s must be a JSON array: %v", key, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a JSON array", key)
	}
}

func stringListArg(args map[string]interface{}, key string) ([]string, error) {
	items, err := arrayArg(args, key)
	if err != nil {
		return nil, err
	}
	if items == nil {
		return nil, nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, fmt.Sprint(item))
	}
	return out, nil
}

func stringMapArg(args map[string]interface{}, key string) (map[string]string, error) {
	obj, err := objectArg(args, key)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// optIntArg returns nil when key is absent. Numbers arrive as float64
// from JSON; strings holding integers are tolerated.
func optIntArg(args map[string]interface{}, key string) (*int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	n, err := intFromAny(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	return &n, nil
}

func intFromAny(raw interface{}) (int, error) {
	switch typed := raw.(type) {
	case float64:
		return int(typed), nil
	case int:
		return typed, nil
	case json.Number:
		n, err := typed.Int64()
		return int(n), err
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(typed))
		return n, err
	default:
		return 0, fmt.Errorf("not an integer: %v", raw)
	}
}

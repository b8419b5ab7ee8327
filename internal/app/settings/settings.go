// Package settings reads typed values out of adapter configuration maps.
package settings

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// String returns a trimmed, non-empty string setting.
func String(cfg map[string]any, key string) (string, bool) {
	raw, ok := cfg[key]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	if !ok {
		return "", false
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// StringOr returns the string setting or fallback.
func StringOr(cfg map[string]any, key, fallback string) string {
	if v, ok := String(cfg, key); ok {
		return v
	}
	return fallback
}

// Int accepts integer, whole float and numeric string values.
func Int(cfg map[string]any, key string) (int, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// Float accepts any numeric value or numeric string.
func Float(cfg map[string]any, key string) (float64, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// Bool accepts booleans and strconv.ParseBool strings.
func Bool(cfg map[string]any, key string) (bool, bool) {
	raw, ok := cfg[key]
	if !ok {
		return false, false
	}
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return parsed, true
	}
	return false, false
}

// Duration accepts time.ParseDuration strings; bare numbers are seconds.
func Duration(cfg map[string]any, key string) (time.Duration, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case time.Duration:
		return v, true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		d, err := time.ParseDuration(trimmed)
		if err != nil {
			return 0, false
		}
		return d, true
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	case float64:
		return time.Duration(v * float64(time.Second)), true
	}
	return 0, false
}

// Strings accepts a list of strings or a comma separated string.
func Strings(cfg map[string]any, key string) ([]string, bool) {
	raw, ok := cfg[key]
	if !ok {
		return nil, false
	}
	var out []string
	switch v := raw.(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
	case string:
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	default:
		return nil, false
	}
	return out, len(out) > 0
}

// Require returns an error naming the missing key.
func Require(cfg map[string]any, key string) (string, error) {
	v, ok := String(cfg, key)
	if !ok {
		return "", fmt.Errorf("setting %q required", key)
	}
	return v, nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileValues holds the top-level keys of the optional YAML config file.
// Every accessor falls back to def when the key is absent or has the wrong shape.
type fileValues map[string]any

func loadFile(path string) (fileValues, error) {
	if path == "" {
		return fileValues{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	values := fileValues{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return values, nil
}

func (f fileValues) str(key, def string) string {
	switch v := f[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case int:
		return strconv.Itoa(v)
	}
	return def
}

func (f fileValues) integer(key string, def int) int {
	switch v := f[key].(type) {
	case int:
		return v
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (f fileValues) float(key string, def float64) float64 {
	switch v := f[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func (f fileValues) boolean(key string, def bool) bool {
	if v, ok := f[key].(bool); ok {
		return v
	}
	return def
}

func (f fileValues) dur(key string, def time.Duration) time.Duration {
	if v, ok := f[key].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// list accepts either a YAML sequence or a comma separated string and
// returns the comma separated form, so env and file share one parser.
func (f fileValues) list(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	}
	return ""
}

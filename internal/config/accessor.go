package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// toTree renders the config as nested maps keyed by JSON names.
func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "proactive.windowStart").
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var current any = tree
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path. String values are
// coerced to bool or number when they parse as one. The result is validated.
func SetByPath(cfg *Config, path string, value any) error {
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}
	parts := strings.Split(path, ".")
	if path == "" {
		return fmt.Errorf("empty path")
	}

	parent := tree
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key]
		if !ok || child == nil {
			next := make(map[string]any)
			parent[key] = next
			parent = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot traverse into %T at %s", child, key)
		}
		parent = next
	}
	parent[parts[len(parts)-1]] = parseValue(value)

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	next := Defaults()
	if err := json.Unmarshal(data, next); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	if err := Validate(next); err != nil {
		return err
	}
	*cfg = *next
	return nil
}

// parseValue converts "true", "false" and numeric strings to typed values.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	cp := *cfg
	cp.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		pc.APIKey = maskString(pc.APIKey)
		cp.Providers[name] = pc
	}
	cp.Channels.SMS.AuthToken = maskString(cfg.Channels.SMS.AuthToken)
	cp.Channels.Telegram.Token = maskString(cfg.Channels.Telegram.Token)
	cp.Channels.API.Token = maskString(cfg.Channels.API.Token)
	cp.Webhooks.Secret = maskString(cfg.Webhooks.Secret)
	return &cp
}

// maskString shows the first and last 4 chars of long secrets.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

// Path is one leaf of the config tree.
type Path struct {
	Key   string
	Value any
}

// ListPaths returns every leaf path with its value, sorted by key.
func ListPaths(cfg *Config) []Path {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	var out []Path
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := v.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			out = append(out, Path{Key: key, Value: v})
		}
	}
	walk("", tree)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

package config

import (
	"strings"
)

// secretKeys are masked by MaskSecrets and never echoed by the CLI.
var secretKeys = map[string]bool{
	"signing.private_key":       true,
	"auth.jwt_secret":           true,
	"fallback.smtp.password":    true,
	"fallback.webhook.token":    true,
	"fallback.webhook.password": true,
}

func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns nested objects into dot keys: {"node": {"url": u}} becomes
// {"node.url": u}. Lists are leaves.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A leaf standing where a nested key
// needs an object is replaced by one.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of flat with non-empty secrets reduced to
// "***" plus their last 4 characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, isString := v.(string)
		if !secretKeys[k] || !isString || s == "" {
			out[k] = v
			continue
		}
		out[k] = "***" + s[max(0, len(s)-4):]
	}
	return out
}

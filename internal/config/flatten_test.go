package config

import (
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"fallback": map[string]any{
			"provider": "smtp",
			"smtp": map[string]any{
				"host": "mail.example.com",
			},
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["fallback.provider"] != "smtp" {
		t.Errorf("expected fallback.provider=smtp, got %v", got["fallback.provider"])
	}
	if got["fallback.smtp.host"] != "mail.example.com" {
		t.Errorf("expected fallback.smtp.host=mail.example.com, got %v", got["fallback.smtp.host"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_ListIsLeaf(t *testing.T) {
	m := map[string]any{
		"node": map[string]any{
			"local_domains": []any{"example.com", "example.org"},
		},
	}
	got := Flatten(m)
	domains, ok := got["node.local_domains"].([]any)
	if !ok || len(domains) != 2 {
		t.Fatalf("expected node.local_domains to stay a list, got %v", got["node.local_domains"])
	}
}

func TestUnflatten(t *testing.T) {
	flat := map[string]any{
		"node.url":        "https://em2.example.com",
		"auth.jwt_secret": "s3cret",
		"log_level":       "debug",
	}
	got := Unflatten(flat)
	node, ok := got["node"].(map[string]any)
	if !ok {
		t.Fatalf("expected node to be map, got %T", got["node"])
	}
	if node["url"] != "https://em2.example.com" {
		t.Errorf("expected node.url, got %v", node["url"])
	}
	if got["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", got["log_level"])
	}
}

func TestFlattenUnflatten_RoundTrip(t *testing.T) {
	original := map[string]any{
		"signing": map[string]any{
			"private_key": "00ff",
			"key_ttl":     86400.0,
		},
		"push": map[string]any{
			"max_attempts": 6.0,
		},
	}
	restored := Unflatten(Flatten(original))
	signing := restored["signing"].(map[string]any)
	if signing["private_key"] != "00ff" || signing["key_ttl"] != 86400.0 {
		t.Errorf("signing mismatch: %v", signing)
	}
	push := restored["push"].(map[string]any)
	if push["max_attempts"] != 6.0 {
		t.Errorf("push.max_attempts mismatch: %v", push["max_attempts"])
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"node.url":                  "https://em2.example.com",
		"signing.private_key":       "abcdef0123456789",
		"auth.jwt_secret":           "abc",
		"fallback.webhook.password": "",
		"fallback.smtp.password":    "hunter22",
	}
	got := MaskSecrets(flat)

	tests := []struct {
		key  string
		want any
	}{
		{"node.url", "https://em2.example.com"},
		{"signing.private_key", "***6789"},
		{"auth.jwt_secret", "***abc"},
		{"fallback.webhook.password", ""},
		{"fallback.smtp.password", "***er22"},
	}
	for _, tt := range tests {
		if got[tt.key] != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.key, tt.want, got[tt.key])
		}
	}
	if flat["signing.private_key"] != "abcdef0123456789" {
		t.Error("MaskSecrets must not modify its input")
	}
}

func TestIsSecretKey(t *testing.T) {
	for _, k := range []string{"signing.private_key", "auth.jwt_secret", "fallback.webhook.token"} {
		if !IsSecretKey(k) {
			t.Errorf("%s should be secret", k)
		}
	}
	if IsSecretKey("fallback.smtp.host") {
		t.Error("fallback.smtp.host should not be secret")
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Node          struct {
		URL          string   `json:"url"`
		LocalDomains []string `json:"local_domains"`
	} `json:"node"`
	HTTP struct {
		Listen         string   `json:"listen"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"http"`
	Signing struct {
		PrivateKey string `json:"private_key"`
		KeyTTL     int    `json:"key_ttl"`
	} `json:"signing"`
	Resolver struct {
		DNSTimeout  int `json:"dns_timeout"`
		HTTPTimeout int `json:"http_timeout"`
		NegativeTTL int `json:"negative_ttl"`
		NodeTTL     int `json:"node_ttl"`
	} `json:"resolver"`
	Push struct {
		MaxAttempts int `json:"max_attempts"`
		RetryStep   int `json:"retry_step"`
		HTTPTimeout int `json:"http_timeout"`
	} `json:"push"`
	Fallback struct {
		Provider   string `json:"provider"`
		FromDomain string `json:"from_domain"`
		SMTP       struct {
			Host     string `json:"host"`
			Port     int    `json:"port"`
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"smtp"`
		Webhook struct {
			Token    string `json:"token"`
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"webhook"`
	} `json:"fallback"`
	Auth struct {
		JWTSecret string `json:"jwt_secret"`
	} `json:"auth"`
}

// DefaultPath is where the config lives unless --config says otherwise.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".em2", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".em2"),
		LogLevel:      "info",
		MaxConcurrent: 4,
	}
	cfg.Node.URL = "http://localhost:8000"
	cfg.HTTP.Listen = ":8000"
	cfg.Signing.KeyTTL = 86400
	cfg.Resolver.DNSTimeout = 5
	cfg.Resolver.HTTPTimeout = 10
	cfg.Resolver.NegativeTTL = 3600
	cfg.Resolver.NodeTTL = 31536000
	cfg.Push.MaxAttempts = 6
	cfg.Push.RetryStep = 10
	cfg.Push.HTTPTimeout = 10
	cfg.Fallback.Provider = "log"
	cfg.Fallback.SMTP.Port = 587
	return cfg
}

// Load reads the config at path over the defaults, writing the defaults
// when the file does not exist yet. Environment variables win over both.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("EM2_SIGNING_KEY"); v != "" {
		cfg.Signing.PrivateKey = v
	}
	if v := os.Getenv("EM2_NODE_URL"); v != "" {
		cfg.Node.URL = v
	}
	if v := os.Getenv("EM2_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("EM2_SMTP_PASSWORD"); v != "" {
		cfg.Fallback.SMTP.Password = v
	}
	if v := os.Getenv("EM2_WEBHOOK_PASSWORD"); v != "" {
		cfg.Fallback.Webhook.Password = v
	}
	if v := os.Getenv("EM2_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := os.Getenv("EM2_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}
}

// Seconds converts a config value in seconds to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	// secrets live here
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map via its JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
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

// ListValues returns every config value keyed by dot path.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under key. Keys written with SetValue
// that the Config struct does not know are found too.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	known, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	flat := Flatten(raw)
	for k, v := range known {
		flat[k] = v
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in the file at path. The value is parsed
// as JSON when it can be, so numbers, booleans and lists keep their type.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat := Flatten(raw)
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

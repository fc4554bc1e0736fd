package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// ParseFile loads a Config from a file, choosing the format by extension.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yml", ".yaml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("config: unsupported file extension: %s", path)
	}
}

// ParseYAML decodes a Config from YAML, strictly.
func ParseYAML(data []byte) (*Config, error) {
	var config Config
	if err := yaml.UnmarshalWithOptions(expandEnv(data), &config, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return &config, nil
}

// ParseJSON decodes a Config from JSON.
func ParseJSON(data []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("config: parse json: %w", err)
	}
	return &config, nil
}

// Load parses a config file, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	config, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// expandEnv substitutes ${VAR} references with environment values. Bare
// $VAR is left alone so shell-ish content in prompts survives; unset
// variables expand to the empty string.
func expandEnv(data []byte) []byte {
	text := string(data)
	if !strings.Contains(text, "${") {
		return data
	}
	var out strings.Builder
	for {
		start := strings.Index(text, "${")
		if start < 0 {
			out.WriteString(text)
			break
		}
		end := strings.Index(text[start:], "}")
		if end < 0 {
			out.WriteString(text)
			break
		}
		out.WriteString(text[:start])
		out.WriteString(os.Getenv(text[start+2 : start+end]))
		text = text[start+end+1:]
	}
	return []byte(out.String())
}

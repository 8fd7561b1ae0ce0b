package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Parse turns raw YAML (or JSON) bytes into a Config.
//
// Environment references are expanded before decoding. Decoding is strict:
// unknown keys and mistyped values produce a *SchemaError. Defaults and
// semantic validation are not applied here.
func Parse(data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyDocument
	}

	raw, err := parseRaw(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := strictDecode(expandEnvInData(raw), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseAndValidate parses, applies defaults and validates.
func ParseAndValidate(data []byte) (*Config, error) {
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseRaw(data []byte) (map[string]any, error) {
	var raw map[string]any
	yamlErr := yaml.Unmarshal(data, &raw)
	if yamlErr == nil {
		if raw == nil {
			return nil, ErrEmptyDocument
		}
		return raw, nil
	}

	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &raw); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("failed to parse config: %w", yamlErr)
}

func strictDecode(input any, out *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
		TagName:     "yaml",
		// Expanded ${VAR} values are always strings.
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return classifyDecodeError(err)
	}
	return nil
}

func classifyDecodeError(err error) error {
	schemaErr := &SchemaError{}

	var msgs []string
	if me, ok := err.(*mapstructure.Error); ok {
		msgs = me.Errors
	} else {
		msgs = []string{err.Error()}
	}

	for _, msg := range msgs {
		if idx := strings.Index(msg, "has invalid keys:"); idx != -1 {
			prefix := strings.Trim(strings.TrimSpace(msg[:idx]), "'")
			for _, key := range strings.Split(msg[idx+len("has invalid keys:"):], ",") {
				key = strings.TrimSpace(key)
				if key == "" {
					continue
				}
				if prefix != "" {
					key = prefix + "." + key
				}
				schemaErr.UnknownFields = append(schemaErr.UnknownFields, key)
			}
			continue
		}
		schemaErr.TypeErrors = append(schemaErr.TypeErrors, msg)
	}
	return schemaErr
}

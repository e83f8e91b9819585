package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decodeStrict parses raw config bytes into cfg. The daemon accepts YAML or
// JSON config files; YAML input is funneled through a JSON round trip so a
// single strict decoder enforces the same rules for both formats: unknown
// keys are rejected (catching typos like "wach:"), and so is anything
// trailing the document.
func decodeStrict(path string, raw []byte, cfg *Config) error {
	doc := raw
	if isYAMLPath(path) {
		j, err := yamlToJSON(raw)
		if err != nil {
			return err
		}
		doc = j
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
		return nil
	case nil:
		return fmt.Errorf("config %s: trailing data after document", filepath.Base(path))
	default:
		return err
	}
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	j, err := json.Marshal(jsonSafe(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return j, nil
}

// jsonSafe rewrites YAML's any-keyed maps with string keys so the document
// survives json.Marshal. Values are recursed; scalars pass through.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = jsonSafe(val)
		}
		return m
	case map[string]any:
		for k, val := range x {
			x[k] = jsonSafe(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = jsonSafe(x[i])
		}
		return x
	default:
		return v
	}
}

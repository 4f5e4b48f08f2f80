package trust

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML (or JSON) document mapping configuration names to specs.
func LoadFile(path string) (map[string]Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trusted domains: %w", err)
	}
	return ParseYAML(b)
}

// ParseYAML decodes a trusted-domains document.
func ParseYAML(b []byte) (map[string]Spec, error) {
	out := map[string]Spec{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse trusted domains: %w", err)
	}
	return out, nil
}

// ParseJSON decodes the inline TRUSTED_DOMAINS_JSON form.
func ParseJSON(s string) (map[string]Spec, error) {
	out := map[string]Spec{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("parse trusted domains json: %w", err)
	}
	return out, nil
}

// Merge overlays later maps on earlier ones.
func Merge(maps ...map[string]Spec) map[string]Spec {
	out := map[string]Spec{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

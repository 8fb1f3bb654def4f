package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML duration-string decoding.
// Params: duration string such as "30s" or "5m".
// Returns: parsed duration usable directly in scheduling code.
type Duration time.Duration

// UnmarshalYAML decodes one duration string node.
// Params: yaml scalar node.
// Returns: parse error for malformed or negative values.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes duration back to its string form.
// Params: none.
// Returns: duration string node value.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts wrapper into time.Duration.
// Params: none.
// Returns: standard duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

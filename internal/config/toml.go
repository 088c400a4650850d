package config

import (
	"bytes"

	"github.com/BurntSushi/toml"
)

// TOML is a koanf parser for TOML documents.
type TOML struct{}

// TOMLParser returns a TOML parser.
func TOMLParser() *TOML {
	return &TOML{}
}

// Unmarshal parses TOML bytes into a nested map. Arrays of tables are returned
// as []any so they look the same as YAML sequences.
func (p *TOML) Unmarshal(b []byte) (map[string]any, error) {
	var out map[string]any
	if _, err := toml.Decode(string(b), &out); err != nil {
		return nil, err
	}
	return normalize(out).(map[string]any), nil
}

// Marshal encodes a nested map as TOML.
func (p *TOML) Marshal(o map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

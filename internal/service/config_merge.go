package service

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/rylieai/handover/internal/domain/handover"
)

// deepMerge returns base with patch applied. Nested maps merge key by key;
// any other patch value (scalars, lists, null) replaces the base value.
// Neither input is modified.
func deepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = deepCopyValue(v)
	}
	for k, pv := range patch {
		pm, patchIsMap := asMap(pv)
		bm, baseIsMap := asMap(out[k])
		if patchIsMap && baseIsMap {
			out[k] = deepMerge(bm, pm)
			continue
		}
		out[k] = deepCopyValue(pv)
	}
	return out
}

// asMap normalises the map shapes produced by the YAML and JSON decoders.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func deepCopyValue(v any) any {
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = deepCopyValue(val)
		}
		return out
	}
	if s, ok := v.([]any); ok {
		out := make([]any, len(s))
		for i, val := range s {
			out[i] = deepCopyValue(val)
		}
		return out
	}
	return v
}

// toMap converts a typed value to its generic YAML form.
func toMap(v any) (map[string]any, error) {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return out, nil
}

// decodeDealershipConfig turns a merged layer map into a validated config.
// Unknown keys are rejected so typos in overrides surface as config errors.
func decodeDealershipConfig(m map[string]any) (handover.DealershipConfig, error) {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return handover.DealershipConfig{}, fmt.Errorf("marshal merged config: %w", err)
	}

	var cfg handover.DealershipConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return handover.DealershipConfig{}, fmt.Errorf("decode merged config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return handover.DealershipConfig{}, err
	}
	return cfg, nil
}

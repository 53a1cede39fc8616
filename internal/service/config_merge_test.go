package service

import (
	"reflect"
	"testing"
)

func TestDeepMerge(t *testing.T) {
	base := map[string]any{
		"mlThreshold": 0.8,
		"behavioural": map[string]any{"engagedReplies": 5, "windowMinutes": 30},
		"rules":       map[string]any{"exclude": []any{"R-BUY-1"}},
	}
	patch := map[string]any{
		"mlThreshold": 0.6,
		"behavioural": map[any]any{"engagedReplies": 3},
		"rules":       map[string]any{"exclude": []any{"R-TRADEIN-1"}},
	}

	got := deepMerge(base, patch)
	want := map[string]any{
		"mlThreshold": 0.6,
		"behavioural": map[string]any{"engagedReplies": 3, "windowMinutes": 30},
		"rules":       map[string]any{"exclude": []any{"R-TRADEIN-1"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merge = %#v\nwant   %#v", got, want)
	}

	// inputs untouched
	if base["mlThreshold"] != 0.8 {
		t.Error("base scalar mutated")
	}
	if base["behavioural"].(map[string]any)["engagedReplies"] != 5 {
		t.Error("base nested map mutated")
	}
	got["behavioural"].(map[string]any)["windowMinutes"] = 99
	if base["behavioural"].(map[string]any)["windowMinutes"] != 30 {
		t.Error("result shares nested maps with base")
	}
}

func TestDeepMergeScalarReplacesMap(t *testing.T) {
	got := deepMerge(map[string]any{"sla": map[string]any{"noResponseHours": 24}}, map[string]any{"sla": nil})
	if got["sla"] != nil {
		t.Fatalf("sla = %#v, want nil", got["sla"])
	}
}

func TestDecodeDealershipConfig(t *testing.T) {
	base, err := toMap(map[string]any{
		"mlThreshold": 0.7,
		"rules":       map[string]any{"nearMissMinConfidence": 0.9},
		"behavioural": map[string]any{"engagedReplies": 4, "windowMinutes": 15},
		"sla":         map[string]any{"noResponseHours": 12},
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := decodeDealershipConfig(base)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.MLThreshold != 0.7 || cfg.Behavioural.EngagedReplies != 4 || cfg.SLA.NoResponseHours != 12 {
		t.Fatalf("cfg = %+v", cfg)
	}

	if _, err := decodeDealershipConfig(deepMerge(base, map[string]any{"mlThreshhold": 0.5})); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
	if _, err := decodeDealershipConfig(deepMerge(base, map[string]any{"mlThreshold": 1.5})); err == nil {
		t.Fatal("expected out-of-range threshold to be rejected")
	}
}

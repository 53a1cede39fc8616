package main

import (
	"testing"

	"github.com/rylieai/handover/internal/config"
)

func TestClassifierOptions_CacheLastsForProcess(t *testing.T) {
	cfg := config.Defaults()
	if cfg.Cache.L2TTL == 0 {
		t.Fatal("default KV bucket TTL should be set")
	}
	opts := classifierOptions(cfg.Handover)
	if opts.CacheTTL != 0 {
		t.Errorf("CacheTTL = %v, want 0 so verdicts are not recomputed", opts.CacheTTL)
	}
	if opts.Model != cfg.Handover.MLModel || opts.Timeout != cfg.Handover.MLTimeout {
		t.Errorf("options = %+v", opts)
	}
}

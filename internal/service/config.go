package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/rylieai/handover/internal/domain/handover"
	"github.com/rylieai/handover/internal/port/configstore"
	"github.com/rylieai/handover/internal/port/eventbus"
	"github.com/rylieai/handover/internal/port/metrics"
)

// Files read from the handover config directory.
const (
	GlobalConfigFile = "handover.yaml"
	DealershipsDir   = "dealerships"
)

// Reload sources reported in config.global.changed.
const (
	ReloadStartup  = "startup"
	ReloadFile     = "file"
	ReloadPeriodic = "periodic"
	ReloadManual   = "manual"
	ReloadABTest   = "abtest"
)

// globalFile is the shape of handover.yaml.
type globalFile struct {
	Defaults    map[string]any                  `yaml:"defaults"`
	RuleCatalog []handover.Rule                 `yaml:"ruleCatalog"`
	Features    map[string]handover.FeatureFlag `yaml:"features"`
	ABTests     []handover.ABTest               `yaml:"abTests"`
}

// configSnapshot is an immutable view of all configuration sources.
// It is replaced wholesale on reload and never mutated after publication.
type configSnapshot struct {
	version     uint64
	fingerprint [32]byte
	loadedAt    time.Time

	base        map[string]any // safe default merged with the global defaults
	catalog     []handover.Rule
	features    map[string]handover.FeatureFlag
	dealerships map[string]map[string]any  // dealerships/<id>.yaml
	dealerFlags map[string]map[string]bool // per-dealership feature overrides
	abTests     []handover.ABTest
}

type effectiveEntry struct {
	cfg     handover.DealershipConfig
	version uint64
	expires time.Time
}

// ConfigOptions configures a ConfigService.
type ConfigOptions struct {
	Dir      string
	CacheTTL time.Duration
	Store    configstore.Store  // optional runtime overrides and A/B tests
	Events   eventbus.Publisher // optional
	Metrics  metrics.Sink       // optional
	Now      func() time.Time   // optional clock
}

// ConfigService produces the effective handover configuration per
// dealership from layered sources and hot-reloads them.
type ConfigService struct {
	dir      string
	cacheTTL time.Duration
	store    configstore.Store
	events   eventbus.Publisher
	metrics  metrics.Sink
	now      func() time.Time

	snap atomic.Pointer[configSnapshot]

	reloadMu sync.Mutex
	memTests []handover.ABTest // created at runtime without a store

	cacheMu   sync.RWMutex
	effective map[string]effectiveEntry

	watchStop context.CancelFunc
	watchDone chan struct{}
}

// NewConfigService creates the service. Call Reload (or Start) before use;
// until then every lookup yields the safe default.
func NewConfigService(opts ConfigOptions) *ConfigService {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	_ = opts.Metrics.RegisterMetric(metrics.ConfigErrorsTotal, metrics.KindCounter)
	_ = opts.Metrics.RegisterMetric(metrics.ConfigReloadsTotal, metrics.KindCounter)

	return &ConfigService{
		dir:       opts.Dir,
		cacheTTL:  opts.CacheTTL,
		store:     opts.Store,
		events:    opts.Events,
		metrics:   opts.Metrics,
		now:       opts.Now,
		effective: make(map[string]effectiveEntry),
	}
}

// Version returns the current snapshot version, 0 before the first load.
func (s *ConfigService) Version() uint64 {
	if snap := s.snap.Load(); snap != nil {
		return snap.version
	}
	return 0
}

// RuleCatalog returns the rule catalog and the snapshot version it belongs to.
func (s *ConfigService) RuleCatalog() (uint64, []handover.Rule) {
	snap := s.snap.Load()
	if snap == nil {
		return 0, handover.DefaultRuleCatalog()
	}
	return snap.version, snap.catalog
}

// Dealerships returns the IDs that have a dealership file, sorted.
func (s *ConfigService) Dealerships() []string {
	snap := s.snap.Load()
	if snap == nil {
		return nil
	}
	ids := make([]string, 0, len(snap.dealerships))
	for id := range snap.dealerships {
		ids = append(ids, id)
	}
	for id := range snap.dealerFlags {
		if _, ok := snap.dealerships[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// GetDealershipConfig returns the effective configuration for a dealership.
// It never fails: any error yields the safe default, counted in
// config_errors_total.
func (s *ConfigService) GetDealershipConfig(ctx context.Context, dealershipID string) handover.DealershipConfig {
	snap := s.snap.Load()
	if snap == nil {
		s.configError(ctx, dealershipID, "not_loaded", errors.New("configuration not loaded"))
		return handover.SafeDefault()
	}

	now := s.now()
	s.cacheMu.RLock()
	entry, ok := s.effective[dealershipID]
	s.cacheMu.RUnlock()
	if ok && entry.version == snap.version && now.Before(entry.expires) {
		return entry.cfg.Clone()
	}

	cfg, err := s.build(ctx, snap, dealershipID, now)
	if err != nil {
		s.configError(ctx, dealershipID, "build", err)
		return handover.SafeDefault()
	}

	s.cacheMu.Lock()
	s.effective[dealershipID] = effectiveEntry{cfg: cfg, version: snap.version, expires: now.Add(s.cacheTTL)}
	s.cacheMu.Unlock()
	return cfg.Clone()
}

// build layers global default < dealership file < stored override < A/B patch.
func (s *ConfigService) build(ctx context.Context, snap *configSnapshot, dealershipID string, now time.Time) (handover.DealershipConfig, error) {
	merged := snap.base
	if layer, ok := snap.dealerships[dealershipID]; ok {
		merged = deepMerge(merged, layer)
	}
	if s.store != nil {
		layer, err := s.store.GetDealershipOverride(ctx, dealershipID)
		if err != nil {
			return handover.DealershipConfig{}, fmt.Errorf("dealership override %s: %w", dealershipID, err)
		}
		if len(layer) > 0 {
			merged = deepMerge(merged, layer)
		}
	}

	test, variant, enrolled := assignVariant(snap.abTests, dealershipID, now)
	if enrolled && len(variant.ConfigPatch) > 0 {
		merged = deepMerge(merged, variant.ConfigPatch)
	}

	cfg, err := decodeDealershipConfig(merged)
	if err != nil {
		return handover.DealershipConfig{}, fmt.Errorf("dealership %s: %w", dealershipID, err)
	}
	if enrolled {
		cfg.ABTest = test.Name
		cfg.Variant = variant.ID
	}
	return cfg, nil
}

func (s *ConfigService) configError(ctx context.Context, dealershipID, reason string, err error) {
	slog.Error("handover config error, using safe default",
		"dealership_id", dealershipID,
		"reason", reason,
		"error", err,
	)
	s.metrics.IncrementMetric(ctx, metrics.ConfigErrorsTotal, metrics.Labels{"reason": reason})
}

// Reload re-reads every configuration source. An invalid source leaves the
// previous snapshot in place and returns the error. A changed result bumps
// the version, drops cached effective configs and emits config.global.changed.
func (s *ConfigService) Reload(ctx context.Context, source string) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	next, err := s.load(ctx)
	if err != nil {
		s.configError(ctx, "", "reload_"+source, err)
		return fmt.Errorf("reload config (%s): %w", source, err)
	}
	s.publish(ctx, next, source)
	return nil
}

// publish swaps in next when it differs from the current snapshot.
// reloadMu must be held.
func (s *ConfigService) publish(ctx context.Context, next *configSnapshot, source string) {
	prev := s.snap.Load()
	if prev != nil && prev.fingerprint == next.fingerprint {
		slog.Debug("handover config unchanged", "source", source, "version", prev.version)
		return
	}
	if prev != nil {
		next.version = prev.version + 1
	} else {
		next.version = 1
	}
	s.snap.Store(next)

	s.cacheMu.Lock()
	clear(s.effective)
	s.cacheMu.Unlock()

	s.metrics.IncrementMetric(ctx, metrics.ConfigReloadsTotal, metrics.Labels{"source": source})
	slog.Info("handover config loaded",
		"source", source,
		"version", next.version,
		"dealership_files", len(next.dealerships),
		"rules", len(next.catalog),
		"abtests", len(next.abTests),
	)

	if s.events != nil {
		ev := handover.ConfigChangedEvent{Source: source, Version: next.version, ChangedAt: next.loadedAt}
		if err := s.events.Emit(ctx, handover.EventConfigChanged, ev); err != nil {
			slog.Warn("config change event failed", "version", next.version, "error", err)
		}
	}
}

// load reads files and the store into a fresh snapshot without publishing it.
func (s *ConfigService) load(ctx context.Context) (*configSnapshot, error) {
	global, err := readGlobalFile(filepath.Join(s.dir, GlobalConfigFile))
	if err != nil {
		return nil, err
	}

	base, err := toMap(handover.SafeDefault())
	if err != nil {
		return nil, fmt.Errorf("safe default: %w", err)
	}
	if len(global.Defaults) > 0 {
		base = deepMerge(base, global.Defaults)
	}
	if _, err := decodeDealershipConfig(base); err != nil {
		return nil, fmt.Errorf("%s defaults: %w", GlobalConfigFile, err)
	}

	catalog := global.RuleCatalog
	if len(catalog) == 0 {
		catalog = handover.DefaultRuleCatalog()
	}
	if err := validateCatalog(catalog); err != nil {
		return nil, fmt.Errorf("%s ruleCatalog: %w", GlobalConfigFile, err)
	}

	features := defaultFeatures()
	for name, f := range global.Features {
		features[name] = f
	}

	dealerships, dealerFlags, err := readDealershipFiles(filepath.Join(s.dir, DealershipsDir))
	if err != nil {
		return nil, err
	}

	tests, err := s.collectABTests(ctx, global.ABTests)
	if err != nil {
		return nil, err
	}

	snap := &configSnapshot{
		loadedAt:    s.now().UTC(),
		base:        base,
		catalog:     catalog,
		features:    features,
		dealerships: dealerships,
		dealerFlags: dealerFlags,
		abTests:     tests,
	}
	snap.fingerprint, err = fingerprint(snap)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// collectABTests merges file-declared tests with stored (or in-memory)
// ones. A stored test replaces a file test of the same name.
func (s *ConfigService) collectABTests(ctx context.Context, fromFile []handover.ABTest) ([]handover.ABTest, error) {
	runtime := s.memTests
	if s.store != nil {
		stored, err := s.store.ListABTests(ctx)
		if err != nil {
			return nil, fmt.Errorf("list stored abtests: %w", err)
		}
		runtime = stored
	}

	byName := make(map[string]int)
	var out []handover.ABTest
	for _, t := range fromFile {
		if t.Status == "" {
			t.Status = handover.ABTestActive
		}
		if t.ID == "" {
			t.ID = t.Name
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%s abTests: %w", GlobalConfigFile, err)
		}
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("%s abTests: duplicate test %q", GlobalConfigFile, t.Name)
		}
		byName[t.Name] = len(out)
		out = append(out, t)
	}
	for _, t := range runtime {
		if err := t.Validate(); err != nil {
			slog.Warn("skipping invalid stored abtest", "name", t.Name, "error", err)
			continue
		}
		if i, ok := byName[t.Name]; ok {
			out[i] = t
			continue
		}
		byName[t.Name] = len(out)
		out = append(out, t)
	}
	return out, nil
}

func readGlobalFile(path string) (globalFile, error) {
	var g globalFile
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("global handover config missing, using built-in defaults", "path", path)
			return g, nil
		}
		return g, fmt.Errorf("read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil && !errors.Is(err, io.EOF) {
		return g, fmt.Errorf("parse %s: %w", path, err)
	}
	return g, nil
}

// readDealershipFiles loads dealerships/<id>.yaml. A missing directory means
// no file overrides.
func readDealershipFiles(dir string) (map[string]map[string]any, map[string]map[string]bool, error) {
	layers := make(map[string]map[string]any)
	flags := make(map[string]map[string]bool)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return layers, flags, nil
		}
		return nil, nil, fmt.Errorf("read %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ext)
		path := filepath.Join(dir, e.Name())

		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", path, err)
		}
		layer := map[string]any{}
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if raw, ok := layer["features"]; ok {
			delete(layer, "features")
			fm, isMap := asMap(raw)
			if !isMap {
				return nil, nil, fmt.Errorf("%s: features must be a map of flag to bool", path)
			}
			flags[id] = make(map[string]bool, len(fm))
			for name, v := range fm {
				b, isBool := v.(bool)
				if !isBool {
					return nil, nil, fmt.Errorf("%s: feature %q must be true or false", path, name)
				}
				flags[id][name] = b
			}
		}

		base, _ := toMap(handover.SafeDefault())
		if _, err := decodeDealershipConfig(deepMerge(base, layer)); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		layers[id] = layer
	}
	return layers, flags, nil
}

func validateCatalog(rules []handover.Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		key := strings.ToUpper(r.ID)
		if seen[key] {
			return fmt.Errorf("duplicate rule id %s", r.ID)
		}
		seen[key] = true
		for _, p := range r.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("rule %s: pattern %q: %w", r.ID, p, err)
			}
		}
	}
	return nil
}

// fingerprint hashes the configuration content so unchanged reloads are
// not announced.
func fingerprint(snap *configSnapshot) ([32]byte, error) {
	// encoding/json sorts map keys, which makes the encoding canonical.
	raw, err := json.Marshal(struct {
		Base        map[string]any                  `json:"base"`
		Catalog     []handover.Rule                 `json:"catalog"`
		Features    map[string]handover.FeatureFlag `json:"features"`
		Dealerships map[string]map[string]any       `json:"dealerships"`
		DealerFlags map[string]map[string]bool      `json:"dealerFlags"`
		ABTests     []handover.ABTest               `json:"abTests"`
	}{snap.base, snap.catalog, snap.features, snap.dealerships, snap.dealerFlags, snap.abTests})
	if err != nil {
		return [32]byte{}, fmt.Errorf("fingerprint config: %w", err)
	}
	return blake2b.Sum256(raw), nil
}

package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/rylieai/handover/internal/domain/conversation"
	"github.com/rylieai/handover/internal/domain/handover"
)

// RuleCatalogSource supplies the versioned rule catalog.
type RuleCatalogSource interface {
	RuleCatalog() (version uint64, rules []handover.Rule)
}

// FeatureGate answers per-dealership feature flag questions.
type FeatureGate interface {
	IsFeatureEnabled(flag, dealershipID string) bool
}

type compiledRule struct {
	rule     handover.Rule
	patterns []*regexp.Regexp
	keywords []string // normalised, space separated tokens
}

type compiledCatalog struct {
	version uint64
	rules   []compiledRule // priority order, catalog order on ties
}

// RuleEngine matches messages against the deterministic rule catalog.
// It does no I/O.
type RuleEngine struct {
	catalog  RuleCatalogSource
	features FeatureGate
	compiled atomic.Pointer[compiledCatalog]
}

// NewRuleEngine creates a rule engine. features may be nil, which disables
// near-miss matching.
func NewRuleEngine(catalog RuleCatalogSource, features FeatureGate) *RuleEngine {
	return &RuleEngine{catalog: catalog, features: features}
}

// Family implements SignalEngine.
func (e *RuleEngine) Family() handover.TriggerType { return handover.TriggerRule }

// Detect implements SignalEngine.
func (e *RuleEngine) Detect(ctx context.Context, msg conversation.Message, conv conversation.Conversation, cfg handover.DealershipConfig) handover.IntentSignal {
	return e.Evaluate(ctx, msg, conv, cfg.Rules)
}

// Evaluate tests the message against every enabled rule. An exact pattern or
// keyword hit has confidence 1.0 and the lowest priority number wins. When
// nothing matches exactly and near-miss matching is enabled for the
// dealership, a misspelled keyword can still trigger with confidence below
// 1.0 if it reaches cfg.NearMissMinConfidence.
func (e *RuleEngine) Evaluate(_ context.Context, msg conversation.Message, conv conversation.Conversation, cfg handover.RuleConfig) (sig handover.IntentSignal) {
	defer func() {
		if r := recover(); r != nil {
			sig = handover.Failed(handover.TriggerRule, fmt.Errorf("rule engine panic: %v", r))
		}
	}()

	cat, err := e.catalogSnapshot()
	if err != nil {
		return handover.Failed(handover.TriggerRule, err)
	}

	text := normalizeText(msg.Content)
	words := " " + strings.Join(tokenize(text), " ") + " "

	for _, cr := range cat.rules {
		if cfg.Excluded(cr.rule.ID) {
			continue
		}
		if reason, ok := cr.exactMatch(text, words); ok {
			return handover.IntentSignal{
				HasIntent:   true,
				TriggerType: handover.TriggerRule,
				Confidence:  1.0,
				RuleID:      cr.rule.ID,
				IntentType:  cr.rule.IntentType,
				Reasoning:   reason,
			}
		}
	}

	if e.features == nil || !e.features.IsFeatureEnabled(handover.FeatureNearMissRules, conv.DealershipID) {
		return handover.NoIntent(handover.TriggerRule)
	}
	return nearMiss(cat, cfg, tokenize(text))
}

func (cr compiledRule) exactMatch(text, words string) (string, bool) {
	for _, re := range cr.patterns {
		if re.MatchString(text) {
			return "matched pattern " + re.String(), true
		}
	}
	for _, kw := range cr.keywords {
		if strings.Contains(words, " "+kw+" ") {
			return fmt.Sprintf("matched keyword %q", kw), true
		}
	}
	return "", false
}

// nearMiss finds the best fuzzy keyword match. A window of message tokens
// whose characters appear in order in a keyword (typically a dropped letter)
// scores the Dice ratio 2m/(|window|+|keyword|).
func nearMiss(cat *compiledCatalog, cfg handover.RuleConfig, tokens []string) handover.IntentSignal {
	minConf := cfg.NearMissMinConfidence
	if minConf <= 0 {
		minConf = handover.DefaultNearMissMinConfidence
	}

	var (
		best     *compiledRule
		bestConf float64
		bestKW   string
	)
	for i := range cat.rules {
		cr := &cat.rules[i]
		if cfg.Excluded(cr.rule.ID) || len(cr.keywords) == 0 {
			continue
		}
		for _, kw := range cr.keywords {
			n := strings.Count(kw, " ") + 1
			for _, window := range windows(tokens, n) {
				conf := subsequenceSimilarity(window, kw)
				if conf > bestConf {
					best, bestConf, bestKW = cr, conf, kw
				}
			}
		}
	}

	if best == nil {
		return handover.NoIntent(handover.TriggerRule)
	}
	if bestConf > 0.99 {
		bestConf = 0.99
	}
	sig := handover.IntentSignal{
		TriggerType: handover.TriggerRule,
		Confidence:  bestConf,
		RuleID:      best.rule.ID,
		IntentType:  best.rule.IntentType,
		Reasoning:   fmt.Sprintf("near miss of keyword %q", bestKW),
	}
	sig.HasIntent = bestConf >= minConf
	return sig
}

func windows(tokens []string, n int) []string {
	if n <= 0 || len(tokens) < n {
		return nil
	}
	out := make([]string, 0, len(tokens)-n+1)
	for i := 0; i+n <= len(tokens); i++ {
		out = append(out, strings.Join(tokens[i:i+n], " "))
	}
	return out
}

func subsequenceSimilarity(window, keyword string) float64 {
	wl, kl := utf8.RuneCountInString(window), utf8.RuneCountInString(keyword)
	if wl == 0 || kl == 0 || wl*2 < kl {
		return 0
	}
	matches := fuzzy.Find(window, []string{keyword})
	if len(matches) == 0 {
		return 0
	}
	m := len(matches[0].MatchedIndexes)
	return 2 * float64(m) / float64(wl+kl)
}

// catalogSnapshot returns the compiled catalog for the current version,
// compiling it on first use after a reload.
func (e *RuleEngine) catalogSnapshot() (*compiledCatalog, error) {
	version, rules := e.catalog.RuleCatalog()
	if cur := e.compiled.Load(); cur != nil && cur.version == version {
		return cur, nil
	}
	cat, err := compileCatalog(version, rules)
	if err != nil {
		return nil, err
	}
	e.compiled.Store(cat)
	return cat, nil
}

func compileCatalog(version uint64, rules []handover.Rule) (*compiledCatalog, error) {
	out := &compiledCatalog{version: version, rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		cr := compiledRule{rule: r}
		for _, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("compile rule %s: %w", r.ID, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		for _, kw := range r.Keywords {
			if toks := tokenize(normalizeText(kw)); len(toks) > 0 {
				cr.keywords = append(cr.keywords, strings.Join(toks, " "))
			}
		}
		out.rules = append(out.rules, cr)
	}
	sort.SliceStable(out.rules, func(i, j int) bool {
		return out.rules[i].rule.Priority < out.rules[j].rule.Priority
	})
	return out, nil
}

// normalizeText applies NFKC and full Unicode case folding, so "ＢＵＹ" and
// "buy" compare equal. A Caser is stateful, hence one per call.
func normalizeText(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// tokenize splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

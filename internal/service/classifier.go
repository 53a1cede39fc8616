package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/rylieai/handover/internal/adapter/litellm"
	"github.com/rylieai/handover/internal/domain/conversation"
	"github.com/rylieai/handover/internal/domain/handover"
	"github.com/rylieai/handover/internal/port/cache"
)

// ChatCompleter is the LLM endpoint used by the classifier.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, req litellm.ChatCompletionRequest) (*litellm.ChatCompletionResponse, error)
}

const (
	intentFunction  = "report_purchase_intent"
	classifierCache = "intent:"
)

const classifierSystemPrompt = `You classify single customer messages sent to a car dealership's AI sales assistant.
Decide whether the customer shows clear intent that a human salesperson should take over now:
ready to buy, wants a test drive or appointment, asks to talk to a person, wants financing or
a trade-in appraisal, or otherwise signals a purchase decision. Questions that an assistant can
answer (features, availability, general pricing) are not handover intent on their own.
Always answer by calling ` + intentFunction + `.`

var intentToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"hasIntent":  map[string]any{"type": "boolean", "description": "true when a human should take over"},
		"intentType": map[string]any{"type": "string", "description": "purchase, test-drive, appointment, financing, trade-in, human-request or none"},
		"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"reasoning":  map[string]any{"type": "string", "description": "one short sentence"},
	},
	"required": []string{"hasIntent", "intentType", "confidence"},
}

// mlVerdict is the model's raw answer. It is cached unthresholded so
// dealerships with different thresholds share one cache entry.
type mlVerdict struct {
	HasIntent  bool    `json:"hasIntent"`
	IntentType string  `json:"intentType"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// ClassifierOptions tunes the ML classifier.
type ClassifierOptions struct {
	Model     string
	MaxTokens int
	Timeout   time.Duration // upper bound of one endpoint call
	CacheTTL  time.Duration // zero keeps verdicts until evicted
}

// MLClassifier asks an LLM whether a message carries handover intent.
// Verdicts are cached by message content and concurrent misses for the same
// content share a single endpoint call.
type MLClassifier struct {
	llm   ChatCompleter
	cache cache.Cache
	group singleflight.Group
	opts  ClassifierOptions
}

// NewMLClassifier creates a classifier. c may be nil to disable caching.
func NewMLClassifier(llm ChatCompleter, c cache.Cache, opts ClassifierOptions) *MLClassifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 1500 * time.Millisecond
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 256
	}
	return &MLClassifier{llm: llm, cache: c, opts: opts}
}

// Family implements SignalEngine.
func (c *MLClassifier) Family() handover.TriggerType { return handover.TriggerML }

// Detect implements SignalEngine.
func (c *MLClassifier) Detect(ctx context.Context, msg conversation.Message, conv conversation.Conversation, cfg handover.DealershipConfig) handover.IntentSignal {
	return c.Classify(ctx, msg, conv, cfg.MLThreshold)
}

// Classify returns the ML signal for msg. HasIntent requires the model to
// report intent with confidence at or above threshold. Endpoint failures and
// deadline expiry yield a negative signal carrying the error; nothing is
// retried.
func (c *MLClassifier) Classify(ctx context.Context, msg conversation.Message, conv conversation.Conversation, threshold float64) handover.IntentSignal {
	key := contentKey(msg.Content)

	if v, ok := c.lookup(ctx, key); ok {
		slog.Debug("ml verdict cache hit", "conversation_id", conv.ID, "key", key)
		return v.signal(threshold)
	}

	// The shared call outlives any single caller's cancellation so a late
	// joiner is not failed by an earlier caller leaving; it is bounded by
	// the classifier timeout instead.
	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
		defer cancel()
		v, err := c.call(callCtx, msg.Content)
		if err != nil {
			return nil, err
		}
		c.store(callCtx, key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return handover.Failed(handover.TriggerML, fmt.Errorf("ml classify: %w", ctx.Err()))
	case res := <-ch:
		if res.Err != nil {
			return handover.Failed(handover.TriggerML, fmt.Errorf("ml classify: %w", res.Err))
		}
		return res.Val.(mlVerdict).signal(threshold)
	}
}

func (v mlVerdict) signal(threshold float64) handover.IntentSignal {
	return handover.IntentSignal{
		HasIntent:   v.HasIntent && v.Confidence >= threshold,
		TriggerType: handover.TriggerML,
		Confidence:  v.Confidence,
		IntentType:  v.IntentType,
		Reasoning:   v.Reasoning,
	}
}

func (c *MLClassifier) call(ctx context.Context, content string) (mlVerdict, error) {
	resp, err := c.llm.ChatCompletion(ctx, litellm.ChatCompletionRequest{
		Model: c.opts.Model,
		Messages: []litellm.ChatMessage{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: content},
		},
		Temperature: 0,
		MaxTokens:   c.opts.MaxTokens,
		Tools: []litellm.Tool{{
			Type: "function",
			Function: litellm.FunctionDef{
				Name:        intentFunction,
				Description: "Report whether the customer message shows handover intent.",
				Parameters:  intentToolSchema,
			},
		}},
		ToolChoice: litellm.ForceFunction(intentFunction),
	})
	if err != nil {
		return mlVerdict{}, err
	}
	return parseVerdict(resp)
}

// parseVerdict reads the function call arguments, falling back to a JSON
// object in the message content.
func parseVerdict(resp *litellm.ChatCompletionResponse) (mlVerdict, error) {
	raw := ""
	for _, tc := range resp.ToolCalls {
		if tc.Function.Name == intentFunction {
			raw = tc.Function.Arguments
			break
		}
	}
	if raw == "" {
		raw = extractJSON(resp.Content)
	}
	if raw == "" {
		return mlVerdict{}, errors.New("empty model response")
	}

	var v mlVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return mlVerdict{}, fmt.Errorf("malformed model response: %w", err)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return v, nil
}

func (c *MLClassifier) lookup(ctx context.Context, key string) (mlVerdict, bool) {
	if c.cache == nil {
		return mlVerdict{}, false
	}
	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil || !ok {
		return mlVerdict{}, false
	}
	var v mlVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Warn("dropping unreadable ml verdict", "key", key, "error", err)
		_ = c.cache.Delete(ctx, key)
		return mlVerdict{}, false
	}
	return v, true
}

func (c *MLClassifier) store(ctx context.Context, key string, v mlVerdict) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.opts.CacheTTL); err != nil {
		slog.Warn("ml verdict cache write failed", "key", key, "error", err)
	}
}

// contentKey identifies a message body; it does not depend on the
// conversation.
func contentKey(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return classifierCache + hex.EncodeToString(sum[:])
}

// extractJSON pulls a JSON object out of text that may be wrapped in
// markdown fences or prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return ""
}

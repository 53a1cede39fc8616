package logger

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	conversationKey
)

type conversationScope struct {
	conversationID string
	dealershipID   string
}

// WithRequestID returns a new context carrying id. Inbound messages use the
// chat message ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithConversation scopes ctx to one conversation so every record logged
// through it carries conversation_id and dealership_id.
func WithConversation(ctx context.Context, conversationID, dealershipID string) context.Context {
	return context.WithValue(ctx, conversationKey, conversationScope{conversationID, dealershipID})
}

// ContextHandler adds the identifiers stored in the record's context as
// attributes before passing it on.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler wraps inner.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

// Enabled delegates to the inner handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle stamps request_id, conversation_id and dealership_id when present.
func (h *ContextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if id := RequestID(ctx); id != "" {
		rec.AddAttrs(slog.String("request_id", id))
	}
	if s, ok := ctx.Value(conversationKey).(conversationScope); ok {
		rec.AddAttrs(slog.String("conversation_id", s.conversationID))
		if s.dealershipID != "" {
			rec.AddAttrs(slog.String("dealership_id", s.dealershipID))
		}
	}
	return h.inner.Handle(ctx, rec)
}

// WithAttrs returns a ContextHandler over inner.WithAttrs.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup returns a ContextHandler over inner.WithGroup.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}

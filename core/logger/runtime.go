package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

// contextKey is a private type to avoid collisions in context.
type contextKey string

const (
	ctxRID            contextKey = "rid"
	ctxConversationID contextKey = "conversation_id"
	ctxContactID      contextKey = "contact_id"
	ctxChannel        contextKey = "channel"
	ctxLogger         contextKey = "logger"
	ctxHandler        contextKey = "handler"
)

// WithLogger stores the provided slog.Logger in context for propagation across layers.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxLogger, log)
}

// FromContext extracts slog.Logger from context or returns global default.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return L
	}
	if v := ctx.Value(ctxLogger); v != nil {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	return L
}

// WithRID attaches a request correlation id into context.
func WithRID(ctx context.Context, rid string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxRID, rid)
}

// RIDFrom extracts rid from context if present.
func RIDFrom(ctx context.Context) string {
	return stringFromContext(ctx, ctxRID)
}

// WithConversationMeta attaches conversation identifiers for downstream logs.
func WithConversationMeta(ctx context.Context, conversationID, contactID, channel string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if conversationID != "" {
		ctx = context.WithValue(ctx, ctxConversationID, conversationID)
	}
	if contactID != "" {
		ctx = context.WithValue(ctx, ctxContactID, contactID)
	}
	if channel != "" {
		ctx = context.WithValue(ctx, ctxChannel, channel)
	}
	return ctx
}

// ConversationIDFrom extracts the conversation id from context.
func ConversationIDFrom(ctx context.Context) string {
	return stringFromContext(ctx, ctxConversationID)
}

// ContactIDFrom extracts the contact id from context.
func ContactIDFrom(ctx context.Context) string {
	return stringFromContext(ctx, ctxContactID)
}

// ChannelFrom extracts the channel id from context.
func ChannelFrom(ctx context.Context) string {
	return stringFromContext(ctx, ctxChannel)
}

// WithHandler stores handler identifier in context for downstream logs.
func WithHandler(ctx context.Context, handler string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if handler == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxHandler, handler)
}

// HandlerFrom returns handler identifier from context if present.
func HandlerFrom(ctx context.Context) string {
	return stringFromContext(ctx, ctxHandler)
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Sanitize trims non-printable runes from s to keep logs clean.
// It removes control characters (Unicode categories Cc, Cf) except for tab and newline.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	b := strings.Builder{}
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			continue
		}
		if r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SanitizeLimit applies Sanitize and limits the output length in runes.
func SanitizeLimit(s string, max int) string {
	if max <= 0 {
		return ""
	}
	cleaned := Sanitize(s)
	if len([]rune(cleaned)) <= max {
		return cleaned
	}
	r := []rune(cleaned)
	return string(r[:max])
}

// BuildRID returns a correlation identifier binding a transport update to a
// contact, in the format channel:updateID:externalUserID.
func BuildRID(channel string, updateID int, externalUserID int64) string {
	return fmt.Sprintf("%s:%d:%d", channel, updateID, externalUserID)
}

package gotcbot

import (
	"context"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

const loggerContextKey contextKey = "logger"

type contextKey string

var (
	urlPattern     = regexp.MustCompile(`https?://[^\s<>]+`)
	mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)
)

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"[redacted]"` will cause "[redacted]" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		if logTag := field.Tag.Get("log"); logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				continue
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				continue
			}
		case reflect.String:
			if fv.Len() == 0 {
				continue
			}
		}

		fieldValue := fv.Interface()
		if lv, ok := fieldValue.(*slog.LevelVar); ok {
			groupAttrs = append(
				groupAttrs,
				slog.String(jsonTag, lv.Level().String()),
			)
			continue
		}
		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fieldValue)},
		)
	}
	return slog.GroupValue(groupAttrs...)
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// getLogger returns the context logger, falling back to fallback and
// then the default logger
func getLogger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

func eventLogAttrs(e ChatEvent) []any {
	attrs := []any{
		"event_id", e.ID,
		"channel_id", e.ChannelID,
		"author_id", e.AuthorID,
	}
	if e.GuildID != "" {
		attrs = append(attrs, "guild_id", e.GuildID)
	}
	return attrs
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// chunkItems splits the input items into chunks of maxRowLength
func chunkItems[T any](maxRowLength int, items ...T) [][]T {
	var result [][]T
	for len(items) > 0 {
		end := maxRowLength
		if len(items) < maxRowLength {
			end = len(items)
		}
		result = append(result, items[:end])
		items = items[end:]
	}
	return result
}

// splitMessage splits s into chunks of at most limit runes. Chunks break
// on the last newline inside the limit when there is one, then on the
// last space, and otherwise mid-word.
func splitMessage(s string, limit int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if limit <= 0 {
		return []string{s}
	}

	var chunks []string
	runes := []rune(s)
	for len(runes) > limit {
		window := string(runes[:limit])
		cut := strings.LastIndex(window, "\n")
		if cut <= 0 {
			cut = strings.LastIndex(window, " ")
		}
		var head string
		if cut <= 0 {
			head = window
			runes = runes[limit:]
		} else {
			head = window[:cut]
			runes = runes[utf8.RuneCountInString(head)+1:]
		}
		if head = strings.TrimRight(head, " \n"); head != "" {
			chunks = append(chunks, head)
		}
		runes = []rune(strings.TrimLeft(string(runes), " \n"))
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// preventURLEmbeds wraps bare URLs in angle brackets, which stops discord
// from generating link previews. URLs listed in keep are left as-is.
func preventURLEmbeds(s string, keep ...string) string {
	return urlPattern.ReplaceAllStringFunc(
		s, func(u string) string {
			for _, k := range keep {
				if u == k {
					return u
				}
			}
			return "<" + u + ">"
		},
	)
}

// wrapURLs wraps URLs in s, skipping any already wrapped in <...>
func wrapURLs(s string, keep ...string) string {
	var b strings.Builder
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(s, -1) {
		start, end := loc[0], loc[1]
		b.WriteString(s[last:start])
		u := s[start:end]
		if start > 0 && s[start-1] == '<' {
			b.WriteString(u)
		} else {
			b.WriteString(preventURLEmbeds(u, keep...))
		}
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

// replaceMentions replaces <@id> and <@!id> with the display name in
// names, when known
func replaceMentions(s string, names map[string]string) string {
	if len(names) == 0 {
		return s
	}
	return mentionPattern.ReplaceAllStringFunc(
		s, func(m string) string {
			id := mentionPattern.FindStringSubmatch(m)[1]
			if name, ok := names[id]; ok && name != "" {
				return name
			}
			return m
		},
	)
}

func flattenNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "\n", " ")), " ")
}

// stripQuotes removes one pair of surrounding double quotes, which local
// models like to add around the whole reply
func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// calculateBackoff returns base * multiplier^attempt, capped at maxDelay
func calculateBackoff(
	attempt int,
	base time.Duration,
	maxDelay time.Duration,
	multiplier float64,
) time.Duration {
	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
		if time.Duration(delay) >= maxDelay {
			return maxDelay
		}
	}
	return time.Duration(delay)
}

// sleepContext sleeps for d, returning early with the context error if
// ctx is done first
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

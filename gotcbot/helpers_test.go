package gotcbot

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		limit int
		want  []string
	}{
		{
			name:  "empty",
			input: "   ",
			limit: 10,
			want:  nil,
		},
		{
			name:  "fits",
			input: "hello world",
			limit: 11,
			want:  []string{"hello world"},
		},
		{
			name:  "space",
			input: "hello world foo",
			limit: 11,
			want:  []string{"hello", "world foo"},
		},
		{
			name:  "newline preferred",
			input: "line one\nline two is here",
			limit: 15,
			want:  []string{"line one", "line two is", "here"},
		},
		{
			name:  "no break",
			input: "aaaaaaaaaa",
			limit: 4,
			want:  []string{"aaaa", "aaaa", "aa"},
		},
		{
			name:  "multibyte",
			input: "héllo wörld",
			limit: 6,
			want:  []string{"héllo", "wörld"},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.want, splitMessage(tc.input, tc.limit))
			},
		)
	}
}

func TestSplitMessageLimit(t *testing.T) {
	word := "conquest "
	s := strings.Repeat(word, 600)
	chunks := splitMessage(s, DefaultDiscordMaxMessageLen)
	require.Len(t, chunks, 3)
	total := 0
	for _, c := range chunks {
		n := utf8.RuneCountInString(c)
		assert.LessOrEqual(t, n, DefaultDiscordMaxMessageLen)
		total += strings.Count(c, "conquest")
	}
	assert.Equal(t, 600, total)
}

func TestWrapURLs(t *testing.T) {
	tests := []struct {
		name  string
		input string
		keep  []string
		want  string
	}{
		{
			name:  "bare",
			input: "see https://example.com/a for details",
			want:  "see <https://example.com/a> for details",
		},
		{
			name:  "already wrapped",
			input: "see <https://example.com/a> and http://example.com/b",
			want:  "see <https://example.com/a> and <http://example.com/b>",
		},
		{
			name:  "kept",
			input: "https://cdn.example.com/img.png",
			keep:  []string{"https://cdn.example.com/img.png"},
			want:  "https://cdn.example.com/img.png",
		},
		{
			name:  "no urls",
			input: "nothing to see",
			want:  "nothing to see",
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.want, wrapURLs(tc.input, tc.keep...))
			},
		)
	}
}

func TestReplaceMentions(t *testing.T) {
	names := map[string]string{testBotUserID: "firebot", testUserID: "Daenerys"}
	got := replaceMentions(
		"<@"+testBotUserID+"> hi <@!"+testUserID+"> and <@999>",
		names,
	)
	assert.Equal(t, "firebot hi Daenerys and <@999>", got)
	assert.Equal(t, "unchanged <@1>", replaceMentions("unchanged <@1>", nil))
}

func TestStripQuotes(t *testing.T) {
	assert.Equal(t, "Hello there", stripQuotes(`  "Hello there" `))
	assert.Equal(t, `He said "hi"`, stripQuotes(`He said "hi"`))
	assert.Equal(t, `"`, stripQuotes(`"`))
}

func TestFlattenNewlines(t *testing.T) {
	assert.Equal(t, "a b c", flattenNewlines("a\r\nb\n\n  c"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héll", truncate("héllo", 4))
	assert.Equal(t, "abc", truncate("abc", 10))
}

func TestChunkItems(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunkItems(2, 1, 2, 3, 4, 5))
	assert.Nil(t, chunkItems[int](2))
}

func TestCalculateBackoff(t *testing.T) {
	base := 5 * time.Second
	maxDelay := time.Minute
	assert.Equal(t, 5*time.Second, calculateBackoff(0, base, maxDelay, 2))
	assert.Equal(t, 10*time.Second, calculateBackoff(1, base, maxDelay, 2))
	assert.Equal(t, 40*time.Second, calculateBackoff(3, base, maxDelay, 2))
	assert.Equal(t, time.Minute, calculateBackoff(4, base, maxDelay, 2))
	assert.Equal(t, time.Minute, calculateBackoff(20, base, maxDelay, 2))
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := sleepContext(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}

func TestContextLogger(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, getLogger(ctx, nil))

	fallback := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	assert.Same(t, fallback, getLogger(context.Background(), fallback))
}

func TestStructToSlogValue(t *testing.T) {
	type inner struct {
		Name string `json:"name"`
	}
	type sample struct {
		Secret string         `json:"secret" log:"[redacted]"`
		Empty  string         `json:"empty"`
		Count  int            `json:"count"`
		Level  *slog.LevelVar `json:"level"`
		Inner  *inner         `json:"inner"`
		hidden string
	}
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelDebug)
	v := structToSlogValue(sample{Secret: "hunter2", Count: 3, Level: lvl, Inner: &inner{Name: "n"}, hidden: "x"})
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "[redacted]", attrs["secret"].String())
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "hidden")
	assert.Equal(t, int64(3), attrs["count"].Int64())
	assert.Equal(t, "DEBUG", attrs["level"].String())
	require.Contains(t, attrs, "inner")
	assert.Equal(t, slog.KindGroup, attrs["inner"].Kind())

	assert.Equal(t, slog.KindAny, structToSlogValue((*sample)(nil)).Kind())
}

package gotcbot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t testing.TB, model ModelClient) *Router {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Model.ClassifyIntent = true
	return NewRouter(model, cfg.Model, "firebot", cfg.Context.MaxSummarizeWindow, nil)
}

func TestRouterKeywords(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Route
	}{
		{
			name:    "help",
			content: "!help",
			want:    Route{Kind: RouteHelp},
		},
		{
			name:    "heroes",
			content: "!Heroes",
			want:    Route{Kind: RouteHelp},
		},
		{
			name:    "image",
			content: "!image a castle at dusk [blurry, text]",
			want: Route{
				Kind:  RouteImage,
				Query: "a castle at dusk [blurry, text]",
				Image: ImageRequest{Prompt: "a castle at dusk", NegativePrompt: "blurry, text"},
			},
		},
		{
			name:    "fantasy",
			content: "!fantasy a dragon",
			want: Route{
				Kind:  RouteImage,
				Query: "a dragon",
				Image: ImageRequest{Prompt: "a dragon", Fantasy: true},
			},
		},
		{
			name:    "calendar misspelled",
			content: "!calender",
			want:    Route{Kind: RouteDiagram, Asset: calendarAsset},
		},
		{
			name:    "summarize",
			content: "!summarize last 2 hours",
			want:    Route{Kind: RouteSummarize, Query: "last 2 hours", Window: 2 * time.Hour},
		},
		{
			name:    "diagram",
			content: "!armory tier 3",
			want:    Route{Kind: RouteDiagram, Asset: "armory", Query: "tier 3"},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				model := &fakeModel{}
				r := newTestRouter(t, model)
				got := r.Route(context.Background(), ChatEvent{ID: "1", Content: tc.content})
				assert.Equal(t, tc.want, got)
				assert.Empty(t, model.Requests())
			},
		)
	}
}

func TestRouterUnknownCommandFallsThrough(t *testing.T) {
	model := &fakeModel{
		complete: func(req ModelRequest) (ModelResponse, error) {
			return ModelResponse{Action: "none", Fields: map[string]any{"todo": "none"}}, nil
		},
	}
	r := newTestRouter(t, model)
	got := r.Route(context.Background(), ChatEvent{ID: "1", Content: "!!!"})
	assert.Equal(t, RouteChat, got.Kind)
	assert.Equal(t, "none", got.Intent)
	assert.Len(t, model.Requests(), 1)
}

func TestRouterSummarizeParsedWindow(t *testing.T) {
	tests := []struct {
		content string
		want    time.Duration
	}{
		{content: "firebot, summarize the last 2 hours", want: 2 * time.Hour},
		{content: "firebot summarise the past 30 minutes", want: 30 * time.Minute},
		{content: "firebot summarize yesterday", want: 24 * time.Hour},
		{content: "firebot summarize the last three weeks", want: DefaultMaxSummarizeWindow},
		{content: "firebot summarize the last 99999999999999999999 days", want: DefaultMaxSummarizeWindow},
		{content: "firebot summarize the last 2562048 hours", want: DefaultMaxSummarizeWindow},
	}
	for _, tc := range tests {
		t.Run(
			tc.content, func(t *testing.T) {
				model := &fakeModel{}
				r := newTestRouter(t, model)
				got := r.Route(context.Background(), ChatEvent{ID: "1", Content: tc.content})
				assert.Equal(t, RouteSummarize, got.Kind)
				assert.Equal(t, tc.want, got.Window)
				assert.Empty(t, model.Requests())
			},
		)
	}
}

func TestRouterSummarizeModelParams(t *testing.T) {
	model := &fakeModel{
		complete: func(req ModelRequest) (ModelResponse, error) {
			return ModelResponse{
				Fields: map[string]any{
					"days":    "1",
					"hours":   float64(6),
					"special": "as a haiku",
				},
			}, nil
		},
	}
	r := newTestRouter(t, model)
	got := r.Route(
		context.Background(),
		ChatEvent{ID: "1", Content: "firebot summarize since the siege started, as a haiku"},
	)
	assert.Equal(t, RouteSummarize, got.Kind)
	assert.Equal(t, 30*time.Hour, got.Window)
	assert.Equal(t, "as a haiku", got.Special)

	reqs := model.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].JSONMode)
	assert.Equal(t, summarizeParamsPrompt, reqs[0].Instructions)
}

func TestRouterSummarizeModelParamsOverflow(t *testing.T) {
	for _, days := range []any{"1e300", float64(4e12)} {
		model := &fakeModel{
			complete: func(req ModelRequest) (ModelResponse, error) {
				return ModelResponse{Fields: map[string]any{"days": days, "hours": "0"}}, nil
			},
		}
		r := newTestRouter(t, model)
		got := r.Route(context.Background(), ChatEvent{ID: "1", Content: "firebot summarize everything"})
		assert.Equal(t, RouteSummarize, got.Kind)
		assert.Equal(t, DefaultMaxSummarizeWindow, got.Window, days)
	}
}

func TestRouterSummarizeModelFailure(t *testing.T) {
	model := &fakeModel{
		complete: func(req ModelRequest) (ModelResponse, error) {
			return ModelResponse{}, &ModelError{Backend: "fake", Attempts: 2, Err: errEmptyResponse}
		},
	}
	r := newTestRouter(t, model)
	got := r.Route(context.Background(), ChatEvent{ID: "1", Content: "firebot summarize please"})
	assert.Equal(t, RouteSummarize, got.Kind)
	assert.Equal(t, defaultSummarizeWindow, got.Window)
}

func TestRouterClassifier(t *testing.T) {
	model := &fakeModel{
		complete: func(req ModelRequest) (ModelResponse, error) {
			return ModelResponse{
				Action: "Generate_Image",
				Fields: map[string]any{"todo": "Generate_Image", "language": "French"},
			}, nil
		},
	}
	r := newTestRouter(t, model)
	got := r.Route(
		context.Background(),
		ChatEvent{ID: "1", Content: "firebot dessine un dragon"},
	)
	assert.Equal(t, RouteImage, got.Kind)
	assert.Equal(t, "generate_image", got.Intent)
	assert.Equal(t, "French", got.Language)
	assert.Empty(t, got.Image.Prompt)
	assert.Equal(t, "firebot dessine un dragon", got.Query)

	reqs := model.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].JSONMode)
	assert.Equal(t, DefaultRouterModel, reqs[0].Model)
	assert.Contains(t, reqs[0].Instructions, "Example: firebot, summarize the last 3 hours")
	assert.NotContains(t, reqs[0].Instructions, "%")
}

func TestRouterClassifierIntents(t *testing.T) {
	tests := []struct {
		intent  string
		want    RouteKind
		subject string
	}{
		{intent: "summarize", want: RouteSummarize},
		{intent: "image", want: RouteImage},
		{intent: "calendar", want: RouteDiagram},
		{intent: "help", want: RouteHelp},
		{intent: "about_chat", want: RouteAboutChat},
		{intent: "about_me", want: RouteAnalyze, subject: testUserID},
		{intent: "analyze_user", want: RouteAnalyze},
		{intent: "humor", want: RouteHumor},
		{intent: "translate", want: RouteTranslate},
		{intent: "gotc", want: RouteChat},
		{intent: "web_search", want: RouteChat},
		{intent: "miscellaneous", want: RouteChat},
		{intent: "", want: RouteChat},
	}
	for _, tc := range tests {
		t.Run(
			tc.intent, func(t *testing.T) {
				model := &fakeModel{
					complete: func(req ModelRequest) (ModelResponse, error) {
						return ModelResponse{Action: tc.intent}, nil
					},
				}
				r := newTestRouter(t, model)
				got := r.Route(context.Background(), ChatEvent{ID: "1", AuthorID: testUserID, Content: "firebot what now"})
				assert.Equal(t, tc.want, got.Kind)
				assert.Equal(t, tc.subject, got.Subject)
			},
		)
	}
}

func TestRouterClassifierErrorRoutesToChat(t *testing.T) {
	model := &fakeModel{
		complete: func(req ModelRequest) (ModelResponse, error) {
			return ModelResponse{}, errors.New("connection refused")
		},
	}
	r := newTestRouter(t, model)
	got := r.Route(context.Background(), ChatEvent{ID: "1", Content: "firebot who is the best hero?"})
	assert.Equal(t, RouteChat, got.Kind)
	assert.Equal(t, "firebot who is the best hero?", got.Query)
}

func TestRouterWithoutClassifier(t *testing.T) {
	model := &fakeModel{}
	cfg := DefaultTestConfig(t)
	cfg.Model.ClassifyIntent = false
	r := NewRouter(model, cfg.Model, "firebot", 0, nil)
	got := r.Route(context.Background(), ChatEvent{ID: "1", Content: "firebot hi"})
	assert.Equal(t, RouteChat, got.Kind)
	assert.Empty(t, model.Requests())
	assert.Equal(t, DefaultMaxSummarizeWindow, r.maxWindow)
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{input: "last 2 hours", want: 2 * time.Hour},
		{input: "last 45 mins", want: 45 * time.Minute},
		{input: "past 3 days", want: 72 * time.Hour},
		{input: "a week", want: 7 * 24 * time.Hour},
		{input: "the last hour", want: time.Hour},
		{input: "an hour", want: time.Hour},
		{input: "twelve hrs", want: 12 * time.Hour},
		{input: "what happened today", want: 24 * time.Hour},
		{input: "0 hours", want: 0},
		{input: "last 9999999 days", want: maxParsedWindow},
		{input: "last 99999999999999999999 minutes", want: maxParsedWindow},
		{input: "nothing here", want: 0},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				assert.Equal(t, tc.want, parseWindow(tc.input))
			},
		)
	}
}

func TestParseImagePrompt(t *testing.T) {
	assert.Equal(t, ImageRequest{Prompt: "a wolf"}, parseImagePrompt("  a wolf "))
	assert.Equal(
		t,
		ImageRequest{Prompt: "a wolf in snow", NegativePrompt: "cartoon"},
		parseImagePrompt("a wolf in snow [cartoon]"),
	)
	assert.Equal(t, ImageRequest{Prompt: "broken ] [bracket"}, parseImagePrompt("broken ] [bracket"))
}

func TestFormatPrompt(t *testing.T) {
	assert.Equal(t, "hi firebot, firebot", formatPrompt("hi %s, %[1]s", "firebot"))
}

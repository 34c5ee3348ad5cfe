package gotcbot

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type RouteKind string

const (
	RouteChat      RouteKind = "chat"
	RouteSummarize RouteKind = "summarize"
	RouteImage     RouteKind = "image"
	RouteDiagram   RouteKind = "diagram"
	RouteHelp      RouteKind = "help"
	RouteAboutChat RouteKind = "about_chat"
	RouteAnalyze   RouteKind = "analyze_user"
	RouteHumor     RouteKind = "humor"
	RouteTranslate RouteKind = "translate"

	commandPrefix          = "!"
	calendarAsset          = "calendar"
	defaultSummarizeWindow = 24 * time.Hour

	// maxParsedWindow bounds parsed windows before they're clamped, so
	// large counts can't overflow a time.Duration
	maxParsedWindow = 366 * 24 * time.Hour
)

var (
	windowPattern = regexp.MustCompile(
		`(?i)\b(\d+|an?|one|two|three|four|five|six|seven|eight|nine|ten|twelve)\s*(minute|min|hour|hr|day|week)s?\b`,
	)
	assetNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	numberWords      = map[string]int{
		"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4,
		"five": 5, "six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
		"twelve": 12,
	}
	windowUnits = map[string]time.Duration{
		"minute": time.Minute,
		"min":    time.Minute,
		"hour":   time.Hour,
		"hr":     time.Hour,
		"day":    24 * time.Hour,
		"week":   7 * 24 * time.Hour,
	}
)

// classifierPrompt is formatted with the bot name
const classifierPrompt = `Your job is to create the JSON body that tells the bot what to do next.
Your options for the "todo" key are: summarize, gotc, image, help, analyze_user, web_search, humor, about_me, generate_image, miscellaneous, about_chat, calendar, translate, or if nothing else fits then none.
Process foreign languages too. The "todo" key must be in English, the "language" key is the name of the language to reply in.
If they ask you (%s) a question directly, categorize it as miscellaneous.

Example: %[1]s, summarize the last 3 hours
{"todo": "summarize", "language": "English"}

Example: %[1]s what's the best gear for a tier 3 march?
{"todo": "gotc", "language": "English"}

Example: %[1]s make a picture of a dragon drinking coffee
{"todo": "generate_image", "language": "English"}

Example: %[1]s, muéstrame el calendario
{"todo": "calendar", "language": "Spanish"}

Example: %[1]s what can you do?
{"todo": "help", "language": "English"}

Example: %[1]s what have people been arguing about in here?
{"todo": "about_chat", "language": "English"}

Example: %[1]s analyze me
{"todo": "about_me", "language": "English"}

Example: %[1]s analyze user 'john_doe333'
{"todo": "analyze_user", "language": "English"}

Example: %[1]s tell us a joke about this conversation
{"todo": "humor", "language": "English"}

Example: %[1]s translate "we attack at dawn" to German
{"todo": "translate", "language": "German"}`

const summarizeParamsPrompt = `Your job is to create the JSON body for an API call to get a summary of a Discord conversation x days, y hours ago.

Example request: Summarize channel conversation since yesterday.
{"days": "1", "hours": "0", "special": ""}

Example request: Summarize channel conversation for past 5 hours, as a 50 word eminem rap
{"days": "0", "hours": "5", "special": "write as 50 word eminem rap"}`

// ImageRequest describes an image to generate
type ImageRequest struct {
	Prompt         string
	NegativePrompt string

	// Fantasy disables face restoration and uses more steps
	Fantasy bool
	Size    string
}

// Route is the Router's decision for a ChatEvent
type Route struct {
	Kind RouteKind

	// Intent is the classifier's raw intent, when one was used
	Intent string

	// Language is the language to reply in, if known
	Language string

	// Window is the summarize window
	Window time.Duration

	// Special holds extra summarize instructions ("as a haiku")
	Special string

	Image ImageRequest

	// Asset is the diagram asset name for RouteDiagram
	Asset string

	// Subject is the user to analyze for RouteAnalyze. When empty, the
	// handler asks the model who the message is about.
	Subject string

	// Query is the event's content with the command removed
	Query string
}

func (r Route) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", string(r.Kind))}
	if r.Intent != "" {
		attrs = append(attrs, slog.String("intent", r.Intent))
	}
	if r.Language != "" {
		attrs = append(attrs, slog.String("language", r.Language))
	}
	if r.Window > 0 {
		attrs = append(attrs, slog.Duration("window", r.Window))
	}
	if r.Asset != "" {
		attrs = append(attrs, slog.String("asset", r.Asset))
	}
	if r.Subject != "" {
		attrs = append(attrs, slog.String("subject", r.Subject))
	}
	return slog.GroupValue(attrs...)
}

// Router picks the handler for a ChatEvent. Keyword commands are matched
// first, then the ModelClient classifies the intent (when enabled).
// Anything unrecognized routes to chat.
type Router struct {
	client      ModelClient
	routerModel string
	botName     string
	classify    bool
	maxWindow   time.Duration
	logger      *slog.Logger
}

func NewRouter(
	client ModelClient,
	config *ModelConfig,
	botName string,
	maxWindow time.Duration,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if maxWindow <= 0 {
		maxWindow = DefaultMaxSummarizeWindow
	}
	return &Router{
		client:      client,
		routerModel: config.RouterModel,
		botName:     botName,
		classify:    config.ClassifyIntent,
		maxWindow:   maxWindow,
		logger:      logger.With(loggerNameKey, "router"),
	}
}

// Route returns exactly one route for the event. It never fails: errors
// from the classifier are logged and the event goes to chat.
func (r *Router) Route(ctx context.Context, e ChatEvent) Route {
	logger := getLogger(ctx, r.logger)
	content := e.CleanContent()

	lower := strings.ToLower(content)

	route, ok := r.keywordRoute(content)
	if !ok {
		route = Route{Kind: RouteChat, Query: content}
		if isSummarizeRequest(lower) {
			route.Kind = RouteSummarize
		} else if r.classify && r.client != nil {
			route = r.classifiedRoute(ctx, e, content)
		}
	}

	if route.Kind == RouteSummarize && route.Window == 0 {
		route.Window = parseWindow(lower)
		if route.Window == 0 {
			route.Window, route.Special = r.summarizeParams(ctx, e, content)
		}
		route.Window = r.clampWindow(route.Window)
	}
	logger.DebugContext(ctx, "routed event", "route", route)
	return route
}

func (r *Router) keywordRoute(content string) (Route, bool) {
	if !strings.HasPrefix(content, commandPrefix) {
		return Route{}, false
	}
	command, rest, _ := strings.Cut(strings.TrimPrefix(content, commandPrefix), " ")
	command = strings.ToLower(strings.TrimSpace(command))
	rest = strings.TrimSpace(rest)

	switch command {
	case "":
		return Route{}, false
	case "help", "hero", "heroes":
		return Route{Kind: RouteHelp, Query: rest}, true
	case "summarize", "summarise", "summary":
		return Route{Kind: RouteSummarize, Query: rest}, true
	case "image":
		return Route{Kind: RouteImage, Query: rest, Image: parseImagePrompt(rest)}, true
	case "fantasy":
		img := parseImagePrompt(rest)
		img.Fantasy = true
		return Route{Kind: RouteImage, Query: rest, Image: img}, true
	case "calendar", "calender":
		return Route{Kind: RouteDiagram, Asset: calendarAsset, Query: rest}, true
	}
	if assetNamePattern.MatchString(command) {
		return Route{Kind: RouteDiagram, Asset: command, Query: rest}, true
	}
	return Route{}, false
}

func (r *Router) classifiedRoute(
	ctx context.Context,
	e ChatEvent,
	content string,
) Route {
	logger := getLogger(ctx, r.logger)
	route := Route{Kind: RouteChat, Query: content}

	resp, err := r.client.Complete(
		ctx, ModelRequest{
			EventID:      e.ID,
			Instructions: formatPrompt(classifierPrompt, r.botName),
			Prompt:       content,
			JSONMode:     true,
			Model:        r.routerModel,
		},
	)
	if err != nil {
		logger.WarnContext(ctx, "intent classification failed, routing to chat", tint.Err(err))
		return route
	}

	route.Intent = strings.ToLower(resp.Action)
	route.Language = resp.StringField("language")
	switch route.Intent {
	case "summarize":
		route.Kind = RouteSummarize
	case "generate_image", "image":
		// the prompt and size are extracted by the image handler
		route.Kind = RouteImage
	case "calendar":
		route.Kind = RouteDiagram
		route.Asset = calendarAsset
	case "help":
		route.Kind = RouteHelp
	case "about_chat":
		route.Kind = RouteAboutChat
	case "about_me":
		route.Kind = RouteAnalyze
		route.Subject = e.AuthorID
	case "analyze_user":
		route.Kind = RouteAnalyze
	case "humor":
		route.Kind = RouteHumor
	case "translate", "translation":
		route.Kind = RouteTranslate
	}
	return route
}

// summarizeParams asks the model for the summarize window and any special
// instructions. Defaults to defaultSummarizeWindow.
func (r *Router) summarizeParams(
	ctx context.Context,
	e ChatEvent,
	content string,
) (time.Duration, string) {
	if r.client == nil {
		return defaultSummarizeWindow, ""
	}
	resp, err := r.client.Complete(
		ctx, ModelRequest{
			EventID:      e.ID,
			Instructions: summarizeParamsPrompt,
			Prompt:       content,
			JSONMode:     true,
		},
	)
	if err != nil {
		getLogger(ctx, r.logger).WarnContext(
			ctx,
			"unable to get summarize window, using default",
			tint.Err(err),
		)
		return defaultSummarizeWindow, ""
	}
	days, _ := strconv.ParseFloat(resp.StringField("days"), 64)
	hours, _ := strconv.ParseFloat(resp.StringField("hours"), 64)
	total := days*24 + hours
	var window time.Duration
	switch {
	case total > maxParsedWindow.Hours():
		window = maxParsedWindow
	case total > 0:
		window = time.Duration(total * float64(time.Hour))
	default:
		window = defaultSummarizeWindow
	}
	return window, resp.StringField("special")
}

func (r *Router) clampWindow(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultSummarizeWindow
	}
	if d > r.maxWindow {
		return r.maxWindow
	}
	return d
}

func isSummarizeRequest(lower string) bool {
	return strings.Contains(lower, "summarize") || strings.Contains(lower, "summarise")
}

// parseWindow finds a duration like "last 2 hours", "3 days" or
// "yesterday" in s. It returns 0 if there isn't one.
func parseWindow(s string) time.Duration {
	s = strings.ToLower(s)
	if m := windowPattern.FindStringSubmatch(s); m != nil {
		unit := windowUnits[m[2]]
		// out of range counts come back as math.MaxInt64
		n, err := strconv.ParseInt(m[1], 10, 64)
		if errors.Is(err, strconv.ErrSyntax) {
			n = int64(numberWords[m[1]])
		}
		if n > int64(maxParsedWindow/unit) {
			return maxParsedWindow
		}
		if n > 0 {
			return time.Duration(n) * unit
		}
	}
	switch {
	case strings.Contains(s, "last hour"), strings.Contains(s, "past hour"):
		return time.Hour
	case containsWord(s, "yesterday"):
		return 24 * time.Hour
	case containsWord(s, "today"):
		return 24 * time.Hour
	}
	return 0
}

// parseImagePrompt splits "a castle at dusk [blurry, text]" into the
// prompt and the bracketed negative prompt
func parseImagePrompt(s string) ImageRequest {
	s = strings.TrimSpace(s)
	start := strings.LastIndex(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end < start {
		return ImageRequest{Prompt: s}
	}
	return ImageRequest{
		Prompt:         strings.TrimSpace(s[:start] + s[end+1:]),
		NegativePrompt: strings.TrimSpace(s[start+1 : end]),
	}
}

// formatPrompt replaces %s and %[1]s in prompt with botName
func formatPrompt(prompt string, botName string) string {
	prompt = strings.ReplaceAll(prompt, "%[1]s", botName)
	return strings.ReplaceAll(prompt, "%s", botName)
}

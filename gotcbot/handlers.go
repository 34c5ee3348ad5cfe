package gotcbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const (
	summarizeInstructions = "You are {bot_name}, a helpful and kind assistant. You make short " +
		"summaries using casual language, and if any, you follow the special " +
		"instructions to the letter. Keep summaries short and informative. Refer " +
		"to users by name if it helps, use bullet points, bold, and italics where " +
		"needed. Try to keep under 200 words."

	helpMessage = "Hi %s! I am %s, I summarize conversations, provide general info " +
		"about the game, search the web, etc. To get started, simply mention me in " +
		"your message and ask your question. For example, '%[2]s, summarize the " +
		"last 3 hours' or '%[2]s make an image of a cute droplet of fire drinking coffee'."

	imageUsageMessage       = "Tell me what to draw, like `!image a dragon drinking coffee [blurry]`."
	imagesDisabledMessage   = "Image generation isn't enabled."
	diagramsDisabledMessage = "Diagrams aren't available right now."
	emptyWindowMessage      = "I didn't find any messages from the last %s to summarize."
	unknownDiagramMessage   = "I don't have a diagram called `!%s`. Try `!help` for the list."
	replyToBotPrefix        = "This is what you replied to the user before: '%s'"
	imageNotCaughtMessage   = "Sorry I didn't catch the image request, please try again."
	subjectNotCaughtMessage = "Sorry I didn't catch the user you want me to analyze, please try again."
	noCommentsMessage       = "I didn't find any recent messages from %s."

	humorHistoryLimit = 40

	imageRequestPrompt = `Your task is to extract the image request from the user message and the size of the image, as a JSON object.
Size options are 1024x1024 (regular, the default), 1024x1792 (tall) or 1792x1024 (wide).
If there is no image request, set "image_request" to "none".

Example: %[1]s, make an image of a droplet of fire drinking coffee
{"image_request": "a droplet of fire drinking coffee", "size": "1024x1024"}

Example: %[1]s make a tall image of a dragon holding a sword
{"image_request": "a dragon holding a sword", "size": "1024x1792"}

Example: %[1]s make a wide image of a castle in the sky
{"image_request": "a castle in the sky", "size": "1792x1024"}`

	analyzeSubjectPrompt = `Your job is to return a JSON object with the full username of the user they are talking about, or "none".

Example: hey %[1]s, analyze user 'john_doe333'
{"user": "john_doe333"}`

	analyzeCategoriesPrompt = `Extract the categories the user wants someone rated in, as a JSON object. If unsure return an empty string.

Example: %[1]s, analyze user 'john_doe333' in terms of cold war leaders
{"special_categories": "gorbachev, reagan, stalin, khrushchev, thatcher"}

Example: %[1]s, analyze user jane_scorsese in personality traits
{"special_categories": "optimism, pessimism, introversion, extroversion, neuroticism, agreeableness, conscientiousness, openness"}

Example: %[1]s analyze me
{"special_categories": ""}`

	defaultAnalyzeCategories = "Likely to be a spy, Likely to be a comedian, Likely to be a politician, " +
		"Likely to be a gamer, Likely to be a hacker, Likely to be a writer, Likely to be a musician, " +
		"Likely to be a bot"

	analyzeInstructions = "Your name is {bot_name}, a kind and helpful assistant. Based on the user's " +
		"comments, rate the user's personality from 1 to 10 in each category, then give your reasoning. " +
		"Example:\nAnalysis:\n* Likely to be a spy: 10/10\n* Likely to be a bot: 0/10\nReasoning:\n" +
		"User commented 'i think im a spy', and their spelling mistakes don't look like a bot's."

	aboutChatInstructions = "Your name is {bot_name}, a kind and helpful assistant. Based on the request " +
		"and the chat history, give a fun and short answer."

	humorInstructions = "Your name is {bot_name}. You are funny and light-hearted, and you keep your " +
		"answers simple. Make a witty remark about the conversation."

	translateInstructions = "Your name is {bot_name}. Translate the given text. If an image is present, " +
		"translate and describe it as well. Return only the translation prefaced with the sender's " +
		"name in brackets, like: [DataProphet] Comme ça, vous pouvez voir comment cela fonctionne."

	calendarPrompt = "If only asked to show the calendar, reply 'See calendar below'. Otherwise answer " +
		"the question from the calendar image.\nUser query: %s\nToday is %s."
)

// handleEvent routes e, builds the reply and dispatches it. Handler errors
// are logged and replaced with a user-facing message, so every handled
// event gets exactly one reply.
func (b *Bot) handleEvent(ctx context.Context, e ChatEvent) {
	logger := getLogger(ctx, b.logger).With(slog.Group("event", eventLogAttrs(e)...))
	ctx = WithLogger(ctx, logger)

	if err := b.sem.Acquire(ctx, 1); err != nil {
		logger.WarnContext(ctx, "unable to acquire handler slot", tint.Err(err))
		return
	}
	defer b.sem.Release(1)

	b.metricEventsInProgress.Add(1)
	defer b.metricEventsInProgress.Add(-1)

	callCtx, cancel := context.WithTimeout(ctx, b.config.Workers.CallTimeout)
	defer cancel()

	start := time.Now()
	route := b.router.Route(callCtx, e)
	logger = logger.With("route", route)
	ctx = WithLogger(ctx, logger)
	b.recordMessage(ctx, e, route)

	reply, err := b.reply(WithLogger(callCtx, logger), e, route)
	if err != nil {
		b.metricEventsFailed.Add(1)
		logger.ErrorContext(ctx, "error handling event", tint.Err(err))
		reply = Reply{Text: b.errorReply(err)}
	}

	if err = b.dispatcher.Dispatch(ctx, e, reply); err != nil {
		logger.ErrorContext(ctx, "error dispatching reply", tint.Err(err))
		return
	}
	b.metricEventsHandled.Add(1)
	logger.InfoContext(ctx, "handled event", "duration", time.Since(start))
}

func (b *Bot) reply(ctx context.Context, e ChatEvent, route Route) (Reply, error) {
	switch route.Kind {
	case RouteSummarize:
		return b.handleSummarize(ctx, e, route)
	case RouteImage:
		return b.handleImage(ctx, e, route)
	case RouteDiagram:
		return b.handleDiagram(ctx, e, route)
	case RouteHelp:
		return b.handleHelp(ctx, e, route)
	case RouteAboutChat:
		return b.handleAboutChat(ctx, e, route)
	case RouteAnalyze:
		return b.handleAnalyze(ctx, e, route)
	case RouteHumor:
		return b.handleHumor(ctx, e, route)
	case RouteTranslate:
		return b.handleTranslate(ctx, e, route)
	default:
		return b.handleChat(ctx, e, route)
	}
}

// errorReply maps a handler error to the message shown to the user
func (b *Bot) errorReply(err error) string {
	cfg := b.config.Dispatch
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return cfg.TimeoutMessage
	case errors.Is(err, ErrCensored):
		return cfg.CensoredMessage
	case errors.Is(err, ErrRateLimited):
		return cfg.BusyMessage
	default:
		return cfg.ErrorMessage
	}
}

func (b *Bot) recordMessage(ctx context.Context, e ChatEvent, route Route) {
	if b.db == nil {
		return
	}
	msg := NewDiscordMessage(e, route.Kind)
	if _, err := b.db.Create(context.WithoutCancel(ctx), &msg); err != nil {
		getLogger(ctx, b.logger).ErrorContext(ctx, "error recording message", tint.Err(err))
	}
}

// handleChat answers with the model, using channel history, retrieved
// documents and search results as context
func (b *Bot) handleChat(ctx context.Context, e ChatEvent, route Route) (Reply, error) {
	query := route.Query
	if query == "" {
		query = e.CleanContent()
	}
	pc, err := b.contexts.Build(
		ctx, e, BuildOptions{
			Retrieval:   b.config.Retrieval.Enabled,
			Search:      b.config.Search.Enabled,
			SearchQuery: query,
		},
	)
	if err != nil {
		return Reply{}, err
	}

	var blocks []string
	if e.ReplyToBot && e.ReferencedContent != "" {
		blocks = append(blocks, fmt.Sprintf(replyToBotPrefix, e.ReferencedContent))
	}
	blocks = append(blocks, pc.Blocks()...)
	if note := languageNote(route.Language); note != "" {
		blocks = append(blocks, note)
	}

	resp, err := b.model.Complete(
		ctx, ModelRequest{
			EventID:   e.ID,
			Context:   blocks,
			Prompt:    fmt.Sprintf("%s. Acknowledge user sending that made request: %s", query, e.AuthorName),
			ImageURLs: e.ImageURLs,
		},
	)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: resp.Text}, nil
}

// handleSummarize summarizes every message in the route's window
func (b *Bot) handleSummarize(ctx context.Context, e ChatEvent, route Route) (Reply, error) {
	window := route.Window
	if window <= 0 {
		window = defaultSummarizeWindow
	}
	pc, err := b.contexts.Build(ctx, e, BuildOptions{Window: window})
	if err != nil {
		return Reply{}, err
	}
	if len(pc.History) == 0 {
		return Reply{Text: fmt.Sprintf(emptyWindowMessage, formatWindow(window))}, nil
	}

	language := route.Language
	if language == "" {
		language = "English"
	}
	var prompt string
	if route.Special != "" {
		prompt = fmt.Sprintf(
			"Summarize conversation, keep it extremely short. FOLLOW SPECIAL INSTRUCTIONS AT ALL COSTS: %s\n"+
				"Preferred language: %s\nAcknowledge user sending that made request: %s",
			route.Special, language, e.AuthorName,
		)
	} else {
		prompt = fmt.Sprintf(
			"Summarize conversation, please keep it extremely short.\nPreferred language: %s",
			language,
		)
	}

	resp, err := b.model.Complete(
		ctx, ModelRequest{
			EventID:      e.ID,
			Instructions: strings.ReplaceAll(summarizeInstructions, "{bot_name}", b.config.Discord.BotName),
			Context:      []string{pc.Transcript()},
			Prompt:       prompt,
		},
	)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: resp.Text}, nil
}

func (b *Bot) handleImage(ctx context.Context, e ChatEvent, route Route) (Reply, error) {
	if b.images == nil {
		return Reply{Text: imagesDisabledMessage}, nil
	}
	req := route.Image
	if route.Intent != "" && req.Prompt == "" {
		var err error
		req, err = b.extractImageRequest(ctx, e)
		if err != nil {
			return Reply{}, err
		}
		if req.Prompt == "" {
			return Reply{Text: imageNotCaughtMessage}, nil
		}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Reply{Text: imageUsageMessage}, nil
	}
	img, err := b.images.Generate(ctx, req)
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{ImageURL: img.URL}
	if len(img.Data) > 0 {
		reply.Image = &img
	}
	return reply, nil
}

// extractImageRequest asks the model for the image prompt and size in a
// natural language request. The prompt is empty if there isn't one, and
// an unknown size is left for the generator's default.
func (b *Bot) extractImageRequest(ctx context.Context, e ChatEvent) (ImageRequest, error) {
	resp, err := b.model.Complete(
		ctx, ModelRequest{
			EventID:      e.ID,
			Instructions: formatPrompt(imageRequestPrompt, b.config.Discord.BotName),
			Prompt:       e.CleanContent(),
			ImageURLs:    e.ImageURLs,
			JSONMode:     true,
			Model:        b.config.Model.RouterModel,
		},
	)
	if err != nil {
		return ImageRequest{}, err
	}
	prompt := resp.StringField("image_request")
	if strings.EqualFold(prompt, "none") {
		prompt = ""
	}
	req := parseImagePrompt(prompt)
	if size := resp.StringField("size"); dalleSizes[size] {
		req.Size = size
	}
	return req, nil
}

func (b *Bot) handleDiagram(ctx context.Context, e ChatEvent, route Route) (Reply, error) {
	if b.assets == nil {
		return Reply{Text: diagramsDisabledMessage}, nil
	}
	asset, ok, err := b.assets.Lookup(ctx, route.Asset)
	if err != nil {
		return Reply{}, err
	}
	if !ok {
		return Reply{Text: fmt.Sprintf(unknownDiagramMessage, route.Asset)}, nil
	}
	if route.Intent != "calendar" || len(asset.Links) == 0 {
		return Reply{Links: asset.Links}, nil
	}

	// questions about the calendar are answered from the image, and the
	// links follow the answer
	resp, err := b.model.Complete(
		ctx, ModelRequest{
			EventID:   e.ID,
			Prompt:    fmt.Sprintf(calendarPrompt, e.CleanContent(), b.contexts.now().Format("Monday, 2006-01-02")),
			ImageURLs: asset.Links,
		},
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Reply{}, err
		}
		getLogger(ctx, b.logger).WarnContext(ctx, "unable to read calendar, sending links only", tint.Err(err))
		return Reply{Links: asset.Links}, nil
	}
	return Reply{Text: resp.Text, Links: asset.Links}, nil
}

// handleAboutChat answers a question about the channel, using up to
// MaxWindowMessages of history
func (b *Bot) handleAboutChat(ctx context.Context, e ChatEvent, route Route) (Reply, error) {
	pc, err := b.contexts.Build(ctx, e, BuildOptions{HistoryLimit: b.config.Context.MaxWindowMessages})
	if err != nil {
		return Reply{}, err
	}
	return b.completeWithHistory(ctx, e, route, aboutChatInstructions, pc, fmt.Sprintf(
		"Request: %s\nAcknowledge user sending that made request: %s",
		e.CleanContent(), e.AuthorName,
	))
}

func (b *Bot) handleHumor(ctx context.Context, e ChatEvent, route Route) (Reply, error) {
	pc, err := b.contexts.Build(ctx, e, BuildOptions{HistoryLimit: humorHistoryLimit})
	if err != nil {
		return Reply{}, err
	}
	return b.completeWithHistory(ctx, e, route, humorInstructions, pc, e.CleanContent())
}

func (b *Bot) completeWithHistory(
	ctx context.Context,
	e ChatEvent,
	route Route,
	instructions string,
	pc PromptContext,
	prompt string,
) (Reply, error) {
	blocks := pc.Blocks()
	if note := languageNote(route.Language); note != "" {
		blocks = append(blocks, note)
	}
	resp, err := b.model.Complete(
		ctx, ModelRequest{
			EventID:      e.ID,
			Instructions: strings.ReplaceAll(instructions, "{bot_name}", b.config.Discord.BotName),
			Context:      blocks,
			Prompt:       prompt,
			ImageURLs:    e.ImageURLs,
		},
	)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: resp.Text}, nil
}

// handleAnalyze rates a user in a set of categories, based on their
// recent comments in the channel
func (b *Bot) handleAnalyze(ctx context.Context, e ChatEvent, route Route) (Reply, error) {
	logger := getLogger(ctx, b.logger)
	botName := b.config.Discord.BotName
	content := e.CleanContent()

	subject := route.Subject
	if subject == "" {
		resp, err := b.model.Complete(
			ctx, ModelRequest{
				EventID:      e.ID,
				Instructions: formatPrompt(analyzeSubjectPrompt, botName),
				Prompt:       content,
				JSONMode:     true,
				Model:        b.config.Model.RouterModel,
			},
		)
		if err != nil {
			return Reply{}, err
		}
		subject = strings.TrimPrefix(resp.StringField("user"), "@")
		if subject == "" || strings.EqualFold(subject, "none") {
			return Reply{Text: subjectNotCaughtMessage}, nil
		}
	}
	name := subject
	if subject == e.AuthorID {
		name = e.AuthorName
	}

	pc, err := b.contexts.Build(
		ctx, e, BuildOptions{
			HistoryLimit: b.config.Context.MaxWindowMessages,
			Author:       subject,
		},
	)
	if err != nil {
		return Reply{}, err
	}
	if len(pc.History) == 0 {
		return Reply{Text: fmt.Sprintf(noCommentsMessage, name)}, nil
	}

	categories := ""
	resp, err := b.model.Complete(
		ctx, ModelRequest{
			EventID:      e.ID,
			Instructions: formatPrompt(analyzeCategoriesPrompt, botName),
			Prompt:       content,
			JSONMode:     true,
			Model:        b.config.Model.RouterModel,
		},
	)
	switch {
	case err == nil:
		categories = resp.StringField("special_categories")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Reply{}, err
	default:
		logger.WarnContext(ctx, "unable to extract categories, using defaults", tint.Err(err))
	}
	if categories == "" {
		categories = defaultAnalyzeCategories
	}

	language := route.Language
	if language == "" {
		language = "English"
	}
	resp, err = b.model.Complete(
		ctx, ModelRequest{
			EventID:      e.ID,
			Instructions: strings.ReplaceAll(analyzeInstructions, "{bot_name}", botName),
			Context:      []string{pc.Transcript()},
			Prompt: fmt.Sprintf(
				"Analyze user %s based on their recent comments.\nCategories: %s\nPreferred language: %s",
				name, categories, language,
			),
		},
	)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: resp.Text}, nil
}

func (b *Bot) handleTranslate(ctx context.Context, e ChatEvent, route Route) (Reply, error) {
	language := route.Language
	if language == "" {
		language = "English"
	}
	var blocks []string
	if e.ReferencedContent != "" {
		blocks = append(blocks, "Message being replied to: "+e.ReferencedContent)
	}
	resp, err := b.model.Complete(
		ctx, ModelRequest{
			EventID:      e.ID,
			Instructions: strings.ReplaceAll(translateInstructions, "{bot_name}", b.config.Discord.BotName),
			Context:      blocks,
			Prompt: fmt.Sprintf(
				"User name: %s\n\nContent to translate: %s\n\nLanguage: %s",
				e.AuthorName, e.CleanContent(), language,
			),
			ImageURLs: e.ImageURLs,
		},
	)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: resp.Text}, nil
}

func (b *Bot) handleHelp(ctx context.Context, e ChatEvent, _ Route) (Reply, error) {
	botName := b.config.Discord.BotName
	text := fmt.Sprintf(helpMessage, e.AuthorName, botName)
	if b.assets != nil {
		names, err := b.assets.Names(ctx)
		if err != nil {
			getLogger(ctx, b.logger).WarnContext(ctx, "unable to list diagrams", tint.Err(err))
		}
		if len(names) > 0 {
			commands := make([]string, 0, len(names))
			for _, name := range names {
				commands = append(commands, "`"+commandPrefix+name+"`")
			}
			text += "\n\nDiagrams: " + strings.Join(commands, ", ")
		}
	}
	return Reply{Text: text}, nil
}

func languageNote(language string) string {
	if language == "" || strings.EqualFold(language, "english") {
		return ""
	}
	return fmt.Sprintf("Reply in %s.", language)
}

// formatWindow formats d as "3 hours", "2 days" or "45 minutes"
func formatWindow(d time.Duration) string {
	plural := func(n int64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return plural(int64(d/(24*time.Hour)), "day")
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int64(d/time.Hour), "hour")
	default:
		return plural(int64(d/time.Minute), "minute")
	}
}

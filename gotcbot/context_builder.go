package gotcbot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	discordHistoryPageSize = 100
	historyLineFormat      = "03:04 PM"
	transcriptTimeFormat   = "2006-01-02 15:04:05"
)

// HistorySource pages through channel message history, newest first.
// *discordgo.Session satisfies it.
type HistorySource interface {
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
}

// BuildOptions select what goes into a PromptContext
type BuildOptions struct {
	// Window, when set, selects every message within [now-Window, now].
	// Otherwise the most recent HistoryLimit messages are used.
	Window time.Duration

	// Retrieval adds the most similar EmbeddingRecords
	Retrieval bool

	// Search adds web search results. SearchQuery defaults to the
	// event content.
	Search      bool
	SearchQuery string

	// HistoryLimit overrides the configured limit, when > 0
	HistoryLimit int

	// Author, when set, keeps only the history written by that user. It
	// matches the user ID, username or display name.
	Author string
}

// PromptContext is the context assembled for one model call
type PromptContext struct {
	// History is ordered oldest first, and never includes the event itself
	History       []ChatEvent
	Documents     []ScoredRecord
	SearchResults []SearchResult

	documentText string
	Tokens       int

	// TrimmedMessages, TrimmedDocuments and TrimmedResults count what was
	// dropped to fit the token cap
	TrimmedMessages  int
	TrimmedDocuments int
	TrimmedResults   int
}

// Blocks returns the context blocks to send with the prompt: documents,
// then search results, then chat history
func (p PromptContext) Blocks() []string {
	var blocks []string
	if p.documentText != "" {
		blocks = append(blocks, p.documentText)
	}
	if s := searchContext(p.SearchResults); s != "" {
		blocks = append(blocks, s)
	}
	if len(p.History) > 0 {
		blocks = append(blocks, "Last messages in the channel:\n"+historyText(p.History))
	}
	return blocks
}

// Transcript formats History as "[2006-01-02 15:04:05] author: content"
// lines, for summaries
func (p PromptContext) Transcript() string {
	lines := make([]string, 0, len(p.History))
	for _, e := range p.History {
		lines = append(
			lines,
			fmt.Sprintf(
				"[%s] %s: %s",
				e.Timestamp.UTC().Format(transcriptTimeFormat),
				e.AuthorName,
				e.CleanContent(),
			),
		)
	}
	return strings.Join(lines, "\n")
}

// ContextBuilder assembles chat history, retrieved documents and search
// results into a PromptContext, capped at a token budget
type ContextBuilder struct {
	history   HistorySource
	index     *RetrievalIndex
	search    *SearchAdapter
	tokens    TokenCounter
	config    *ContextConfig
	retrieval *RetrievalConfig
	botUserID func() string
	now       func() time.Time
	logger    *slog.Logger
}

func NewContextBuilder(
	history HistorySource,
	index *RetrievalIndex,
	search *SearchAdapter,
	tokens TokenCounter,
	config *ContextConfig,
	retrieval *RetrievalConfig,
	logger *slog.Logger,
) *ContextBuilder {
	if tokens == nil {
		tokens = runeEstimateCounter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{
		history:   history,
		index:     index,
		search:    search,
		tokens:    tokens,
		config:    config,
		retrieval: retrieval,
		now:       time.Now,
		logger:    logger.With(loggerNameKey, "context_builder"),
	}
}

// SetBotUserID sets the func returning the bot's user ID, used to flag
// replies to the bot in fetched history
func (b *ContextBuilder) SetBotUserID(f func() string) {
	b.botUserID = f
}

// Build returns the PromptContext for e
func (b *ContextBuilder) Build(
	ctx context.Context,
	e ChatEvent,
	opts BuildOptions,
) (PromptContext, error) {
	logger := getLogger(ctx, b.logger)
	var pc PromptContext

	now := b.now()
	var err error
	if opts.Window > 0 {
		pc.History, err = b.windowHistory(ctx, e, now, opts.Window)
	} else {
		limit := opts.HistoryLimit
		if limit <= 0 {
			limit = b.config.HistoryLimit
		}
		pc.History, err = b.recentHistory(ctx, e, limit)
	}
	if err != nil {
		return pc, err
	}
	if opts.Author != "" {
		pc.History = filterAuthor(pc.History, opts.Author)
	}

	if opts.Retrieval && b.index.Len() > 0 {
		docs, qErr := b.index.Query(ctx, e.CleanContent(), b.retrieval.TopK)
		if qErr != nil {
			logger.WarnContext(ctx, "retrieval failed, continuing without documents", tint.Err(qErr))
		}
		for _, d := range docs {
			if d.Score > b.retrieval.Threshold {
				pc.Documents = append(pc.Documents, d)
			}
		}
		pc.documentText = retrievedContext(pc.Documents, b.retrieval.MaxContextChars)
	}

	if opts.Search && b.search != nil {
		query := opts.SearchQuery
		if query == "" {
			query = e.CleanContent()
		}
		pc.SearchResults = b.search.Search(ctx, query)
	}

	b.capTokens(&pc, e)
	return pc, nil
}

// capTokens fits the context to the token budget. The oldest history goes
// first, then the lowest scored documents, then the last search results.
// The message itself is counted but never trimmed.
func (b *ContextBuilder) capTokens(pc *PromptContext, e ChatEvent) {
	budget := b.config.MaxTokens
	messageTokens := b.tokens.Count(e.CleanContent())
	docTokens := b.tokens.Count(pc.documentText)
	searchTokens := b.tokens.Count(searchContext(pc.SearchResults))

	lineTokens := make([]int, len(pc.History))
	historyTokens := 0
	for i, h := range pc.History {
		lineTokens[i] = b.tokens.Count(historyLine(h)) + 1
		historyTokens += lineTokens[i]
	}
	total := func() int {
		return messageTokens + docTokens + searchTokens + historyTokens
	}

	if budget > 0 {
		drop := 0
		for drop < len(pc.History) && total() > budget {
			historyTokens -= lineTokens[drop]
			drop++
		}

		for len(pc.Documents) > 0 && total() > budget {
			pc.Documents = pc.Documents[:len(pc.Documents)-1]
			pc.TrimmedDocuments++
			pc.documentText = retrievedContext(pc.Documents, b.retrieval.MaxContextChars)
			docTokens = b.tokens.Count(pc.documentText)
		}

		for len(pc.SearchResults) > 0 && total() > budget {
			pc.SearchResults = pc.SearchResults[:len(pc.SearchResults)-1]
			pc.TrimmedResults++
			searchTokens = b.tokens.Count(searchContext(pc.SearchResults))
		}

		// newer history dropped before the documents or results were
		// trimmed may fit again
		for drop > 0 && total()+lineTokens[drop-1] <= budget {
			drop--
			historyTokens += lineTokens[drop]
		}
		if drop > 0 {
			pc.History = pc.History[drop:]
			pc.TrimmedMessages = drop
		}
	}
	pc.Tokens = total()
}

func (b *ContextBuilder) recentHistory(
	ctx context.Context,
	e ChatEvent,
	limit int,
) ([]ChatEvent, error) {
	return b.pageHistory(ctx, e, limit, time.Time{})
}

// windowHistory returns the messages within [now-window, now], reading
// at most MaxWindowMessages
func (b *ContextBuilder) windowHistory(
	ctx context.Context,
	e ChatEvent,
	now time.Time,
	window time.Duration,
) ([]ChatEvent, error) {
	maxMessages := b.config.MaxWindowMessages
	collected, err := b.pageHistory(ctx, e, maxMessages, now.Add(-window))
	if err != nil {
		return nil, err
	}
	events := FilterWindow(collected, now, window)
	if len(events) > maxMessages {
		events = events[len(events)-maxMessages:]
	}
	return events, nil
}

// pageHistory pages back from the event until limit messages have been
// read, or a page reaches past cutoff (when set). The result is ordered
// oldest first.
func (b *ContextBuilder) pageHistory(
	ctx context.Context,
	e ChatEvent,
	limit int,
	cutoff time.Time,
) ([]ChatEvent, error) {
	if b.history == nil || limit <= 0 {
		return nil, nil
	}
	var collected []ChatEvent

	before := e.ID
	for len(collected) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageSize := min(limit-len(collected), discordHistoryPageSize)
		messages, err := b.history.ChannelMessages(
			e.ChannelID, pageSize, before, "", "",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, &UpstreamError{Service: "discord", Err: fmt.Errorf("fetching history: %w", err)}
		}
		if len(messages) == 0 {
			break
		}
		collected = append(collected, b.toEvents(messages)...)

		oldest := messages[len(messages)-1]
		before = oldest.ID
		if len(messages) < pageSize || (!cutoff.IsZero() && oldest.Timestamp.Before(cutoff)) {
			break
		}
	}
	sortEvents(collected)
	return collected, nil
}

func (b *ContextBuilder) toEvents(messages []*discordgo.Message) []ChatEvent {
	var botUserID string
	if b.botUserID != nil {
		botUserID = b.botUserID()
	}
	events := make([]ChatEvent, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		events = append(events, NewChatEvent(m, botUserID))
	}
	return events
}

// FilterWindow returns the events with now-d <= Timestamp <= now, in
// their original order
func FilterWindow(events []ChatEvent, now time.Time, d time.Duration) []ChatEvent {
	cutoff := now.Add(-d)
	filtered := make([]ChatEvent, 0, len(events))
	for _, e := range events {
		if e.Timestamp.Before(cutoff) || e.Timestamp.After(now) {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func filterAuthor(events []ChatEvent, author string) []ChatEvent {
	filtered := make([]ChatEvent, 0, len(events))
	for _, e := range events {
		if e.AuthorID == author ||
			strings.EqualFold(e.AuthorUsername, author) ||
			strings.EqualFold(e.AuthorName, author) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

func sortEvents(events []ChatEvent) {
	sort.SliceStable(
		events, func(i, j int) bool {
			return events[i].Timestamp.Before(events[j].Timestamp)
		},
	)
}

// historyLine formats an event as "(03:04 PM) Name: content"
func historyLine(e ChatEvent) string {
	return fmt.Sprintf(
		"(%s) %s: %s",
		e.Timestamp.UTC().Format(historyLineFormat),
		e.AuthorName,
		flattenNewlines(e.CleanContent()),
	)
}

func historyText(events []ChatEvent) string {
	lines := make([]string, 0, len(events))
	for _, e := range events {
		lines = append(lines, historyLine(e))
	}
	return strings.Join(lines, "\n")
}

package gotcbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	structuredReplyMaxAttempts = 2
	structuredReplyCorrection  = "Your previous reply was not a valid JSON object. " +
		"Reply again with only a single JSON object, no other text."

	modelOperationComplete = "complete"
	modelOperationEmbed    = "embed"
	modelOperationImage    = "image"

	defaultSystemPrompt = "Your name is {bot_name}, you are funny, light-hearted, " +
		"helpful and you keep your answers simple and clear. You answer " +
		"questions about the mobile game 'Game of Thrones: Conquest'. Keep " +
		"your responses short and informative. Provide links to sources " +
		"in the given context, if any."
)

// ModelRequest is a single request to a ModelClient
type ModelRequest struct {
	// EventID links the call to the ChatEvent being handled, for logging
	EventID string

	// Instructions is sent as the system message
	Instructions string

	// Context blocks are appended to the user message, in order
	Context []string

	Prompt string

	// ImageURLs are passed as image content parts
	ImageURLs []string

	// JSONMode requests a reply that decodes to a JSON object
	JSONMode bool

	// Model overrides the client's default chat model
	Model       string
	Temperature float32
	MaxTokens   int
}

// ModelResponse is the result of a ModelClient.Complete call
type ModelResponse struct {
	Text string

	// Fields is the decoded JSON object, for JSONMode requests
	Fields map[string]any

	// Action is the structured reply's "todo" or "action" field, if any
	Action string

	ImageURL string
	Image    []byte
	Model    string

	// Attempts is the number of completion calls made
	Attempts int
}

// StringField returns Fields[key] as a string. Numbers are formatted
// without a fractional part when they're whole.
func (r ModelResponse) StringField(key string) string {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return ""
	}
	switch tv := v.(type) {
	case string:
		return strings.TrimSpace(tv)
	case float64:
		if tv == float64(int64(tv)) {
			return fmt.Sprintf("%d", int64(tv))
		}
		return fmt.Sprintf("%g", tv)
	case bool:
		return fmt.Sprintf("%t", tv)
	default:
		return fmt.Sprintf("%v", tv)
	}
}

// ModelClient is a chat/completion and embedding backend
type ModelClient interface {
	Complete(ctx context.Context, req ModelRequest) (ModelResponse, error)
	Embed(ctx context.Context, input []string) ([][]float32, error)

	// Backend returns the backend name, 'hosted' or 'local'
	Backend() string
}

// chatClient is the subset of *openai.Client used by the model clients,
// to enable mocking
type chatClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
	CreateEmbeddings(
		ctx context.Context,
		conv openai.EmbeddingRequestConverter,
	) (openai.EmbeddingResponse, error)
	CreateImage(
		ctx context.Context,
		request openai.ImageRequest,
	) (openai.ImageResponse, error)
}

// openAICompatible implements the request handling shared by
// HostedAPIClient and LocalServerClient
type openAICompatible struct {
	backend        string
	client         chatClient
	chatModel      string
	embeddingModel string
	temperature    float32
	systemPrompt   string
	stripQuotes    bool
	allowVision    bool
	requestLimiter *rate.Limiter
	db             DBI
	logger         *slog.Logger
	mu             sync.RWMutex
}

func newOpenAICompatible(
	backend string,
	config *ModelConfig,
	clientConfig openai.ClientConfig,
	db DBI,
	botName string,
) *openAICompatible {
	level := config.LogLevel
	if level == nil {
		level = &slog.LevelVar{}
	}
	return &openAICompatible{
		backend:        backend,
		client:         openai.NewClientWithConfig(clientConfig),
		chatModel:      config.ChatModel,
		embeddingModel: config.EmbeddingModel,
		temperature:    config.Temperature,
		systemPrompt:   strings.ReplaceAll(config.SystemPrompt, "{bot_name}", botName),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
		db:     db,
		logger: newLogger("model_"+backend, level),
	}
}

// HostedAPIClient is a ModelClient backed by the OpenAI API
type HostedAPIClient struct {
	*openAICompatible
}

// NewHostedAPIClient returns a client for the OpenAI API. config.BaseURL
// may point it at a proxy.
func NewHostedAPIClient(
	config *ModelConfig,
	httpClient *http.Client,
	db DBI,
	botName string,
) (*HostedAPIClient, error) {
	if config.Token == "" {
		return nil, &ConfigError{Field: "model.token", Err: errMissingCredential}
	}
	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	c := newOpenAICompatible(ModelBackendHosted, config, clientCfg, db, botName)
	c.allowVision = true
	return &HostedAPIClient{openAICompatible: c}, nil
}

// GenerateImage creates an image with DALL·E, returning its URL
func (c *HostedAPIClient) GenerateImage(
	ctx context.Context,
	prompt string,
	size string,
) (string, error) {
	start := time.Now()
	if err := c.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	resp, err := c.client.CreateImage(
		ctx, openai.ImageRequest{
			Prompt:         prompt,
			Model:          openai.CreateImageModelDallE3,
			Size:           size,
			N:              1,
			ResponseFormat: openai.CreateImageResponseFormatURL,
		},
	)
	err = classifyOpenAIError("openai_image", err)
	c.logCall(ctx, ModelCallLog{
		Model:     openai.CreateImageModelDallE3,
		Operation: modelOperationImage,
		Attempts:  1,
	}, start, err)
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", &UpstreamError{Service: "openai_image", Err: errEmptyResponse}
	}
	return resp.Data[0].URL, nil
}

// LocalServerClient is a ModelClient backed by an OpenAI-compatible local
// server, like llama.cpp's server. Surrounding quotes are stripped from
// replies.
type LocalServerClient struct {
	*openAICompatible
}

func NewLocalServerClient(
	config *ModelConfig,
	httpClient *http.Client,
	db DBI,
	botName string,
) (*LocalServerClient, error) {
	clientCfg := openai.DefaultConfig(config.Token)
	clientCfg.BaseURL = config.BaseURL
	if clientCfg.BaseURL == "" {
		clientCfg.BaseURL = DefaultLocalBaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	c := newOpenAICompatible(ModelBackendLocal, config, clientCfg, db, botName)
	c.stripQuotes = true
	if c.temperature == 0 {
		c.temperature = DefaultLocalTemperature
	}
	return &LocalServerClient{openAICompatible: c}, nil
}

// NewModelClient returns the ModelClient selected by config.Backend
func NewModelClient(
	config *ModelConfig,
	httpClient *http.Client,
	db DBI,
	botName string,
) (ModelClient, error) {
	switch config.Backend {
	case ModelBackendHosted:
		return NewHostedAPIClient(config, httpClient, db, botName)
	case ModelBackendLocal:
		return NewLocalServerClient(config, httpClient, db, botName)
	default:
		return nil, &ConfigError{
			Field: "model.backend",
			Err:   fmt.Errorf("unknown backend %q", config.Backend),
		}
	}
}

// setDB sets the database model calls are recorded to
func (c *openAICompatible) setDB(db DBI) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db = db
}

func (c *openAICompatible) Backend() string {
	return c.backend
}

// waitOnRequestLimiter waits for the request limiter to allow the next request.
// A wait that would run past ctx's deadline fails right away, wrapping
// context.DeadlineExceeded.
func (c *openAICompatible) waitOnRequestLimiter(ctx context.Context) error {
	c.mu.RLock()
	requestLimiter := c.requestLimiter
	c.mu.RUnlock()
	err := requestLimiter.Wait(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("waiting on request limiter: %w: %w", context.DeadlineExceeded, err)
	}
	return err
}

// Complete sends req as a chat completion. For JSONMode requests, a
// reply that doesn't decode to a JSON object is retried once, with the
// bad reply and a correction appended. If the retry also fails to decode,
// a *ModelError wrapping a *ParseError is returned.
func (c *openAICompatible) Complete(
	ctx context.Context,
	req ModelRequest,
) (ModelResponse, error) {
	logger := getLogger(ctx, c.logger)
	start := time.Now()

	chatReq := c.chatRequest(req)
	var resp ModelResponse
	var lastErr error

	maxAttempts := 1
	if req.JSONMode {
		maxAttempts = structuredReplyMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp.Attempts = attempt
		text, model, err := c.createChatCompletion(ctx, chatReq)
		if err != nil {
			c.logCall(ctx, ModelCallLog{
				EventID:   req.EventID,
				Model:     chatReq.Model,
				Operation: modelOperationComplete,
				JSONMode:  req.JSONMode,
				Attempts:  attempt,
			}, start, err)
			return resp, err
		}
		resp.Model = model
		resp.Text = text

		if !req.JSONMode {
			lastErr = nil
			break
		}

		fields, parseErr := decodeJSONObject(text)
		if parseErr == nil {
			resp.Fields = fields
			resp.Action = resp.StringField("todo")
			if resp.Action == "" {
				resp.Action = resp.StringField("action")
			}
			lastErr = nil
			break
		}
		lastErr = parseErr
		logger.WarnContext(
			ctx,
			"structured reply failed to parse",
			"attempt", attempt,
			"event_id", req.EventID,
			tint.Err(parseErr),
		)
		chatReq.Messages = append(
			chatReq.Messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: text,
			},
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: structuredReplyCorrection,
			},
		)
	}

	if lastErr != nil {
		err := &ModelError{
			Backend:  c.backend,
			Attempts: resp.Attempts,
			Err:      lastErr,
		}
		c.logCall(ctx, ModelCallLog{
			EventID:   req.EventID,
			Model:     chatReq.Model,
			Operation: modelOperationComplete,
			JSONMode:  true,
			Attempts:  resp.Attempts,
		}, start, err)
		return resp, err
	}

	if c.stripQuotes {
		resp.Text = stripQuotes(resp.Text)
	}
	c.logCall(ctx, ModelCallLog{
		EventID:   req.EventID,
		Model:     chatReq.Model,
		Operation: modelOperationComplete,
		JSONMode:  req.JSONMode,
		Attempts:  resp.Attempts,
	}, start, nil)
	return resp, nil
}

func (c *openAICompatible) createChatCompletion(
	ctx context.Context,
	req openai.ChatCompletionRequest,
) (text string, model string, err error) {
	if err = c.waitOnRequestLimiter(ctx); err != nil {
		return "", "", err
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", "", classifyOpenAIError("model_"+c.backend, err)
	}
	if len(resp.Choices) == 0 {
		return "", resp.Model, &UpstreamError{
			Service: "model_" + c.backend,
			Err:     errEmptyResponse,
		}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), resp.Model, nil
}

func (c *openAICompatible) chatRequest(req ModelRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.chatModel
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	instructions := req.Instructions
	if instructions == "" {
		instructions = c.systemPrompt
	}

	var messages []openai.ChatCompletionMessage
	if instructions != "" {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: instructions,
			},
		)
	}

	userText := req.Prompt
	if len(req.Context) > 0 {
		userText = strings.Join(append([]string{req.Prompt}, req.Context...), "\n\n")
	}

	userMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if c.allowVision && len(req.ImageURLs) > 0 {
		parts := []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: userText},
		}
		for _, u := range req.ImageURLs {
			parts = append(
				parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: u},
				},
			)
		}
		userMsg.MultiContent = parts
	} else {
		userMsg.Content = userText
	}
	messages = append(messages, userMsg)

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return chatReq
}

// Embed returns one embedding per input, in input order
func (c *openAICompatible) Embed(
	ctx context.Context,
	input []string,
) ([][]float32, error) {
	if len(input) == 0 {
		return [][]float32{}, nil
	}
	start := time.Now()
	if err := c.waitOnRequestLimiter(ctx); err != nil {
		return nil, err
	}
	resp, err := c.client.CreateEmbeddings(
		ctx, openai.EmbeddingRequestStrings{
			Input: input,
			Model: openai.EmbeddingModel(c.embeddingModel),
		},
	)
	err = classifyOpenAIError("embeddings_"+c.backend, err)
	c.logCall(ctx, ModelCallLog{
		Model:     c.embeddingModel,
		Operation: modelOperationEmbed,
		Attempts:  1,
	}, start, err)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(input) {
		return nil, &UpstreamError{
			Service: "embeddings_" + c.backend,
			Err: fmt.Errorf(
				"expected %d embeddings, got %d",
				len(input), len(resp.Data),
			),
		}
	}

	vectors := make([][]float32, len(input))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(input) {
			idx = i
		}
		vectors[idx] = d.Embedding
	}
	return vectors, nil
}

func (c *openAICompatible) logCall(
	ctx context.Context,
	entry ModelCallLog,
	start time.Time,
	err error,
) {
	entry.Backend = c.backend
	entry.DurationMS = time.Since(start).Milliseconds()
	logger := getLogger(ctx, c.logger)
	if err != nil {
		entry.Error = err.Error()
		logger.ErrorContext(
			ctx,
			"model call failed",
			"operation", entry.Operation,
			"model", entry.Model,
			"attempts", entry.Attempts,
			tint.Err(err),
		)
	} else {
		logger.DebugContext(
			ctx,
			"model call completed",
			"operation", entry.Operation,
			"model", entry.Model,
			"duration_ms", entry.DurationMS,
		)
	}
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return
	}
	if _, dbErr := db.Create(context.WithoutCancel(ctx), &entry); dbErr != nil {
		logger.ErrorContext(ctx, "error logging model call", tint.Err(dbErr))
	}
}

// decodeJSONObject decodes s as a JSON object. Code fences, which some
// local models wrap JSON in, are removed first.
func decodeJSONObject(s string) (map[string]any, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	if raw == "" {
		return nil, &ParseError{Raw: s, Err: errEmptyResponse}
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, &ParseError{Raw: s, Err: err}
	}
	if fields == nil {
		return nil, &ParseError{Raw: s, Err: errors.New("reply is not a JSON object")}
	}
	return fields, nil
}

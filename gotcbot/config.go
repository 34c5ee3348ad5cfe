//nolint:lll // struct tags can't be split
package gotcbot

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
)

const (
	EnvvarSetEnvPrefix    = "GOTC_ENV_PREFIX"
	DefaultEnvPrefix      = "GOTC"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "gotcbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout       = 30 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultModelLogLevel         = slog.LevelInfo
	DefaultSearchLogLevel        = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo

	DefaultBotName              = "firebot"
	DefaultDiscordGatewayIntent = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	DefaultDiscordStartupMessage = "I'm here!"

	ModelBackendHosted               = "hosted"
	ModelBackendLocal                = "local"
	DefaultModelBackend              = ModelBackendHosted
	DefaultChatModel                 = openai.GPT4oMini
	DefaultRouterModel               = openai.GPT4o
	DefaultEmbeddingModel            = string(openai.SmallEmbedding3)
	DefaultLocalBaseURL              = "http://127.0.0.1:8080/v1"
	DefaultLocalModel                = "local"
	DefaultLocalTemperature  float32 = 0.7
	DefaultModelMaxRequestsPerSecond = 5.0
	DefaultClassifyIntent            = true

	ImageBackendDisabled          = "disabled"
	ImageBackendDalle             = "dalle"
	ImageBackendStableDiffusion   = "stable_diffusion"
	DefaultImageBackend           = ImageBackendDalle
	DefaultStableDiffusionURL     = "http://127.0.0.1:7860"
	DefaultStableDiffusionSteps   = 20
	DefaultStableDiffusionCFG     = 7.0
	DefaultFantasySteps           = 30
	DefaultImageSize              = "1024x1024"
	DefaultStableDiffusionTimeout = 3 * time.Minute

	DefaultS3Region         = "us-east-1"
	DefaultS3ImagePrefix    = "generated/"
	DefaultS3AssetsPrefix   = "gotc/"
	DefaultAssetVersion     = "1"
	DefaultAssetsCacheTTL   = 10 * time.Minute
	DefaultSearchMaxResults = 4
	DefaultSearchTimeout    = 10 * time.Second
	DefaultSearchSuffix     = "in Game of Thrones: Conquest mobile game"

	DefaultDataDir                = "data"
	DefaultRetrievalTopK          = 3
	DefaultRetrievalThreshold     = 0.25
	DefaultRetrievalMaxChars      = 3750
	DefaultHistoryLimit           = 10
	DefaultContextMaxTokens       = 6000
	DefaultTokenEncoding          = "cl100k_base"
	DefaultMaxWindowMessages      = 2000
	DefaultMaxSummarizeWindow     = 7 * 24 * time.Hour
	DefaultDiscordMaxMessageLen   = 2000
	DefaultDiscordErrorMessage    = "Sorry, something went wrong. Please try again."
	DefaultDiscordTimeoutMessage  = "That took too long, please try again."
	DefaultDiscordBusyMessage     = "I'm getting a lot of requests right now, please try again in a minute."
	DefaultDiscordCensoredMessage = "Bummer dude, this has been censored 🙄"

	DefaultWorkerCallTimeout   = 90 * time.Second
	DefaultWorkerMaxConcurrent = 4
	DefaultWorkerQueueSize     = 20
	DefaultWorkerQueueMaxAge   = 5 * time.Minute
	DefaultWorkerIdleTimeout   = 5 * time.Minute

	DefaultAPIListen            = "127.0.0.1:5000"
	DefaultAPIReadTimeout       = 5 * time.Second
	DefaultAPIReadHeaderTimeout = 5 * time.Second
	DefaultAPIWriteTimeout      = 10 * time.Second
	DefaultAPIIdleTimeout       = 30 * time.Second
)

var (
	// DefaultSearchProviders is the provider order: free first, paid after
	DefaultSearchProviders = []string{
		SearchProviderDuckDuckGo,
		SearchProviderBing,
		SearchProviderGoogle,
	}

	structValidator = newStructValidator()
)

type Config struct {
	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long Run may take to connect to discord
	// and load the retrieval index
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time allowed for in-flight replies to finish
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Discord   *DiscordConfig   `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	Model     *ModelConfig     `yaml:"model" mapstructure:"model" json:"model" binding:"required"`
	Image     *ImageConfig     `yaml:"image" mapstructure:"image" json:"image" binding:"required"`
	Storage   *StorageConfig   `yaml:"storage" mapstructure:"storage" json:"storage" binding:"required"`
	Search    *SearchConfig    `yaml:"search" mapstructure:"search" json:"search" binding:"required"`
	Retrieval *RetrievalConfig `yaml:"retrieval" mapstructure:"retrieval" json:"retrieval" binding:"required"`
	Context   *ContextConfig   `yaml:"context" mapstructure:"context" json:"context" binding:"required"`
	Dispatch  *DispatchConfig  `yaml:"dispatch" mapstructure:"dispatch" json:"dispatch" binding:"required"`
	Workers   *WorkerConfig    `yaml:"workers" mapstructure:"workers" json:"workers" binding:"required"`
	API       *APIConfig       `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID. Also the bot's user ID.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// BotName is the name users call the bot by ("firebot, what's ...").
	// Case-insensitive, matched as a whole word.
	BotName string `yaml:"bot_name" mapstructure:"bot_name" json:"bot_name" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Message content is a privileged intent and
	// must be enabled for the bot in the dev portal.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// If set, StartupMessage is posted here whenever the gateway connects
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is shown under the bot's name, if set
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	httpClient *http.Client
}

// ModelConfig selects and configures the ModelClient variant
type ModelConfig struct {
	// Backend is 'hosted' (OpenAI API) or 'local' (OpenAI-compatible local
	// server, like llama.cpp)
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=hosted local"`

	// OpenAI API token. Optional for the local backend.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_if=Backend hosted"`

	// BaseURL overrides the API base URL. Defaults to the OpenAI API for
	// the hosted backend, and DefaultLocalBaseURL for the local backend.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	ChatModel      string `yaml:"chat_model" mapstructure:"chat_model" json:"chat_model" binding:"required"`
	RouterModel    string `yaml:"router_model" mapstructure:"router_model" json:"router_model" binding:"required"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model" json:"embedding_model"`

	// Temperature is used for chat completions. Zero uses the backend
	// default (DefaultLocalTemperature for the local backend).
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`

	// MaxRequestsPerSecond limits outgoing model requests (shared by
	// completions, embeddings and images)
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	// ClassifyIntent enables JSON-mode intent classification when no
	// keyword route matches
	ClassifyIntent bool `yaml:"classify_intent" mapstructure:"classify_intent" json:"classify_intent"`

	// SystemPrompt is prepended to chat completions
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ImageConfig configures image generation
type ImageConfig struct {
	// Backend is one of 'dalle', 'stable_diffusion' or 'disabled'
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=dalle stable_diffusion disabled"`

	// StableDiffusionURL is the base URL of a Stable Diffusion WebUI API
	StableDiffusionURL string `yaml:"stable_diffusion_url" mapstructure:"stable_diffusion_url" json:"stable_diffusion_url" binding:"required_if=Backend stable_diffusion"`

	Steps    int     `yaml:"steps" mapstructure:"steps" json:"steps" binding:"min=1,max=150"`
	CFGScale float64 `yaml:"cfg_scale" mapstructure:"cfg_scale" json:"cfg_scale" binding:"gt=0"`

	// SafetyCheck runs generated Stable Diffusion images through the
	// nudenet censor extension, and rejects censored images
	SafetyCheck bool `yaml:"safety_check" mapstructure:"safety_check" json:"safety_check"`

	// DefaultSize is used when a size isn't requested
	DefaultSize string `yaml:"default_size" mapstructure:"default_size" json:"default_size" binding:"oneof=1024x1024 1024x1792 1792x1024"`

	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
}

// StorageConfig configures the S3 bucket used for generated images and
// diagram assets
type StorageConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket" json:"bucket" binding:"required_if=Enabled true"`
	Region    string `yaml:"region" mapstructure:"region" json:"region" binding:"required_if=Enabled true"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key" json:"access_key" log:"[redacted]"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key" json:"secret_key" log:"[redacted]"`

	// ImagePrefix is prepended to generated image object keys
	ImagePrefix string `yaml:"image_prefix" mapstructure:"image_prefix" json:"image_prefix"`

	// AssetsPrefix is where `!command` diagrams are stored. A single
	// image lives at <prefix><name>.png, a set at <prefix><name>/*.png
	AssetsPrefix string `yaml:"assets_prefix" mapstructure:"assets_prefix" json:"assets_prefix"`

	// AssetVersion is appended to single-asset links as ?v=, to bust
	// discord's image cache when charts are replaced
	AssetVersion string `yaml:"asset_version" mapstructure:"asset_version" json:"asset_version"`

	// AssetsCacheTTL is how long a bucket listing is reused
	AssetsCacheTTL time.Duration `yaml:"assets_cache_ttl" mapstructure:"assets_cache_ttl" json:"assets_cache_ttl"`

	// PublicBaseURL overrides the https://<bucket>.s3.<region>.amazonaws.com/ link base
	PublicBaseURL string `yaml:"public_base_url" mapstructure:"public_base_url" json:"public_base_url" binding:"omitempty,url"`

	// Endpoint overrides the S3 endpoint (minio, localstack)
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint" binding:"omitempty,url"`
}

// SearchConfig configures the web search fallback chain
type SearchConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Providers in priority order. Known: duckduckgo, bing, google
	Providers []string `yaml:"providers" mapstructure:"providers" json:"providers" binding:"dive,oneof=duckduckgo bing google"`

	BingKey     string         `yaml:"bing_key" mapstructure:"bing_key" json:"bing_key" log:"[redacted]"`
	GoogleKey   string         `yaml:"google_key" mapstructure:"google_key" json:"google_key" log:"[redacted]"`
	GoogleCSEID string         `yaml:"google_cse_id" mapstructure:"google_cse_id" json:"google_cse_id"`
	MaxResults  int            `yaml:"max_results" mapstructure:"max_results" json:"max_results" binding:"min=1,max=10"`
	QuerySuffix string         `yaml:"query_suffix" mapstructure:"query_suffix" json:"query_suffix"`
	SafeSearch  bool           `yaml:"safe_search" mapstructure:"safe_search" json:"safe_search"`
	RegionCode  string         `yaml:"region_code" mapstructure:"region_code" json:"region_code"`
	UserAgent   string         `yaml:"user_agent" mapstructure:"user_agent" json:"user_agent"`
	LogLevel    *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	Timeout     time.Duration  `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`
}

// RetrievalConfig configures the embedding index
type RetrievalConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// DataDir holds the *.json embedding files written by the `index` command
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir" binding:"required_if=Enabled true"`

	TopK int `yaml:"top_k" mapstructure:"top_k" json:"top_k" binding:"min=1"`

	// Threshold is the minimum cosine similarity (exclusive) for a record
	// to be injected into a prompt
	Threshold float64 `yaml:"threshold" mapstructure:"threshold" json:"threshold" binding:"min=-1,max=1"`

	// MaxContextChars caps the joined retrieved text
	MaxContextChars int `yaml:"max_context_chars" mapstructure:"max_context_chars" json:"max_context_chars" binding:"min=1"`

	// VerifyDimensions embeds a sample string at startup and fails if the
	// embedding dimension doesn't match the index
	VerifyDimensions bool `yaml:"verify_dimensions" mapstructure:"verify_dimensions" json:"verify_dimensions"`
}

// ContextConfig bounds the prompt context
type ContextConfig struct {
	HistoryLimit       int           `yaml:"history_limit" mapstructure:"history_limit" json:"history_limit" binding:"min=0,max=100"`
	MaxTokens          int           `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=256"`
	TokenEncoding      string        `yaml:"token_encoding" mapstructure:"token_encoding" json:"token_encoding" binding:"required"`
	MaxWindowMessages  int           `yaml:"max_window_messages" mapstructure:"max_window_messages" json:"max_window_messages" binding:"min=1"`
	MaxSummarizeWindow time.Duration `yaml:"max_summarize_window" mapstructure:"max_summarize_window" json:"max_summarize_window" binding:"min=1m"`
}

// DispatchConfig configures how replies are posted
type DispatchConfig struct {
	MaxMessageLength int    `yaml:"max_message_length" mapstructure:"max_message_length" json:"max_message_length" binding:"min=100,max=2000"`
	PreventEmbeds    bool   `yaml:"prevent_embeds" mapstructure:"prevent_embeds" json:"prevent_embeds"`
	ErrorMessage     string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`
	TimeoutMessage   string `yaml:"timeout_message" mapstructure:"timeout_message" json:"timeout_message" binding:"required"`
	BusyMessage      string `yaml:"busy_message" mapstructure:"busy_message" json:"busy_message" binding:"required"`
	CensoredMessage  string `yaml:"censored_message" mapstructure:"censored_message" json:"censored_message" binding:"required"`
}

// WorkerConfig configures per-channel workers
type WorkerConfig struct {
	// CallTimeout bounds the handling of a single event
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout" json:"call_timeout" binding:"min=1s"`

	// MaxConcurrent is the number of events handled at once, across all channels
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent" json:"max_concurrent" binding:"min=1"`

	// QueueSize is the per-channel backlog. 0=unlimited
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" json:"queue_size" binding:"min=0"`

	// QueueMaxAge discards events older than this. 0=unlimited
	QueueMaxAge time.Duration `yaml:"queue_max_age" mapstructure:"queue_max_age" json:"queue_max_age" binding:"min=0"`

	// IdleTimeout stops a channel worker after this long without events
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// APIConfig configures the status API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Development enables pprof endpoints
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`
}

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

// Validate checks the configuration, returning a *ConfigError describing
// the first problem found.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return &ConfigError{Err: err}
	}
	// search providers missing credentials are skipped, not rejected
	if c.Image.Backend == ImageBackendDalle && c.Model.Backend != ModelBackendHosted {
		return &ConfigError{
			Field: "image.backend",
			Err:   errDalleRequiresHosted,
		}
	}
	return nil
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	modelLogLevel := &slog.LevelVar{}
	searchLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	modelLogLevel.Set(DefaultModelLogLevel)
	searchLogLevel.Set(DefaultSearchLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	providers := make([]string, len(DefaultSearchProviders))
	copy(providers, DefaultSearchProviders)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			BotName:           DefaultBotName,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		Model: &ModelConfig{
			Backend:              DefaultModelBackend,
			ChatModel:            DefaultChatModel,
			RouterModel:          DefaultRouterModel,
			EmbeddingModel:       DefaultEmbeddingModel,
			MaxRequestsPerSecond: DefaultModelMaxRequestsPerSecond,
			ClassifyIntent:       DefaultClassifyIntent,
			SystemPrompt:         defaultSystemPrompt,
			LogLevel:             modelLogLevel,
		},
		Image: &ImageConfig{
			Backend:            DefaultImageBackend,
			StableDiffusionURL: DefaultStableDiffusionURL,
			Steps:              DefaultStableDiffusionSteps,
			CFGScale:           DefaultStableDiffusionCFG,
			SafetyCheck:        true,
			DefaultSize:        DefaultImageSize,
			Timeout:            DefaultStableDiffusionTimeout,
		},
		Storage: &StorageConfig{
			Region:         DefaultS3Region,
			ImagePrefix:    DefaultS3ImagePrefix,
			AssetsPrefix:   DefaultS3AssetsPrefix,
			AssetVersion:   DefaultAssetVersion,
			AssetsCacheTTL: DefaultAssetsCacheTTL,
		},
		Search: &SearchConfig{
			Enabled:     true,
			Providers:   providers,
			MaxResults:  DefaultSearchMaxResults,
			QuerySuffix: DefaultSearchSuffix,
			RegionCode:  "wt-wt",
			LogLevel:    searchLogLevel,
			Timeout:     DefaultSearchTimeout,
		},
		Retrieval: &RetrievalConfig{
			Enabled:          true,
			DataDir:          DefaultDataDir,
			TopK:             DefaultRetrievalTopK,
			Threshold:        DefaultRetrievalThreshold,
			MaxContextChars:  DefaultRetrievalMaxChars,
			VerifyDimensions: true,
		},
		Context: &ContextConfig{
			HistoryLimit:       DefaultHistoryLimit,
			MaxTokens:          DefaultContextMaxTokens,
			TokenEncoding:      DefaultTokenEncoding,
			MaxWindowMessages:  DefaultMaxWindowMessages,
			MaxSummarizeWindow: DefaultMaxSummarizeWindow,
		},
		Dispatch: &DispatchConfig{
			MaxMessageLength: DefaultDiscordMaxMessageLen,
			PreventEmbeds:    true,
			ErrorMessage:     DefaultDiscordErrorMessage,
			TimeoutMessage:   DefaultDiscordTimeoutMessage,
			BusyMessage:      DefaultDiscordBusyMessage,
			CensoredMessage:  DefaultDiscordCensoredMessage,
		},
		Workers: &WorkerConfig{
			CallTimeout:   DefaultWorkerCallTimeout,
			MaxConcurrent: DefaultWorkerMaxConcurrent,
			QueueSize:     DefaultWorkerQueueSize,
			QueueMaxAge:   DefaultWorkerQueueMaxAge,
			IdleTimeout:   DefaultWorkerIdleTimeout,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultAPIReadTimeout,
			ReadHeaderTimeout: DefaultAPIReadHeaderTimeout,
			WriteTimeout:      DefaultAPIWriteTimeout,
			IdleTimeout:       DefaultAPIIdleTimeout,
		},
	}
}

package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lperezmo/gotc-discord-bot/gotcbot"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = gotcbot.DefaultConfig()
	configFile string
)

// levelKeys are config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"model.log_level",
	"search.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use: "gotcbot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
		// "duckduckgo, bing" from env
		cfg.Search.Providers = splitList(cfg.Search.Providers)
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes a level name ("INFO") into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", gotcbot.DefaultDatabase)
	viper.SetDefault("database_type", gotcbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", gotcbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", gotcbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", gotcbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", gotcbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", gotcbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.bot_name", gotcbot.DefaultBotName)
	viper.SetDefault("discord.log_level", gotcbot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		gotcbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", gotcbot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", gotcbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", "")

	// Model config
	viper.SetDefault("model.backend", gotcbot.DefaultModelBackend)
	viper.SetDefault("model.token", "")
	viper.SetDefault("model.base_url", "")
	viper.SetDefault("model.chat_model", gotcbot.DefaultChatModel)
	viper.SetDefault("model.router_model", gotcbot.DefaultRouterModel)
	viper.SetDefault("model.embedding_model", gotcbot.DefaultEmbeddingModel)
	viper.SetDefault("model.temperature", 0)
	viper.SetDefault(
		"model.max_requests_per_second",
		gotcbot.DefaultModelMaxRequestsPerSecond,
	)
	viper.SetDefault("model.classify_intent", gotcbot.DefaultClassifyIntent)
	viper.SetDefault("model.system_prompt", cfg.Model.SystemPrompt)
	viper.SetDefault("model.log_level", gotcbot.DefaultModelLogLevel.String())

	// Image config
	viper.SetDefault("image.backend", gotcbot.DefaultImageBackend)
	viper.SetDefault("image.stable_diffusion_url", gotcbot.DefaultStableDiffusionURL)
	viper.SetDefault("image.steps", gotcbot.DefaultStableDiffusionSteps)
	viper.SetDefault("image.cfg_scale", gotcbot.DefaultStableDiffusionCFG)
	viper.SetDefault("image.safety_check", true)
	viper.SetDefault("image.default_size", gotcbot.DefaultImageSize)
	viper.SetDefault("image.timeout", gotcbot.DefaultStableDiffusionTimeout)

	// Storage config
	viper.SetDefault("storage.enabled", false)
	viper.SetDefault("storage.bucket", "")
	viper.SetDefault("storage.region", gotcbot.DefaultS3Region)
	viper.SetDefault("storage.access_key", "")
	viper.SetDefault("storage.secret_key", "")
	viper.SetDefault("storage.image_prefix", gotcbot.DefaultS3ImagePrefix)
	viper.SetDefault("storage.assets_prefix", gotcbot.DefaultS3AssetsPrefix)
	viper.SetDefault("storage.asset_version", gotcbot.DefaultAssetVersion)
	viper.SetDefault("storage.assets_cache_ttl", gotcbot.DefaultAssetsCacheTTL)
	viper.SetDefault("storage.public_base_url", "")
	viper.SetDefault("storage.endpoint", "")

	// Search config
	viper.SetDefault("search.enabled", true)
	viper.SetDefault("search.providers", gotcbot.DefaultSearchProviders)
	viper.SetDefault("search.bing_key", "")
	viper.SetDefault("search.google_key", "")
	viper.SetDefault("search.google_cse_id", "")
	viper.SetDefault("search.max_results", gotcbot.DefaultSearchMaxResults)
	viper.SetDefault("search.query_suffix", gotcbot.DefaultSearchSuffix)
	viper.SetDefault("search.safe_search", false)
	viper.SetDefault("search.region_code", "wt-wt")
	viper.SetDefault("search.user_agent", "")
	viper.SetDefault("search.log_level", gotcbot.DefaultSearchLogLevel.String())
	viper.SetDefault("search.timeout", gotcbot.DefaultSearchTimeout)

	// Retrieval config
	viper.SetDefault("retrieval.enabled", true)
	viper.SetDefault("retrieval.data_dir", gotcbot.DefaultDataDir)
	viper.SetDefault("retrieval.top_k", gotcbot.DefaultRetrievalTopK)
	viper.SetDefault("retrieval.threshold", gotcbot.DefaultRetrievalThreshold)
	viper.SetDefault("retrieval.max_context_chars", gotcbot.DefaultRetrievalMaxChars)
	viper.SetDefault("retrieval.verify_dimensions", true)

	// Context config
	viper.SetDefault("context.history_limit", gotcbot.DefaultHistoryLimit)
	viper.SetDefault("context.max_tokens", gotcbot.DefaultContextMaxTokens)
	viper.SetDefault("context.token_encoding", gotcbot.DefaultTokenEncoding)
	viper.SetDefault("context.max_window_messages", gotcbot.DefaultMaxWindowMessages)
	viper.SetDefault("context.max_summarize_window", gotcbot.DefaultMaxSummarizeWindow)

	// Dispatch config
	viper.SetDefault("dispatch.max_message_length", gotcbot.DefaultDiscordMaxMessageLen)
	viper.SetDefault("dispatch.prevent_embeds", true)
	viper.SetDefault("dispatch.error_message", gotcbot.DefaultDiscordErrorMessage)
	viper.SetDefault("dispatch.timeout_message", gotcbot.DefaultDiscordTimeoutMessage)
	viper.SetDefault("dispatch.busy_message", gotcbot.DefaultDiscordBusyMessage)
	viper.SetDefault("dispatch.censored_message", gotcbot.DefaultDiscordCensoredMessage)

	// Worker config
	viper.SetDefault("workers.call_timeout", gotcbot.DefaultWorkerCallTimeout)
	viper.SetDefault("workers.max_concurrent", gotcbot.DefaultWorkerMaxConcurrent)
	viper.SetDefault("workers.queue_size", gotcbot.DefaultWorkerQueueSize)
	viper.SetDefault("workers.queue_max_age", gotcbot.DefaultWorkerQueueMaxAge)
	viper.SetDefault("workers.idle_timeout", gotcbot.DefaultWorkerIdleTimeout)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", gotcbot.DefaultAPIListen)
	viper.SetDefault("api.log_level", gotcbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", gotcbot.DefaultAPIReadTimeout)
	viper.SetDefault("api.read_header_timeout", gotcbot.DefaultAPIReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", gotcbot.DefaultAPIWriteTimeout)
	viper.SetDefault("api.idle_timeout", gotcbot.DefaultAPIIdleTimeout)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(gotcbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = gotcbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// levels stay strings in viper, LevelToStringHookFunc converts them
	// on Unmarshal
	for _, key := range levelKeys {
		if _, err := getLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

// splitList splits comma-separated items, dropping empty ones
func splitList(items []string) []string {
	out := []string{}
	for _, item := range items {
		for _, v := range strings.Split(item, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}

package gotcbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/lperezmo/gotc-discord-bot/gotcbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot wires the discord gateway to the routing, context, model and reply
// components, and manages their lifecycle.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      DBI
	discord *Discord
	model   ModelClient
	router  *Router
	tokens  TokenCounter
	index   *RetrievalIndex
	search  *SearchAdapter
	store   ObjectStore
	assets  *AssetCatalog
	images  ImageGenerator

	// contexts and dispatcher are created once the discord session exists
	contexts   *ContextBuilder
	dispatcher *ReplyDispatcher

	workers *channelWorkers
	sem     *semaphore.Weighted
	api     *API

	startedAt              time.Time
	metricEventsReceived   atomic.Int64
	metricEventsHandled    atomic.Int64
	metricEventsFailed     atomic.Int64
	metricEventsInProgress atomic.Int64

	runMu       sync.Mutex
	signalReady chan struct{}
	signalStop  chan struct{}
}

// New creates a Bot from config. Connections (database, S3, discord) are
// made by Run.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			&ConfigError{
				Field: "database_type",
				Err:   errors.New("must be 'sqlite' or 'postgres'"),
			},
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
		sem:         semaphore.NewWeighted(int64(max(config.Workers.MaxConcurrent, 1))),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)

	b.config.Discord.httpClient = b.config.HTTPClient
	b.discord = newDiscord(
		b.config.Discord,
		newLogger("discord", b.config.Discord.LogLevel),
	)

	model, err := NewModelClient(
		b.config.Model,
		b.config.HTTPClient,
		nil,
		b.config.Discord.BotName,
	)
	if err != nil {
		errs = append(errs, err)
	} else {
		b.model = model
	}

	tokens, err := newTokenCounter(b.config.Context.TokenEncoding)
	if err != nil {
		errs = append(errs, err)
	}
	b.tokens = tokens

	b.router = NewRouter(
		b.model,
		b.config.Model,
		b.config.Discord.BotName,
		b.config.Context.MaxSummarizeWindow,
		b.logger,
	)

	if b.config.Search.Enabled {
		b.search = NewSearchAdapterFromConfig(b.config.Search, b.config.HTTPClient)
	}
	// empty until Run loads the configured index
	b.index, _ = NewRetrievalIndex(b.model)

	if b.config.API.Enabled {
		b.api = newAPI(b, b.config.API)
	}

	return b, errors.Join(errs...)
}

// Stop signals a running bot to shut down
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Ready receives a value once Run has connected to discord
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

// Run connects everything and handles messages until ctx is canceled or
// Stop is called, then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.config.Validate(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	// workers outlive the runtime context, so in-flight replies can finish
	// during shutdown
	b.workers = newChannelWorkers(
		context.WithoutCancel(ctx),
		b.config.Workers,
		b.handleEvent,
		b.logger,
	)

	g, gctx := errgroup.WithContext(ctx)
	if b.api != nil {
		g.Go(
			func() error {
				err := b.api.Serve(gctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("error serving api: %w", err)
				}
				return nil
			},
		)
	}

	if err := b.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		return errors.Join(err, b.shutdown(ctx), g.Wait())
	}

	select {
	case b.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until the runtime context is canceled (interrupt, or Stop),
	// or the API server fails
	<-gctx.Done()
	return errors.Join(b.shutdown(ctx), g.Wait())
}

// initRun connects to the database and S3, and loads the retrieval index
func (b *Bot) initRun(ctx context.Context) error {
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	if b.config.Storage.Enabled && b.store == nil {
		store, err := NewS3Store(ctx, b.config.Storage)
		if err != nil {
			return err
		}
		b.store = store
	}
	if b.store != nil && b.assets == nil {
		b.assets = NewAssetCatalog(
			b.store,
			b.config.Storage.AssetsPrefix,
			b.config.Storage.AssetVersion,
			b.config.Storage.AssetsCacheTTL,
			b.logger,
		)
	}

	if b.images == nil {
		images, err := imageGeneratorFromConfig(
			b.config.Image,
			b.model,
			b.store,
			b.config.Storage.ImagePrefix,
			b.config.HTTPClient,
			b.logger.With(loggerNameKey, "images"),
		)
		if err != nil {
			return err
		}
		if images != nil {
			b.images = images
		}
	}

	if b.config.Retrieval.Enabled {
		idx, err := LoadIndex(b.config.Retrieval.DataDir, b.model)
		if err != nil {
			return err
		}
		if b.config.Retrieval.VerifyDimensions && idx.Len() > 0 {
			if err = idx.VerifyDimension(ctx); err != nil {
				return err
			}
		}
		b.index = idx
		b.logger.InfoContext(
			ctx,
			"loaded retrieval index",
			"records", idx.Len(),
			"dimension", idx.Dimension(),
		)
	}
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	if b.db == nil {
		if b.config.Database == "" {
			b.logger.WarnContext(ctx, "no database configured, audit log disabled")
			return nil
		}
		dbLogger := newLogger("database", b.config.DatabaseLogLevel)
		db, err := createDB(
			ctx,
			b.config.DatabaseType,
			b.config.Database,
			newGORMLogger(dbLogger.Handler(), b.config.DatabaseSlowThreshold),
		)
		if err != nil {
			return err
		}
		b.db = NewDatabase(db, dbLogger, b.config.DatabaseType == dbTypePostgres)
	}
	if setter, ok := b.model.(interface{ setDB(DBI) }); ok {
		setter.setDB(b.db)
	}
	return nil
}

// initDiscordSession creates the session if needed, builds the components
// that use it, registers handlers and connects to the gateway
func (b *Bot) initDiscordSession(ctx context.Context) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}
	session := b.discord.session

	if b.contexts == nil {
		b.contexts = NewContextBuilder(
			session,
			b.index,
			b.search,
			b.tokens,
			b.config.Context,
			b.config.Retrieval,
			b.logger,
		)
		b.contexts.SetBotUserID(b.discord.BotUserID)
	}
	if b.dispatcher == nil {
		b.dispatcher = NewReplyDispatcher(session, b.db, b.config.Dispatch, b.logger)
	}

	b.discord.removeHandlers()
	b.discord.addHandler(b.discord.handlerConnect())
	b.discord.addHandler(b.discord.handlerDisconnect())
	b.discord.addHandler(b.discord.handlerReady())
	b.discord.addHandler(
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			b.handleMessageCreate(ctx, m)
		},
	)

	b.logger.InfoContext(ctx, "connecting to discord")
	if err := session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// handleMessageCreate turns a gateway message into a ChatEvent, and
// queues it on its channel if it's addressed to the bot
func (b *Bot) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	b.discord.metricMessages.Add(1)

	botUserID := b.discord.BotUserID()
	e := NewChatEvent(m.Message, botUserID)
	if (botUserID != "" && e.AuthorID == botUserID) || !e.addressesBot(b.config.Discord.BotName) {
		return
	}
	b.metricEventsReceived.Add(1)

	if err := b.workers.Enqueue(ctx, e); err != nil {
		b.logger.WarnContext(
			ctx,
			"unable to queue event",
			slog.Group("event", eventLogAttrs(e)...),
			tint.Err(err),
		)
	}
}

// shutdown stops accepting events, lets in-flight events finish until
// ShutdownTimeout, then closes the discord session and API server
func (b *Bot) shutdown(ctx context.Context) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	var errs []error
	if b.discord.session != nil {
		b.discord.removeHandlers()
	}
	if b.workers != nil {
		if err := b.workers.Stop(closeCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if b.discord.session != nil {
		logger.InfoContext(ctx, "closing discord session")
		if err := b.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}
	if b.api != nil {
		logger.InfoContext(ctx, "stopping http server")
		if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
			errs = append(errs, err)
		}
	}

	logger.InfoContext(
		ctx,
		"shutdown complete",
		"shutdown_duration", time.Since(shutdownStart),
	)
	return errors.Join(errs...)
}

// handleRecover logs a recovered panic with its stack trace
func handleRecover(ctx context.Context, fallback *slog.Logger, rc any) {
	logger := getLogger(ctx, fallback)
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

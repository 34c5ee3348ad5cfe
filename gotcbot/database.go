package gotcbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	replyStatusSent     = "sent"
	replyStatusFailed   = "failed"
	replyStatusClaimed  = "claimed"
	columnReplyEventID  = "event_id"
	columnReplyStatus   = "status"
	columnReplyError    = "error"
	columnReplyMessages = "message_ids"
)

var dbOperationTimeout = 30 * time.Second

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// DiscordMessage logs an incoming message the bot handled
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID           string `gorm:"index" json:"message_id"`
	Content             string `json:"content"`
	ChannelID           string `gorm:"index" json:"channel_id"`
	GuildID             string `json:"guild_id"`
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	ReferencedMessageID string `json:"referenced_message_id"`
	Route               string `json:"route"`
}

func NewDiscordMessage(e ChatEvent, route RouteKind) DiscordMessage {
	return DiscordMessage{
		MessageID:           e.ID,
		Content:             e.Content,
		ChannelID:           e.ChannelID,
		GuildID:             e.GuildID,
		UserID:              e.AuthorID,
		Username:            e.AuthorName,
		ReferencedMessageID: e.ReferencedMessageID,
		Route:               string(route),
	}
}

func (m DiscordMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String("user_id", m.UserID),
		slog.String("username", m.Username),
		slog.String("route", m.Route),
	)
}

// ReplyLog records the outcome of dispatching a reply. There is at most
// one row per event.
type ReplyLog struct {
	ModelUintID
	ModelUnixTime
	EventID    string `gorm:"uniqueIndex" json:"event_id"`
	ChannelID  string `json:"channel_id"`
	Status     string `json:"status"`
	Chunks     int    `json:"chunks"`
	MessageIDs string `json:"message_ids"`
	Error      string `json:"error"`
}

// ModelCallLog records a single model backend call
type ModelCallLog struct {
	ModelUintID
	ModelUnixTime
	EventID    string `gorm:"index" json:"event_id"`
	Backend    string `json:"backend"`
	Model      string `json:"model"`
	Operation  string `json:"operation"`
	JSONMode   bool   `json:"json_mode"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)

	// ClaimReply inserts a 'claimed' ReplyLog for the event. It returns
	// false if a row for the event already exists.
	ClaimReply(ctx context.Context, eventID string, channelID string) (bool, error)

	// FinishReply updates the claimed ReplyLog with the dispatch outcome
	FinishReply(ctx context.Context, eventID string, status string, chunks int, messageIDs string, dispatchErr error) error
	Stats(ctx context.Context) (DBStats, error)
}

// DBStats are row counts reported by the status API
type DBStats struct {
	Messages      int64 `json:"messages"`
	RepliesSent   int64 `json:"replies_sent"`
	RepliesFailed int64 `json:"replies_failed"`
	ModelCalls    int64 `json:"model_calls"`
	ModelErrors   int64 `json:"model_errors"`
}

// database implements DBI. When concurrent writes aren't enabled (sqlite),
// writes are serialized with mu.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func withDBTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) ClaimReply(
	ctx context.Context,
	eventID string,
	channelID string,
) (bool, error) {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnReplyEventID}},
			DoNothing: true,
		},
	).Create(
		&ReplyLog{
			EventID:   eventID,
			ChannelID: channelID,
			Status:    replyStatusClaimed,
		},
	)
	if rv.Error != nil {
		return false, rv.Error
	}
	return rv.RowsAffected == 1, nil
}

func (d *database) FinishReply(
	ctx context.Context,
	eventID string,
	status string,
	chunks int,
	messageIDs string,
	dispatchErr error,
) error {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	values := map[string]any{
		columnReplyStatus:   status,
		"chunks":            chunks,
		columnReplyMessages: messageIDs,
	}
	if dispatchErr != nil {
		values[columnReplyError] = dispatchErr.Error()
	}
	return d.db.WithContext(ctx).
		Model(&ReplyLog{}).
		Where(columnReplyEventID+" = ?", eventID).
		Updates(values).Error
}

func (d *database) Stats(ctx context.Context) (DBStats, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var stats DBStats
	db := d.db.WithContext(ctx)
	errs := []error{
		db.Model(&DiscordMessage{}).Count(&stats.Messages).Error,
		db.Model(&ReplyLog{}).
			Where(columnReplyStatus+" = ?", replyStatusSent).
			Count(&stats.RepliesSent).Error,
		db.Model(&ReplyLog{}).
			Where(columnReplyStatus+" = ?", replyStatusFailed).
			Count(&stats.RepliesFailed).Error,
		db.Model(&ModelCallLog{}).Count(&stats.ModelCalls).Error,
		db.Model(&ModelCallLog{}).
			Where(columnReplyError+" <> ''").
			Count(&stats.ModelErrors).Error,
	}
	return stats, errors.Join(errs...)
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and migrates the audit tables.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
) (*gorm.DB, error) {
	logger := newLogger("database", slog.LevelWarn)
	return createDB(
		ctx,
		databaseType,
		database,
		newGORMLogger(logger.Handler(), DefaultDatabaseSlowThreshold),
	)
}

func createDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormLogger.logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(
				&DiscordMessage{},
				&ReplyLog{},
				&ModelCallLog{},
			)
		},
	)
	if err != nil {
		return db, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: logger for database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		if parentDir := filepath.Dir(database); parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

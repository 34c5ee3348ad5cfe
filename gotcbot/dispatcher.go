package gotcbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	dispatchClaimTTL       = time.Hour
	dispatchClaimPruneSize = 1024
)

var errEmptyReply = errors.New("reply has no text or image")

// Reply is what a handler wants posted for an event
type Reply struct {
	Text string

	// ImageURL is appended on its own line, and left embeddable
	ImageURL string

	// Links are appended one per line after Text, and left embeddable
	Links []string

	// Image, when it has Data, is attached as a file
	Image *GeneratedImage
}

// MessagePoster posts channel messages. *discordgo.Session satisfies it.
type MessagePoster interface {
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// ReplyDispatcher posts replies, at most once per event. Posting isn't
// retried: a failed post is logged and recorded, and the event is still
// considered dispatched.
type ReplyDispatcher struct {
	poster        MessagePoster
	db            DBI
	maxLength     int
	preventEmbeds bool
	logger        *slog.Logger

	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewReplyDispatcher(
	poster MessagePoster,
	db DBI,
	config *DispatchConfig,
	logger *slog.Logger,
) *ReplyDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	maxLength := config.MaxMessageLength
	if maxLength <= 0 || maxLength > DefaultDiscordMaxMessageLen {
		maxLength = DefaultDiscordMaxMessageLen
	}
	return &ReplyDispatcher{
		poster:        poster,
		db:            db,
		maxLength:     maxLength,
		preventEmbeds: config.PreventEmbeds,
		logger:        logger.With(loggerNameKey, "dispatcher"),
		claims:        map[string]time.Time{},
		now:           time.Now,
	}
}

// claim marks eventID as dispatched, returning false if it already was
func (d *ReplyDispatcher) claim(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if _, ok := d.claims[eventID]; ok {
		return false
	}
	if len(d.claims) >= dispatchClaimPruneSize {
		for id, t := range d.claims {
			if now.Sub(t) > dispatchClaimTTL {
				delete(d.claims, id)
			}
		}
	}
	d.claims[eventID] = now
	return true
}

// Dispatch formats and posts reply for e. A second call for the same
// event posts nothing and returns ErrAlreadyDispatched.
func (d *ReplyDispatcher) Dispatch(ctx context.Context, e ChatEvent, reply Reply) error {
	logger := getLogger(ctx, d.logger)

	if !d.claim(e.ID) {
		logger.WarnContext(ctx, "reply already dispatched", eventLogAttrs(e)...)
		return ErrAlreadyDispatched
	}
	if d.db != nil {
		claimed, err := d.db.ClaimReply(ctx, e.ID, e.ChannelID)
		switch {
		case err != nil:
			logger.ErrorContext(ctx, "error recording reply claim", tint.Err(err))
		case !claimed:
			logger.WarnContext(ctx, "reply already recorded for event", eventLogAttrs(e)...)
			return ErrAlreadyDispatched
		}
	}

	messages := d.format(e, reply)
	if len(messages) == 0 {
		d.finish(ctx, e, replyStatusFailed, 0, nil, errEmptyReply)
		return errEmptyReply
	}

	var sentIDs []string
	for i, m := range messages {
		msg, err := d.poster.ChannelMessageSendComplex(
			e.ChannelID,
			m,
			discordgo.WithRestRetries(0),
			discordgo.WithContext(ctx),
		)
		if err != nil {
			err = &UpstreamError{Service: "discord", Err: err}
			logger.ErrorContext(
				ctx,
				"error posting reply",
				"chunk", i+1,
				"chunks", len(messages),
				tint.Err(err),
			)
			d.finish(ctx, e, replyStatusFailed, len(messages), sentIDs, err)
			return err
		}
		if msg != nil {
			sentIDs = append(sentIDs, msg.ID)
		}
	}
	d.finish(ctx, e, replyStatusSent, len(messages), sentIDs, nil)
	logger.InfoContext(ctx, "reply posted", "chunks", len(messages))
	return nil
}

func (d *ReplyDispatcher) finish(
	ctx context.Context,
	e ChatEvent,
	status string,
	chunks int,
	messageIDs []string,
	dispatchErr error,
) {
	if d.db == nil {
		return
	}
	err := d.db.FinishReply(
		context.WithoutCancel(ctx),
		e.ID,
		status,
		chunks,
		strings.Join(messageIDs, ","),
		dispatchErr,
	)
	if err != nil {
		getLogger(ctx, d.logger).ErrorContext(ctx, "error recording reply", tint.Err(err))
	}
}

// format splits the reply into discord messages. The first message
// replies to the event, and an image attachment goes on the last one.
func (d *ReplyDispatcher) format(e ChatEvent, reply Reply) []*discordgo.MessageSend {
	text := strings.TrimSpace(reply.Text)
	keep := reply.Links
	if reply.ImageURL != "" {
		keep = append(keep[:len(keep):len(keep)], reply.ImageURL)
	}
	if d.preventEmbeds {
		text = wrapURLs(text, keep...)
	}
	for _, link := range keep {
		if !strings.Contains(text, link) {
			text = strings.TrimSpace(text + "\n" + link)
		}
	}

	var messages []*discordgo.MessageSend
	for _, chunk := range splitMessage(text, d.maxLength) {
		messages = append(
			messages, &discordgo.MessageSend{
				Content:         chunk,
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
		)
	}

	if reply.Image != nil && len(reply.Image.Data) > 0 {
		if len(messages) == 0 {
			messages = append(messages, &discordgo.MessageSend{})
		}
		last := messages[len(messages)-1]
		last.Files = append(
			last.Files, &discordgo.File{
				Name:        reply.Image.Filename,
				ContentType: reply.Image.ContentType,
				Reader:      bytes.NewReader(reply.Image.Data),
			},
		)
	}

	if len(messages) > 0 && e.ID != "" {
		failIfNotExists := false
		messages[0].Reference = &discordgo.MessageReference{
			MessageID:       e.ID,
			ChannelID:       e.ChannelID,
			GuildID:         e.GuildID,
			FailIfNotExists: &failIfNotExists,
		}
	}
	return messages
}

func (r Reply) String() string {
	return fmt.Sprintf("Reply(text=%d chars, image_url=%q)", len(r.Text), r.ImageURL)
}

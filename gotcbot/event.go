package gotcbot

import (
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
}

// ChatEvent is an incoming channel message, normalized from a discord
// message. It isn't modified after creation.
type ChatEvent struct {
	ID        string
	AuthorID  string
	ChannelID string
	GuildID   string
	Content   string
	Timestamp time.Time

	// AuthorName is the display name, AuthorUsername the account name
	AuthorName     string
	AuthorUsername string

	// ImageURLs are the URLs of image attachments
	ImageURLs []string

	// Mentions maps mentioned user IDs to display names
	Mentions map[string]string

	// AuthorIsBot is set for messages from bots, including ourselves
	AuthorIsBot bool

	MentionsEveryone bool

	// MentionsBot is set when the message @mentions the bot user
	MentionsBot bool

	// ReplyToBot is set when the message is a reply to one of the bot's
	// messages. ReferencedContent is then the content of that message.
	ReplyToBot          bool
	ReferencedContent   string
	ReferencedMessageID string
}

func (e ChatEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", e.ID),
		slog.String("channel_id", e.ChannelID),
		slog.String("author_id", e.AuthorID),
		slog.String("author_name", e.AuthorName),
		slog.Time("timestamp", e.Timestamp),
		slog.Int("images", len(e.ImageURLs)),
	)
}

// NewChatEvent builds a ChatEvent from a discord message. botUserID is
// the bot's own user ID, used to set MentionsBot and ReplyToBot.
func NewChatEvent(m *discordgo.Message, botUserID string) ChatEvent {
	e := ChatEvent{
		ID:               m.ID,
		ChannelID:        m.ChannelID,
		GuildID:          m.GuildID,
		Content:          m.Content,
		Timestamp:        m.Timestamp.UTC(),
		MentionsEveryone: m.MentionEveryone,
		MentionsBot:      messageMentionsUser(m, botUserID),
	}
	if m.Author != nil {
		e.AuthorID = m.Author.ID
		e.AuthorIsBot = m.Author.Bot
		e.AuthorName = displayName(m.Author, m.Member)
		e.AuthorUsername = m.Author.Username
	}

	if len(m.Mentions) > 0 {
		e.Mentions = make(map[string]string, len(m.Mentions))
		for _, u := range m.Mentions {
			if u == nil {
				continue
			}
			e.Mentions[u.ID] = displayName(u, nil)
		}
	}

	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		if isImageAttachment(a) {
			e.ImageURLs = append(e.ImageURLs, a.URL)
		}
	}

	if ref := m.ReferencedMessage; ref != nil {
		e.ReferencedMessageID = ref.ID
		if ref.Author != nil && botUserID != "" && ref.Author.ID == botUserID {
			e.ReplyToBot = true
			e.ReferencedContent = ref.Content
		}
	} else if m.MessageReference != nil {
		e.ReferencedMessageID = m.MessageReference.MessageID
	}
	return e
}

// CleanContent returns the message content with mentions replaced by
// display names and surrounding whitespace removed
func (e ChatEvent) CleanContent() string {
	return strings.TrimSpace(replaceMentions(e.Content, e.Mentions))
}

// addressesBot reports whether the event should be handled at all: the
// bot is mentioned or replied to, the bot's name appears as a word, or the
// message is a `!` command. Bot authors and @everyone are ignored.
func (e ChatEvent) addressesBot(botName string) bool {
	if e.AuthorIsBot || e.MentionsEveryone {
		return false
	}
	if e.MentionsBot || e.ReplyToBot {
		return true
	}
	content := strings.TrimSpace(e.Content)
	if strings.HasPrefix(content, commandPrefix) && len(content) > 1 {
		return true
	}
	return containsWord(content, botName)
}

func containsWord(s string, word string) bool {
	if word == "" {
		return false
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func displayName(u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func isImageAttachment(a *discordgo.MessageAttachment) bool {
	if strings.HasPrefix(a.ContentType, "image/") {
		return true
	}
	return imageExtensions[strings.ToLower(path.Ext(a.Filename))]
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID via @
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil || userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

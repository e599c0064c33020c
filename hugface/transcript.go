package hugface

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

const (
	roleUser      = openai.ChatMessageRoleUser
	roleAssistant = openai.ChatMessageRoleAssistant

	// chatCommandPrefix is stripped from user messages, so "chat hello"
	// (ex: "@bot chat hello") is sent as "hello"
	chatCommandPrefix = "chat "
)

var (
	userMentionPattern = regexp.MustCompile(`<@!?(\d+)>`)
	massMentionEscaper = strings.NewReplacer(
		"@everyone", "@\u200beveryone",
		"@here", "@\u200bhere",
	)
)

// TranscriptEntry is a single chat message sent to the model
type TranscriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageResolver fetches a message that a reply refers to, when the
// gateway payload didn't include it
type MessageResolver interface {
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// TranscriptBuilder turns a message and the reply chain above it into
// an ordered, role-tagged transcript (oldest first).
type TranscriptBuilder struct {
	resolver MessageResolver

	// maxHops bounds how many messages are walked, including the
	// triggering message
	maxHops int

	// maxChars bounds the total content length. Oldest entries are
	// dropped first. 0=unlimited
	maxChars int

	logger *slog.Logger
}

func newTranscriptBuilder(
	resolver MessageResolver,
	config *TranscriptConfig,
	logger *slog.Logger,
) *TranscriptBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TranscriptBuilder{
		resolver: resolver,
		maxHops:  DefaultTranscriptMaxHops,
		maxChars: DefaultTranscriptMaxChars,
		logger:   logger,
	}
	if config != nil {
		t.maxHops = config.MaxHops
		t.maxChars = config.MaxChars
	}
	if t.maxHops < 1 {
		t.maxHops = 1
	}
	return t
}

// Build returns the transcript ending with m. If overrideText is
// non-empty, it's used as the content of m in place of the message's
// own content. botDisplayName is the bot's name as rendered in m's
// channel (its nickname, in guilds).
func (t *TranscriptBuilder) Build(
	ctx context.Context,
	bot *botIdentity,
	botDisplayName string,
	m *discordgo.Message,
	overrideText string,
) []TranscriptEntry {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = t.logger
	}

	// newest first
	chain := []*discordgo.Message{m}
	seen := map[string]bool{m.ID: true}

	current := m
	for len(chain) < t.maxHops {
		parent := t.parent(ctx, logger, current)
		if parent == nil {
			break
		}
		if parent.ID != "" && seen[parent.ID] {
			logger.WarnContext(ctx, "reply chain loops, stopping", "message_id", parent.ID)
			break
		}
		seen[parent.ID] = true
		chain = append(chain, parent)
		current = parent
	}
	if len(chain) == t.maxHops && hasParent(current) {
		logger.InfoContext(
			ctx,
			"reply chain exceeds max hops, oldest messages omitted",
			"max_hops", t.maxHops,
		)
	}

	entries := make([]TranscriptEntry, len(chain))
	for i, msg := range chain {
		override := ""
		if i == 0 {
			override = overrideText
		}
		entries[len(chain)-1-i] = transcriptEntry(bot, botDisplayName, msg, override)
	}

	return trimTranscript(entries, t.maxChars)
}

// parent returns the message m replies to, or nil if m isn't a reply or
// the referenced message can't be retrieved
func (t *TranscriptBuilder) parent(
	ctx context.Context,
	logger *slog.Logger,
	m *discordgo.Message,
) *discordgo.Message {
	if m.ReferencedMessage != nil {
		return m.ReferencedMessage
	}
	ref := m.MessageReference
	if ref == nil || ref.MessageID == "" || t.resolver == nil {
		return nil
	}
	channelID := ref.ChannelID
	if channelID == "" {
		channelID = m.ChannelID
	}
	fetched, err := t.resolver.ChannelMessage(
		channelID,
		ref.MessageID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(
			ctx,
			"unable to fetch referenced message, ending transcript",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", ref.MessageID,
		)
		return nil
	}
	return fetched
}

func hasParent(m *discordgo.Message) bool {
	return m.ReferencedMessage != nil ||
		(m.MessageReference != nil && m.MessageReference.MessageID != "")
}

// transcriptEntry derives the role and content for a single message.
//
// When the raw content mentions the bot at the start of a line, the first
// len(botDisplayName)+2 characters of the content are dropped, which
// removes a leading "@<name> ". A leading "chat " is then removed from
// user messages.
func transcriptEntry(
	bot *botIdentity,
	botDisplayName string,
	m *discordgo.Message,
	overrideText string,
) TranscriptEntry {
	role := roleUser
	if m.Author != nil && m.Author.ID == bot.ID() {
		role = roleAssistant
	}

	content := overrideText
	if content == "" {
		content = cleanContent(m, bot, botDisplayName)
	}

	if bot.mentionedAtLineStart(m.Content) {
		content = dropRunes(content, utf8.RuneCountInString(botDisplayName)+2)
	}

	if role == roleUser && strings.HasPrefix(content, chatCommandPrefix) {
		content = content[len(chatCommandPrefix):]
	}
	return TranscriptEntry{Role: role, Content: content}
}

// cleanContent renders user mentions as "@<display name>" and defuses
// @everyone/@here. Mentions of users not present in the message's
// mention list are left as-is.
func cleanContent(m *discordgo.Message, bot *botIdentity, botDisplayName string) string {
	names := make(map[string]string, len(m.Mentions)+1)
	for _, u := range m.Mentions {
		if u != nil {
			names[u.ID] = userDisplayName(u)
		}
	}
	names[bot.ID()] = botDisplayName

	content := userMentionPattern.ReplaceAllStringFunc(
		m.Content, func(s string) string {
			id := userMentionPattern.FindStringSubmatch(s)[1]
			if name, ok := names[id]; ok {
				return "@" + name
			}
			return s
		},
	)
	return massMentionEscaper.Replace(content)
}

// trimTranscript drops the oldest entries until the total content length
// is at most maxChars. The newest entry is always kept.
func trimTranscript(entries []TranscriptEntry, maxChars int) []TranscriptEntry {
	if maxChars <= 0 {
		return entries
	}
	total := 0
	for _, e := range entries {
		total += utf8.RuneCountInString(e.Content)
	}
	for total > maxChars && len(entries) > 1 {
		total -= utf8.RuneCountInString(entries[0].Content)
		entries = entries[1:]
	}
	return entries
}

// userDisplayName returns the user's global display name, falling back
// to their username
func userDisplayName(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

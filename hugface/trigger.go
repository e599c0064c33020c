package hugface

import (
	"fmt"
	"regexp"

	"github.com/bwmarrin/discordgo"
)

type trigger string

const (
	triggerNone    trigger = ""
	triggerMention trigger = "mention"
	triggerReply   trigger = "reply"
	triggerCommand trigger = "command"
)

// botIdentity is the bot's own user, as reported by the gateway on ready
type botIdentity struct {
	User *discordgo.User

	// mention matches a mention of the bot (including the legacy
	// nickname form) at the start of any line
	mention *regexp.Regexp
}

func newBotIdentity(u *discordgo.User) *botIdentity {
	return &botIdentity{
		User: u,
		mention: regexp.MustCompile(
			fmt.Sprintf(`(?m)^<@!?%s>`, regexp.QuoteMeta(u.ID)),
		),
	}
}

func (b *botIdentity) ID() string {
	return b.User.ID
}

// mentionedAtLineStart reports whether the raw (not cleaned) content
// mentions the bot at the start of a line
func (b *botIdentity) mentionedAtLineStart(content string) bool {
	return b.mention.MatchString(content)
}

// detectTrigger returns which trigger, if any, the message satisfies.
//
// Messages from the bot itself, or from any other bot, never trigger. A
// mention counts only at the start of a line. A reply counts only when it
// replies to one of the bot's own messages and also mentions the bot.
func detectTrigger(m *discordgo.Message, settings Settings, bot *botIdentity) trigger {
	if m == nil || m.Author == nil || bot == nil {
		return triggerNone
	}
	if m.Author.ID == bot.ID() || m.Author.Bot {
		return triggerNone
	}
	if !settings.MentionEnabled && !settings.ReplyEnabled {
		return triggerNone
	}

	if settings.MentionEnabled && bot.mentionedAtLineStart(m.Content) {
		return triggerMention
	}

	if settings.ReplyEnabled && isReplyToBot(m, bot.ID()) {
		return triggerReply
	}
	return triggerNone
}

// shouldTrigger reports whether the message should be relayed to the model
func shouldTrigger(m *discordgo.Message, settings Settings, bot *botIdentity) bool {
	return detectTrigger(m, settings, bot) != triggerNone
}

func isReplyToBot(m *discordgo.Message, botID string) bool {
	ref := m.ReferencedMessage
	if ref == nil || ref.Author == nil || ref.Author.ID != botID {
		return false
	}
	return messageMentionsUser(m, botID)
}

package hugface

import (
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestDetectTrigger(t *testing.T) {
	bot := newBotIdentity(testBotUser())
	botMessage := &discordgo.Message{ID: "1", Author: testBotUser(), Content: "earlier reply"}
	otherMessage := &discordgo.Message{ID: "2", Author: &discordgo.User{ID: "201"}}

	enabled := DefaultSettings()
	mentionOnly := DefaultSettings()
	mentionOnly.ReplyEnabled = false
	replyOnly := DefaultSettings()
	replyOnly.MentionEnabled = false
	disabled := DefaultSettings()
	disabled.MentionEnabled = false
	disabled.ReplyEnabled = false

	tests := []struct {
		name     string
		msg      *discordgo.Message
		settings Settings
		expected trigger
	}{
		{
			name:     "mention at start",
			msg:      mentionMessage("10", fmt.Sprintf("<@%s> hi", testBotID)),
			settings: enabled,
			expected: triggerMention,
		},
		{
			name:     "nickname mention at start",
			msg:      mentionMessage("10", fmt.Sprintf("<@!%s> hi", testBotID)),
			settings: enabled,
			expected: triggerMention,
		},
		{
			name:     "mention at start of second line",
			msg:      mentionMessage("10", fmt.Sprintf("first line\n<@%s> hi", testBotID)),
			settings: enabled,
			expected: triggerMention,
		},
		{
			name:     "mention mid-line",
			msg:      mentionMessage("10", fmt.Sprintf("hi <@%s>", testBotID)),
			settings: enabled,
			expected: triggerNone,
		},
		{
			name:     "mention of a different user",
			msg:      mentionMessage("10", "<@1000> hi"),
			settings: enabled,
			expected: triggerNone,
		},
		{
			name:     "mention disabled",
			msg:      mentionMessage("10", fmt.Sprintf("<@%s> hi", testBotID)),
			settings: replyOnly,
			expected: triggerNone,
		},
		{
			name: "reply to bot with ping",
			msg: &discordgo.Message{
				ID:                "10",
				Content:           "thanks",
				Author:            testUser(),
				Mentions:          []*discordgo.User{testBotUser()},
				ReferencedMessage: botMessage,
			},
			settings: enabled,
			expected: triggerReply,
		},
		{
			name: "reply to bot without ping",
			msg: &discordgo.Message{
				ID:                "10",
				Content:           "thanks",
				Author:            testUser(),
				ReferencedMessage: botMessage,
			},
			settings: enabled,
			expected: triggerNone,
		},
		{
			name: "reply to someone else",
			msg: &discordgo.Message{
				ID:                "10",
				Content:           "thanks",
				Author:            testUser(),
				Mentions:          []*discordgo.User{testBotUser()},
				ReferencedMessage: otherMessage,
			},
			settings: enabled,
			expected: triggerNone,
		},
		{
			name: "reply disabled",
			msg: &discordgo.Message{
				ID:                "10",
				Content:           "thanks",
				Author:            testUser(),
				Mentions:          []*discordgo.User{testBotUser()},
				ReferencedMessage: botMessage,
			},
			settings: mentionOnly,
			expected: triggerNone,
		},
		{
			name: "both disabled",
			msg: &discordgo.Message{
				ID:                "10",
				Content:           fmt.Sprintf("<@%s> thanks", testBotID),
				Author:            testUser(),
				Mentions:          []*discordgo.User{testBotUser()},
				ReferencedMessage: botMessage,
			},
			settings: disabled,
			expected: triggerNone,
		},
		{
			name: "own message",
			msg: &discordgo.Message{
				ID:       "10",
				Content:  fmt.Sprintf("<@%s> hi", testBotID),
				Author:   testBotUser(),
				Mentions: []*discordgo.User{testBotUser()},
			},
			settings: enabled,
			expected: triggerNone,
		},
		{
			name: "other bot",
			msg: &discordgo.Message{
				ID:       "10",
				Content:  fmt.Sprintf("<@%s> hi", testBotID),
				Author:   &discordgo.User{ID: "201", Bot: true},
				Mentions: []*discordgo.User{testBotUser()},
			},
			settings: enabled,
			expected: triggerNone,
		},
		{
			name:     "no author",
			msg:      &discordgo.Message{ID: "10", Content: fmt.Sprintf("<@%s> hi", testBotID)},
			settings: enabled,
			expected: triggerNone,
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.expected, detectTrigger(tt.msg, tt.settings, bot))
				assert.Equal(
					t,
					tt.expected != triggerNone,
					shouldTrigger(tt.msg, tt.settings, bot),
				)
			},
		)
	}
}

func TestDetectTrigger_NilBot(t *testing.T) {
	msg := mentionMessage("10", fmt.Sprintf("<@%s> hi", testBotID))
	assert.Equal(t, triggerNone, detectTrigger(msg, DefaultSettings(), nil))
	assert.Equal(t, triggerNone, detectTrigger(nil, DefaultSettings(), newBotIdentity(testBotUser())))
}

func TestMessageMentionsUser(t *testing.T) {
	msg := &discordgo.Message{
		Mentions: []*discordgo.User{nil, {ID: "1"}, {ID: testBotID}},
	}
	assert.True(t, messageMentionsUser(msg, testBotID))
	assert.False(t, messageMentionsUser(msg, "2"))
	assert.False(t, messageMentionsUser(nil, testBotID))
}

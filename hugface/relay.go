package hugface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	relayModelNotSet     = "HF model not set."
	relayMaxTokensNotSet = "HF max_tokens not set."
)

// RelayLog records a single attempt to relay a message to the model,
// whether or not a completion was requested.
type RelayLog struct {
	ModelUintID
	ModelUnixTime

	MessageID string `gorm:"index" json:"message_id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	UserID    string `gorm:"index" json:"user_id"`
	Trigger   string `json:"trigger"`

	Model            string `json:"model,omitempty"`
	MaxTokens        int    `json:"max_tokens,omitempty"`
	TranscriptLength int    `json:"transcript_length"`

	// Request is the JSON-encoded completion request
	Request string `json:"request,omitempty"`

	// Reply is the text posted back to the channel
	Reply   string `json:"reply,omitempty"`
	Outcome string `gorm:"index" json:"outcome"`
	Error   string `json:"error,omitempty"`

	StartedAt int64 `json:"started_at"`
	EndedAt   int64 `json:"ended_at"`
}

func (r RelayLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", r.MessageID),
		slog.String("channel_id", r.ChannelID),
		slog.String("trigger", r.Trigger),
		slog.String("model", r.Model),
		slog.Int("transcript_length", r.TranscriptLength),
		slog.String("outcome", r.Outcome),
	)
}

func newRelayLog(m *discordgo.Message, t trigger) *RelayLog {
	r := &RelayLog{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Trigger:   string(t),
		StartedAt: time.Now().UnixMilli(),
	}
	if m.Author != nil {
		r.UserID = m.Author.ID
	}
	return r
}

func (r *RelayLog) fail(o outcome, err error) {
	r.Outcome = string(o)
	if err != nil {
		r.Error = err.Error()
	}
}

// apiKeyNotSetMessage is the hint sent when no API key is stored.
// prefix is the command prefix the user invoked the bot with.
func apiKeyNotSetMessage(prefix string) string {
	if prefix == "" {
		prefix = "[p]"
	}
	return fmt.Sprintf(
		"HF API key not set. Use `%sset api openai api_key <value>`.\n"+
			"An API key may be acquired from: huggingface.",
		prefix,
	)
}

// relay sends the transcript ending with m to the model and posts the
// result as a reply to m. overrideText, if set, replaces the content of m
// (used by the chat command).
//
// Every path ends in exactly one message to the channel, except when the
// message itself can't be delivered.
func (h *HugFace) relay(
	ctx context.Context,
	bot *botIdentity,
	m *discordgo.Message,
	t trigger,
	overrideText string,
) {
	logger := h.contextLogger(ctx).With("trigger", t)
	ctx = WithLogger(ctx, logger)

	record := newRelayLog(m, t)
	h.relaysInProgress.Add(1)
	h.metrics.relayStarted()
	defer func() {
		h.relaysInProgress.Add(-1)
		record.EndedAt = time.Now().UnixMilli()
		h.metrics.relayFinished(t, outcome(record.Outcome))
		h.saveRelayLog(ctx, record)
	}()

	if err := h.discord.session.ChannelTyping(
		m.ChannelID,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.DebugContext(ctx, "unable to send typing indicator", tint.Err(err))
	}

	settings, err := h.settings.Settings(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error loading settings", tint.Err(err))
		record.fail(outcomeSettingsError, err)
		h.sendHint(ctx, m, record, DefaultDiscordErrorMessage)
		return
	}
	apiKey, err := h.settings.APIKey(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error loading api key", tint.Err(err))
		record.fail(outcomeSettingsError, err)
		h.sendHint(ctx, m, record, DefaultDiscordErrorMessage)
		return
	}

	if apiKey == "" {
		logger.WarnContext(ctx, "api key not set")
		record.fail(outcomeMissingAPIKey, nil)
		h.sendHint(ctx, m, record, apiKeyNotSetMessage(h.config.Discord.CommandPrefix))
		return
	}
	record.Model = settings.Model
	record.MaxTokens = settings.MaxTokens
	if settings.Model == "" {
		record.fail(outcomeMissingConfig, nil)
		h.sendHint(ctx, m, record, relayModelNotSet)
		return
	}
	if settings.MaxTokens <= 0 {
		record.fail(outcomeMissingConfig, nil)
		h.sendHint(ctx, m, record, relayMaxTokensNotSet)
		return
	}

	displayName := h.discord.botDisplayName(ctx, bot, m)
	entries := h.transcript.Build(ctx, bot, displayName, m, overrideText)
	record.TranscriptLength = len(entries)

	result := h.inference.complete(
		ctx,
		entries,
		settings.Model,
		apiKey,
		settings.MaxTokens,
	)
	if data, jsonErr := json.Marshal(result.Request); jsonErr == nil {
		record.Request = string(data)
	}
	record.fail(result.Outcome, result.Err)

	reply := truncateReply(result.Reply, discordMaxMessageLength)
	record.Reply = reply
	if _, err = h.discord.reply(ctx, m, reply); err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
		record.fail(outcomeDeliveryFailed, err)
		return
	}
	logger.InfoContext(ctx, "relayed message", "relay", record)
}

// sendHint posts a configuration or error message in place of a reply
func (h *HugFace) sendHint(
	ctx context.Context,
	m *discordgo.Message,
	record *RelayLog,
	content string,
) {
	record.Reply = content
	if _, err := h.discord.send(ctx, m.ChannelID, content); err != nil {
		h.contextLogger(ctx).ErrorContext(ctx, "error sending message", tint.Err(err))
		if record.Error == "" {
			record.Error = err.Error()
		}
	}
}

// saveRelayLog persists the record. Failures are logged and otherwise
// ignored.
func (h *HugFace) saveRelayLog(ctx context.Context, record *RelayLog) {
	if h.writeDB == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
	defer cancel()
	if _, err := h.writeDB.Create(saveCtx, record); err != nil {
		h.logger.ErrorContext(ctx, "error saving relay log", tint.Err(err))
	}
}

// RecentRelays returns up to limit relay logs, newest first
func (h *HugFace) RecentRelays(ctx context.Context, limit int) ([]RelayLog, error) {
	var logs []RelayLog
	err := h.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("error loading relay logs: %w", err)
	}
	return logs, nil
}

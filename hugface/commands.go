package hugface

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	CommandGetModel      = "gethfmodel"
	CommandSetModel      = "sethfmodel"
	CommandGetMaxTokens  = "gethftokens"
	CommandSetMaxTokens  = "sethftokens"
	CommandToggleMention = "togglehfmention"
	CommandToggleReply   = "togglehfreply"
	CommandSet           = "set"
	CommandHuggingFace   = "huggingface"
	CommandChat          = "chat"

	setAPISubcommand = "api"
	setAPIUsage      = "api <service> <name> <value>"

	invalidMaxTokensMessage = "Invalid numeric value for maximum number of tokens."
)

// commandHandler runs a parsed command and returns the message to send
// back to the channel. An empty response sends nothing.
type commandHandler func(
	ctx context.Context,
	h *HugFace,
	bot *botIdentity,
	m *discordgo.Message,
	args string,
) (string, error)

type textCommand struct {
	ownerOnly bool
	usage     string
	handler   commandHandler
}

var textCommands = map[string]textCommand{
	CommandGetModel: {
		ownerOnly: true,
		handler:   runGetModel,
	},
	CommandSetModel: {
		ownerOnly: true,
		usage:     "<model>",
		handler:   runSetModel,
	},
	CommandGetMaxTokens: {
		ownerOnly: true,
		handler:   runGetMaxTokens,
	},
	CommandSetMaxTokens: {
		ownerOnly: true,
		usage:     "<number>",
		handler:   runSetMaxTokens,
	},
	CommandToggleMention: {
		ownerOnly: true,
		handler:   runToggleMention,
	},
	CommandToggleReply: {
		ownerOnly: true,
		handler:   runToggleReply,
	},
	CommandSet: {
		ownerOnly: true,
		usage:     setAPIUsage,
		handler:   runSetAPI,
	},
	CommandHuggingFace: {
		usage:   "<message>",
		handler: runChat,
	},
	CommandChat: {
		usage:   "<message>",
		handler: runChat,
	},
}

// parseCommand splits a prefixed message into a command name and its
// arguments. ok is false if content doesn't start with the prefix or
// names an unknown command.
func parseCommand(content string, prefix string) (name string, args string, ok bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", "", false
	}
	rest := content[len(prefix):]
	end := strings.IndexFunc(rest, unicode.IsSpace)
	if end == -1 {
		name, args = rest, ""
	} else {
		name, args = rest[:end], strings.TrimSpace(rest[end:])
	}
	if _, known := textCommands[name]; !known {
		return "", "", false
	}

	// only the `set api` group is handled here
	if name == CommandSet {
		sub, _ := splitFirstArg(args)
		if sub != setAPISubcommand {
			return "", "", false
		}
	}
	return name, args, true
}

// splitFirstArg returns the first whitespace-delimited word of s, and
// what follows it
func splitFirstArg(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	end := strings.IndexFunc(s, unicode.IsSpace)
	if end == -1 {
		return s, ""
	}
	return s[:end], strings.TrimSpace(s[end:])
}

// handleCommand runs m as a text command, if it is one. Returns false if
// m isn't a known command, in which case it should be evaluated as a
// trigger instead.
func (h *HugFace) handleCommand(
	ctx context.Context,
	bot *botIdentity,
	m *discordgo.Message,
) bool {
	name, args, ok := parseCommand(m.Content, h.config.Discord.CommandPrefix)
	if !ok {
		return false
	}
	cmd := textCommands[name]

	logger := h.contextLogger(ctx).With("command", name)
	ctx = WithLogger(ctx, logger)

	if cmd.ownerOnly && !h.discord.IsOwner(m.Author.ID) {
		logger.WarnContext(ctx, "ignoring owner-only command from non-owner")
		return true
	}
	h.metrics.commandHandled(name)

	if cmd.usage != "" && args == "" {
		h.respond(ctx, m, commandUsage(h.config.Discord.CommandPrefix, name, cmd.usage))
		return true
	}

	response, err := cmd.handler(ctx, h, bot, m, args)
	if err != nil {
		logger.ErrorContext(ctx, "error running command", tint.Err(err))
		if response == "" {
			response = DefaultDiscordErrorMessage
		}
	}
	if response != "" {
		h.respond(ctx, m, response)
	}
	return true
}

func (h *HugFace) respond(ctx context.Context, m *discordgo.Message, content string) {
	if _, err := h.discord.send(ctx, m.ChannelID, content); err != nil {
		h.contextLogger(ctx).ErrorContext(ctx, "error sending command response", tint.Err(err))
	}
}

func commandUsage(prefix, name, usage string) string {
	return fmt.Sprintf("Usage: `%s%s %s`", prefix, name, usage)
}

func runGetModel(
	ctx context.Context,
	h *HugFace,
	_ *botIdentity,
	_ *discordgo.Message,
	_ string,
) (string, error) {
	settings, err := h.settings.Settings(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("HF model set to `%s`", settings.Model), nil
}

func runSetModel(
	ctx context.Context,
	h *HugFace,
	_ *botIdentity,
	_ *discordgo.Message,
	args string,
) (string, error) {
	model, _ := splitFirstArg(args)
	if _, err := h.settings.SetModel(ctx, model); err != nil {
		if errors.Is(err, ErrInvalidSettings) {
			return "Invalid model name.", nil
		}
		return "", err
	}
	return "HF model set.", nil
}

func runGetMaxTokens(
	ctx context.Context,
	h *HugFace,
	_ *botIdentity,
	_ *discordgo.Message,
	_ string,
) (string, error) {
	settings, err := h.settings.Settings(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("HF maximum number of tokens set to `%d`", settings.MaxTokens), nil
}

func runSetMaxTokens(
	ctx context.Context,
	h *HugFace,
	_ *botIdentity,
	_ *discordgo.Message,
	args string,
) (string, error) {
	number, _ := splitFirstArg(args)
	n, err := strconv.Atoi(number)
	if err != nil || n <= 0 {
		return invalidMaxTokensMessage, nil
	}
	if _, err = h.settings.SetMaxTokens(ctx, n); err != nil {
		if errors.Is(err, ErrInvalidSettings) {
			return invalidMaxTokensMessage, nil
		}
		return "", err
	}
	return "HF maximum number of tokens set.", nil
}

func runToggleMention(
	ctx context.Context,
	h *HugFace,
	_ *botIdentity,
	_ *discordgo.Message,
	_ string,
) (string, error) {
	enabled, err := h.settings.ToggleMention(ctx)
	if err != nil {
		return "", err
	}
	return toggleResponse(enabled, "mention"), nil
}

func runToggleReply(
	ctx context.Context,
	h *HugFace,
	_ *botIdentity,
	_ *discordgo.Message,
	_ string,
) (string, error) {
	enabled, err := h.settings.ToggleReply(ctx)
	if err != nil {
		return "", err
	}
	return toggleResponse(enabled, "reply"), nil
}

func toggleResponse(enabled bool, on string) string {
	if enabled {
		return fmt.Sprintf("Enabled sending messages to HF on bot %s.", on)
	}
	return fmt.Sprintf("Disabled sending messages to HF on bot %s.", on)
}

// runSetAPI stores one or more shared API tokens:
//
//	set api <service> <name> <value> [<name> <value>...]
//
// In guilds, the invoking message is deleted first, since it contains
// the secret.
func runSetAPI(
	ctx context.Context,
	h *HugFace,
	_ *botIdentity,
	m *discordgo.Message,
	args string,
) (string, error) {
	if m.GuildID != "" {
		if err := h.discord.session.ChannelMessageDelete(
			m.ChannelID,
			m.ID,
			discordgo.WithContext(ctx),
		); err != nil {
			h.contextLogger(ctx).WarnContext(ctx, "unable to delete set api message", tint.Err(err))
		}
	}

	_, rest := splitFirstArg(args)
	fields := strings.Fields(rest)
	if len(fields) < 3 || len(fields[1:])%2 != 0 {
		return commandUsage(h.config.Discord.CommandPrefix, CommandSet, setAPIUsage), nil
	}
	service := fields[0]
	for i := 1; i < len(fields); i += 2 {
		if err := h.settings.SetSharedAPIToken(ctx, service, fields[i], fields[i+1]); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("`%s` API tokens have been set.", service), nil
}

// runChat relays args to the model as if it were the content of m
func runChat(
	ctx context.Context,
	h *HugFace,
	bot *botIdentity,
	m *discordgo.Message,
	args string,
) (string, error) {
	h.relay(ctx, bot, m, triggerCommand, args)
	return "", nil
}

package hugface

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the gateway session, the bot's own identity and the
// set of users allowed to run owner-only commands.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
	metrics *metrics

	connected atomic.Bool

	// bot is set from the READY event. Messages seen before READY are
	// ignored.
	bot atomic.Pointer[botIdentity]

	// owners is loaded from the application info on READY, and is
	// combined with DiscordConfig.OwnerIDs
	owners   map[string]bool
	ownersMu sync.RWMutex

	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger, m *metrics) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:                      config,
		logger:                      logger,
		metrics:                     m,
		owners:                      map[string]bool{},
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session for the configured bot token
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// Bot returns the bot's identity, or nil if READY hasn't been received
func (d *Discord) Bot() *botIdentity {
	return d.bot.Load()
}

func (d *Discord) setBotUser(u *discordgo.User) {
	if u == nil {
		return
	}
	d.bot.Store(newBotIdentity(u))
}

func (d *Discord) handlerReady(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r == nil || r.User == nil {
			d.logger.WarnContext(ctx, "ready event missing user")
			return
		}
		d.setBotUser(r.User)
		d.logger.InfoContext(
			ctx,
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", r.User.ID, "username", r.User.Username),
		)

		lookupCtx, cancel := context.WithTimeout(ctx, defaultDiscordOwnerLookupTimeout)
		defer cancel()
		if err := d.loadOwners(lookupCtx); err != nil {
			d.logger.ErrorContext(ctx, "unable to load application owners", tint.Err(err))
		}
	}
}

func (d *Discord) handlerConnect(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metrics.connected()
		d.connected.Store(true)
		d.logger.InfoContext(ctx, "Connected")

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metrics.disconnected()
		d.logger.InfoContext(ctx, "disconnected")
	}
}

// loadOwners fetches the application info and stores its owner, or every
// team member if the application belongs to a team
func (d *Discord) loadOwners(ctx context.Context) error {
	appID := d.config.ApplicationID
	if appID == "" {
		appID = "@me"
	}
	app, err := d.session.Application(appID)
	if err != nil {
		return fmt.Errorf("error retrieving application: %w", err)
	}

	owners := map[string]bool{}
	if app.Owner != nil && app.Owner.ID != "" {
		owners[app.Owner.ID] = true
	}
	if app.Team != nil {
		if app.Team.OwnerID != "" {
			owners[app.Team.OwnerID] = true
		}
		for _, member := range app.Team.Members {
			if member != nil && member.User != nil {
				owners[member.User.ID] = true
			}
		}
	}

	d.ownersMu.Lock()
	d.owners = owners
	d.ownersMu.Unlock()

	d.logger.InfoContext(ctx, "loaded application owners", "count", len(owners))
	return nil
}

// IsOwner reports whether the user may run owner-only commands
func (d *Discord) IsOwner(userID string) bool {
	if userID == "" {
		return false
	}
	if slices.Contains(d.config.OwnerIDs, userID) {
		return true
	}
	d.ownersMu.RLock()
	defer d.ownersMu.RUnlock()
	return d.owners[userID]
}

// botDisplayName returns the bot's name as shown in the message's channel.
// In guilds, that's the bot's nickname, if it has one.
func (d *Discord) botDisplayName(ctx context.Context, bot *botIdentity, m *discordgo.Message) string {
	if m.GuildID != "" {
		member, err := d.session.GuildMember(
			m.GuildID,
			bot.ID(),
			discordgo.WithContext(ctx),
		)
		switch {
		case err != nil:
			d.logger.WarnContext(
				ctx,
				"unable to look up bot guild member",
				tint.Err(err),
				"guild_id", m.GuildID,
			)
		case member != nil && member.Nick != "":
			return member.Nick
		}
	}
	return userDisplayName(bot.User)
}

// reply sends content as a reply to m. Only the author of m may be
// pinged by the reply.
func (d *Discord) reply(
	ctx context.Context,
	m *discordgo.Message,
	content string,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:   content,
			Reference: m.Reference(),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse:       []discordgo.AllowedMentionType{},
				RepliedUser: true,
			},
		},
		discordgo.WithContext(ctx),
	)
}

// send posts content to the channel without pinging anyone
func (d *Discord) send(
	ctx context.Context,
	channelID string,
	content string,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content: content,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
			},
		},
		discordgo.WithContext(ctx),
	)
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// These are the methods from `discordgo.Session` used by the bot, to
// enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSendComplex sends a message with the given options
	// (reply reference, allowed mentions)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the typing indicator in the channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// ChannelMessage fetches a single message
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes a message
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMember gets a member of a guild
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// Application gets application info. Use "@me" for the bot's own
	// application.
	Application(appID string) (*discordgo.Application, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify fields that are sent during the
	// initial handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"reference", data.Reference,
		)
	} else {
		d.logger.Debug(
			"sent message",
			"channel_id", channelID,
			"message_id", msg.ID,
			"reference", data.Reference,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) Application(appID string) (*discordgo.Application, error) {
	app, err := d.session.Application(appID)
	if err != nil {
		d.logger.Error("error retrieving application", tint.Err(err))
	}
	return app, err
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

// SetIdentify sets the intents and presence from i. The session's token
// and client properties are kept.
func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify.Intents = i.Intents
	d.session.Identify.Presence = i.Presence
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID (via the message's mention list, not its content).
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}

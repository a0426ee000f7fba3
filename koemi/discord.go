package koemi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// discordStateMessageCount is the number of messages discordgo's state
// cache retains per channel. The ghost cache depends on the state
// cache: deleted and edited messages are only recoverable while the
// original content is still cached.
const discordStateMessageCount = 500

// Discord manages the gateway session, event handler registration and
// command registration for the bot.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	k                           *Koemi
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, fmt.Errorf("nil discord config")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new gateway session. State tracking is
// enabled so that delete/edit events still carry the original message
// content (via BeforeDelete/BeforeUpdate).
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.State.MaxMessageCount = discordStateMessageCount
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// registerHandlers adds the gateway event handlers and stashes the
// removal funcs.
func (d *Discord) registerHandlers() {
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerMessageCreate()),
		d.session.AddHandler(d.handlerMessageDelete()),
		d.session.AddHandler(d.handlerMessageUpdate()),
		d.session.AddHandler(d.handlerMessageReactionRemove()),
		d.session.AddHandler(d.handlerInteractionCreate()),
	)
}

func (d *Discord) removeHandlers() {
	for _, f := range d.discordgoRemoveHandlerFuncs {
		f()
	}
	d.discordgoRemoveHandlerFuncs = []func(){}
}

func (d *Discord) handlerConnect() func(*discordgo.Session, *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("discord gateway connected")
	}
}

func (d *Discord) handlerDisconnect() func(*discordgo.Session, *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.metricDisconnects.Add(1)
		d.connected.Store(false)

		var sessionID string
		var userID string
		var username string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"discord gateway disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerReady() func(*discordgo.Session, *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		username := ""
		if r.User != nil {
			username = r.User.Username
		}
		d.logger.Info(
			"discord ready",
			"session_id", r.SessionID,
			"username", username,
			"guild_count", len(r.Guilds),
		)
		if err := d.k.applyPresence(); err != nil {
			d.logger.Warn("error applying presence", tint.Err(err))
		}
	}
}

// handlerMessageCreate decodes each incoming message, applies the
// auto-react setting, and hands the event to the responder in its own
// goroutine.
func (d *Discord) handlerMessageCreate() func(
	*discordgo.Session,
	*discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil {
			return
		}
		ev := newMessageEvent(s, m)
		ctx := WithLogger(context.Background(), d.logger)

		if !ev.Bot {
			d.k.maybeAutoReact(ctx, ev.ChannelID, ev.MessageID)
		}
		go d.k.handleMessageEvent(ctx, ev)
	}
}

func (d *Discord) handlerMessageDelete() func(
	*discordgo.Session,
	*discordgo.MessageDelete,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageDelete) {
		entry, ok := deletionSnapshot(m)
		if !ok {
			d.logger.Debug(
				"skipping deletion without cached content",
				"channel_id", m.ChannelID,
				"message_id", m.ID,
			)
			return
		}
		d.k.ghosts.Record(m.ChannelID, entry)
	}
}

func (d *Discord) handlerMessageUpdate() func(
	*discordgo.Session,
	*discordgo.MessageUpdate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
		entry, ok := editSnapshot(m)
		if !ok {
			return
		}
		d.k.ghosts.Record(m.ChannelID, entry)
	}
}

func (d *Discord) handlerMessageReactionRemove() func(
	*discordgo.Session,
	*discordgo.MessageReactionRemove,
) {
	return func(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
		if s != nil && s.State != nil && s.State.User != nil &&
			r.UserID == s.State.User.ID {
			return
		}
		d.k.ghosts.Record(
			r.ChannelID,
			ReactionRemovalSnapshot{
				Emoji:     r.Emoji.APIName(),
				UserID:    r.UserID,
				Timestamp: time.Now(),
			},
		)
	}
}

func (d *Discord) handlerInteractionCreate() func(
	*discordgo.Session,
	*discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		ctx := WithLogger(context.Background(), d.logger)
		go d.k.handleInteraction(ctx, i)
	}
}

// newMessageEvent extracts the responder's view of an incoming
// message from the raw gateway payload.
func newMessageEvent(s *discordgo.Session, m *discordgo.MessageCreate) MessageEvent {
	var botID string
	if s != nil && s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			mentioned = true
			break
		}
	}

	var attachments []MessageAttachment
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		attachments = append(
			attachments,
			MessageAttachment{URL: a.URL, ContentType: a.ContentType},
		)
	}

	return MessageEvent{
		MessageID:   m.ID,
		ChannelID:   m.ChannelID,
		GuildID:     m.GuildID,
		UserID:      m.Author.ID,
		UserName:    m.Author.Username,
		Bot:         m.Author.Bot || m.Author.ID == botID,
		DM:          m.GuildID == "",
		MentionsBot: mentioned,
		Content:     m.Content,
		Attachments: attachments,
	}
}

// deletionSnapshot builds a ghost entry from a delete event.
// BeforeDelete is only populated when the message was still in the
// state cache; without it there is nothing to remember. Bot-authored
// deletions are filtered here.
func deletionSnapshot(m *discordgo.MessageDelete) (DeletionSnapshot, bool) {
	before := m.BeforeDelete
	if before == nil || before.Author == nil || before.Author.Bot {
		return DeletionSnapshot{}, false
	}
	var attachmentURL string
	for _, a := range before.Attachments {
		if a != nil {
			attachmentURL = a.URL
			break
		}
	}
	if before.Content == "" && attachmentURL == "" {
		return DeletionSnapshot{}, false
	}
	return DeletionSnapshot{
		Content:       before.Content,
		Author:        before.Author.Username,
		AttachmentURL: attachmentURL,
		Timestamp:     time.Now(),
	}, true
}

// editSnapshot builds a ghost entry from an update event. Bot edits
// and no-op edits (embed unfurls and the like) are filtered.
func editSnapshot(m *discordgo.MessageUpdate) (EditSnapshot, bool) {
	if m.Author != nil && m.Author.Bot {
		return EditSnapshot{}, false
	}
	before := m.BeforeUpdate
	if before == nil || before.Author == nil || before.Author.Bot {
		return EditSnapshot{}, false
	}
	if m.Content == "" || before.Content == m.Content {
		return EditSnapshot{}, false
	}
	return EditSnapshot{
		OldContent: before.Content,
		NewContent: m.Content,
		Author:     before.Author.Username,
		Timestamp:  time.Now(),
	}, true
}

func (d *Discord) channelMessageSend(channelID string, content string) error {
	_, err := d.session.ChannelMessageSend(channelID, content)
	return err
}

func (d *Discord) updateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

// registerCommands sends the bot's slash commands to the discord bulk
// overwrite endpoint.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		slashCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("registered command", "name", c.Name, "id", c.ID)
	}
	return created, nil
}

// DiscordSessionHandler defines the subset of discordgo.Session used
// by this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages returns up to limit messages from the given
	// channel, ending before beforeID when set
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// ChannelMessagesBulkDelete deletes the given messages from the
	// given channel in one call
	ChannelMessagesBulkDelete(
		channelID string,
		messages []string,
		options ...discordgo.RequestOption,
	) error

	// MessageReactionAdd adds an emoji reaction to a message
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite overwrites the application's
	// registered commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session].
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

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID, limit, beforeID, afterID, aroundID, options...,
	)
}

func (d DiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.ChannelMessagesBulkDelete(channelID, messages, options...)
	if err != nil {
		d.logger.Error(
			"error bulk deleting messages",
			tint.Err(err),
			"channel_id", channelID,
			"count", len(messages),
		)
	}
	return err
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID, guildID, commands, options...,
	)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
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

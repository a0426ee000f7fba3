package koemi

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	SlashCommandSnipe      = "snipe"
	SlashCommandEditSnipe  = "editsnipe"
	SlashCommandReactSnipe = "reactsnipe"
	SlashCommandReplyAll   = "replyall"
	SlashCommandSettings   = "settings"
	SlashCommandPronouns   = "pronouns"
	SlashCommandForget     = "forget"
	SlashCommandPurge      = "purge"

	snipeIndexOption = "index"

	settingsSubcommandAutoReact = "autoreact"
	settingsSubcommandRemember  = "remember"
	settingsSubcommandStatus    = "status"
	settingsSubcommandPresence  = "presence"
)

// slashCommands returns the full set of application commands the bot
// registers on startup, via bulk overwrite.
func slashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		snipeCommand(
			SlashCommandSnipe,
			"Show a recently deleted message in this channel",
		),
		snipeCommand(
			SlashCommandEditSnipe,
			"Show the original content of a recently edited message",
		),
		snipeCommand(
			SlashCommandReactSnipe,
			"Show a recently removed reaction in this channel",
		),
		{
			Name:        SlashCommandReplyAll,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Toggle replying to every message in this channel",
		},
		settingsCommand(),
		{
			Name:        SlashCommandPronouns,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Tell the bot your pronouns",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "pronouns",
					Description: "Your pronouns (e.g. she/her)",
					Required:    true,
				},
			},
		},
		{
			Name:        SlashCommandForget,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Make the bot forget your conversation history here",
		},
		purgeCommand(),
	}
}

// snipeCommand builds one of the three snipe variants. They share an
// optional 1-based index option, 1 (the default) being the most recent
// event.
func snipeCommand(name string, description string) *discordgo.ApplicationCommand {
	minIndex := float64(1)
	return &discordgo.ApplicationCommand{
		Name:        name,
		Type:        discordgo.ChatApplicationCommand,
		Description: description,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        snipeIndexOption,
				Description: "How far back to look (1 = most recent)",
				Required:    false,
				MinValue:    &minIndex,
				MaxValue:    float64(DefaultGhostCapacity),
			},
		},
	}
}

func settingsCommand() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        SlashCommandSettings,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Change the bot's runtime settings",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        settingsSubcommandAutoReact,
				Description: "Toggle auto-reacting to messages",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "enabled",
						Description: "Whether to auto-react",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "emoji",
						Description: "Emoji to react with",
						Required:    false,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        settingsSubcommandRemember,
				Description: "Toggle conversation memory",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "enabled",
						Description: "Whether to remember conversations",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        settingsSubcommandStatus,
				Description: "Set the bot's activity",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "text",
						Description: "Activity text",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "activity",
						Description: "Activity type",
						Required:    false,
						Choices:     activityTypeChoices(),
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        settingsSubcommandPresence,
				Description: "Set the bot's presence",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "status",
						Description: "Presence status",
						Required:    true,
						Choices:     presenceStatusChoices(),
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "text",
						Description: "Custom status text",
						Required:    false,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "emoji",
						Description: "Custom status emoji",
						Required:    false,
					},
				},
			},
		},
	}
}

func activityTypeChoices() []*discordgo.ApplicationCommandOptionChoice {
	types := []ActivityType{
		ActivityTypePlaying,
		ActivityTypeWatching,
		ActivityTypeListening,
		ActivityTypeCompeting,
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(types))
	for _, t := range types {
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{
				Name:  string(t),
				Value: string(t),
			},
		)
	}
	return choices
}

func presenceStatusChoices() []*discordgo.ApplicationCommandOptionChoice {
	statuses := []PresenceStatus{
		PresenceStatusOnline,
		PresenceStatusIdle,
		PresenceStatusDND,
		PresenceStatusInvisible,
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(statuses))
	for _, s := range statuses {
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{
				Name:  string(s),
				Value: string(s),
			},
		)
	}
	return choices
}

// handleInteraction dispatches an incoming interaction to the
// appropriate command handler. Panics are recovered and logged.
func (k *Koemi) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	ctx, logger := k.getLogger(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(
				ctx,
				"panic in interaction handler",
				"recovered", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		k.handleCommand(ctx, i)
	case discordgo.InteractionMessageComponent:
		k.handlePurgeComponent(ctx, i)
	default:
		logger.DebugContext(
			ctx,
			"ignoring interaction",
			"type", i.Type.String(),
		)
	}
}

func (k *Koemi) handleCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	_, logger := k.getLogger(ctx)
	name := i.ApplicationCommandData().Name
	logger.InfoContext(
		ctx,
		"received slash command",
		"command", name,
		"channel_id", i.ChannelID,
		"user_id", interactionUserID(i),
	)

	switch name {
	case SlashCommandSnipe:
		k.respond(ctx, i, k.runSnipeCommand(i, GhostKindDeletion), false)
	case SlashCommandEditSnipe:
		k.respond(ctx, i, k.runSnipeCommand(i, GhostKindEdit), false)
	case SlashCommandReactSnipe:
		k.respond(ctx, i, k.runSnipeCommand(i, GhostKindReactionRemoval), false)
	case SlashCommandReplyAll:
		k.respond(ctx, i, k.runReplyAllCommand(ctx, i), false)
	case SlashCommandSettings:
		k.respond(ctx, i, k.runSettingsCommand(ctx, i), true)
	case SlashCommandPronouns:
		k.respond(ctx, i, k.runPronounsCommand(ctx, i), true)
	case SlashCommandForget:
		k.respond(ctx, i, k.runForgetCommand(ctx, i), true)
	case SlashCommandPurge:
		k.runPurgeCommand(ctx, i)
	default:
		logger.WarnContext(ctx, "unknown command", "command", name)
	}
}

// respond sends a plain-text interaction response.
func (k *Koemi) respond(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
	ephemeral bool,
) {
	_, logger := k.getLogger(ctx)

	data := &discordgo.InteractionResponseData{
		Content: truncate(content, discordMaxMessageLength),
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := k.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// runSnipeCommand looks up the Nth most recent ghost entry of the
// given kind for the interaction's channel.
func (k *Koemi) runSnipeCommand(i *discordgo.InteractionCreate, kind GhostKind) string {
	index := 1
	if opt, ok := discordInteractionOptions(i)[snipeIndexOption]; ok {
		index = int(opt.IntValue())
	}

	entry, found := k.ghosts.Lookup(i.ChannelID, kind, index)
	if !found {
		switch kind {
		case GhostKindDeletion:
			return "nothing deleted here that i remember"
		case GhostKindEdit:
			return "no edits here that i remember"
		default:
			return "no removed reactions here that i remember"
		}
	}
	return formatGhostEntry(entry, index)
}

// formatGhostEntry renders a ghost entry as message text.
func formatGhostEntry(entry GhostEntry, index int) string {
	suffix := ghostIndexSuffix(index)
	switch e := entry.(type) {
	case DeletionSnapshot:
		var b strings.Builder
		fmt.Fprintf(&b, "**%s** deleted%s: %s", e.Author, suffix, e.Content)
		if e.AttachmentURL != "" {
			b.WriteString("\n")
			b.WriteString(e.AttachmentURL)
		}
		return b.String()
	case EditSnapshot:
		return fmt.Sprintf(
			"**%s** edited%s:\nbefore: %s\nafter: %s",
			e.Author, suffix, e.OldContent, e.NewContent,
		)
	case ReactionRemovalSnapshot:
		return fmt.Sprintf(
			"<@%s> removed their %s reaction%s",
			e.UserID, e.Emoji, suffix,
		)
	default:
		return "nothing here"
	}
}

// runReplyAllCommand toggles the reply-all flag for the interaction's
// channel and persists the channel table.
func (k *Koemi) runReplyAllCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	enabled, err := k.toggleReplyAll(ctx, i.ChannelID)
	if err != nil {
		_, logger := k.getLogger(ctx)
		logger.ErrorContext(ctx, "error toggling reply-all", tint.Err(err))
		return "couldn't save that, try again in a sec"
	}
	if enabled {
		return "ok, i'll reply to everything in this channel now"
	}
	return "ok, back to only replying when you talk to me"
}

func (k *Koemi) runSettingsCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	options := i.ApplicationCommandData().Options
	if len(options) == 0 {
		return "missing settings subcommand"
	}
	sub := options[0]

	subOptions := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(sub.Options),
	)
	for _, opt := range sub.Options {
		subOptions[opt.Name] = opt
	}

	switch sub.Name {
	case settingsSubcommandAutoReact:
		return k.runAutoReactSetting(ctx, subOptions)
	case settingsSubcommandRemember:
		return k.runRememberSetting(ctx, subOptions)
	case settingsSubcommandStatus:
		return k.runStatusSetting(ctx, subOptions)
	case settingsSubcommandPresence:
		return k.runPresenceSetting(ctx, subOptions)
	default:
		return fmt.Sprintf("unknown settings subcommand: %s", sub.Name)
	}
}

func (k *Koemi) runAutoReactSetting(
	ctx context.Context,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) string {
	enabled := options["enabled"].BoolValue()
	emoji := ""
	if opt, ok := options["emoji"]; ok {
		emoji = opt.StringValue()
	}

	err := k.updateSettings(ctx, func(s *Settings) {
		s.AutoReact = enabled
		if emoji != "" {
			s.ReactEmoji = emoji
		}
	})
	if err != nil {
		return "couldn't save that, try again in a sec"
	}
	if enabled {
		return fmt.Sprintf(
			"auto-react on, using %s", k.Settings().ReactEmoji,
		)
	}
	return "auto-react off"
}

func (k *Koemi) runRememberSetting(
	ctx context.Context,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) string {
	enabled := options["enabled"].BoolValue()
	err := k.updateSettings(ctx, func(s *Settings) {
		s.RememberUsers = enabled
	})
	if err != nil {
		return "couldn't save that, try again in a sec"
	}
	if enabled {
		return "memory on, picking up where we left off"
	}
	return "memory paused. i'll keep what i already know"
}

func (k *Koemi) runStatusSetting(
	ctx context.Context,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) string {
	text := options["text"].StringValue()
	activity := ActivityType("")
	if opt, ok := options["activity"]; ok {
		activity = ActivityType(opt.StringValue())
	}

	err := k.updateSettings(ctx, func(s *Settings) {
		s.Status = text
		s.PresenceText = ""
		s.PresenceEmoji = ""
		if activity != "" {
			s.ActivityType = activity
		}
	})
	if err != nil {
		return "couldn't save that, try again in a sec"
	}
	if presenceErr := k.applyPresence(); presenceErr != nil {
		_, logger := k.getLogger(ctx)
		logger.WarnContext(ctx, "error applying presence", tint.Err(presenceErr))
	}
	settings := k.Settings()
	return fmt.Sprintf("now %s %s", settings.ActivityType, settings.Status)
}

func (k *Koemi) runPresenceSetting(
	ctx context.Context,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) string {
	status := PresenceStatus(options["status"].StringValue())
	text := ""
	emoji := ""
	if opt, ok := options["text"]; ok {
		text = opt.StringValue()
	}
	if opt, ok := options["emoji"]; ok {
		emoji = opt.StringValue()
	}

	err := k.updateSettings(ctx, func(s *Settings) {
		s.PresenceStatus = status
		s.PresenceText = text
		s.PresenceEmoji = emoji
	})
	if err != nil {
		return "couldn't save that, try again in a sec"
	}
	if presenceErr := k.applyPresence(); presenceErr != nil {
		_, logger := k.getLogger(ctx)
		logger.WarnContext(ctx, "error applying presence", tint.Err(presenceErr))
	}
	return fmt.Sprintf("presence set to %s", status)
}

func (k *Koemi) runPronounsCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	opt, ok := discordInteractionOptions(i)["pronouns"]
	if !ok {
		return "tell me your pronouns (e.g. she/her)"
	}
	pronouns := strings.TrimSpace(opt.StringValue())
	if pronouns == "" {
		return "tell me your pronouns (e.g. she/her)"
	}

	key := conversationKey(i.GuildID, interactionUserID(i))
	k.memory.SetPronouns(key, pronouns)
	if err := k.memory.Flush(ctx, key); err != nil {
		_, logger := k.getLogger(ctx)
		logger.ErrorContext(ctx, "error flushing pronouns", tint.Err(err), "key", key)
	}
	return fmt.Sprintf("got it, %s", pronouns)
}

func (k *Koemi) runForgetCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	key := conversationKey(i.GuildID, interactionUserID(i))
	k.memory.Forget(key)
	if err := k.memory.Flush(ctx, key); err != nil {
		_, logger := k.getLogger(ctx)
		logger.ErrorContext(
			ctx,
			"error flushing forgotten conversation",
			tint.Err(err),
			"key", key,
		)
		return "i'll forget it, but couldn't update my notes yet"
	}
	return "forgotten. who are you again?"
}

// interactionUserID returns the invoking user's ID, whether the
// interaction came from a guild or a DM.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

package koemi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	purgeMaxAmount      = 100
	purgeConfirmTimeout = 20 * time.Second

	purgeConfirmPrefix = "purge_confirm:"
	purgeCancelPrefix  = "purge_cancel:"

	purgeUserOption    = "user"
	purgeKeywordOption = "keyword"
	purgeBotsOption    = "bots_only"
	purgeMaxAgeOption  = "max_age_minutes"
	purgeAmountOption  = "amount"
)

// pendingPurge is a purge awaiting its confirm/cancel button press.
type pendingPurge struct {
	channelID string
	userID    string
	filter    purgeFilter
	createdAt time.Time
}

// purgeFilter holds the optional constraints applied when collecting
// messages to delete.
type purgeFilter struct {
	amount   int
	userID   string
	keyword  string
	botsOnly bool
	maxAge   time.Duration
}

func purgeCommand() *discordgo.ApplicationCommand {
	minAmount := float64(1)
	minAge := float64(1)
	return &discordgo.ApplicationCommand{
		Name:        SlashCommandPurge,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Bulk delete recent messages in this channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        purgeAmountOption,
				Description: "How many messages to delete (max 100)",
				Required:    true,
				MinValue:    &minAmount,
				MaxValue:    purgeMaxAmount,
			},
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        purgeUserOption,
				Description: "Only delete messages from this user",
				Required:    false,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        purgeKeywordOption,
				Description: "Only delete messages containing this text",
				Required:    false,
			},
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        purgeBotsOption,
				Description: "Only delete messages from bots",
				Required:    false,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        purgeMaxAgeOption,
				Description: "Only delete messages newer than this many minutes",
				Required:    false,
				MinValue:    &minAge,
			},
		},
	}
}

// purgeRegistry tracks purges awaiting confirmation, keyed by the
// random token embedded in the button custom IDs.
type purgeRegistry struct {
	mu      sync.Mutex
	pending map[string]pendingPurge
}

func newPurgeRegistry() *purgeRegistry {
	return &purgeRegistry{pending: map[string]pendingPurge{}}
}

func (p *purgeRegistry) add(token string, purge pendingPurge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[token] = purge
}

// take removes and returns the pending purge for token. The second
// return value is false when the token is unknown or already consumed.
func (p *purgeRegistry) take(token string) (pendingPurge, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	purge, ok := p.pending[token]
	if ok {
		delete(p.pending, token)
	}
	return purge, ok
}

func purgeToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// runPurgeCommand parses the filters and replies with a confirm/cancel
// button pair. Nothing is deleted until the confirm button is pressed;
// the pending purge expires after purgeConfirmTimeout.
func (k *Koemi) runPurgeCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	_, logger := k.getLogger(ctx)
	options := discordInteractionOptions(i)

	filter := purgeFilter{amount: int(options[purgeAmountOption].IntValue())}
	if filter.amount > purgeMaxAmount {
		filter.amount = purgeMaxAmount
	}
	if opt, ok := options[purgeUserOption]; ok {
		filter.userID = opt.Value.(string)
	}
	if opt, ok := options[purgeKeywordOption]; ok {
		filter.keyword = opt.StringValue()
	}
	if opt, ok := options[purgeBotsOption]; ok {
		filter.botsOnly = opt.BoolValue()
	}
	if opt, ok := options[purgeMaxAgeOption]; ok {
		filter.maxAge = time.Duration(opt.IntValue()) * time.Minute
	}

	token := purgeToken()
	k.purges.add(
		token,
		pendingPurge{
			channelID: i.ChannelID,
			userID:    interactionUserID(i),
			filter:    filter,
			createdAt: time.Now(),
		},
	)

	err := k.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: purgeConfirmContent(filter),
				Flags:   discordgo.MessageFlagsEphemeral,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.Button{
								Label:    "Confirm",
								Style:    discordgo.DangerButton,
								CustomID: purgeConfirmPrefix + token,
							},
							discordgo.Button{
								Label:    "Cancel",
								Style:    discordgo.SecondaryButton,
								CustomID: purgeCancelPrefix + token,
							},
						},
					},
				},
			},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending purge confirmation", tint.Err(err))
		k.purges.take(token)
		return
	}

	// Expire the confirmation if nobody presses a button in time.
	go func() {
		time.Sleep(purgeConfirmTimeout)
		if _, expired := k.purges.take(token); expired {
			k.disablePurgeButtons(ctx, i, "purge timed out, nothing deleted")
		}
	}()
}

func purgeConfirmContent(filter purgeFilter) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("delete up to %d messages", filter.amount))
	if filter.userID != "" {
		parts = append(parts, fmt.Sprintf("from <@%s>", filter.userID))
	}
	if filter.botsOnly {
		parts = append(parts, "from bots only")
	}
	if filter.keyword != "" {
		parts = append(parts, fmt.Sprintf("containing %q", filter.keyword))
	}
	if filter.maxAge > 0 {
		parts = append(
			parts,
			fmt.Sprintf("newer than %d minutes", int(filter.maxAge.Minutes())),
		)
	}
	return strings.Join(parts, ", ") + "?"
}

// handlePurgeComponent handles the confirm/cancel button press for a
// pending purge. Only the user who started the purge may resolve it.
func (k *Koemi) handlePurgeComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	_, logger := k.getLogger(ctx)
	customID := i.MessageComponentData().CustomID

	var token string
	var confirm bool
	switch {
	case strings.HasPrefix(customID, purgeConfirmPrefix):
		token = strings.TrimPrefix(customID, purgeConfirmPrefix)
		confirm = true
	case strings.HasPrefix(customID, purgeCancelPrefix):
		token = strings.TrimPrefix(customID, purgeCancelPrefix)
	default:
		logger.DebugContext(ctx, "ignoring component", "custom_id", customID)
		return
	}

	purge, ok := k.purges.take(token)
	if !ok {
		k.updateComponentMessage(ctx, i, "that purge already expired")
		return
	}
	if purge.userID != interactionUserID(i) {
		// Not the requester: put the pending purge back untouched.
		k.purges.add(token, purge)
		return
	}

	if !confirm {
		k.updateComponentMessage(ctx, i, "cancelled, nothing deleted")
		return
	}

	deleted, err := k.executePurge(ctx, purge)
	if err != nil {
		logger.ErrorContext(ctx, "error executing purge", tint.Err(err))
		k.updateComponentMessage(ctx, i, "something went wrong, nothing deleted")
		return
	}
	k.updateComponentMessage(
		ctx,
		i,
		fmt.Sprintf("deleted %d messages", deleted),
	)
}

// updateComponentMessage replaces the button message with plain text.
func (k *Koemi) updateComponentMessage(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	_, logger := k.getLogger(ctx)
	err := k.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    content,
				Components: []discordgo.MessageComponent{},
			},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error updating component message", tint.Err(err))
	}
}

// disablePurgeButtons edits the original confirmation message after
// the timeout, removing the buttons.
func (k *Koemi) disablePurgeButtons(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	_, logger := k.getLogger(ctx)
	components := []discordgo.MessageComponent{}
	_, err := k.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{
			Content:    &content,
			Components: &components,
		},
	)
	if err != nil {
		logger.WarnContext(
			ctx,
			"error expiring purge confirmation",
			tint.Err(err),
		)
	}
}

// executePurge collects recent channel messages matching the filter
// and bulk deletes them. Returns the number of messages deleted.
func (k *Koemi) executePurge(ctx context.Context, purge pendingPurge) (int, error) {
	_, logger := k.getLogger(ctx)

	messages, err := k.discord.session.ChannelMessages(
		purge.channelID, purgeMaxAmount, "", "", "",
	)
	if err != nil {
		return 0, fmt.Errorf("error fetching channel messages: %w", err)
	}

	cutoff := time.Time{}
	if purge.filter.maxAge > 0 {
		cutoff = time.Now().Add(-purge.filter.maxAge)
	}

	var ids []string
	for _, msg := range messages {
		if msg == nil || msg.Author == nil {
			continue
		}
		if !purgeMatches(purge.filter, msg, cutoff) {
			continue
		}
		ids = append(ids, msg.ID)
		if len(ids) >= purge.filter.amount {
			break
		}
	}

	if len(ids) == 0 {
		return 0, nil
	}
	if err = k.discord.session.ChannelMessagesBulkDelete(
		purge.channelID, ids,
	); err != nil {
		return 0, fmt.Errorf("error bulk deleting messages: %w", err)
	}

	logger.InfoContext(
		ctx,
		"purged messages",
		"channel_id", purge.channelID,
		"count", len(ids),
		"requested_by", purge.userID,
	)
	return len(ids), nil
}

func purgeMatches(filter purgeFilter, msg *discordgo.Message, cutoff time.Time) bool {
	if filter.userID != "" && msg.Author.ID != filter.userID {
		return false
	}
	if filter.botsOnly && !msg.Author.Bot {
		return false
	}
	if filter.keyword != "" &&
		!strings.Contains(
			strings.ToLower(msg.Content),
			strings.ToLower(filter.keyword),
		) {
		return false
	}
	if !cutoff.IsZero() && msg.Timestamp.Before(cutoff) {
		return false
	}
	return true
}

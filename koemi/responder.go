package koemi

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// seenMessageClearThreshold bounds the dedup set: once it holds this
// many message IDs it's cleared wholesale rather than aged out.
const seenMessageClearThreshold = 2000

// botSpeakerName is the speaker tag used for the bot's own transcript turns.
const botSpeakerName = "Koemi"

// MessageEvent is the decoded form of an incoming platform message, as
// consumed by the responder. Fields are extracted from the raw gateway
// payload at the boundary.
type MessageEvent struct {
	MessageID   string
	ChannelID   string
	GuildID     string
	UserID      string
	UserName    string
	Bot         bool
	DM          bool
	MentionsBot bool
	Content     string
	Attachments []MessageAttachment
}

// MessageAttachment is one attachment on an incoming message.
type MessageAttachment struct {
	URL         string
	ContentType string
}

// ImageURLs returns the URLs of attachments whose declared content
// type indicates an image.
func (ev MessageEvent) ImageURLs() []string {
	var urls []string
	for _, a := range ev.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			urls = append(urls, a.URL)
		}
	}
	return urls
}

func (ev MessageEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", ev.MessageID),
		slog.String("channel_id", ev.ChannelID),
		slog.String("guild_id", ev.GuildID),
		slog.String("user_id", ev.UserID),
		slog.String("username", ev.UserName),
		slog.Bool("dm", ev.DM),
		slog.Bool("mentions_bot", ev.MentionsBot),
	)
}

// seenMessages is a capacity-bounded dedup set of processed message
// IDs. It's cleared wholesale once it exceeds the threshold, to bound
// memory without per-entry bookkeeping.
type seenMessages struct {
	mu        sync.Mutex
	ids       map[string]struct{}
	threshold int
}

func newSeenMessages(threshold int) *seenMessages {
	if threshold <= 0 {
		threshold = seenMessageClearThreshold
	}
	return &seenMessages{
		ids:       map[string]struct{}{},
		threshold: threshold,
	}
}

// Seen records id and reports whether it had already been recorded.
func (s *seenMessages) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return true
	}
	if len(s.ids) >= s.threshold {
		s.ids = map[string]struct{}{}
	}
	s.ids[id] = struct{}{}
	return false
}

func (s *seenMessages) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// handleMessageEvent is the full per-message pipeline: filter, trigger
// decision, context assembly, generation, memory update, reply.
// Any panic is recovered and logged; one bad message must never take
// down the event loop.
func (k *Koemi) handleMessageEvent(ctx context.Context, ev MessageEvent) {
	ctx, logger := k.getLogger(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(
				ctx,
				"panic in message handler",
				"recovered", r,
				"stack", string(debug.Stack()),
				"message", ev,
			)
		}
	}()

	if ev.Bot {
		return
	}
	if k.seen.Seen(ev.MessageID) {
		logger.DebugContext(ctx, "already processed message", "message", ev)
		return
	}

	if !k.shouldReply(ev) {
		return
	}

	logger.InfoContext(ctx, "responding to message", "message", ev)

	prompt := k.assemblePrompt(ev)
	req := GenerationRequest{Prompt: prompt, ImageURLs: ev.ImageURLs()}

	reply, err := k.generator.Generate(ctx, req)
	if err != nil {
		logger.WarnContext(
			ctx,
			"generation failed, using fallback reply",
			tint.Err(err),
		)
		reply = DefaultFallbackReply
	}

	k.recordExchange(ctx, ev, reply)

	if sendErr := k.discord.channelMessageSend(
		ev.ChannelID,
		truncate(reply, discordMaxMessageLength),
	); sendErr != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(sendErr))
	}
}

// shouldReply applies the trigger decision: DM, explicit mention,
// trigger word, or channel-wide reply-all.
func (k *Koemi) shouldReply(ev MessageEvent) bool {
	if ev.DM || ev.MentionsBot {
		return true
	}
	if k.replyAllEnabled(ev.ChannelID) {
		return true
	}
	return k.matchesTriggerWord(ev.Content)
}

func (k *Koemi) matchesTriggerWord(content string) bool {
	for _, word := range k.config.Discord.TriggerWords {
		if word == "" {
			continue
		}
		if start, _ := foldIndex(content, word); start >= 0 {
			return true
		}
	}
	return false
}

// assemblePrompt strips the mention and trigger tokens from the
// message, substitutes a default greeting if nothing remains, and
// builds the persona + recent context + new turn prompt.
func (k *Koemi) assemblePrompt(ev MessageEvent) string {
	text := k.cleanedContent(ev.Content)
	if text == "" {
		text = DefaultGreeting
	}

	var b strings.Builder
	b.WriteString(k.config.Generator.Persona)

	key := conversationKey(ev.GuildID, ev.UserID)
	if k.Settings().RememberUsers {
		if profile := k.memory.Profile(key); profile != nil && profile.Pronouns != "" {
			fmt.Fprintf(
				&b,
				"\nYou're talking to %s (pronouns: %s).",
				ev.UserName,
				profile.Pronouns,
			)
		}
		b.WriteString("\n\nRecent conversation:\n")
		for turn := range k.memory.RecentContext(key, k.memory.maxTurns) {
			fmt.Fprintf(&b, "%s: %s\n", turn.Who, turn.Text)
		}
	} else {
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "%s: %s", ev.UserName, text)
	return b.String()
}

// cleanedContent removes bot mention tokens and one trigger-word
// occurrence from the message text. Matching is case-insensitive and
// rune-aware; when trigger words overlap (like "koe" and "koemi"), the
// longest match wins so a prefix word never splits a longer one.
func (k *Koemi) cleanedContent(content string) string {
	appID := k.config.Discord.ApplicationID
	for _, mention := range []string{
		fmt.Sprintf("<@%s>", appID),
		fmt.Sprintf("<@!%s>", appID),
	} {
		content = strings.ReplaceAll(content, mention, "")
	}

	bestStart, bestEnd := -1, -1
	for _, word := range k.config.Discord.TriggerWords {
		if word == "" {
			continue
		}
		start, end := foldIndex(content, word)
		if start < 0 {
			continue
		}
		if bestStart < 0 || end-start > bestEnd-bestStart {
			bestStart, bestEnd = start, end
		}
	}
	if bestStart >= 0 {
		content = content[:bestStart] + content[bestEnd:]
	}
	return strings.TrimSpace(content)
}

// recordExchange appends the user's turn and the bot's reply to
// conversation memory and flushes the key, when memory is enabled.
// Also updates the user's profile (name, last seen).
func (k *Koemi) recordExchange(ctx context.Context, ev MessageEvent, reply string) {
	if !k.Settings().RememberUsers {
		return
	}
	_, logger := k.getLogger(ctx)

	key := conversationKey(ev.GuildID, ev.UserID)
	text := k.cleanedContent(ev.Content)
	if text == "" {
		text = DefaultGreeting
	}

	k.memory.Observe(key, ev.UserName)
	k.memory.AppendTurn(key, ev.UserName, text)
	k.memory.AppendTurn(key, botSpeakerName, reply)

	if err := k.memory.Flush(ctx, key); err != nil {
		logger.ErrorContext(
			ctx,
			"error flushing conversation memory",
			tint.Err(err),
			"key", key,
		)
	}
}

package koemi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDiscordSession implements DiscordSessionHandler, recording calls
// for assertions.
type mockDiscordSession struct {
	mu sync.Mutex

	sentMessages   map[string][]string
	reactions      map[string][]string
	bulkDeleted    map[string][]string
	channelHistory map[string][]*discordgo.Message

	interactionResponses []*discordgo.InteractionResponse
	statusUpdates        []discordgo.UpdateStatusData

	sendErr error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		sentMessages:   map[string][]string{},
		reactions:      map[string][]string{},
		bulkDeleted:    map[string][]string{},
		channelHistory: map[string][]*discordgo.Message{},
	}
}

func (m *mockDiscordSession) sent(channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.sentMessages[channelID]...)
}

func (m *mockDiscordSession) lastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.interactionResponses) == 0 {
		return nil
	}
	return m.interactionResponses[len(m.interactionResponses)-1]
}

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sentMessages[channelID] = append(m.sentMessages[channelID], message)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	_ string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.channelHistory[channelID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (m *mockDiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkDeleted[channelID] = append(m.bulkDeleted[channelID], messages...)
	return nil
}

func (m *mockDiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions[channelID+"/"+messageID] = append(
		m.reactions[channelID+"/"+messageID],
		emojiID,
	)
	return nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactionResponses = append(m.interactionResponses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	_ *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusUpdates = append(m.statusUpdates, data)
	return nil
}

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error { return nil }

// mockGenerator implements Generator with a canned reply or error.
type mockGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []GenerationRequest
}

func (g *mockGenerator) Generate(
	_ context.Context,
	req GenerationRequest,
) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *mockGenerator) lastRequest() GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		return GenerationRequest{}
	}
	return g.requests[len(g.requests)-1]
}

// newTestKoemi returns a Koemi with in-memory state loaded from a
// fresh sqlite DB, a mock discord session and a mock generator.
func newTestKoemi(t testing.TB) (*Koemi, *mockDiscordSession, *mockGenerator) {
	t.Helper()

	cfg := DefaultTestConfig(t)
	k, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, k.initDB(context.Background()))

	session := newMockDiscordSession()
	k.discord.session = session

	gen := &mockGenerator{reply: "sup"}
	k.generator = gen

	return k, session, gen
}

func TestNewMessageEventDecoding(t *testing.T) {
	session := &discordgo.Session{
		State: discordgo.NewState(),
	}
	session.State.User = &discordgo.User{ID: "bot-id", Username: "koemi"}

	m := &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-1",
			ChannelID: "chan-1",
			GuildID:   "guild-1",
			Content:   "hello <@bot-id>",
			Author:    &discordgo.User{ID: "user-1", Username: "alice"},
			Mentions:  []*discordgo.User{{ID: "bot-id"}},
			Attachments: []*discordgo.MessageAttachment{
				{URL: "https://cdn.example/cat.png", ContentType: "image/png"},
				{URL: "https://cdn.example/song.mp3", ContentType: "audio/mpeg"},
			},
		},
	}

	ev := newMessageEvent(session, m)
	assert.Equal(t, "msg-1", ev.MessageID)
	assert.Equal(t, "chan-1", ev.ChannelID)
	assert.Equal(t, "guild-1", ev.GuildID)
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, "alice", ev.UserName)
	assert.False(t, ev.Bot)
	assert.False(t, ev.DM)
	assert.True(t, ev.MentionsBot)
	assert.Equal(t, []string{"https://cdn.example/cat.png"}, ev.ImageURLs())
}

func TestNewMessageEventDM(t *testing.T) {
	session := &discordgo.Session{State: discordgo.NewState()}
	session.State.User = &discordgo.User{ID: "bot-id"}

	m := &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-1",
			ChannelID: "dm-chan",
			Content:   "hey",
			Author:    &discordgo.User{ID: "user-1", Username: "alice"},
		},
	}

	ev := newMessageEvent(session, m)
	assert.True(t, ev.DM)
	assert.False(t, ev.MentionsBot)
}

func TestNewMessageEventBotAuthor(t *testing.T) {
	session := &discordgo.Session{State: discordgo.NewState()}
	session.State.User = &discordgo.User{ID: "bot-id"}

	m := &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-1",
			ChannelID: "chan-1",
			GuildID:   "guild-1",
			Author:    &discordgo.User{ID: "other-bot", Bot: true},
		},
	}
	assert.True(t, newMessageEvent(session, m).Bot)

	// The bot's own messages count as bot-authored even without the flag
	m.Author = &discordgo.User{ID: "bot-id"}
	assert.True(t, newMessageEvent(session, m).Bot)
}

func TestDeletionSnapshotRequiresCachedContent(t *testing.T) {
	// No BeforeDelete: nothing to remember
	_, ok := deletionSnapshot(
		&discordgo.MessageDelete{Message: &discordgo.Message{ID: "msg-1"}},
	)
	assert.False(t, ok)

	// Bot-authored deletions are filtered
	_, ok = deletionSnapshot(
		&discordgo.MessageDelete{
			Message: &discordgo.Message{ID: "msg-1"},
			BeforeDelete: &discordgo.Message{
				Content: "beep",
				Author:  &discordgo.User{ID: "bot", Bot: true},
			},
		},
	)
	assert.False(t, ok)

	entry, ok := deletionSnapshot(
		&discordgo.MessageDelete{
			Message: &discordgo.Message{ID: "msg-1"},
			BeforeDelete: &discordgo.Message{
				Content: "oops",
				Author:  &discordgo.User{ID: "user-1", Username: "alice"},
				Attachments: []*discordgo.MessageAttachment{
					{URL: "https://cdn.example/x.png"},
				},
			},
		},
	)
	require.True(t, ok)
	assert.Equal(t, "oops", entry.Content)
	assert.Equal(t, "alice", entry.Author)
	assert.Equal(t, "https://cdn.example/x.png", entry.AttachmentURL)
}

func TestEditSnapshotFiltersNoopEdits(t *testing.T) {
	// Embed unfurls re-deliver the message with identical content
	_, ok := editSnapshot(
		&discordgo.MessageUpdate{
			Message: &discordgo.Message{ID: "msg-1", Content: "same"},
			BeforeUpdate: &discordgo.Message{
				Content: "same",
				Author:  &discordgo.User{ID: "user-1", Username: "alice"},
			},
		},
	)
	assert.False(t, ok)

	// Some unfurl events omit the content entirely
	_, ok = editSnapshot(
		&discordgo.MessageUpdate{
			Message: &discordgo.Message{ID: "msg-1"},
			BeforeUpdate: &discordgo.Message{
				Content: "still here",
				Author:  &discordgo.User{ID: "user-1", Username: "alice"},
			},
		},
	)
	assert.False(t, ok)

	entry, ok := editSnapshot(
		&discordgo.MessageUpdate{
			Message: &discordgo.Message{ID: "msg-1", Content: "after"},
			BeforeUpdate: &discordgo.Message{
				Content: "before",
				Author:  &discordgo.User{ID: "user-1", Username: "alice"},
			},
		},
	)
	require.True(t, ok)
	assert.Equal(t, "before", entry.OldContent)
	assert.Equal(t, "after", entry.NewContent)
	assert.Equal(t, "alice", entry.Author)
}

func TestApplyPresence(t *testing.T) {
	k, session, _ := newTestKoemi(t)

	require.NoError(t, k.applyPresence())
	require.Len(t, session.statusUpdates, 1)

	update := session.statusUpdates[0]
	assert.Equal(t, string(PresenceStatusOnline), update.Status)
	require.Len(t, update.Activities, 1)
	assert.Equal(t, DefaultStatusText, update.Activities[0].Name)
	assert.Equal(t, discordgo.ActivityTypeWatching, update.Activities[0].Type)
}

func TestMaybeAutoReact(t *testing.T) {
	k, session, _ := newTestKoemi(t)
	ctx := context.Background()

	// Disabled by default
	k.maybeAutoReact(ctx, "chan-1", "msg-1")
	assert.Empty(t, session.reactions["chan-1/msg-1"])

	require.NoError(
		t,
		k.updateSettings(
			ctx, func(s *Settings) {
				s.AutoReact = true
				s.ReactEmoji = "👀"
			},
		),
	)

	k.maybeAutoReact(ctx, "chan-1", "msg-1")
	assert.Equal(t, []string{"👀"}, session.reactions["chan-1/msg-1"])
}

package koemi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsCreatesSingleton(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	settings, err := st.LoadSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, settings)

	assert.False(t, settings.AutoReact)
	assert.Equal(t, DefaultReactEmoji, settings.ReactEmoji)
	assert.True(t, settings.RememberUsers)
	assert.Equal(t, DefaultStatusText, settings.Status)
	assert.Equal(t, DefaultActivityType, settings.ActivityType)
	assert.Equal(t, DefaultPresenceStatus, settings.PresenceStatus)

	// Loading again returns the same row, not a second one
	again, err := st.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, settings.ID, again.ID)

	var count int64
	require.NoError(t, st.DB().Model(&Settings{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSaveSettingsPersistsChanges(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	settings, err := st.LoadSettings(ctx)
	require.NoError(t, err)

	settings.AutoReact = true
	settings.ReactEmoji = "👀"
	settings.RememberUsers = false
	require.NoError(t, st.SaveSettings(ctx, settings))

	reloaded, err := st.LoadSettings(ctx)
	require.NoError(t, err)
	assert.True(t, reloaded.AutoReact)
	assert.Equal(t, "👀", reloaded.ReactEmoji)
	assert.False(t, reloaded.RememberUsers)
}

func TestSaveChannelsReplacesTable(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(
		t,
		st.SaveChannels(ctx, map[string]bool{"chan-1": true, "chan-2": true}),
	)

	channels, err := st.LoadChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"chan-1": true, "chan-2": true}, channels)

	// A save with a different set wipes rows absent from the new map
	require.NoError(t, st.SaveChannels(ctx, map[string]bool{"chan-3": true}))

	channels, err = st.LoadChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"chan-3": true}, channels)
}

func TestSaveChannelsEmptyMapClearsTable(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveChannels(ctx, map[string]bool{"chan-1": true}))
	require.NoError(t, st.SaveChannels(ctx, map[string]bool{}))

	channels, err := st.LoadChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestSaveGuildPatternUpserts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pattern := GuildPattern{
		GuildID: "guild-1",
		Phrases: StringList{"good bot"},
		Words:   StringList{"koe", "koemi"},
	}
	require.NoError(t, st.SaveGuildPattern(ctx, pattern))

	pattern.Words = StringList{"koemi"}
	require.NoError(t, st.SaveGuildPattern(ctx, pattern))

	patterns, err := st.LoadGuildPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, StringList{"good bot"}, patterns["guild-1"].Phrases)
	assert.Equal(t, StringList{"koemi"}, patterns["guild-1"].Words)
}

func TestSaveMemoryKeyReplacesPerKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	keyA := conversationKey("guild-1", "user-a")
	keyB := conversationKey("guild-1", "user-b")

	profileA := &UserProfile{
		GuildID: "guild-1", UserID: "user-a", Name: "alice", Pronouns: "she/her",
	}
	require.NoError(
		t,
		st.SaveMemoryKey(
			ctx, keyA, profileA,
			[]Turn{{Who: "alice", Text: "hi"}, {Who: botSpeakerName, Text: "hey"}},
		),
	)

	profileB := &UserProfile{GuildID: "guild-1", UserID: "user-b", Name: "bob"}
	require.NoError(
		t,
		st.SaveMemoryKey(ctx, keyB, profileB, []Turn{{Who: "bob", Text: "yo"}}),
	)

	// Rewriting key A leaves key B untouched
	require.NoError(
		t,
		st.SaveMemoryKey(
			ctx, keyA, profileA, []Turn{{Who: "alice", Text: "just this"}},
		),
	)

	profiles, transcripts, err := st.LoadMemory(ctx)
	require.NoError(t, err)

	require.Len(t, profiles, 2)
	assert.Equal(t, "alice", profiles[keyA].Name)
	assert.Equal(t, "she/her", profiles[keyA].Pronouns)

	require.Len(t, transcripts[keyA], 1)
	assert.Equal(t, "just this", transcripts[keyA][0].Text)
	require.Len(t, transcripts[keyB], 1)
	assert.Equal(t, "yo", transcripts[keyB][0].Text)
}

func TestSaveMemoryKeyNilProfileClearsProfile(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	key := conversationKey("guild-1", "user-1")
	profile := &UserProfile{GuildID: "guild-1", UserID: "user-1", Name: "alice"}
	require.NoError(
		t,
		st.SaveMemoryKey(ctx, key, profile, []Turn{{Who: "alice", Text: "hi"}}),
	)

	require.NoError(t, st.SaveMemoryKey(ctx, key, nil, nil))

	profiles, transcripts, err := st.LoadMemory(ctx)
	require.NoError(t, err)
	assert.NotContains(t, profiles, key)
	assert.Empty(t, transcripts[key])
}

func TestSaveMemoryKeyInvalidKey(t *testing.T) {
	st := newTestStore(t)

	err := st.SaveMemoryKey(context.Background(), "no-underscore", nil, nil)
	require.Error(t, err)
}

func TestLoadMemoryPreservesTurnOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	key := conversationKey("guild-1", "user-1")
	turns := []Turn{
		{Who: "alice", Text: "one"},
		{Who: botSpeakerName, Text: "two"},
		{Who: "alice", Text: "three"},
	}
	require.NoError(t, st.SaveMemoryKey(ctx, key, nil, turns))

	_, transcripts, err := st.LoadMemory(ctx)
	require.NoError(t, err)
	assert.Equal(t, turns, transcripts[key])
}

func TestConversationKeyRoundTrip(t *testing.T) {
	key := conversationKey("guild-1", "user-1")
	assert.Equal(t, "guild-1_user-1", key)

	guildID, userID, ok := splitConversationKey(key)
	require.True(t, ok)
	assert.Equal(t, "guild-1", guildID)
	assert.Equal(t, "user-1", userID)

	// DMs have an empty guild ID
	guildID, userID, ok = splitConversationKey(conversationKey("", "user-1"))
	require.True(t, ok)
	assert.Equal(t, "", guildID)
	assert.Equal(t, "user-1", userID)

	// User IDs never contain underscores, so the split is on the last one
	guildID, userID, ok = splitConversationKey("a_b_c")
	require.True(t, ok)
	assert.Equal(t, "a_b", guildID)
	assert.Equal(t, "c", userID)

	_, _, ok = splitConversationKey("nounderscores")
	assert.False(t, ok)
}

package koemi

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAppendAndRecentContext(t *testing.T) {
	mem := NewMemory(newTestStore(t), DefaultTranscriptMaxTurns, nil)
	key := conversationKey("guild-1", "user-1")

	mem.AppendTurn(key, "alice", "hi koemi")
	mem.AppendTurn(key, botSpeakerName, "hey alice")

	assert.Equal(t, 2, mem.TranscriptLen(key))

	var turns []Turn
	for turn := range mem.RecentContext(key, 10) {
		turns = append(turns, turn)
	}
	require.Len(t, turns, 2)
	assert.Equal(t, Turn{Who: "alice", Text: "hi koemi"}, turns[0])
	assert.Equal(t, Turn{Who: botSpeakerName, Text: "hey alice"}, turns[1])
}

func TestMemoryTranscriptCap(t *testing.T) {
	mem := NewMemory(newTestStore(t), DefaultTranscriptMaxTurns, nil)
	key := conversationKey("guild-1", "user-1")

	for i := 0; i < DefaultTranscriptMaxTurns+10; i++ {
		mem.AppendTurn(key, "alice", fmt.Sprintf("turn %d", i))
	}

	assert.Equal(t, DefaultTranscriptMaxTurns, mem.TranscriptLen(key))

	// Oldest turns were evicted; the first surviving turn is #10
	var first Turn
	for turn := range mem.RecentContext(key, DefaultTranscriptMaxTurns) {
		first = turn
		break
	}
	assert.Equal(t, "turn 10", first.Text)
}

func TestMemoryRecentContextRestartable(t *testing.T) {
	mem := NewMemory(newTestStore(t), DefaultTranscriptMaxTurns, nil)
	key := conversationKey("guild-1", "user-1")

	mem.AppendTurn(key, "alice", "one")
	mem.AppendTurn(key, "alice", "two")

	seq := mem.RecentContext(key, 10)

	var firstPass []Turn
	for turn := range seq {
		firstPass = append(firstPass, turn)
	}

	// Mutations after the snapshot don't affect re-iteration
	mem.AppendTurn(key, "alice", "three")

	var secondPass []Turn
	for turn := range seq {
		secondPass = append(secondPass, turn)
	}
	assert.Equal(t, firstPass, secondPass)
	require.Len(t, secondPass, 2)
}

func TestMemoryRecentContextLimit(t *testing.T) {
	mem := NewMemory(newTestStore(t), DefaultTranscriptMaxTurns, nil)
	key := conversationKey("guild-1", "user-1")

	for i := 0; i < 10; i++ {
		mem.AppendTurn(key, "alice", fmt.Sprintf("turn %d", i))
	}

	var turns []Turn
	for turn := range mem.RecentContext(key, 3) {
		turns = append(turns, turn)
	}
	require.Len(t, turns, 3)
	assert.Equal(t, "turn 7", turns[0].Text)
	assert.Equal(t, "turn 9", turns[2].Text)
}

func TestMemoryFlushRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mem := NewMemory(st, DefaultTranscriptMaxTurns, nil)
	key := conversationKey("guild-1", "user-1")

	mem.Observe(key, "alice")
	mem.AppendTurn(key, "alice", "hi")
	mem.AppendTurn(key, botSpeakerName, "hey")
	require.NoError(t, mem.Flush(ctx, key))

	// A fresh Memory loaded from the same store sees the flushed state
	profiles, transcripts, err := st.LoadMemory(ctx)
	require.NoError(t, err)

	reloaded := NewMemory(st, DefaultTranscriptMaxTurns, nil)
	reloaded.Load(profiles, transcripts)

	assert.Equal(t, 2, reloaded.TranscriptLen(key))
	profile := reloaded.Profile(key)
	require.NotNil(t, profile)
	assert.Equal(t, "alice", profile.Name)
	assert.Equal(t, "not set", profile.Pronouns)
	assert.NotZero(t, profile.LastSeen)
}

func TestMemoryFlushIsIdempotentPerKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mem := NewMemory(st, DefaultTranscriptMaxTurns, nil)
	key := conversationKey("guild-1", "user-1")

	mem.Observe(key, "alice")
	mem.AppendTurn(key, "alice", "hi")
	require.NoError(t, mem.Flush(ctx, key))
	require.NoError(t, mem.Flush(ctx, key))

	profiles, transcripts, err := st.LoadMemory(ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 1)
	assert.Len(t, transcripts[key], 1)
}

func TestMemorySetPronouns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mem := NewMemory(st, DefaultTranscriptMaxTurns, nil)
	key := conversationKey("guild-1", "user-1")

	mem.SetPronouns(key, "they/them")
	require.NoError(t, mem.Flush(ctx, key))

	profiles, _, err := st.LoadMemory(ctx)
	require.NoError(t, err)
	require.Contains(t, profiles, key)
	assert.Equal(t, "they/them", profiles[key].Pronouns)
}

func TestMemoryForgetClearsStoredState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mem := NewMemory(st, DefaultTranscriptMaxTurns, nil)
	key := conversationKey("guild-1", "user-1")

	mem.Observe(key, "alice")
	mem.AppendTurn(key, "alice", "remember this")
	require.NoError(t, mem.Flush(ctx, key))

	mem.Forget(key)
	assert.Equal(t, 0, mem.TranscriptLen(key))
	assert.Nil(t, mem.Profile(key))
	require.NoError(t, mem.Flush(ctx, key))

	profiles, transcripts, err := st.LoadMemory(ctx)
	require.NoError(t, err)
	assert.NotContains(t, profiles, key)
	assert.Empty(t, transcripts[key])
}

func TestMemoryFlushAllOnlyTouchedKeys(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mem := NewMemory(st, DefaultTranscriptMaxTurns, nil)
	keyA := conversationKey("guild-1", "user-a")
	keyB := conversationKey("guild-1", "user-b")

	mem.AppendTurn(keyA, "alice", "hi")
	mem.AppendTurn(keyB, "bob", "yo")
	require.NoError(t, mem.FlushAll(ctx))

	_, transcripts, err := st.LoadMemory(ctx)
	require.NoError(t, err)
	assert.Len(t, transcripts[keyA], 1)
	assert.Len(t, transcripts[keyB], 1)

	// Nothing left touched: a second FlushAll is a no-op
	require.NoError(t, mem.FlushAll(ctx))
}

func TestMemoryLoadTruncatesOversizedTranscripts(t *testing.T) {
	mem := NewMemory(newTestStore(t), 5, nil)
	key := conversationKey("guild-1", "user-1")

	var turns []Turn
	for i := 0; i < 20; i++ {
		turns = append(turns, Turn{Who: "alice", Text: fmt.Sprintf("turn %d", i)})
	}
	mem.Load(nil, map[string][]Turn{key: turns})

	assert.Equal(t, 5, mem.TranscriptLen(key))
	var first Turn
	for turn := range mem.RecentContext(key, 5) {
		first = turn
		break
	}
	assert.Equal(t, "turn 15", first.Text)
}

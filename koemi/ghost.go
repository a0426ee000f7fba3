package koemi

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultGhostCapacity is the number of entries retained per channel
// per event kind. Eviction is pure FIFO by volume; there is no TTL.
const DefaultGhostCapacity = 10

// GhostKind identifies which of the three independent event streams an
// entry belongs to.
type GhostKind string

const (
	GhostKindDeletion        GhostKind = "deletion"
	GhostKindEdit            GhostKind = "edit"
	GhostKindReactionRemoval GhostKind = "reaction_removal"
)

// GhostEntry is one snapshot of an "erased" event. Exactly three
// variants exist: [DeletionSnapshot], [EditSnapshot] and
// [ReactionRemovalSnapshot].
type GhostEntry interface {
	Kind() GhostKind
	OccurredAt() time.Time
}

// DeletionSnapshot remembers a deleted message.
type DeletionSnapshot struct {
	Content       string
	Author        string
	AttachmentURL string
	Timestamp     time.Time
}

func (DeletionSnapshot) Kind() GhostKind { return GhostKindDeletion }

func (d DeletionSnapshot) OccurredAt() time.Time { return d.Timestamp }

func (d DeletionSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("author", d.Author),
		slog.String("content", truncate(d.Content, 80)),
	)
}

// EditSnapshot remembers the before/after content of an edited message.
type EditSnapshot struct {
	OldContent string
	NewContent string
	Author     string
	Timestamp  time.Time
}

func (EditSnapshot) Kind() GhostKind { return GhostKindEdit }

func (e EditSnapshot) OccurredAt() time.Time { return e.Timestamp }

// ReactionRemovalSnapshot remembers a removed reaction.
type ReactionRemovalSnapshot struct {
	Emoji     string
	UserID    string
	Timestamp time.Time
}

func (ReactionRemovalSnapshot) Kind() GhostKind { return GhostKindReactionRemoval }

func (r ReactionRemovalSnapshot) OccurredAt() time.Time { return r.Timestamp }

type ghostKey struct {
	channelID string
	kind      GhostKind
}

// GhostCache is a per-channel, per-kind bounded history of erased
// events. Entries are ordered newest-first and evicted oldest-first
// once the capacity is exceeded. The cache is in-memory only and lost
// on restart.
type GhostCache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[ghostKey][]GhostEntry
	logger   *slog.Logger
}

// NewGhostCache returns a GhostCache with the given per-key capacity.
// capacity <= 0 falls back to DefaultGhostCapacity.
func NewGhostCache(capacity int, log *slog.Logger) *GhostCache {
	if capacity <= 0 {
		capacity = DefaultGhostCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	return &GhostCache{
		capacity: capacity,
		entries:  map[ghostKey][]GhostEntry{},
		logger:   log.With(loggerNameKey, "ghost_cache"),
	}
}

// Record stores entry for (channelID, entry.Kind()), pushing it to the
// front and truncating to capacity. Bot-authored events and no-op edits
// are filtered before reaching this method.
func (g *GhostCache) Record(channelID string, entry GhostEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := ghostKey{channelID: channelID, kind: entry.Kind()}
	entries := append([]GhostEntry{entry}, g.entries[key]...)
	if len(entries) > g.capacity {
		entries = entries[:g.capacity]
	}
	g.entries[key] = entries

	g.logger.Debug(
		"recorded ghost entry",
		"channel_id", channelID,
		"kind", string(entry.Kind()),
		"count", len(entries),
	)
}

// Lookup returns the entry at 1-based position index for
// (channelID, kind), where index 1 is the most recent. The second
// return value is false if the channel has no entries of that kind or
// index exceeds the stored count. Lookup does not mutate state.
func (g *GhostCache) Lookup(channelID string, kind GhostKind, index int) (GhostEntry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entries := g.entries[ghostKey{channelID: channelID, kind: kind}]
	if index < 1 || index > len(entries) {
		return nil, false
	}
	return entries[index-1], true
}

// Count returns the number of stored entries for (channelID, kind).
func (g *GhostCache) Count(channelID string, kind GhostKind) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries[ghostKey{channelID: channelID, kind: kind}])
}

func ghostIndexSuffix(index int) string {
	if index <= 1 {
		return ""
	}
	return fmt.Sprintf(" (%d back)", index)
}

package koemi

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// DefaultTranscriptMaxTurns caps the rolling transcript kept per
// (guild, user) pair. Oldest turns are evicted first once the cap is
// exceeded.
const DefaultTranscriptMaxTurns = 50

// Turn is one exchange unit in a conversation transcript: who spoke,
// and what they said.
type Turn struct {
	Who  string `json:"who"`
	Text string `json:"text"`
}

// UserProfile is the durable record of a user the bot has talked to.
// Rows are replaced wholesale on each memory flush for their key.
//
//nolint:lll // struct tags can't be split
type UserProfile struct {
	ModelUintID

	GuildID string `gorm:"index:idx_user_profile_key;type:string" json:"guild_id"`
	UserID  string `gorm:"index:idx_user_profile_key;type:string" json:"user_id"`

	// Name is the display name last seen for the user
	Name string `gorm:"type:string" json:"name"`

	// Pronouns are free text, only ever set by explicit user action
	Pronouns string `gorm:"type:string;default:not set" json:"pronouns"`

	// LastSeen is the last interaction time, in unix milliseconds
	LastSeen int64 `gorm:"column:last_seen" json:"last_seen"`

	// Data is a free-form bag of extra per-user facts
	Data JSONMap `json:"data"`
}

func (u *UserProfile) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("guild_id", u.GuildID),
		slog.String("user_id", u.UserID),
		slog.String("name", u.Name),
	)
}

// ConversationTurn is the durable form of a [Turn]. The auto-increment
// ID preserves append order across save/load cycles.
type ConversationTurn struct {
	ModelUintID

	GuildID   string `gorm:"index:idx_conversation_key;type:string" json:"guild_id"`
	UserID    string `gorm:"index:idx_conversation_key;type:string" json:"user_id"`
	Who       string `gorm:"type:string" json:"who"`
	Text      string `gorm:"type:text" json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func (ConversationTurn) TableName() string {
	return "conversations"
}

// Memory maintains the rolling per-conversation transcripts and user
// profiles, and writes touched keys back through the Store. Mutations
// and reads are safe under the serialized handler model; the mutex
// guards against overlap between handlers and the flush scheduler.
type Memory struct {
	mu          sync.Mutex
	maxTurns    int
	transcripts map[string][]Turn
	profiles    map[string]*UserProfile
	touched     map[string]struct{}
	store       Store
	logger      *slog.Logger
}

// NewMemory returns an empty Memory backed by the given store.
// maxTurns <= 0 falls back to DefaultTranscriptMaxTurns.
func NewMemory(st Store, maxTurns int, log *slog.Logger) *Memory {
	if maxTurns <= 0 {
		maxTurns = DefaultTranscriptMaxTurns
	}
	if log == nil {
		log = slog.Default()
	}
	return &Memory{
		maxTurns:    maxTurns,
		transcripts: map[string][]Turn{},
		profiles:    map[string]*UserProfile{},
		touched:     map[string]struct{}{},
		store:       st,
		logger:      log.With(loggerNameKey, "memory"),
	}
}

// Load replaces the in-memory state with the given persisted state.
// Called once at startup, before any handler runs.
func (m *Memory) Load(
	profiles map[string]*UserProfile,
	transcripts map[string][]Turn,
) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profiles = map[string]*UserProfile{}
	for key, profile := range profiles {
		m.profiles[key] = profile
	}
	m.transcripts = map[string][]Turn{}
	for key, turns := range transcripts {
		if len(turns) > m.maxTurns {
			turns = turns[len(turns)-m.maxTurns:]
		}
		m.transcripts[key] = append([]Turn{}, turns...)
	}
	m.touched = map[string]struct{}{}
}

// AppendTurn appends {who, text} to the transcript for key, evicting
// the oldest turns once the cap is exceeded. Safe to call twice in a
// row (user turn, then bot turn) before any flush.
func (m *Memory) AppendTurn(key string, who string, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turns := append(m.transcripts[key], Turn{Who: who, Text: text})
	if len(turns) > m.maxTurns {
		turns = turns[len(turns)-m.maxTurns:]
	}
	m.transcripts[key] = turns
	m.touched[key] = struct{}{}
}

// TranscriptLen returns the number of turns currently held for key.
func (m *Memory) TranscriptLen(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transcripts[key])
}

// RecentContext returns the last limit turns for key in chronological
// order, as a restartable sequence. The sequence iterates over a
// snapshot, so it remains valid if the transcript changes afterwards.
func (m *Memory) RecentContext(key string, limit int) iter.Seq[Turn] {
	m.mu.Lock()
	turns := m.transcripts[key]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	snapshot := append([]Turn{}, turns...)
	m.mu.Unlock()

	return func(yield func(Turn) bool) {
		for _, turn := range snapshot {
			if !yield(turn) {
				return
			}
		}
	}
}

// Observe updates the profile for key with the latest display name and
// last-seen time, creating the profile if needed. Pronouns are never
// inferred here.
func (m *Memory) Observe(key string, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile := m.profiles[key]
	if profile == nil {
		guildID, userID, _ := splitConversationKey(key)
		profile = &UserProfile{
			GuildID:  guildID,
			UserID:   userID,
			Pronouns: "not set",
			Data:     JSONMap{},
		}
		m.profiles[key] = profile
	}
	profile.Name = name
	profile.LastSeen = time.Now().UTC().UnixMilli()
	m.touched[key] = struct{}{}
}

// SetPronouns stores pronouns for key, set by explicit user action.
func (m *Memory) SetPronouns(key string, pronouns string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile := m.profiles[key]
	if profile == nil {
		guildID, userID, _ := splitConversationKey(key)
		profile = &UserProfile{
			GuildID: guildID,
			UserID:  userID,
			Data:    JSONMap{},
		}
		m.profiles[key] = profile
	}
	profile.Pronouns = pronouns
	m.touched[key] = struct{}{}
}

// Profile returns a copy of the profile for key, or nil if none exists.
func (m *Memory) Profile(key string) *UserProfile {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile := m.profiles[key]
	if profile == nil {
		return nil
	}
	rv := *profile
	return &rv
}

// Forget drops the in-memory transcript and profile for key and marks
// the key touched, so the next flush clears the stored records as well.
func (m *Memory) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.transcripts, key)
	delete(m.profiles, key)
	m.touched[key] = struct{}{}
}

// Flush writes the transcript and profile for key back to the store,
// replacing the stored records atomically for that key. The key stays
// marked touched on failure so a later flush retries it.
func (m *Memory) Flush(ctx context.Context, key string) error {
	m.mu.Lock()
	turns := append([]Turn{}, m.transcripts[key]...)
	var profile *UserProfile
	if p := m.profiles[key]; p != nil {
		copied := *p
		profile = &copied
	}
	m.mu.Unlock()

	if err := m.store.SaveMemoryKey(ctx, key, profile, turns); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.touched, key)
	m.mu.Unlock()
	return nil
}

// FlushAll flushes every touched key. Cross-key atomicity is not
// guaranteed; each key succeeds or fails independently.
func (m *Memory) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.touched))
	for key := range m.touched {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, key := range keys {
		g.Go(func() error {
			if err := m.Flush(ctx, key); err != nil {
				m.logger.ErrorContext(
					ctx,
					"error flushing conversation memory",
					tint.Err(err),
					"key", key,
				)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

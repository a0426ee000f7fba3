package koemi

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// StringList is a []string stored as a JSON column.
type StringList []string

// Scan implements the sql.Scanner interface.
func (l *StringList) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unexpected type for StringList: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	data, err := json.Marshal(l)
	return string(data), err
}

// GormDataType is used by GORM to determine the default data type for a field.
func (StringList) GormDataType() string {
	return "string"
}

// JSONMap is a free-form key/value bag stored as a JSON column.
// Key order is irrelevant; values may nest arbitrarily.
type JSONMap map[string]any

// Scan implements the sql.Scanner interface.
func (m *JSONMap) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unexpected type for JSONMap: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		m = JSONMap{}
	}
	data, err := json.Marshal(m)
	return string(data), err
}

// GormDataType is used by GORM to determine the default data type for a field.
func (JSONMap) GormDataType() string {
	return "string"
}

// Channel holds per-channel configuration. A missing row implies
// reply-all is disabled.
type Channel struct {
	ChannelID string `gorm:"primaryKey;type:string" json:"channel_id"`
	ReplyAll  bool   `gorm:"type:bool;default:false" json:"reply_all"`
}

// GuildPattern stores per-guild trigger phrase/word lists. The storage
// contract is implemented here, but no response path currently consumes
// these records.
type GuildPattern struct {
	GuildID string     `gorm:"primaryKey;type:string" json:"guild_id"`
	Phrases StringList `json:"phrases"`
	Words   StringList `json:"words"`
}

// Store defines the persistence operations used by the bot. This is
// here primarily to enable mocking for testing; [store] implements it
// for 'real' DB operations.
type Store interface {
	DB() *gorm.DB

	LoadSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s *Settings) error

	LoadChannels(ctx context.Context) (map[string]bool, error)
	SaveChannels(ctx context.Context, channels map[string]bool) error

	LoadGuildPatterns(ctx context.Context) (map[string]GuildPattern, error)
	SaveGuildPattern(ctx context.Context, pattern GuildPattern) error

	LoadMemory(ctx context.Context) (
		profiles map[string]*UserProfile,
		transcripts map[string][]Turn,
		err error,
	)

	// SaveMemoryKey replaces the stored profile and transcript for a
	// single conversation key, all-or-nothing. Cross-key atomicity is
	// not guaranteed.
	SaveMemoryKey(
		ctx context.Context,
		key string,
		profile *UserProfile,
		turns []Turn,
	) error
}

// store wraps a GORM connection. When using SQLite, a mutex serializes
// writes to avoid SQLITE_BUSY under concurrent handlers.
type store struct {
	db         *gorm.DB
	mu         sync.Mutex
	logger     *slog.Logger
	serialized bool
}

// NewStore initializes a new Store backed by the given GORM connection.
// serializeWrites should be true for SQLite.
func NewStore(db *gorm.DB, log *slog.Logger, serializeWrites bool) Store {
	if log == nil {
		log = slog.Default()
	}
	return &store{
		db:         db,
		logger:     log.With(loggerNameKey, "store"),
		serialized: serializeWrites,
	}
}

func (s *store) DB() *gorm.DB {
	return s.db
}

func (s *store) lock() {
	if s.serialized {
		s.mu.Lock()
	}
}

func (s *store) unlock() {
	if s.serialized {
		s.mu.Unlock()
	}
}

func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// LoadSettings returns the singleton Settings row, creating it with
// defaults if it doesn't exist yet.
func (s *store) LoadSettings(ctx context.Context) (*Settings, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var settings Settings
	err := s.db.WithContext(ctx).First(&settings).Error
	if err == nil {
		settings.applyDefaults()
		return &settings, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	settings = DefaultSettings()
	s.lock()
	defer s.unlock()
	if createErr := s.db.WithContext(ctx).Create(&settings).Error; createErr != nil {
		return nil, createErr
	}
	return &settings, nil
}

func (s *store) SaveSettings(ctx context.Context, settings *Settings) error {
	s.lock()
	defer s.unlock()

	ctx, cancel := withDeadline(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Save(settings).Error
}

func (s *store) LoadChannels(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var channels []Channel
	if err := s.db.WithContext(ctx).Find(&channels).Error; err != nil {
		return nil, err
	}
	rv := make(map[string]bool, len(channels))
	for _, ch := range channels {
		rv[ch.ChannelID] = ch.ReplyAll
	}
	return rv, nil
}

// SaveChannels replaces the entire channels table with the given map.
func (s *store) SaveChannels(ctx context.Context, channels map[string]bool) error {
	s.lock()
	defer s.unlock()

	ctx, cancel := withDeadline(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			if err := tx.Where("1 = 1").Delete(&Channel{}).Error; err != nil {
				return err
			}
			for channelID, replyAll := range channels {
				ch := Channel{ChannelID: channelID, ReplyAll: replyAll}
				if err := tx.Create(&ch).Error; err != nil {
					return err
				}
			}
			return nil
		},
	)
}

func (s *store) LoadGuildPatterns(ctx context.Context) (
	map[string]GuildPattern,
	error,
) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var patterns []GuildPattern
	if err := s.db.WithContext(ctx).Find(&patterns).Error; err != nil {
		return nil, err
	}
	rv := make(map[string]GuildPattern, len(patterns))
	for _, p := range patterns {
		rv[p.GuildID] = p
	}
	return rv, nil
}

func (s *store) SaveGuildPattern(ctx context.Context, pattern GuildPattern) error {
	s.lock()
	defer s.unlock()

	ctx, cancel := withDeadline(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			UpdateAll: true,
		},
	).Create(&pattern).Error
}

// LoadMemory reads all user profiles and conversation transcripts,
// keyed as "<guild_id>_<user_id>". Turn order within a transcript
// follows insertion order.
func (s *store) LoadMemory(ctx context.Context) (
	map[string]*UserProfile,
	map[string][]Turn,
	error,
) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	profiles := map[string]*UserProfile{}
	var users []UserProfile
	if err := s.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, nil, err
	}
	for i := range users {
		u := users[i]
		profiles[conversationKey(u.GuildID, u.UserID)] = &u
	}

	transcripts := map[string][]Turn{}
	var turns []ConversationTurn
	if err := s.db.WithContext(ctx).Order("id asc").Find(&turns).Error; err != nil {
		return nil, nil, err
	}
	for _, turn := range turns {
		key := conversationKey(turn.GuildID, turn.UserID)
		transcripts[key] = append(
			transcripts[key],
			Turn{Who: turn.Who, Text: turn.Text},
		)
	}
	return profiles, transcripts, nil
}

func (s *store) SaveMemoryKey(
	ctx context.Context,
	key string,
	profile *UserProfile,
	turns []Turn,
) error {
	guildID, userID, ok := splitConversationKey(key)
	if !ok {
		return fmt.Errorf("invalid conversation key: %q", key)
	}

	s.lock()
	defer s.unlock()

	ctx, cancel := withDeadline(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			err := tx.Where(
				"guild_id = ? AND user_id = ?",
				guildID,
				userID,
			).Delete(&UserProfile{}).Error
			if err != nil {
				return err
			}
			err = tx.Where(
				"guild_id = ? AND user_id = ?",
				guildID,
				userID,
			).Delete(&ConversationTurn{}).Error
			if err != nil {
				return err
			}

			if profile != nil {
				record := *profile
				record.ID = 0
				record.GuildID = guildID
				record.UserID = userID
				if err = tx.Create(&record).Error; err != nil {
					return err
				}
			}
			for _, turn := range turns {
				record := ConversationTurn{
					GuildID:   guildID,
					UserID:    userID,
					Who:       turn.Who,
					Text:      turn.Text,
					Timestamp: time.Now().UTC().UnixMilli(),
				}
				if err = tx.Create(&record).Error; err != nil {
					return err
				}
			}
			return nil
		},
	)
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and auto-migrates the schema.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&Settings{},
		&Channel{},
		&GuildPattern{},
		&UserProfile{},
		&ConversationTurn{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type ('sqlite' or 'postgres').
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

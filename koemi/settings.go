package koemi

import (
	"github.com/bwmarrin/discordgo"
)

const (
	DefaultReactEmoji     = "*"
	DefaultStatusText     = "lurking"
	DefaultActivityType   = ActivityTypeWatching
	DefaultPresenceStatus = PresenceStatusOnline
)

// ActivityType mirrors the Discord activity type shown next to the
// bot's status text.
type ActivityType string

const (
	ActivityTypePlaying   ActivityType = "playing"
	ActivityTypeWatching  ActivityType = "watching"
	ActivityTypeListening ActivityType = "listening"
	ActivityTypeCompeting ActivityType = "competing"
)

// PresenceStatus mirrors the Discord presence status indicator.
type PresenceStatus string

const (
	PresenceStatusOnline    PresenceStatus = "online"
	PresenceStatusIdle      PresenceStatus = "idle"
	PresenceStatusDND       PresenceStatus = "dnd"
	PresenceStatusInvisible PresenceStatus = "invisible"
)

// Settings is the singleton runtime-configurable state of the bot.
// It's loaded once at startup, cached in memory, and re-saved on every
// change (via admin slash commands).
//
//nolint:lll // struct tags can't be split
type Settings struct {
	ModelUintID
	ModelUnixTime

	// AutoReact causes the bot to add ReactEmoji to every non-bot message it sees
	AutoReact  bool   `json:"auto_react" gorm:"type:bool;default:false"`
	ReactEmoji string `json:"react_emoji" gorm:"type:string;default:*"`

	// RememberUsers enables conversation-memory persistence. Disabling
	// it pauses transcript growth without discarding stored history.
	RememberUsers bool `json:"remember_users" gorm:"type:bool;default:true"`

	// Status is the activity text shown for the bot (e.g. "watching lurking")
	Status       string       `json:"status" gorm:"type:string;default:lurking"`
	ActivityType ActivityType `json:"activity_type" gorm:"type:string;default:watching" binding:"omitempty,oneof=playing watching listening competing"`

	PresenceStatus PresenceStatus `json:"presence_status" gorm:"type:string;default:online" binding:"omitempty,oneof=online idle dnd invisible"`
	PresenceText   string         `json:"presence_text" gorm:"type:string"`
	PresenceEmoji  string         `json:"presence_emoji" gorm:"type:string"`
}

func (Settings) TableName() string {
	return "settings"
}

// DefaultSettings returns the Settings row created on first startup.
func DefaultSettings() Settings {
	return Settings{
		AutoReact:      false,
		ReactEmoji:     DefaultReactEmoji,
		RememberUsers:  true,
		Status:         DefaultStatusText,
		ActivityType:   DefaultActivityType,
		PresenceStatus: DefaultPresenceStatus,
	}
}

// applyDefaults backfills zero-value fields on rows written by older
// schema versions.
func (s *Settings) applyDefaults() {
	if s.ReactEmoji == "" {
		s.ReactEmoji = DefaultReactEmoji
	}
	if s.Status == "" {
		s.Status = DefaultStatusText
	}
	if s.ActivityType == "" {
		s.ActivityType = DefaultActivityType
	}
	if s.PresenceStatus == "" {
		s.PresenceStatus = DefaultPresenceStatus
	}
}

var discordActivityTypes = map[ActivityType]discordgo.ActivityType{
	ActivityTypePlaying:   discordgo.ActivityTypeGame,
	ActivityTypeWatching:  discordgo.ActivityTypeWatching,
	ActivityTypeListening: discordgo.ActivityTypeListening,
	ActivityTypeCompeting: discordgo.ActivityTypeCompeting,
}

// statusUpdate builds the gateway presence payload for the current
// settings. A non-empty PresenceText becomes a custom status; otherwise
// the activity type + status text are used.
func (s Settings) statusUpdate() discordgo.UpdateStatusData {
	data := discordgo.UpdateStatusData{
		Status: string(s.PresenceStatus),
	}

	if s.PresenceText != "" {
		state := s.PresenceText
		if s.PresenceEmoji != "" {
			state = s.PresenceEmoji + " " + state
		}
		data.Activities = []*discordgo.Activity{
			{
				Name:  "Custom Status",
				Type:  discordgo.ActivityTypeCustom,
				State: state,
			},
		}
		return data
	}

	activityType, ok := discordActivityTypes[s.ActivityType]
	if !ok {
		activityType = discordgo.ActivityTypeWatching
	}
	data.Activities = []*discordgo.Activity{
		{
			Name: s.Status,
			Type: activityType,
		},
	}
	return data
}

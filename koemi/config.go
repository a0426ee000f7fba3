//nolint:lll // struct tags can't be split
package koemi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "KOEMI_ENV_PREFIX"
	DefaultEnvPrefix   = "KOEMI"

	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "koemi.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultGeneratorLogLevel     = slog.LevelInfo
	DefaultHTTPLogLevel          = slog.LevelInfo

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultHTTPListen        = "0.0.0.0:8080"
	defaultListenNetwork     = "tcp"

	// DefaultGenerationTimeout bounds a single call to the generation
	// backend. On expiry the bot answers with DefaultFallbackReply
	// instead of leaving the message unanswered.
	DefaultGenerationTimeout             = 30 * time.Second
	DefaultGeneratorMaxRequestsPerSecond = 1
	DefaultGeneratorModel                = "gpt-4o-mini"

	DefaultFallbackReply = "ugh, my brain just fried for a sec. say that again?"
	DefaultGreeting      = "hey"

	DefaultMemoryFlushSchedule = "@every 5m"

	DefaultDiscordGatewayIntent = discordgo.IntentsAll

	discordMaxMessageLength = 2000
)

var (
	DefaultTriggerWords = []string{"koe", "koemi"}

	DefaultPersona = "You are Koemi, a laid-back Discord regular. " +
		"Keep replies short, casual, and lowercase unless it matters."
)

// Config is the static (file/env) configuration for the bot. Settings
// that can change at runtime live in [Settings] and are persisted to
// the database instead.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Generator configures the language-model backend
	Generator *GeneratorConfig `yaml:"generator" mapstructure:"generator" json:"generator"`

	// HTTP configures the liveness endpoint
	HTTP *HTTPConfig `yaml:"http" mapstructure:"http" json:"http"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	// (final memory flush included). After this elapses, the bot will
	// force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// MemoryFlushSchedule is a cron spec for the periodic conversation
	// memory flush (robfig/cron syntax, e.g. "@every 5m")
	MemoryFlushSchedule string `yaml:"memory_flush_schedule" mapstructure:"memory_flush_schedule" json:"memory_flush_schedule"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// TriggerWords are matched case-insensitively against incoming
	// message content; a hit triggers a reply even without a mention.
	TriggerWords []string `yaml:"trigger_words" mapstructure:"trigger_words" json:"trigger_words"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Message content and message events are
	// required for the ghost cache and trigger-word matching.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// GeneratorConfig configures the language-model backend used to
// produce replies.
//
//nolint:lll // can't break tags
type GeneratorConfig struct {
	// API token for the backend
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Model name sent with each completion request
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// BaseURL overrides the backend endpoint (e.g. a local model server)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Persona instructions prepended to every prompt
	Persona string `yaml:"persona" mapstructure:"persona" json:"persona"`

	// Timeout for a single generation call
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`

	// MaxRequestsPerSecond is the rate limit for generation API calls
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=1"`

	// Generator base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// HTTPConfig configures the liveness probe endpoint. It runs
// independently of the bot's event loop and shares no state with it.
//
//nolint:lll // can't break tags
type HTTPConfig struct {
	// The address and port on which the server should listen (e.g., "0.0.0.0:8080").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the liveness server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	generatorLogLevel := &slog.LevelVar{}
	httpLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	generatorLogLevel.Set(DefaultGeneratorLogLevel)
	httpLogLevel.Set(DefaultHTTPLogLevel)

	triggerWords := make([]string, len(DefaultTriggerWords))
	copy(triggerWords, DefaultTriggerWords)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		MemoryFlushSchedule:   DefaultMemoryFlushSchedule,
		Discord: &DiscordConfig{
			TriggerWords:      triggerWords,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Generator: &GeneratorConfig{
			Model:                DefaultGeneratorModel,
			Persona:              DefaultPersona,
			Timeout:              DefaultGenerationTimeout,
			MaxRequestsPerSecond: DefaultGeneratorMaxRequestsPerSecond,
			LogLevel:             generatorLogLevel,
		},
		HTTP: &HTTPConfig{
			Listen:            DefaultHTTPListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          httpLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

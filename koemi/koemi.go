package koemi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/koemilabs/koemi/koemi.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	structValidator = validator.New()
)

// Koemi is the top-level bot instance, wiring together the persistent
// store, the discord gateway, the generation backend, the ghost cache
// and the conversation memory manager.
type Koemi struct {
	config *Config

	db *gorm.DB

	// Store wrapper for read/write operations. When using sqlite,
	// writes are serialized behind a mutex.
	writeDB Store

	logger     *slog.Logger
	logHandler slog.Handler

	discord   *Discord
	generator Generator

	ghosts *GhostCache
	memory *Memory

	api *API

	seen   *seenMessages
	purges *purgeRegistry

	flushCron *cron.Cron

	// Cached copy of the persisted Settings singleton. Updated
	// write-through: the DB save happens before the cache swap.
	settings   Settings
	settingsMu sync.RWMutex

	// Per-channel reply-all flags, cached from the channel table.
	channels   map[string]bool
	channelsMu sync.RWMutex

	signalStop  chan struct{}
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time
}

// New creates a Koemi instance from the given config. Call Run on the
// returned instance to connect and start handling events.
func New(config *Config) (*Koemi, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	k := &Koemi{
		config:      config,
		signalReady: make(chan struct{}, 1),
		channels:    map[string]bool{},
		seen:        newSeenMessages(seenMessageClearThreshold),
		purges:      newPurgeRegistry(),
	}

	k.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     k.config.LogLevel,
			AddSource: true,
		},
	)
	k.logger = slog.New(k.logHandler)
	slog.SetDefault(k.logger)

	k.config.Discord.httpClient = k.config.HTTPClient

	disc, err := newDiscord(k.config.Discord)
	if err != nil {
		errs = append(errs, err)
	} else {
		discordgo.Logger = discordgoLoggerFunc(
			context.Background(),
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     k.config.Discord.DiscordGoLogLevel,
					AddSource: true,
				},
			).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
		)
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     k.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.k = k
		k.discord = disc
	}

	k.generator = newOpenAIGenerator(k.config.Generator, k.config.HTTPClient)
	k.ghosts = NewGhostCache(DefaultGhostCapacity, k.logger)
	k.api = newAPI(config.HTTP)

	return k, errors.Join(errs...)
}

func (k *Koemi) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = k.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

func (k *Koemi) ValidateConfig() error {
	return structValidator.Struct(k.config)
}

// initDB opens the database, runs migrations, and loads the persisted
// state (settings, reply-all channels, conversation memory) into the
// in-memory caches.
func (k *Koemi) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, k.config.DatabaseType, k.config.Database)
	if err != nil {
		// Schema setup can fail on a half-migrated database; keep
		// running so the bot stays available, and surface it loudly.
		if db == nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		k.logger.ErrorContext(ctx, "error migrating database schema", tint.Err(err))
	}
	k.db = db
	k.writeDB = NewStore(
		db,
		k.logger,
		k.config.DatabaseType == dbTypeSQLite,
	)

	settings, err := k.writeDB.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("error loading settings: %w", err)
	}
	k.settingsMu.Lock()
	k.settings = *settings
	k.settingsMu.Unlock()

	channels, err := k.writeDB.LoadChannels(ctx)
	if err != nil {
		return fmt.Errorf("error loading channels: %w", err)
	}
	k.channelsMu.Lock()
	k.channels = channels
	k.channelsMu.Unlock()

	k.memory = NewMemory(k.writeDB, DefaultTranscriptMaxTurns, k.logger)
	profiles, transcripts, err := k.writeDB.LoadMemory(ctx)
	if err != nil {
		return fmt.Errorf("error loading conversation memory: %w", err)
	}
	k.memory.Load(profiles, transcripts)

	k.logger.InfoContext(
		ctx,
		"loaded persisted state",
		"reply_all_channels", len(channels),
		"profiles", len(profiles),
		"transcripts", len(transcripts),
	)
	return nil
}

// Run connects the bot and blocks until ctx is canceled or Stop is
// called, then shuts down gracefully (final memory flush included).
func (k *Koemi) Run(ctx context.Context) error {
	// prevents concurrent runs
	k.runMu.Lock()
	defer k.runMu.Unlock()

	k.signalStop = make(chan struct{}, 1)
	k.startedAt = time.Now()
	logger := k.logger

	if err := k.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", k.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-k.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		httpErr := k.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving liveness HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, k.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- k.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	k.startFlushCron()

	k.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()

	return k.shutdown()
}

// initRun opens the database and the discord session, and registers
// handlers and slash commands.
func (k *Koemi) initRun(ctx context.Context) error {
	if err := k.initDB(ctx); err != nil {
		return err
	}

	session, err := k.discord.newSession()
	if err != nil {
		return err
	}
	k.discord.session = session
	k.discord.registerHandlers()

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err = k.discord.registerCommands(); err != nil {
		return err
	}

	return nil
}

// startFlushCron schedules the periodic conversation memory flush.
func (k *Koemi) startFlushCron() {
	schedule := k.config.MemoryFlushSchedule
	if schedule == "" {
		schedule = DefaultMemoryFlushSchedule
	}

	k.flushCron = cron.New()
	_, err := k.flushCron.AddFunc(
		schedule, func() {
			ctx := WithLogger(context.Background(), k.logger)
			if flushErr := k.memory.FlushAll(ctx); flushErr != nil {
				k.logger.ErrorContext(
					ctx,
					"error in scheduled memory flush",
					tint.Err(flushErr),
				)
			}
		},
	)
	if err != nil {
		k.logger.Error(
			"error scheduling memory flush",
			tint.Err(err),
			"schedule", schedule,
		)
		return
	}
	k.flushCron.Start()
}

// Stop signals a running Run call to begin shutting down.
func (k *Koemi) Stop() {
	if k.signalStop != nil {
		select {
		case k.signalStop <- struct{}{}:
		default:
		}
	}
}

// shutdown closes the discord session, flushes conversation memory and
// stops the liveness endpoint. Bounded by ShutdownTimeout.
func (k *Koemi) shutdown() error {
	k.logger.Warn("shutting down")

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		k.config.ShutdownTimeout,
	)
	defer closeCancel()

	if k.flushCron != nil {
		cronCtx := k.flushCron.Stop()
		select {
		case <-cronCtx.Done():
		case <-closeCtx.Done():
		}
	}

	k.discord.removeHandlers()
	if k.discord.session != nil {
		if err := k.discord.session.Close(); err != nil {
			k.logger.Error("error closing discord session", tint.Err(err))
		}
	}

	var flushErr error
	if k.memory != nil {
		flushErr = k.memory.FlushAll(WithLogger(closeCtx, k.logger))
		if flushErr != nil {
			k.logger.Error("error in final memory flush", tint.Err(flushErr))
		}
	}

	k.api.Shutdown(closeCtx)

	k.logger.Info("shutdown complete", "uptime", time.Since(k.startedAt))
	return flushErr
}

// Settings returns a copy of the current runtime settings.
func (k *Koemi) Settings() Settings {
	k.settingsMu.RLock()
	defer k.settingsMu.RUnlock()
	return k.settings
}

// updateSettings applies fn to a copy of the current settings, saves
// the result, and swaps the cache on success. Write-through: a failed
// save leaves the cached settings untouched.
func (k *Koemi) updateSettings(ctx context.Context, fn func(*Settings)) error {
	k.settingsMu.Lock()
	defer k.settingsMu.Unlock()

	updated := k.settings
	fn(&updated)
	updated.applyDefaults()

	if err := k.writeDB.SaveSettings(ctx, &updated); err != nil {
		_, logger := k.getLogger(ctx)
		logger.ErrorContext(ctx, "error saving settings", tint.Err(err))
		return err
	}
	k.settings = updated
	return nil
}

// applyPresence pushes the current settings' presence to the gateway.
func (k *Koemi) applyPresence() error {
	return k.discord.updateStatusComplex(k.Settings().statusUpdate())
}

// replyAllEnabled reports whether reply-all is active for channelID.
// Channels absent from the table default to false.
func (k *Koemi) replyAllEnabled(channelID string) bool {
	k.channelsMu.RLock()
	defer k.channelsMu.RUnlock()
	return k.channels[channelID]
}

// toggleReplyAll flips the reply-all flag for channelID and persists
// the full channel table. Returns the new state.
func (k *Koemi) toggleReplyAll(ctx context.Context, channelID string) (bool, error) {
	k.channelsMu.Lock()
	defer k.channelsMu.Unlock()

	updated := make(map[string]bool, len(k.channels)+1)
	for id, enabled := range k.channels {
		updated[id] = enabled
	}
	enabled := !updated[channelID]
	if enabled {
		updated[channelID] = true
	} else {
		delete(updated, channelID)
	}

	if err := k.writeDB.SaveChannels(ctx, updated); err != nil {
		return k.channels[channelID], err
	}
	k.channels = updated
	return enabled, nil
}

// maybeAutoReact adds the configured reaction to a message when
// auto-react is enabled. Failures are logged and otherwise ignored.
func (k *Koemi) maybeAutoReact(ctx context.Context, channelID string, messageID string) {
	settings := k.Settings()
	if !settings.AutoReact || settings.ReactEmoji == "" {
		return
	}
	if err := k.discord.session.MessageReactionAdd(
		channelID, messageID, settings.ReactEmoji,
	); err != nil {
		_, logger := k.getLogger(ctx)
		logger.WarnContext(
			ctx,
			"error auto-reacting",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", messageID,
		)
	}
}

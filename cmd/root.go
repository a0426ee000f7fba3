package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/koemilabs/koemi/koemi"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = koemi.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "koemi [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", koemi.DefaultDatabase)
	viper.SetDefault("database_type", koemi.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		koemi.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		koemi.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", koemi.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", koemi.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", koemi.DefaultShutdownTimeout)
	viper.SetDefault("memory_flush_schedule", koemi.DefaultMemoryFlushSchedule)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.trigger_words", koemi.DefaultTriggerWords)
	viper.SetDefault(
		"discord.log_level",
		koemi.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		koemi.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		koemi.DefaultDiscordGatewayIntent,
	)

	// Generator config
	viper.SetDefault("generator.token", "")
	viper.SetDefault("generator.model", koemi.DefaultGeneratorModel)
	viper.SetDefault("generator.base_url", "")
	viper.SetDefault("generator.persona", koemi.DefaultPersona)
	viper.SetDefault("generator.timeout", koemi.DefaultGenerationTimeout)
	viper.SetDefault(
		"generator.max_requests_per_second",
		koemi.DefaultGeneratorMaxRequestsPerSecond,
	)
	viper.SetDefault(
		"generator.log_level",
		koemi.DefaultGeneratorLogLevel.String(),
	)

	// Liveness endpoint config
	viper.SetDefault("http.listen", koemi.DefaultHTTPListen)
	viper.SetDefault("http.listen_network", "tcp")
	viper.SetDefault("http.log_level", koemi.DefaultHTTPLogLevel.String())
	viper.SetDefault("http.read_timeout", koemi.DefaultReadTimeout)
	viper.SetDefault(
		"http.read_header_timeout",
		koemi.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("http.write_timeout", koemi.DefaultWriteTimeout)
	viper.SetDefault("http.idle_timeout", koemi.DefaultIdleTimeout)

	envPrefix := os.Getenv(koemi.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = koemi.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.Set(
		"discord.trigger_words",
		viper.GetStringSlice("discord.trigger_words"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"generator.log_level",
		"http.log_level",
	} {
		raw := viper.GetString(key)
		if lvlVar, ok := viper.Get(key).(*slog.LevelVar); ok {
			// Converted by a previous initConfig run; the override
			// shadows the env layer, so consult the environment
			// directly before keeping the current level.
			envKey := envPrefix + "_" + strings.ToUpper(replacer.Replace(key))
			if envVal := os.Getenv(envKey); envVal != "" {
				raw = envVal
			} else {
				raw = lvlVar.Level().String()
			}
		}
		logLevelVar, err := levelStringToLevelVar(raw)
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}

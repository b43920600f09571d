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
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xrchz/xrbots/bot"
)

var (
	cfg        = bot.DefaultConfig()
	configFile string
)

// levelKeys are the settings holding log levels, decoded into
// *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"webhook_server.log_level",
	"blockies.database_log_level",
}

// listKeys are space-separated in the environment
var listKeys = []string{
	"webhook_server.cors.allow_origins",
	"vessel.visibility.broadcast_channel_ids",
	"vessel.visibility.quiet_channel_ids",
	"lsd.visibility.broadcast_channel_ids",
	"lsd.visibility.quiet_channel_ids",
}

var rootCmd = &cobra.Command{
	Use:   "xrbots [flags]",
	Short: "Discord bots for vessel positions, LSD rates and address identicons",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
	},
	SilenceUsage: true,
}

func getLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return l, nil
}

// LevelToStringHookFunc decodes log level names into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr || t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
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
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func setDefaults(defaults *bot.Config) {
	viper.SetDefault("log_level", defaults.LogLevel.Level().String())
	viper.SetDefault("development", false)
	viper.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)
	viper.SetDefault("http_timeout", defaults.HTTPTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.public_key", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", defaults.Discord.LogLevel.Level().String())
	viper.SetDefault("discord.discordgo_log_level", defaults.Discord.DiscordGoLogLevel.Level().String())
	viper.SetDefault("discord.user_agent_url", defaults.Discord.UserAgentURL)
	viper.SetDefault("discord.user_agent_version", defaults.Discord.UserAgentVersion)

	// Webhook server
	ws := defaults.WebhookServer
	viper.SetDefault("webhook_server.listen", ws.Listen)
	viper.SetDefault("webhook_server.listen_network", ws.ListenNetwork)
	viper.SetDefault("webhook_server.socket_mode", uint32(ws.SocketMode))
	viper.SetDefault("webhook_server.path", ws.Path)
	viper.SetDefault("webhook_server.public_url", "")
	viper.SetDefault("webhook_server.log_level", ws.LogLevel.Level().String())
	viper.SetDefault("webhook_server.read_timeout", ws.ReadTimeout)
	viper.SetDefault("webhook_server.read_header_timeout", ws.ReadHeaderTimeout)
	viper.SetDefault("webhook_server.write_timeout", ws.WriteTimeout)
	viper.SetDefault("webhook_server.idle_timeout", ws.IdleTimeout)
	viper.SetDefault("webhook_server.cors.allow_origins", []string{})
	viper.SetDefault("webhook_server.cors.max_age", ws.CORS.MaxAge)

	// Vessel bot
	viper.SetDefault("vessel.api_key", "")
	viper.SetDefault("vessel.url", defaults.Vessel.URL)
	viper.SetDefault("vessel.imo", defaults.Vessel.IMO)
	viper.SetDefault("vessel.command_name", defaults.Vessel.CommandName)
	viper.SetDefault("vessel.pending_message", defaults.Vessel.PendingMessage)
	viper.SetDefault("vessel.visibility.guild_id", "")
	viper.SetDefault("vessel.visibility.broadcast_channel_ids", []string{})
	viper.SetDefault("vessel.visibility.quiet_channel_ids", []string{})

	viper.SetDefault("map.enabled", false)
	viper.SetDefault("map.url_template", defaults.Map.URLTemplate)
	viper.SetDefault("map.api_key", "")
	viper.SetDefault("map.cache_size", defaults.Map.CacheSize)

	// LSD bot
	viper.SetDefault("lsd.rpc", defaults.LSD.RPC)
	viper.SetDefault("lsd.secondary_source", defaults.LSD.SecondarySource)
	viper.SetDefault("lsd.call_delay", defaults.LSD.CallDelay)
	viper.SetDefault("lsd.cow_url", defaults.LSD.CoWURL)
	viper.SetDefault("lsd.oneinch_url", defaults.LSD.OneInchURL)
	viper.SetDefault("lsd.oneinch_api_key", "")
	viper.SetDefault("lsd.command_name", defaults.LSD.CommandName)
	viper.SetDefault("lsd.pending_message", defaults.LSD.PendingMessage)
	viper.SetDefault("lsd.footer", defaults.LSD.Footer)
	viper.SetDefault("lsd.visibility.guild_id", "")
	viper.SetDefault("lsd.visibility.broadcast_channel_ids", []string{})
	viper.SetDefault("lsd.visibility.quiet_channel_ids", []string{})

	// Blockies batch
	bl := defaults.Blockies
	viper.SetDefault("blockies.database", bl.Database)
	viper.SetDefault("blockies.database_type", bl.DatabaseType)
	viper.SetDefault("blockies.database_log_level", bl.DatabaseLogLevel.Level().String())
	viper.SetDefault("blockies.database_slow_threshold", bl.DatabaseSlowThreshold)
	viper.SetDefault("blockies.rpc", bl.RPC)
	viper.SetDefault("blockies.guild_id", "")
	viper.SetDefault("blockies.address_channel_id", "")
	viper.SetDefault("blockies.verification_channel_id", "")
	viper.SetDefault("blockies.announce_channel_id", "")
	viper.SetDefault("blockies.admin_id", "")
	viper.SetDefault("blockies.posts_per_second", bl.PostsPerSecond)
	viper.SetDefault("blockies.rpc_requests_per_second", bl.RPCRequestsPerSecond)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	setDefaults(bot.DefaultConfig())

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}
	fatalErr(viper.BindEnv("webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("webhook_server.ssl.key_file"))
	fatalErr(viper.BindEnv("webhook_server.ssl.tls_min_version"))

	envPrefix := os.Getenv(bot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = bot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range listKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
	for _, key := range levelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
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

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (default .env)",
	)
}

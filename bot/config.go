//nolint:lll // struct tags can't be split
package bot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "XRBOTS_ENV_PREFIX"
	DefaultEnvPrefix   = "XB"
	DefaultLogLevel    = slog.LevelInfo

	DefaultShutdownTimeout = 30 * time.Second
	DefaultHTTPTimeout     = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultWebhookServerListen        = "127.0.0.1:5001"
	DefaultWebhookServerPath          = "/"
	DefaultWebhookServerTLSMinVersion = tls.VersionTLS12
	DefaultWebhookLogLevel            = slog.LevelInfo
	DefaultSocketMode                 = os.FileMode(0o777)
	defaultListenNetwork              = "tcp"

	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultUserAgentURL      = "https://github.com/xrchz/xrbots"
	DefaultUserAgentVersion  = "1"

	DefaultVesselURL            = "https://api.vesselfinder.com/vessels"
	DefaultVesselIMO            = "9320453"
	DefaultVesselCommandName    = "vessel"
	DefaultVesselPendingMessage = "Querying the oceans..."

	DefaultMapCacheSize = 12
	DefaultMapURL       = "https://maps.geoapify.com/v1/staticmap?style=osm-bright&width=600&height=400&center=lonlat:{lon},{lat}&zoom=4&marker=lonlat:{lon},{lat};color:%23ff0000;size:medium&apiKey={key}"

	DefaultLSDRPC             = "http://localhost:8545"
	DefaultLSDCommandName     = "lsd"
	DefaultLSDPendingMessage  = "Waiting for 1Inch..."
	DefaultLSDSecondarySource = SecondarySourceCoW
	DefaultLSDCallDelay       = 1500 * time.Millisecond
	DefaultCoWURL             = "https://api.cow.fi/mainnet/api/v1"
	DefaultOneInchURL         = "https://api.1inch.dev/swap/v6.0/1"
	DefaultLSDFooter          = "_[bot](<https://github.com/xrchz/discord>) by ramana.eth (0x65FE…092c)_"

	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the top-level configuration shared by every bot and the
// blockies batch. Each bot only reads the sections it needs.
type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Development enables gin debug mode and pprof routes
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	// ShutdownTimeout is the time allowed for in-flight follow-ups to
	// finish after the process is asked to stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=0"`

	// HTTPTimeout bounds every outbound HTTP request made with the default
	// client.
	HTTPTimeout time.Duration `yaml:"http_timeout" mapstructure:"http_timeout" json:"http_timeout" binding:"min=0"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	WebhookServer *WebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server" binding:"required"`

	Vessel *VesselConfig `yaml:"vessel" mapstructure:"vessel" json:"vessel"`

	Map *MapConfig `yaml:"map" mapstructure:"map" json:"map"`

	LSD *LSDConfig `yaml:"lsd" mapstructure:"lsd" json:"lsd"`

	Blockies *BlockiesConfig `yaml:"blockies" mapstructure:"blockies" json:"blockies"`

	HTTPClient *http.Client `log:"[redacted]" mapstructure:"-"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Client returns the HTTP client used for outbound requests, creating
// one bounded by HTTPTimeout if none was set.
func (c *Config) Client() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.HTTPTimeout}
	}
	return c.HTTPClient
}

// DiscordConfig configures the discord application the bots run as.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// The public key used for verifying Discord interaction POST requests.
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"omitempty,hexadecimal,len=64"`

	// GuildID is used when registering slash commands. Leave empty for
	// commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// UserAgentURL and UserAgentVersion make up the
	// `DiscordBot (url, version)` user agent Discord asks bots to send.
	UserAgentURL     string `yaml:"user_agent_url" mapstructure:"user_agent_url" json:"user_agent_url"`
	UserAgentVersion string `yaml:"user_agent_version" mapstructure:"user_agent_version" json:"user_agent_version"`
}

// UserAgent returns the `DiscordBot ($url, $versionNumber)` user agent.
func (c DiscordConfig) UserAgent() string {
	return "DiscordBot (" + c.UserAgentURL + ", " + c.UserAgentVersion + ")"
}

// WebhookServerConfig represents the configuration for the Discord webhook server.
type WebhookServerConfig struct {
	// The address and port (or unix socket path) on which the server should listen.
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// SocketMode is applied to the socket file when ListenNetwork is "unix"
	SocketMode os.FileMode `yaml:"socket_mode" mapstructure:"socket_mode" json:"socket_mode"`

	// Path receives interaction POSTs
	Path string `yaml:"path" mapstructure:"path" json:"path" binding:"required,startswith=/"`

	// PublicURL is the externally reachable base URL of this server, used to
	// build links to cached map images.
	PublicURL string `yaml:"public_url" mapstructure:"public_url" json:"public_url" binding:"omitempty,url"`

	// Configuration for SSL/TLS.
	SSL *SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// Cross-origin configuration for the image routes
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// The logging level for the webhook server.
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

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`

	// Path to an SSL cert key
	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	MaxAge       time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Accept"},
		MaxAge:       c.MaxAge,
	}
	if len(c.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = c.AllowOrigins
	}
	return cfg
}

// VisibilityConfig decides which channels get ephemeral replies.
// Replies are only ever ephemeral inside GuildID. If BroadcastChannelIDs
// is set, every other channel in the guild is quiet; QuietChannelIDs are
// always quiet.
type VisibilityConfig struct {
	GuildID             string   `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`
	BroadcastChannelIDs []string `yaml:"broadcast_channel_ids" mapstructure:"broadcast_channel_ids" json:"broadcast_channel_ids"`
	QuietChannelIDs     []string `yaml:"quiet_channel_ids" mapstructure:"quiet_channel_ids" json:"quiet_channel_ids"`
}

// VesselConfig configures the vessel position bot
type VesselConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`
	URL    string `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`

	// IMO is the vessel reported when the command has no `imo` option
	IMO string `yaml:"imo" mapstructure:"imo" json:"imo" binding:"required,numeric"`

	CommandName    string           `yaml:"command_name" mapstructure:"command_name" json:"command_name" binding:"required"`
	PendingMessage string           `yaml:"pending_message" mapstructure:"pending_message" json:"pending_message"`
	Visibility     VisibilityConfig `yaml:"visibility" mapstructure:"visibility" json:"visibility"`
}

// MapConfig configures static map images attached to vessel reports
type MapConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// URLTemplate is the static map URL. `{lat}`, `{lon}` and `{key}` are
	// replaced before each request.
	URLTemplate string `yaml:"url_template" mapstructure:"url_template" json:"url_template" binding:"required_if=Enabled true"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	// CacheSize is the number of map images kept in memory
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" json:"cache_size" binding:"min=1"`
}

// LSDConfig configures the liquid staking token rate bot
type LSDConfig struct {
	// RPC is an Ethereum JSON-RPC endpoint
	RPC string `yaml:"rpc" mapstructure:"rpc" json:"rpc" log:"[redacted]" binding:"required"`

	// SecondarySource picks the market rate provider: "cow" or "1inch"
	SecondarySource string `yaml:"secondary_source" mapstructure:"secondary_source" json:"secondary_source" binding:"oneof=cow 1inch"`

	// CallDelay is the minimum spacing between secondary rate requests
	CallDelay time.Duration `yaml:"call_delay" mapstructure:"call_delay" json:"call_delay" binding:"min=0"`

	CoWURL        string `yaml:"cow_url" mapstructure:"cow_url" json:"cow_url" binding:"required,url"`
	OneInchURL    string `yaml:"oneinch_url" mapstructure:"oneinch_url" json:"oneinch_url" binding:"required,url"`
	OneInchAPIKey string `yaml:"oneinch_api_key" mapstructure:"oneinch_api_key" json:"oneinch_api_key" log:"[redacted]"`

	CommandName    string           `yaml:"command_name" mapstructure:"command_name" json:"command_name" binding:"required"`
	PendingMessage string           `yaml:"pending_message" mapstructure:"pending_message" json:"pending_message"`
	Footer         string           `yaml:"footer" mapstructure:"footer" json:"footer"`
	Visibility     VisibilityConfig `yaml:"visibility" mapstructure:"visibility" json:"visibility"`
}

// BlockiesConfig configures the offline address/identicon batch
type BlockiesConfig struct {
	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType is either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel      *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`
	DatabaseSlowThreshold time.Duration  `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// RPC is an Ethereum JSON-RPC endpoint used for ENS
	RPC string `yaml:"rpc" mapstructure:"rpc" json:"rpc" log:"[redacted]"`

	GuildID               string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`
	AddressChannelID      string `yaml:"address_channel_id" mapstructure:"address_channel_id" json:"address_channel_id"`
	VerificationChannelID string `yaml:"verification_channel_id" mapstructure:"verification_channel_id" json:"verification_channel_id"`
	AnnounceChannelID     string `yaml:"announce_channel_id" mapstructure:"announce_channel_id" json:"announce_channel_id"`
	AdminID               string `yaml:"admin_id" mapstructure:"admin_id" json:"admin_id"`

	// PostsPerSecond paces messages posted by the batch
	PostsPerSecond int `yaml:"posts_per_second" mapstructure:"posts_per_second" json:"posts_per_second" binding:"min=1"`

	// RPCRequestsPerSecond paces ENS lookups sent to the RPC endpoint.
	// Zero means unlimited.
	RPCRequestsPerSecond float64 `yaml:"rpc_requests_per_second" mapstructure:"rpc_requests_per_second" json:"rpc_requests_per_second" binding:"min=0"`
}

const (
	SecondarySourceCoW     = "cow"
	SecondarySourceOneInch = "1inch"

	DefaultBlockiesDatabaseType   = "sqlite"
	DefaultBlockiesDatabase       = "blockies.sqlite3"
	DefaultBlockiesDatabaseLevel  = slog.LevelWarn
	DefaultBlockiesSlowThreshold  = 200 * time.Millisecond
	DefaultBlockiesPostsPerSecond = 1
	DefaultBlockiesRPCPerSecond   = 10
)

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	webhookLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	webhookLogLevel.Set(DefaultWebhookLogLevel)
	dbLogLevel.Set(DefaultBlockiesDatabaseLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		ShutdownTimeout: DefaultShutdownTimeout,
		HTTPTimeout:     DefaultHTTPTimeout,
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			UserAgentURL:      DefaultUserAgentURL,
			UserAgentVersion:  DefaultUserAgentVersion,
		},
		WebhookServer: &WebhookServerConfig{
			Listen:            DefaultWebhookServerListen,
			ListenNetwork:     defaultListenNetwork,
			SocketMode:        DefaultSocketMode,
			Path:              DefaultWebhookServerPath,
			LogLevel:          webhookLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              CORSConfig{MaxAge: DefaultCORSMaxAge},
		},
		Vessel: &VesselConfig{
			URL:            DefaultVesselURL,
			IMO:            DefaultVesselIMO,
			CommandName:    DefaultVesselCommandName,
			PendingMessage: DefaultVesselPendingMessage,
		},
		Map: &MapConfig{
			URLTemplate: DefaultMapURL,
			CacheSize:   DefaultMapCacheSize,
		},
		LSD: &LSDConfig{
			RPC:             DefaultLSDRPC,
			SecondarySource: DefaultLSDSecondarySource,
			CallDelay:       DefaultLSDCallDelay,
			CoWURL:          DefaultCoWURL,
			OneInchURL:      DefaultOneInchURL,
			CommandName:     DefaultLSDCommandName,
			PendingMessage:  DefaultLSDPendingMessage,
			Footer:          DefaultLSDFooter,
		},
		Blockies: &BlockiesConfig{
			Database:              DefaultBlockiesDatabase,
			DatabaseType:          DefaultBlockiesDatabaseType,
			DatabaseLogLevel:      dbLogLevel,
			DatabaseSlowThreshold: DefaultBlockiesSlowThreshold,
			RPC:                   DefaultLSDRPC,
			PostsPerSecond:        DefaultBlockiesPostsPerSecond,
			RPCRequestsPerSecond:  DefaultBlockiesRPCPerSecond,
		},
	}
}

// ValidateConfig checks the given config against its `binding` tags.
func ValidateConfig(c *Config) error {
	return structValidator.Struct(c)
}

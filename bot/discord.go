package bot

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DiscordSessionHandler defines the methods from `discordgo.Session` used
// by the bots, so tests can stub them.
type DiscordSessionHandler interface {
	// InteractionResponseEdit edits the original (deferred) interaction
	// response, via PATCH /webhooks/{app}/{token}/messages/@original
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
}

// Discord holds the REST session and the key used to verify webhook
// requests.
type Discord struct {
	session   DiscordSessionHandler
	config    *DiscordConfig
	logger    *slog.Logger
	publicKey ed25519.PublicKey

	metricFollowupsSent   atomic.Int64
	metricFollowupsFailed atomic.Int64
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig, logger *slog.Logger) (*Discord, error) {
	d := &Discord{config: config, logger: logger}
	if config.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key length: %d", len(publicKey))
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}
	return d, nil
}

// NewSession creates a discordgo REST session (no gateway connection)
// using the configured token, user agent and HTTP client.
func NewSession(config *DiscordConfig, client *http.Client) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.StateEnabled = false
	session.UserAgent = config.UserAgent()
	if client != nil {
		session.Client = client
	}
	return session, nil
}

// ackResponse is the deferred acknowledgement sent as soon as an
// application command arrives.
func ackResponse(content string, ephemeral, suppressEmbeds bool) *discordgo.InteractionResponse {
	var flags discordgo.MessageFlags
	if suppressEmbeds {
		flags |= discordgo.MessageFlagsSuppressEmbeds
	}
	if ephemeral {
		flags |= discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	}
}

// sendFollowup replaces the deferred response with the final message.
// Failures are logged; there's nobody left to report them to.
func (d *Discord) sendFollowup(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	edit *discordgo.WebhookEdit,
) error {
	logger := contextLoggerOrDefault(ctx, d.logger)
	_, err := d.session.InteractionResponseEdit(
		i.Interaction,
		edit,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		d.metricFollowupsFailed.Add(1)
		logger.ErrorContext(ctx, "error sending follow-up", tint.Err(err))
		return err
	}
	d.metricFollowupsSent.Add(1)
	logger.InfoContext(ctx, "sent follow-up")
	return nil
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	for _, c := range created {
		d.logger.Info("created command", "id", c.ID, "name", c.Name)
	}
	return created, nil
}

// slashCommand returns a chat input command, usable in DMs as well as
// guilds
func slashCommand(
	name string,
	description string,
	options ...*discordgo.ApplicationCommandOption,
) *discordgo.ApplicationCommand {
	dmPermission := true
	return &discordgo.ApplicationCommand{
		Name:         name,
		Description:  description,
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: &dmPermission,
		Options:      options,
	}
}

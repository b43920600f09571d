package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/xrchz/xrbots/bot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const unknownCommandMessage = "Unknown command"

// Command is a slash command served by a [Bot].
type Command interface {
	// ApplicationCommand is the definition registered with Discord
	ApplicationCommand() *discordgo.ApplicationCommand

	// PendingMessage is shown while the follow-up is being prepared
	PendingMessage() string

	// Visibility decides whether replies are ephemeral
	Visibility() VisibilityConfig

	// Execute fetches whatever the command reports on, and returns the
	// follow-up to replace the deferred response with. A returned error
	// is shown to the user as a short message instead.
	Execute(ctx context.Context, i *discordgo.InteractionCreate) (*discordgo.WebhookEdit, error)
}

// embedder is implemented by commands whose follow-up carries embeds,
// which the deferred response must not suppress.
type embedder interface {
	followupEmbeds()
}

// Bot answers one slash command received over the interactions webhook.
// Each application command is acknowledged immediately with a deferred
// response, then the command runs in its own goroutine and sends exactly
// one follow-up.
type Bot struct {
	config  *Config
	command Command

	discord       *Discord
	webhookServer *WebhookServer

	// Handler for interactions received via webhook. Set by Run, with
	// the runtime context.
	webhookInteractionHandler gin.HandlerFunc

	logger     *slog.Logger
	logHandler slog.Handler

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// tracks follow-ups still being prepared or sent
	followups sync.WaitGroup

	metricInteractions    atomic.Int64
	metricCommandsFailed  atomic.Int64
	metricCommandsHandled atomic.Int64
}

// New creates a Bot serving command. If any errors occur during
// initialization, they're collected and returned as a single error.
func New(config *Config, command Command) (*Bot, error) {
	if command == nil {
		return nil, errors.New("nil command")
	}
	b := &Bot{config: config, command: command}
	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler).With(
		"command", command.ApplicationCommand().Name,
	)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	var errs []error

	disc, err := newDiscord(
		config.Discord,
		slog.New(newLogHandler(config.Discord.LogLevel)).With(loggerNameKey, "discord"),
	)
	if err != nil {
		return nil, err
	}
	session, err := NewSession(config.Discord, config.Client())
	if err != nil {
		errs = append(errs, err)
	}
	disc.session = session
	b.discord = disc

	b.webhookInteractionHandler = webhookReceiveHandler(context.Background(), b)
	ws, err := newWebhookServer(b)
	if err != nil {
		errs = append(errs, err)
	}
	b.webhookServer = ws

	if err = errors.Join(errs...); err != nil {
		return nil, err
	}
	return b, nil
}

// RegisterCommands overwrites the application's commands with this bot's
// command.
func (b *Bot) RegisterCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(
		[]*discordgo.ApplicationCommand{b.command.ApplicationCommand()},
		options...,
	)
}

// Run serves the interactions webhook until ctx is canceled, then waits
// (up to the shutdown timeout) for in-flight follow-ups.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger
	if err := ValidateConfig(b.config); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}
	if len(b.discord.publicKey) == 0 {
		return errors.New("discord public key is required to verify interactions")
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.webhookInteractionHandler = webhookReceiveHandler(ctx, b)
	logger.LogAttrs(
		ctx, slog.LevelInfo, "starting",
		slog.Any("config", b.config),
		slog.String("version", Version),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- b.webhookServer.Serve(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Warn("context canceled, shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("error serving webhook", tint.Err(err))
			runErr = err
		}
	}

	return errors.Join(runErr, b.shutdown(ctx))
}

// shutdown stops the webhook server, then waits for follow-ups already
// started.
func (b *Bot) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		b.config.ShutdownTimeout,
	)
	defer cancel()

	var errs []error
	if err := b.webhookServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("error shutting down webhook server: %w", err))
	}

	done := make(chan struct{})
	go func() {
		b.followups.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("waiting for follow-ups: %w", shutdownCtx.Err()))
	}

	err := errors.Join(errs...)
	if err != nil {
		b.logger.Error("shutdown finished with errors", tint.Err(err))
	} else {
		b.logger.Info(
			"shutdown complete",
			"interactions", b.metricInteractions.Load(),
			"commands_handled", b.metricCommandsHandled.Load(),
			"commands_failed", b.metricCommandsFailed.Load(),
			"followups_sent", b.discord.metricFollowupsSent.Load(),
			"followups_failed", b.discord.metricFollowupsFailed.Load(),
		)
	}
	return err
}

// handleInteraction returns the immediate response for the interaction.
// For application commands, it also returns the func starting the
// follow-up, to be called once the acknowledgement has been written.
// A nil response means the interaction type isn't supported.
func (b *Bot) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.InteractionResponse, func()) {
	b.metricInteractions.Add(1)
	logger := contextLoggerOrDefault(ctx, b.logger).With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, logger)

	switch i.Type {
	case discordgo.InteractionPing:
		logger.DebugContext(ctx, "received ping")
		return &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong}, nil
	case discordgo.InteractionApplicationCommand:
		if name := i.ApplicationCommandData().Name; name != b.command.ApplicationCommand().Name {
			logger.WarnContext(ctx, "received unknown command")
			return &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: unknownCommandMessage,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			}, nil
		}

		ephemeral := b.command.Visibility().isEphemeral(i.GuildID, i.ChannelID)
		logger.InfoContext(ctx, "received command", "ephemeral", ephemeral)

		b.followups.Add(1)
		start := func() {
			go func() {
				defer b.followups.Done()
				defer func() {
					if rc := recover(); rc != nil {
						b.handleRecover(ctx, rc)
					}
				}()
				b.runCommand(ctx, i)
			}()
		}
		_, withEmbeds := b.command.(embedder)
		return ackResponse(b.command.PendingMessage(), ephemeral, !withEmbeds), start
	default:
		logger.WarnContext(ctx, "unsupported interaction type")
		return nil, nil
	}
}

// runCommand executes the command and sends its follow-up. When the
// command fails, the follow-up carries the short error message instead.
// The follow-up is still sent if the runtime context is canceled.
func (b *Bot) runCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	ctx = context.WithoutCancel(ctx)
	logger := contextLoggerOrDefault(ctx, b.logger)
	start := time.Now()

	edit, err := b.execute(ctx, i)
	if err == nil && edit == nil {
		err = errors.New("command returned no response")
	}
	if err != nil {
		b.metricCommandsFailed.Add(1)
		logger.ErrorContext(ctx, "command failed", tint.Err(err))
		msg := userMessage(err)
		edit = &discordgo.WebhookEdit{Content: &msg}
	} else {
		b.metricCommandsHandled.Add(1)
	}

	if sendErr := b.discord.sendFollowup(ctx, i, edit); sendErr != nil {
		return
	}
	logger.InfoContext(
		ctx, "interaction finished",
		"duration", time.Since(start),
		"failed", err != nil,
	)
}

// execute runs the command, turning a panic into an error so the
// follow-up still reports the failure.
func (b *Bot) execute(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (edit *discordgo.WebhookEdit, err error) {
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
			edit, err = nil, fmt.Errorf("panic: %v", rc)
		}
	}()
	return b.command.Execute(ctx, i)
}

// handleRecover logs a recovered panic along with the stack trace
func (b *Bot) handleRecover(ctx context.Context, rc any) {
	logger := contextLoggerOrDefault(ctx, b.logger)
	stackTrace := string(debug.Stack())

	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

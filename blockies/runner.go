package blockies

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bwmarrin/discordgo"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/tint"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xrchz/xrbots/bot"
	"github.com/xrchz/xrbots/chain"
)

const (
	// messagePageSize is the most messages discord returns per request
	messagePageSize = 100

	// paymentSearchDepth is how many recent verification channel messages
	// are searched for the payment message
	paymentSearchDepth = 5

	resolveConcurrency = 8

	etherscanAddressURL = "https://etherscan.io/address/"
	iconDimension       = IconSize * IconScale
)

// ErrNoPaymentMessage is returned by Verify when none of the recent
// verification channel messages is a payment message.
var ErrNoPaymentMessage = errors.New("no payment message found")

// Session is the part of *discordgo.Session the batch uses
type Session interface {
	ChannelMessages(
		channelID string,
		limit int,
		beforeID, afterID, aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// NameResolver resolves ENS names in both directions
type NameResolver interface {
	Resolve(ctx context.Context, name string) (common.Address, error)
	LookupAddress(ctx context.Context, addr common.Address) (string, error)
}

var _ NameResolver = (*chain.ENS)(nil)

// Runner reads addresses users posted in the address channel, and posts
// identicon embeds for them: one per payment line (Verify), or one per
// address not yet announced (Announce).
type Runner struct {
	config  *bot.BlockiesConfig
	session Session
	store   *Store
	ens     NameResolver
	limiter ratelimit.Limiter
	rpc     *rate.Limiter
	logger  *slog.Logger
}

func NewRunner(
	config *bot.BlockiesConfig,
	session Session,
	store *Store,
	ens NameResolver,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	rpcLimit := rate.Inf
	if config.RPCRequestsPerSecond > 0 {
		rpcLimit = rate.Limit(config.RPCRequestsPerSecond)
	}
	return &Runner{
		config:  config,
		session: session,
		store:   store,
		ens:     ens,
		limiter: ratelimit.New(config.PostsPerSecond, ratelimit.WithoutSlack),
		rpc:     rate.NewLimiter(rpcLimit, 1),
		logger:  logger.With(loggerNameKey, "blockies"),
	}
}

// Sync stores messages posted in the address channel since the newest
// stored one, and returns how many were fetched.
func (r *Runner) Sync(ctx context.Context) (int, error) {
	after, err := r.store.LatestMessageID(ctx)
	if err != nil {
		return 0, fmt.Errorf("error reading latest message: %w", err)
	}
	r.logger.InfoContext(ctx, "reading address channel", "after", after)

	var fetched []*discordgo.Message
	before := ""
	for {
		page, err := r.session.ChannelMessages(
			r.config.AddressChannelID,
			messagePageSize,
			before,
			after,
			"",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return 0, fmt.Errorf("error reading address channel: %w", err)
		}
		fetched = append(fetched, page...)
		if len(page) < messagePageSize {
			break
		}
		// with a known message, page forward from it; otherwise page back
		// through the channel's history
		if after != "" {
			after = newestID(page)
		} else {
			before = oldestID(page)
		}
	}

	messages := make([]AddressMessage, 0, len(fetched))
	for _, m := range fetched {
		if m.Author == nil {
			continue
		}
		messages = append(
			messages, AddressMessage{
				ID:         m.ID,
				Snowflake:  snowflake(m.ID),
				ChannelID:  m.ChannelID,
				AuthorID:   m.Author.ID,
				AuthorName: m.Author.Username,
				Content:    m.Content,
				Timestamp:  m.Timestamp.UnixMilli(),
			},
		)
	}
	if err = r.store.SaveMessages(ctx, messages); err != nil {
		return 0, fmt.Errorf("error saving messages: %w", err)
	}
	r.logger.InfoContext(ctx, "read address channel", "new_messages", len(messages))
	return len(messages), nil
}

type addressCandidate struct {
	message     AddressMessage
	possibleENS string
	address     common.Address
}

// Addresses returns one AddressIcon per distinct (user, address) posted in
// the stored messages, newest message first. Each address's identicon is
// rendered and stored if it wasn't already.
func (r *Runner) Addresses(ctx context.Context) ([]AddressIcon, error) {
	messages, err := r.store.Messages(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]addressCandidate, len(messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for idx, m := range messages {
		candidates[idx].message = m
		candidates[idx].possibleENS = ensPattern.FindString(m.Content)
		if raw := addressPattern.FindString(m.Content); raw != "" {
			candidates[idx].address = common.HexToAddress(raw)
			continue
		}
		if candidates[idx].possibleENS == "" {
			continue
		}
		g.Go(
			func() error {
				name := candidates[idx].possibleENS
				if err := r.rpc.Wait(gctx); err != nil {
					return err
				}
				addr, err := r.ens.Resolve(gctx, name)
				if err != nil {
					r.logger.DebugContext(gctx, "unresolved ENS candidate", "name", name, tint.Err(err))
					return gctx.Err()
				}
				candidates[idx].address = addr
				return nil
			},
		)
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	seen := map[string]map[common.Address]bool{}
	var icons []AddressIcon
	for _, c := range candidates {
		if c.address == (common.Address{}) {
			continue
		}
		user := c.message.AuthorID
		if seen[user] == nil {
			seen[user] = map[common.Address]bool{}
		}
		if seen[user][c.address] {
			continue
		}
		seen[user][c.address] = true
		icons = append(
			icons, AddressIcon{
				UserID:      user,
				UserName:    c.message.AuthorName,
				Address:     c.address,
				PossibleENS: c.possibleENS,
				MessageID:   c.message.ID,
			},
		)
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for idx := range icons {
		g.Go(
			func() error {
				if err := r.rpc.Wait(gctx); err != nil {
					return err
				}
				name, err := r.ens.LookupAddress(gctx, icons[idx].Address)
				if err != nil {
					if !errors.Is(err, chain.ErrNameNotFound) && !errors.Is(err, chain.ErrNoResolver) {
						r.logger.WarnContext(gctx, "error looking up ENS name", tint.Err(err))
					}
					return gctx.Err()
				}
				icons[idx].ENS = name
				return nil
			},
		)
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	for idx := range icons {
		data, err := r.store.IconPNG(ctx, icons[idx].Address)
		if err != nil {
			return nil, err
		}
		icons[idx].png = data
	}
	r.logger.InfoContext(ctx, "collected addresses", "messages", len(messages), "addresses", len(icons))
	return icons, nil
}

// Verify classifies each line of the newest payment message against the
// known addresses, and posts the result for every line to the
// verification channel.
func (r *Runner) Verify(ctx context.Context) ([]PaymentItem, error) {
	if _, err := r.Sync(ctx); err != nil {
		return nil, err
	}
	icons, err := r.Addresses(ctx)
	if err != nil {
		return nil, err
	}

	recent, err := r.session.ChannelMessages(
		r.config.VerificationChannelID,
		paymentSearchDepth,
		"",
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error reading verification channel: %w", err)
	}
	payment := FindPaymentMessage(recent, r.config.AdminID)
	if payment == nil {
		return nil, ErrNoPaymentMessage
	}
	lines := PaymentLines(payment.Content)
	r.logger.InfoContext(ctx, "found payment message", "message_id", payment.ID, "lines", len(lines))

	items := make([]PaymentItem, 0, len(lines))
	var postErrors []error
	for _, line := range lines {
		item := ClassifyPayment(line, icons)
		items = append(items, item)

		posted, err := r.post(ctx, r.config.VerificationChannelID, r.verificationMessage(item))
		if err != nil {
			r.logger.ErrorContext(ctx, "error posting payment line", "line", line, tint.Err(err))
			postErrors = append(postErrors, err)
			continue
		}
		record := &VerificationPost{
			PaymentMessageID: payment.ID,
			Line:             line,
			Reason:           item.Reason,
			MessageID:        posted.ID,
		}
		if item.Match != nil {
			record.UserID = item.Match.UserID
			record.Address = item.Match.Address.Hex()
		}
		if err = r.store.RecordVerification(ctx, record); err != nil {
			postErrors = append(postErrors, err)
		}
	}
	return items, errors.Join(postErrors...)
}

// Announce posts every address not yet announced to the announcement
// channel, and returns the addresses it announced.
func (r *Runner) Announce(ctx context.Context) ([]AddressIcon, error) {
	if _, err := r.Sync(ctx); err != nil {
		return nil, err
	}
	icons, err := r.Addresses(ctx)
	if err != nil {
		return nil, err
	}

	var announced []AddressIcon
	for _, icon := range icons {
		done, err := r.store.Announced(ctx, icon.UserID, icon.Address)
		if err != nil {
			return announced, err
		}
		if done {
			continue
		}

		msg := r.addressMessage(icon, "Address for "+icon.UserName, icon.description())
		posted, err := r.post(ctx, r.config.AnnounceChannelID, msg)
		if err != nil {
			return announced, fmt.Errorf("error announcing %s: %w", icon.Address.Hex(), err)
		}
		err = r.store.RecordAnnouncement(
			ctx, &Announcement{
				UserID:    icon.UserID,
				Address:   icon.Address.Hex(),
				MessageID: posted.ID,
			},
		)
		if err != nil {
			return announced, err
		}
		announced = append(announced, icon)
	}
	r.logger.InfoContext(ctx, "announced addresses", "count", len(announced))
	return announced, nil
}

// post sends a message, waiting for the post rate limit first
func (r *Runner) post(ctx context.Context, channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	r.limiter.Take()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
}

func (r *Runner) verificationMessage(item PaymentItem) *discordgo.MessageSend {
	if item.Match == nil {
		return &discordgo.MessageSend{
			Embeds:          []*discordgo.MessageEmbed{{Title: item.Line, Description: item.Reason}},
			AllowedMentions: noMentions(),
		}
	}
	m := item.Match
	description := fmt.Sprintf(
		"%s https://discord.com/channels/%s/%s/%s",
		m.description(),
		r.config.GuildID,
		r.config.AddressChannelID,
		m.MessageID,
	)
	return r.addressMessage(*m, item.Line, description)
}

// addressMessage is an embed linking to the address on etherscan, with its
// identicon attached as the thumbnail
func (r *Runner) addressMessage(icon AddressIcon, title, description string) *discordgo.MessageSend {
	filename := icon.Address.Hex() + ".png"
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       title,
				Description: description,
				URL:         etherscanAddressURL + icon.Address.Hex(),
				Thumbnail: &discordgo.MessageEmbedThumbnail{
					URL:    "attachment://" + filename,
					Width:  iconDimension,
					Height: iconDimension,
				},
			},
		},
		Files: []*discordgo.File{
			{
				Name:        filename,
				ContentType: "image/png",
				Reader:      bytes.NewReader(icon.png),
			},
		},
		AllowedMentions: noMentions(),
	}
}

func (a AddressIcon) description() string {
	s := fmt.Sprintf("<@%s>: %s", a.UserID, a.Address.Hex())
	if a.ENS != "" {
		s += " (" + a.ENS + ")"
	}
	return s
}

func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

func newestID(messages []*discordgo.Message) string {
	m := slices.MaxFunc(
		messages, func(a, b *discordgo.Message) int {
			return compareSnowflakes(a.ID, b.ID)
		},
	)
	return m.ID
}

func oldestID(messages []*discordgo.Message) string {
	m := slices.MinFunc(
		messages, func(a, b *discordgo.Message) int {
			return compareSnowflakes(a.ID, b.ID)
		},
	)
	return m.ID
}

func compareSnowflakes(a, b string) int {
	x, y := snowflake(a), snowflake(b)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/xrchz/xrbots/chain"
)

// percentageDecimals is the precision premiums and discounts are shown with
const percentageDecimals = 3

var lsdRateABI = chain.MustParseABI(`[
	{"type":"function","name":"getExchangeRate","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"convertToAssets","stateMutability":"view",
	 "inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"stEthPerToken","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getRate","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"swETHToETHRate","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"exchangeRate","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]}
]`)

// LSDToken is a liquid staking token and the view call giving its
// redemption rate in ETH.
type LSDToken struct {
	Symbol  string
	Address common.Address

	// RateContract is called for the primary rate. It's the token itself
	// unless set.
	RateContract common.Address
	RateMethod   string
	RateArgs     []any

	// Link points to where the token can be minted
	Link string
}

func (t LSDToken) rateContract() common.Address {
	if t.RateContract == (common.Address{}) {
		return t.Address
	}
	return t.RateContract
}

// LSDTokens are the tokens reported by the LSD command, in report order
var LSDTokens = []LSDToken{
	{
		Symbol:     "rETH",
		Address:    common.HexToAddress("0xae78736Cd615f374D3085123A210448E74Fc6393"),
		RateMethod: "getExchangeRate",
		Link:       "https://stake.rocketpool.net",
	},
	{
		Symbol:       "osETH",
		Address:      common.HexToAddress("0xf1C9acDc66974dFB6dEcB12aA385b9cD01190E38"),
		RateContract: common.HexToAddress("0x2A261e60FB14586B474C208b1B7AC6D0f5000306"),
		RateMethod:   "convertToAssets",
		RateArgs:     []any{chain.OneEther()},
		Link:         "https://app.stakewise.io/",
	},
	{
		Symbol:     "wstETH",
		Address:    common.HexToAddress("0x7f39C581F595B53c5cb19bD0b3f8dA6c935E2Ca0"),
		RateMethod: "stEthPerToken",
		Link:       "https://stake.lido.fi/wrap",
	},
	{
		Symbol:     "weETH",
		Address:    common.HexToAddress("0xcd5fe23c85820f7b72d0926fc9b05b43e359b7ee"),
		RateMethod: "getRate",
		Link:       "https://www.ether.fi/stake",
	},
	{
		Symbol:     "swETH",
		Address:    common.HexToAddress("0xf951E335afb289353dc249e82926178EaC7DEd78"),
		RateMethod: "swETHToETHRate",
		Link:       "https://app.swellnetwork.io",
	},
	{
		Symbol:     "cbETH",
		Address:    common.HexToAddress("0xbe9895146f7af43049ca1c1ae358b0541ea49704"),
		RateMethod: "exchangeRate",
		Link:       "https://www.coinbase.com/cbeth/whitepaper",
	},
}

// LSDCommand reports primary (on-chain) and secondary (market) exchange
// rates for liquid staking tokens.
type LSDCommand struct {
	config    *LSDConfig
	tokens    []LSDToken
	caller    chain.Caller
	secondary SecondaryRateSource
	logger    *slog.Logger
}

// NewLSDCommand returns the LSD command, reading primary rates through
// caller.
func NewLSDCommand(config *Config, caller chain.Caller) (*LSDCommand, error) {
	if caller == nil {
		return nil, fmt.Errorf("lsd: nil contract caller")
	}
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "lsd")
	secondary, err := NewSecondaryRateSource(config.LSD, config.Client(), logger)
	if err != nil {
		return nil, fmt.Errorf("lsd: %w", err)
	}
	return &LSDCommand{
		config:    config.LSD,
		tokens:    LSDTokens,
		caller:    caller,
		secondary: secondary,
		logger:    logger,
	}, nil
}

func (l *LSDCommand) ApplicationCommand() *discordgo.ApplicationCommand {
	return slashCommand(l.config.CommandName, "Liquid staking token exchange rates")
}

func (l *LSDCommand) PendingMessage() string {
	return l.config.PendingMessage
}

func (l *LSDCommand) Visibility() VisibilityConfig {
	return l.config.Visibility
}

// Execute reads every rate and formats the report. Individual rate
// failures are shown inline, so Execute itself doesn't fail.
func (l *LSDCommand) Execute(
	ctx context.Context,
	_ *discordgo.InteractionCreate,
) (*discordgo.WebhookEdit, error) {
	content := l.Report(l.Quotes(ctx))
	return &discordgo.WebhookEdit{Content: &content}, nil
}

// RateQuote holds both rates for one token. A nil rate has its error set.
type RateQuote struct {
	Token        LSDToken
	Primary      *big.Int
	PrimaryErr   error
	Secondary    *big.Int
	SecondaryErr error
}

// Quotes reads primary rates concurrently and queues secondary rates on
// the source's limiter, in token order.
func (l *LSDCommand) Quotes(ctx context.Context) []RateQuote {
	logger := contextLoggerOrDefault(ctx, l.logger)
	quotes := make([]RateQuote, len(l.tokens))

	secondary := make([]*Future[*big.Int], len(l.tokens))
	for idx, token := range l.tokens {
		quotes[idx].Token = token
		secondary[idx] = l.secondary.QueueRate(ctx, token.Address)
	}

	var g errgroup.Group
	for idx, token := range l.tokens {
		g.Go(
			func() error {
				quotes[idx].Primary, quotes[idx].PrimaryErr = chain.CallUint256(
					ctx,
					l.caller,
					lsdRateABI,
					token.rateContract(),
					token.RateMethod,
					token.RateArgs...,
				)
				return nil
			},
		)
	}
	_ = g.Wait()

	for idx, f := range secondary {
		quotes[idx].Secondary, quotes[idx].SecondaryErr = f.Wait(ctx)
	}

	for _, q := range quotes {
		if q.PrimaryErr != nil {
			logger.WarnContext(ctx, "error reading primary rate", "token", q.Token.Symbol, "error", q.PrimaryErr)
		}
		if q.SecondaryErr != nil {
			logger.WarnContext(ctx, "error reading secondary rate", "token", q.Token.Symbol, "error", q.SecondaryErr)
		}
	}
	return quotes
}

// Report formats quotes as the follow-up message
func (l *LSDCommand) Report(quotes []RateQuote) string {
	lines := make([]string, 0, 2*len(quotes)+3)
	lines = append(lines, "_Primary_")
	for _, q := range quotes {
		lines = append(
			lines,
			fmt.Sprintf("**[1 %s = %s](<%s>)**", q.Token.Symbol, rateString(q.Primary, q.PrimaryErr), q.Token.Link),
		)
	}
	lines = append(lines, fmt.Sprintf("_Secondary (%s)_", l.secondary.Label()))
	for _, q := range quotes {
		c := compareRates(q)
		lines = append(
			lines,
			fmt.Sprintf(
				"**[1 %s = %s](<%s>)** (%s%% %s)",
				q.Token.Symbol,
				rateString(q.Secondary, q.SecondaryErr),
				l.secondary.SwapURL(c.pair),
				c.percentage,
				c.direction,
			),
		)
	}
	if l.config.Footer != "" {
		lines = append(lines, l.config.Footer)
	}
	return strings.Join(lines, "\n")
}

// rateString shows a rate in ETH rounded down to 6 decimals, or the error
// that prevented reading it.
func rateString(rate *big.Int, err error) string {
	if err != nil || rate == nil {
		if err == nil {
			err = fmt.Errorf("no rate")
		}
		return "error " + errorReason(err)
	}
	return chain.FormatEther(chain.TruncateUnits(rate, chain.EtherDecimals-6)) + " ETH"
}

type rateComparison struct {
	percentage string
	direction  string
	pair       string
}

// compareRates gives the market premium or discount relative to the
// primary rate, and the swap pair that profits from it.
func compareRates(q RateQuote) rateComparison {
	addr := q.Token.Address.Hex()
	p, s := q.Primary, q.Secondary
	if q.PrimaryErr != nil || q.SecondaryErr != nil || p == nil || s == nil || p.Sign() == 0 {
		return rateComparison{direction: "?", pair: "WETH/" + addr}
	}

	diff := new(big.Int).Sub(p, s)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(100*1000))
	diff.Quo(diff, p)
	pct := chain.FormatUnits(diff, percentageDecimals)

	if p.Cmp(s) <= 0 {
		return rateComparison{percentage: pct, direction: "premium", pair: addr + "/WETH"}
	}
	return rateComparison{percentage: pct, direction: "discount", pair: "WETH/" + addr}
}

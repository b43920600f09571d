package bot

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xrchz/xrbots/chain"
)

// nativeETH is the placeholder address aggregators use for ether itself
var nativeETH = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// SecondaryRateSource quotes market exchange rates from a price
// aggregator. Quotes are requested through a SerialLimiter.
type SecondaryRateSource interface {
	// Label names the source in the report
	Label() string

	// SwapURL links to a swap of the given pair on the source's app
	SwapURL(pair string) string

	// QueueRate queues a request for the price of one token, in wei. Queued
	// requests run in the order QueueRate was called.
	QueueRate(ctx context.Context, token common.Address) *Future[*big.Int]
}

// NewSecondaryRateSource returns the source named by config.SecondarySource
func NewSecondaryRateSource(
	config *LSDConfig,
	client *http.Client,
	logger *slog.Logger,
) (SecondaryRateSource, error) {
	limiter := NewSerialLimiter(config.CallDelay, logger.With(loggerNameKey, "limiter"))
	switch config.SecondarySource {
	case SecondarySourceCoW, "":
		return &cowSource{
			baseURL: strings.TrimSuffix(config.CoWURL, "/"),
			client:  client,
			limiter: limiter,
		}, nil
	case SecondarySourceOneInch:
		return &oneInchSource{
			baseURL: strings.TrimSuffix(config.OneInchURL, "/"),
			apiKey:  config.OneInchAPIKey,
			client:  client,
			limiter: limiter,
		}, nil
	default:
		return nil, fmt.Errorf("unknown secondary source %q", config.SecondarySource)
	}
}

// cowSource prices tokens with the CoW Protocol native price endpoint
type cowSource struct {
	baseURL string
	client  *http.Client
	limiter *SerialLimiter
}

type cowNativePrice struct {
	Price float64 `json:"price"`
}

func (*cowSource) Label() string {
	return "CoW Protocol"
}

func (*cowSource) SwapURL(pair string) string {
	return "https://swap.cow.fi/#/1/swap/" + pair
}

func (s *cowSource) QueueRate(ctx context.Context, token common.Address) *Future[*big.Int] {
	u := fmt.Sprintf("%s/token/%s/native_price", s.baseURL, token.Hex())
	header := http.Header{"Accept": []string{"application/json"}}
	return Submit(
		ctx, s.limiter, func(ctx context.Context) (*big.Int, error) {
			var quote cowNativePrice
			if err := upstreamGetJSON(ctx, s.client, "CoW", u, header, &quote); err != nil {
				return nil, err
			}
			return nativePriceToWei(quote.Price), nil
		},
	)
}

// nativePriceToWei converts an ETH-denominated float price to wei. The
// product is computed in float64, so 1.1 becomes 1100000000000000128.
func nativePriceToWei(price float64) *big.Int {
	v, _ := big.NewFloat(price * 1e18).Int(nil)
	return v
}

// oneInchSource prices tokens by quoting a 1 token -> ETH swap
type oneInchSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *SerialLimiter
}

type oneInchQuote struct {
	DstAmount string `json:"dstAmount"`
}

func (*oneInchSource) Label() string {
	return "1inch"
}

func (*oneInchSource) SwapURL(pair string) string {
	return "https://app.1inch.io/#/1/simple/swap/" + pair
}

func (s *oneInchSource) QueueRate(ctx context.Context, token common.Address) *Future[*big.Int] {
	query := url.Values{
		"src":    []string{token.Hex()},
		"dst":    []string{strings.ToLower(nativeETH.Hex())},
		"amount": []string{chain.OneEther().String()},
	}
	u := s.baseURL + "/quote?" + query.Encode()
	header := http.Header{
		"Accept":        []string{"application/json"},
		"Authorization": []string{"Bearer " + s.apiKey},
	}
	return Submit(
		ctx, s.limiter, func(ctx context.Context) (*big.Int, error) {
			var quote oneInchQuote
			if err := upstreamGetJSON(ctx, s.client, "1inch", u, header, &quote); err != nil {
				return nil, err
			}
			amount, ok := new(big.Int).SetString(quote.DstAmount, 10)
			if !ok {
				return nil, fmt.Errorf("1inch: invalid dstAmount %q", quote.DstAmount)
			}
			return amount, nil
		},
	)
}

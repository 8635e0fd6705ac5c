package converter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/stonks/pkg/oracle"
	"github.com/uhyunpark/stonks/pkg/util"
)

var (
	ErrUnsupportedToken = errors.New("converter: unsupported token")
	ErrStalePrice       = errors.New("converter: stale price")
	ErrInvalidPrice     = errors.New("converter: invalid price")
	ErrInvalidAmount    = errors.New("converter: invalid amount")
)

// DefaultMaxPriceAge bounds how old a feed answer may be (Chainlink heartbeat for most USD feeds)
const DefaultMaxPriceAge = 24 * time.Hour

// MaxClockSkew is how far past the local clock a feed timestamp may be before it is rejected.
// Block timestamps routinely run a few seconds ahead of node clocks.
const MaxClockSkew = time.Minute

// TokenInfo supplies ERC20 precision; *ledger.Ledger satisfies it
type TokenInfo interface {
	Decimals(token common.Address) (uint8, error)
}

// Config holds the allow-lists and feed settings
type Config struct {
	SellTokens []common.Address
	BuyTokens  []common.Address

	// Denomination is the feed quote (oracle.USD for stablecoin buy tokens).
	// Zero means the feed is quoted directly in the buy token
	Denomination common.Address

	MaxPriceAge time.Duration
}

// Converter turns a sell amount into the expected buy amount at the live feed price
type Converter struct {
	registry     oracle.FeedRegistry
	tokens       TokenInfo
	sellTokens   map[common.Address]struct{}
	buyTokens    map[common.Address]struct{}
	denomination common.Address
	maxPriceAge  time.Duration
	clock        util.Clock
	logger       *zap.SugaredLogger
}

func New(cfg Config, registry oracle.FeedRegistry, tokens TokenInfo, clock util.Clock, logger *zap.SugaredLogger) (*Converter, error) {
	if registry == nil {
		return nil, fmt.Errorf("feed registry is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token info is required")
	}
	if len(cfg.SellTokens) == 0 || len(cfg.BuyTokens) == 0 {
		return nil, fmt.Errorf("sell and buy allow-lists must not be empty")
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	maxAge := cfg.MaxPriceAge
	if maxAge <= 0 {
		maxAge = DefaultMaxPriceAge
	}

	c := &Converter{
		registry:     registry,
		tokens:       tokens,
		sellTokens:   make(map[common.Address]struct{}, len(cfg.SellTokens)),
		buyTokens:    make(map[common.Address]struct{}, len(cfg.BuyTokens)),
		denomination: cfg.Denomination,
		maxPriceAge:  maxAge,
		clock:        clock,
		logger:       logger,
	}
	for _, t := range cfg.SellTokens {
		c.sellTokens[t] = struct{}{}
	}
	for _, t := range cfg.BuyTokens {
		c.buyTokens[t] = struct{}{}
	}
	return c, nil
}

func (c *Converter) IsSellTokenAllowed(token common.Address) bool {
	_, ok := c.sellTokens[token]
	return ok
}

func (c *Converter) IsBuyTokenAllowed(token common.Address) bool {
	_, ok := c.buyTokens[token]
	return ok
}

func (c *Converter) MaxPriceAge() time.Duration { return c.maxPriceAge }

// ExpectedOut returns how much tokenTo sellAmount of tokenFrom is worth right now
//
//	out = sellAmount * price * 10^decTo / (10^priceDecimals * 10^decFrom)
//
// Integer division truncates toward zero
func (c *Converter) ExpectedOut(ctx context.Context, sellAmount *big.Int, tokenFrom, tokenTo common.Address) (*big.Int, error) {
	if sellAmount == nil || sellAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, sellAmount)
	}
	if !c.IsSellTokenAllowed(tokenFrom) {
		return nil, fmt.Errorf("%w: sell token %s", ErrUnsupportedToken, tokenFrom.Hex())
	}
	if !c.IsBuyTokenAllowed(tokenTo) {
		return nil, fmt.Errorf("%w: buy token %s", ErrUnsupportedToken, tokenTo.Hex())
	}

	quote := tokenTo
	if c.denomination != (common.Address{}) {
		quote = c.denomination
	}

	price, err := c.registry.LatestPrice(ctx, tokenFrom, quote)
	if err != nil {
		return nil, fmt.Errorf("failed to read price feed: %w", err)
	}
	if price.Answer == nil || price.Answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: answer %v", ErrInvalidPrice, price.Answer)
	}
	age := c.clock.Now().Sub(price.UpdatedAt)
	if age < -MaxClockSkew {
		return nil, fmt.Errorf("%w: updated %s in the future", ErrInvalidPrice, -age)
	}
	if age > c.maxPriceAge {
		return nil, fmt.Errorf("%w: updated %s ago, max %s", ErrStalePrice, age, c.maxPriceAge)
	}

	decFrom, err := c.tokens.Decimals(tokenFrom)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedToken, err)
	}
	decTo, err := c.tokens.Decimals(tokenTo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedToken, err)
	}

	num := new(big.Int).Mul(sellAmount, price.Answer)
	num.Mul(num, pow10(decTo))
	den := new(big.Int).Mul(pow10(price.Decimals), pow10(decFrom))
	out := num.Quo(num, den)

	c.logger.Debugw("expected_out",
		"sell_token", tokenFrom.Hex(),
		"buy_token", tokenTo.Hex(),
		"sell_amount", sellAmount.String(),
		"price", price.Answer.String(),
		"price_decimals", price.Decimals,
		"out", out.String())

	return out, nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

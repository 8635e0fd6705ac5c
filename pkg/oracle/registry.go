package oracle

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Chainlink denomination addresses for fiat quotes
var (
	USD = common.HexToAddress("0x0000000000000000000000000000000000000348")
	ETH = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")
)

// ErrFeedNotFound is returned when no feed exists for a base/quote pair
var ErrFeedNotFound = errors.New("oracle: feed not found")

// Price is one oracle observation: Answer scaled by 10^Decimals
type Price struct {
	Answer    *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// FeedRegistry is the read-only price capability consumed by the converter
type FeedRegistry interface {
	LatestPrice(ctx context.Context, base, quote common.Address) (Price, error)
}

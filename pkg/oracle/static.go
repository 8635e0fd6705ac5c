package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type pair struct{ base, quote common.Address }

// StaticRegistry is an in-memory FeedRegistry
// Used by the devnet node and by tests to move prices on demand
type StaticRegistry struct {
	mu    sync.RWMutex
	feeds map[pair]Price
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{feeds: make(map[pair]Price)}
}

// SetPrice publishes a new observation for base/quote
func (r *StaticRegistry) SetPrice(base, quote common.Address, answer *big.Int, decimals uint8, updatedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[pair{base, quote}] = Price{
		Answer:    new(big.Int).Set(answer),
		Decimals:  decimals,
		UpdatedAt: updatedAt,
	}
}

func (r *StaticRegistry) LatestPrice(_ context.Context, base, quote common.Address) (Price, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.feeds[pair{base, quote}]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s/%s", ErrFeedNotFound, base.Hex(), quote.Hex())
	}
	return Price{Answer: new(big.Int).Set(p.Answer), Decimals: p.Decimals, UpdatedAt: p.UpdatedAt}, nil
}

var _ FeedRegistry = (*StaticRegistry)(nil)

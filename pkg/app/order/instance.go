package order

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"go.uber.org/zap"

	"github.com/uhyunpark/stonks/pkg/crypto"
	"github.com/uhyunpark/stonks/pkg/ledger"
	"github.com/uhyunpark/stonks/pkg/util"
)

// Config is shared by the template and all of its clones
type Config struct {
	Policy            Policy
	MarginBps         uint16 // haircut the issuer took off the live output at commit
	PriceToleranceBps uint16
	Hasher            *crypto.OrderHasher
	Relayer           common.Address // settlement vault relayer, approved on Initialize
	Prices            PriceSource
	Ledger            Ledger
	Clock             util.Clock
	Logger            *zap.SugaredLogger
}

func (c Config) validate() error {
	if c.MarginBps > MaxBps {
		return fmt.Errorf("margin %d bps out of range", c.MarginBps)
	}
	if c.PriceToleranceBps > MaxBps {
		return fmt.Errorf("price tolerance %d bps out of range", c.PriceToleranceBps)
	}
	if c.Hasher == nil || c.Prices == nil || c.Ledger == nil {
		return fmt.Errorf("hasher, price source and ledger are required")
	}
	if c.Policy.Operator == (common.Address{}) {
		return fmt.Errorf("operator is required")
	}
	return nil
}

// Instance holds one committed order and custodies its sell balance.
// The template instance is created initialized so it can never hold an order itself.
type Instance struct {
	mu  sync.Mutex
	cfg Config

	address     common.Address
	order       *crypto.GPv2Order
	orderHash   common.Hash
	createdAt   time.Time
	initialized bool
	cancelled   bool
}

// NewTemplate creates the sample instance that clones are stamped from
func NewTemplate(cfg Config) (*Instance, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Instance{cfg: cfg, initialized: true}, nil
}

// Clone returns a fresh uninitialized instance at addr sharing this instance's config
func (i *Instance) Clone(addr common.Address) *Instance {
	return &Instance{cfg: i.cfg, address: addr}
}

// Initialize commits ord and approves the relayer to pull the sell token
func (i *Instance) Initialize(ctx context.Context, ord *crypto.GPv2Order) (common.Hash, error) {
	return i.initialize(ord, nil)
}

// InitializeFunded commits ord and moves its sell amount in from funder.
// The funding transfer and the relayer approval land in one ledger update, so a
// failed transfer leaves neither behind.
func (i *Instance) InitializeFunded(ctx context.Context, ord *crypto.GPv2Order, funder common.Address) (common.Hash, error) {
	return i.initialize(ord, func(tx *ledger.Tx) error {
		if err := tx.Transfer(ledger.Token(ord.SellToken), funder, i.address, ord.SellAmount); err != nil {
			return fmt.Errorf("failed to fund order: %w", err)
		}
		return nil
	})
}

func (i *Instance) initialize(ord *crypto.GPv2Order, fund func(tx *ledger.Tx) error) (common.Hash, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.initialized {
		return common.Hash{}, ErrAlreadyInitialized
	}
	if ord == nil {
		return common.Hash{}, fmt.Errorf("nil order")
	}

	hash, err := i.cfg.Hasher.Hash(ord)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash order: %w", err)
	}
	err = i.cfg.Ledger.Update(func(tx *ledger.Tx) error {
		if fund != nil {
			if err := fund(tx); err != nil {
				return err
			}
		}
		return tx.Approve(ord.SellToken, i.address, i.cfg.Relayer, math.MaxBig256)
	})
	if err != nil {
		return common.Hash{}, err
	}

	i.order = ord.Copy()
	i.orderHash = hash
	i.createdAt = i.cfg.Clock.Now()
	i.initialized = true

	i.cfg.Logger.Infow("order_initialized",
		"instance", i.address.Hex(),
		"order_hash", hash.Hex(),
		"sell_amount", ord.SellAmount.String(),
		"buy_amount", ord.BuyAmount.String(),
		"valid_to", ord.ValidTo)
	return hash, nil
}

// IsValidSignature is the ERC-1271 oracle the settlement layer consults.
// The signature bytes are ignored: the instance itself is the signer.
func (i *Instance) IsValidSignature(ctx context.Context, hash common.Hash, _ []byte) ([4]byte, error) {
	i.mu.Lock()
	initialized, ord, orderHash := i.initialized, i.order, i.orderHash
	i.mu.Unlock()

	if !initialized || ord == nil || hash != orderHash {
		return [4]byte{}, fmt.Errorf("%w: %s", ErrInvalidHash, hash.Hex())
	}
	if i.expired(ord) {
		return [4]byte{}, fmt.Errorf("%w: valid to %d", ErrInvalidTime, ord.ValidTo)
	}

	live, err := i.cfg.Prices.ExpectedOut(ctx, ord.SellAmount, ord.SellToken, ord.BuyToken)
	if err != nil {
		return [4]byte{}, err
	}

	// live output is re-margined before comparing, so only drift past tolerance rejects
	current := ApplyBps(live, i.cfg.MarginBps)
	if exceedsTolerance(current, ord.BuyAmount, i.cfg.PriceToleranceBps) {
		i.cfg.Logger.Infow("signature_rejected",
			"instance", i.address.Hex(),
			"reason", "price_tolerance",
			"live_out", live.String(),
			"current_buy_amount", current.String(),
			"buy_amount", ord.BuyAmount.String())
		return [4]byte{}, fmt.Errorf("%w: current %s, committed %s", ErrPriceToleranceExceeded, current, ord.BuyAmount)
	}
	return MagicValue, nil
}

// exceedsTolerance reports current - committed > committed*tolBps/10000.
// A current amount at or below the committed one is a favourable move.
func exceedsTolerance(current, committed *big.Int, tolBps uint16) bool {
	if current.Cmp(committed) <= 0 {
		return false
	}
	diff := new(big.Int).Sub(current, committed)
	allowed := new(big.Int).Mul(committed, big.NewInt(int64(tolBps)))
	allowed.Quo(allowed, big.NewInt(MaxBps))
	return diff.Cmp(allowed) > 0
}

// Cancel returns the whole sell balance to the receiver once the order has expired.
// Calling it again sweeps zero.
func (i *Instance) Cancel(ctx context.Context) (*big.Int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.initialized || i.order == nil {
		return nil, ErrNotInitialized
	}
	if !i.expired(i.order) {
		return nil, fmt.Errorf("%w: valid to %d", ErrOrderNotExpired, i.order.ValidTo)
	}

	var swept *big.Int
	err := i.cfg.Ledger.Update(func(tx *ledger.Tx) error {
		var err error
		swept, err = tx.Sweep(ledger.Token(i.order.SellToken), i.address, i.order.Receiver)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to return funds: %w", err)
	}
	i.cancelled = true

	i.cfg.Logger.Infow("order_cancelled",
		"instance", i.address.Hex(),
		"receiver", i.order.Receiver.Hex(),
		"amount", swept.String())
	return swept, nil
}

// RecoverAsset moves assets that are not the order's committed sell token out of the instance.
// The sell token becomes recoverable only after Cancel.
func (i *Instance) RecoverAsset(ctx context.Context, caller common.Address, asset ledger.Asset, amount *big.Int, to common.Address) error {
	if !i.cfg.Policy.CanRecover(caller) {
		return fmt.Errorf("%w: %s may not recover", ErrUnauthorized, caller.Hex())
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.order != nil && asset.IsToken(i.order.SellToken) && !i.cancelled {
		return ErrCannotRecoverOrderAsset
	}

	err := i.cfg.Ledger.Update(func(tx *ledger.Tx) error {
		return tx.Transfer(asset, i.address, to, amount)
	})
	if err != nil {
		return err
	}

	i.cfg.Logger.Infow("asset_recovered",
		"instance", i.address.Hex(),
		"caller", caller.Hex(),
		"asset", asset.String(),
		"amount", amount.String(),
		"to", to.Hex())
	return nil
}

// Status derives the lifecycle state from flags, the clock and the custody balance
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch {
	case i.order == nil:
		return StatusUninitialized
	case i.cancelled:
		return StatusCancelled
	case i.cfg.Ledger.Balance(ledger.Token(i.order.SellToken), i.address).Sign() == 0:
		return StatusSettled
	case i.expired(i.order):
		return StatusExpired
	default:
		return StatusActive
	}
}

// expired reports now > validTo, in whole seconds
func (i *Instance) expired(ord *crypto.GPv2Order) bool {
	return i.cfg.Clock.Now().Unix() > int64(ord.ValidTo)
}

func (i *Instance) Address() common.Address { return i.address }

// Order returns a copy of the committed order, nil before Initialize
func (i *Instance) Order() *crypto.GPv2Order {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.order == nil {
		return nil
	}
	return i.order.Copy()
}

func (i *Instance) OrderHash() common.Hash {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.orderHash
}

func (i *Instance) CreatedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.createdAt
}

// Cancelled reports whether Cancel has succeeded at least once
func (i *Instance) Cancelled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancelled
}

func (i *Instance) IsInitialized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.initialized
}

// Relayer is the address allowed to pull the sell token during settlement
func (i *Instance) Relayer() common.Address { return i.cfg.Relayer }

// Restore rebuilds a persisted instance without re-running Initialize side effects
func (i *Instance) Restore(addr common.Address, ord *crypto.GPv2Order, createdAt time.Time, cancelled bool) (*Instance, error) {
	hash, err := i.cfg.Hasher.Hash(ord)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}
	// allowances are not persisted with balances
	if err := i.cfg.Ledger.Approve(ord.SellToken, addr, i.cfg.Relayer, math.MaxBig256); err != nil {
		return nil, fmt.Errorf("failed to approve relayer: %w", err)
	}
	return &Instance{
		cfg:         i.cfg,
		address:     addr,
		order:       ord.Copy(),
		orderHash:   hash,
		createdAt:   createdAt,
		initialized: true,
		cancelled:   cancelled,
	}, nil
}

package issuer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/stonks/pkg/app/order"
	"github.com/uhyunpark/stonks/pkg/crypto"
	"github.com/uhyunpark/stonks/pkg/ledger"
	"github.com/uhyunpark/stonks/pkg/storage"
	"github.com/uhyunpark/stonks/pkg/util"
)

var (
	ErrInsufficientBalance = errors.New("issuer: insufficient balance")
	ErrUnknownOrder        = errors.New("issuer: unknown order")
)

// DefaultValidityWindow is how long a placed order stays fillable
const DefaultValidityWindow = 7 * 24 * time.Hour

// RecordStore persists issued orders; *storage.PebbleStore and *storage.InMemoryStore satisfy it
type RecordStore interface {
	SaveOrderRecord(rec *storage.OrderRecord) error
	ListOrderRecords() ([]*storage.OrderRecord, error)
	MarkCancelled(addr common.Address, at time.Time) error
	SaveNonce(nonce uint64) error
	LoadNonce() (uint64, error)
}

// Config is fixed at construction
type Config struct {
	Address           common.Address // holding address the treasury funds
	TokenFrom         common.Address
	TokenTo           common.Address
	Receiver          common.Address // treasury; receives buy tokens and cancelled funds
	Policy            order.Policy
	MarginBps         uint16
	PriceToleranceBps uint16
	ValidityWindow    time.Duration
	Domain            crypto.EIP712Domain
	Relayer           common.Address
}

func (c *Config) validate() error {
	zero := common.Address{}
	switch {
	case c.Address == zero:
		return fmt.Errorf("invalid issuer address")
	case c.TokenFrom == zero:
		return fmt.Errorf("invalid tokenFrom address")
	case c.TokenTo == zero:
		return fmt.Errorf("invalid tokenTo address")
	case c.TokenFrom == c.TokenTo:
		return fmt.Errorf("tokenFrom and tokenTo cannot be the same")
	case c.Receiver == zero:
		return fmt.Errorf("invalid receiver address")
	case c.Policy.Operator == zero:
		return fmt.Errorf("invalid operator address")
	case c.MarginBps > order.MaxBps:
		return fmt.Errorf("margin %d bps out of range", c.MarginBps)
	case c.PriceToleranceBps > order.MaxBps:
		return fmt.Errorf("price tolerance %d bps out of range", c.PriceToleranceBps)
	}
	if c.ValidityWindow <= 0 {
		c.ValidityWindow = DefaultValidityWindow
	}
	if c.Domain.ChainID == nil {
		c.Domain = crypto.DefaultDomain()
	}
	if c.Relayer == (common.Address{}) {
		c.Relayer = crypto.VaultRelayer
	}
	return nil
}

// Parameters is the read-only view of the issuer configuration
type Parameters struct {
	Address           common.Address
	TokenFrom         common.Address
	TokenTo           common.Address
	Receiver          common.Address
	Operator          common.Address
	Agent             common.Address
	MarginBps         uint16
	PriceToleranceBps uint16
	ValidityWindow    time.Duration
	DomainSeparator   common.Hash
	Relayer           common.Address
}

// Issuer places orders on behalf of the treasury
type Issuer struct {
	mu sync.Mutex

	cfg      Config
	prices   order.PriceSource
	ledger   *ledger.Ledger
	store    RecordStore
	hasher   *crypto.OrderHasher
	template *order.Instance
	clock    util.Clock
	logger   *zap.SugaredLogger

	nonce     uint64
	instances map[common.Address]*order.Instance
	ordered   []common.Address // placement order
	sinks     []EventSink
}

func New(cfg Config, prices order.PriceSource, l *ledger.Ledger, store RecordStore, clock util.Clock, logger *zap.SugaredLogger) (*Issuer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if prices == nil {
		return nil, fmt.Errorf("invalid price checker")
	}
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if store == nil {
		store = storage.NewInMemoryStore()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	hasher, err := crypto.NewOrderHasher(cfg.Domain)
	if err != nil {
		return nil, err
	}

	template, err := order.NewTemplate(order.Config{
		Policy:            cfg.Policy,
		MarginBps:         cfg.MarginBps,
		PriceToleranceBps: cfg.PriceToleranceBps,
		Hasher:            hasher,
		Relayer:           cfg.Relayer,
		Prices:            prices,
		Ledger:            l,
		Clock:             clock,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid order template: %w", err)
	}

	return &Issuer{
		cfg:       cfg,
		prices:    prices,
		ledger:    l,
		store:     store,
		hasher:    hasher,
		template:  template,
		clock:     clock,
		logger:    logger,
		instances: make(map[common.Address]*order.Instance),
	}, nil
}

// AddSink registers an event consumer
func (is *Issuer) AddSink(s EventSink) {
	is.mu.Lock()
	defer is.mu.Unlock()
	is.sinks = append(is.sinks, s)
}

func (is *Issuer) Address() common.Address { return is.cfg.Address }

func (is *Issuer) OrderParameters() Parameters {
	return Parameters{
		Address:           is.cfg.Address,
		TokenFrom:         is.cfg.TokenFrom,
		TokenTo:           is.cfg.TokenTo,
		Receiver:          is.cfg.Receiver,
		Operator:          is.cfg.Policy.Operator,
		Agent:             is.cfg.Policy.Agent,
		MarginBps:         is.cfg.MarginBps,
		PriceToleranceBps: is.cfg.PriceToleranceBps,
		ValidityWindow:    is.cfg.ValidityWindow,
		DomainSeparator:   is.hasher.DomainSeparator(),
		Relayer:           is.cfg.Relayer,
	}
}

// Hasher exposes the domain-bound order hasher
func (is *Issuer) Hasher() *crypto.OrderHasher { return is.hasher }

// PlaceOrder commits the issuer's entire tokenFrom balance to a new order instance
func (is *Issuer) PlaceOrder(ctx context.Context, caller common.Address) (*order.Instance, IssuanceEvent, error) {
	if !is.cfg.Policy.CanIssue(caller) {
		return nil, IssuanceEvent{}, fmt.Errorf("%w: %s may not place orders", order.ErrUnauthorized, caller.Hex())
	}

	is.mu.Lock()
	defer is.mu.Unlock()

	sellAsset := ledger.Token(is.cfg.TokenFrom)
	balance := is.ledger.Balance(sellAsset, is.cfg.Address)
	if balance.Sign() == 0 {
		return nil, IssuanceEvent{}, ErrInsufficientBalance
	}

	expectedOut, err := is.prices.ExpectedOut(ctx, balance, is.cfg.TokenFrom, is.cfg.TokenTo)
	if err != nil {
		return nil, IssuanceEvent{}, err
	}
	buyAmount := order.ApplyBps(expectedOut, is.cfg.MarginBps)

	now := is.clock.Now()
	ord := order.Template(is.cfg.TokenFrom, is.cfg.TokenTo, is.cfg.Receiver)
	ord.SellAmount = balance
	ord.BuyAmount = buyAmount
	ord.ValidTo = uint32(now.Add(is.cfg.ValidityWindow).Unix())

	nonce := is.nonce
	addr := crypto.InstanceAddress(is.cfg.Address, nonce)
	inst := is.template.Clone(addr)

	hash, err := inst.InitializeFunded(ctx, ord, is.cfg.Address)
	if err != nil {
		return nil, IssuanceEvent{}, err
	}

	is.nonce++
	is.instances[addr] = inst
	is.ordered = append(is.ordered, addr)

	createdAt := inst.CreatedAt()
	rec := storage.NewOrderRecord(addr, hash, nonce, createdAt, ord)
	if err := is.store.SaveOrderRecord(rec); err != nil {
		is.logger.Errorw("order_persist_failed", "instance", addr.Hex(), "err", err)
	}
	if err := is.store.SaveNonce(is.nonce); err != nil {
		is.logger.Errorw("nonce_persist_failed", "nonce", is.nonce, "err", err)
	}

	ev := IssuanceEvent{
		Instance:  addr,
		OrderHash: hash,
		Order:     ord.Copy(),
		Nonce:     nonce,
		CreatedAt: createdAt,
	}
	for _, s := range is.sinks {
		s.OrderPlaced(ev)
	}

	is.logger.Infow("order_placed",
		"instance", addr.Hex(),
		"order_hash", hash.Hex(),
		"sell_token", ord.SellToken.Hex(),
		"buy_token", ord.BuyToken.Hex(),
		"sell_amount", balance.String(),
		"expected_out", expectedOut.String(),
		"buy_amount", buyAmount.String(),
		"valid_to", ord.ValidTo)

	return inst, ev, nil
}

// CancelOrder cancels an expired instance and records the cancellation
func (is *Issuer) CancelOrder(ctx context.Context, addr common.Address) (*big.Int, error) {
	is.mu.Lock()
	defer is.mu.Unlock()

	inst, ok := is.instances[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, addr.Hex())
	}

	wasCancelled := inst.Cancelled()
	swept, err := inst.Cancel(ctx)
	if err != nil {
		return nil, err
	}
	// repeat cancels that move nothing stay silent downstream
	if wasCancelled && swept.Sign() == 0 {
		return swept, nil
	}

	now := is.clock.Now()
	if !wasCancelled {
		if err := is.store.MarkCancelled(addr, now); err != nil {
			is.logger.Errorw("order_persist_failed", "instance", addr.Hex(), "err", err)
		}
	}

	ev := CancellationEvent{
		Instance:    addr,
		Receiver:    is.cfg.Receiver,
		Amount:      swept,
		CancelledAt: now,
	}
	for _, s := range is.sinks {
		s.OrderCancelled(ev)
	}
	return swept, nil
}

// RecoverAsset moves stray assets out of the issuer's own holding address
func (is *Issuer) RecoverAsset(ctx context.Context, caller common.Address, asset ledger.Asset, amount *big.Int, to common.Address) error {
	if !is.cfg.Policy.CanRecover(caller) {
		return fmt.Errorf("%w: %s may not recover", order.ErrUnauthorized, caller.Hex())
	}

	is.mu.Lock()
	defer is.mu.Unlock()

	err := is.ledger.Update(func(tx *ledger.Tx) error {
		return tx.Transfer(asset, is.cfg.Address, to, amount)
	})
	if err != nil {
		return err
	}

	is.logger.Infow("asset_recovered",
		"issuer", is.cfg.Address.Hex(),
		"caller", caller.Hex(),
		"asset", asset.String(),
		"amount", amount.String(),
		"to", to.Hex())
	return nil
}

// Instance looks up a placed order by address
func (is *Issuer) Instance(addr common.Address) (*order.Instance, bool) {
	is.mu.Lock()
	defer is.mu.Unlock()
	inst, ok := is.instances[addr]
	return inst, ok
}

// Instances returns all placed orders, oldest first
func (is *Issuer) Instances() []*order.Instance {
	is.mu.Lock()
	defer is.mu.Unlock()
	out := make([]*order.Instance, 0, len(is.ordered))
	for _, addr := range is.ordered {
		out = append(out, is.instances[addr])
	}
	return out
}

// Restore rebuilds instances and the nonce from the record store.
// Balances are restored separately through the ledger's BalanceStore.
func (is *Issuer) Restore(ctx context.Context) error {
	is.mu.Lock()
	defer is.mu.Unlock()

	nonce, err := is.store.LoadNonce()
	if err != nil {
		return fmt.Errorf("failed to load nonce: %w", err)
	}
	records, err := is.store.ListOrderRecords()
	if err != nil {
		return fmt.Errorf("failed to load order records: %w", err)
	}

	for _, rec := range records {
		if _, ok := is.instances[rec.Address]; ok {
			continue
		}
		inst, err := is.template.Restore(rec.Address, rec.Order(), rec.CreatedAt, rec.Cancelled)
		if err != nil {
			return err
		}
		if inst.OrderHash() != rec.OrderHash {
			return fmt.Errorf("order %s hash mismatch: stored %s, computed %s (domain changed?)",
				rec.Address.Hex(), rec.OrderHash.Hex(), inst.OrderHash().Hex())
		}
		is.instances[rec.Address] = inst
		is.ordered = append(is.ordered, rec.Address)
		if rec.Nonce >= nonce {
			nonce = rec.Nonce + 1
		}
	}
	is.nonce = nonce

	is.logger.Infow("issuer_restored", "orders", len(records), "nonce", nonce)
	return nil
}

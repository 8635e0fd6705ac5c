package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFunds     = errors.New("ledger: insufficient funds")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrUnknownToken          = errors.New("ledger: unknown token")
	ErrInvalidAmount         = errors.New("ledger: invalid amount")
)

// BalanceEntry is one persisted (asset, holder) balance
type BalanceEntry struct {
	Asset  Asset
	Holder common.Address
	Amount *big.Int
}

// BalanceStore persists balance changes; SaveBalances must apply all entries atomically
type BalanceStore interface {
	SaveBalances(entries []BalanceEntry) error
}

// TokenMeta is the ERC20 metadata the converter needs
type TokenMeta struct {
	Symbol   string
	Decimals uint8
}

type balanceKey struct {
	asset  string
	holder common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Ledger is the serialized balance book every order operation executes against.
// All mutations take one lock, so each call (or Update batch) is an atomic
// state transition: it applies fully or returns an error with nothing changed.
type Ledger struct {
	mu         sync.RWMutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
	tokens     map[common.Address]TokenMeta
	store      BalanceStore // optional write-through persistence
}

// New creates an empty ledger; store may be nil
func New(store BalanceStore) *Ledger {
	return &Ledger{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		tokens:     make(map[common.Address]TokenMeta),
		store:      store,
	}
}

// RegisterToken records ERC20 metadata
func (l *Ledger) RegisterToken(token common.Address, symbol string, decimals uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[token] = TokenMeta{Symbol: symbol, Decimals: decimals}
}

// Decimals returns the registered precision of an ERC20 token
func (l *Ledger) Decimals(token common.Address) (uint8, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	meta, ok := l.tokens[token]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return meta.Decimals, nil
}

// Symbol returns the registered symbol, or the hex address if unregistered
func (l *Ledger) Symbol(token common.Address) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if meta, ok := l.tokens[token]; ok {
		return meta.Symbol
	}
	return token.Hex()
}

// Balance returns holder's balance of asset (never nil)
func (l *Ledger) Balance(asset Asset, holder common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.balanceLocked(asset, holder))
}

func (l *Ledger) balanceLocked(asset Asset, holder common.Address) *big.Int {
	if b, ok := l.balances[balanceKey{asset.Key(), holder}]; ok {
		return b
	}
	return common.Big0
}

// Allowance returns the remaining allowance (never nil)
func (l *Ledger) Allowance(token, owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.allowanceLocked(allowanceKey{token, owner, spender}))
}

func (l *Ledger) allowanceLocked(key allowanceKey) *big.Int {
	if a, ok := l.allowances[key]; ok {
		return a
	}
	return common.Big0
}

// Update runs fn against a staged view of the ledger and commits its changes
// atomically. If fn returns an error nothing is applied.
// fn must use only tx; calling back into the Ledger deadlocks.
func (l *Ledger) Update(fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := newTx(l)
	if err := fn(tx); err != nil {
		return err
	}
	return l.commitLocked(tx)
}

// Mint credits amount of asset to holder out of thin air (devnet funding, tests)
// ERC721 ids can only be minted once
func (l *Ledger) Mint(asset Asset, to common.Address, amount *big.Int) error {
	if err := checkAmount(asset, amount); err != nil {
		return err
	}
	return l.Update(func(tx *Tx) error {
		if asset.Kind == ERC721 && l.nftMintedLocked(asset) {
			return fmt.Errorf("ledger: token %s already minted", asset)
		}
		tx.set(asset, to, new(big.Int).Add(tx.Balance(asset, to), amount))
		return nil
	})
}

func (l *Ledger) nftMintedLocked(asset Asset) bool {
	key := asset.Key()
	for k, v := range l.balances {
		if k.asset == key && v.Sign() > 0 {
			return true
		}
	}
	return false
}

// Transfer moves amount of asset from -> to. A zero amount is a successful no-op
func (l *Ledger) Transfer(asset Asset, from, to common.Address, amount *big.Int) error {
	return l.Update(func(tx *Tx) error {
		return tx.Transfer(asset, from, to, amount)
	})
}

// Approve sets spender's allowance over owner's ERC20 token
// math.MaxBig256 means unlimited
func (l *Ledger) Approve(token, owner, spender common.Address, amount *big.Int) error {
	return l.Update(func(tx *Tx) error {
		return tx.Approve(token, owner, spender, amount)
	})
}

// TransferFrom moves ERC20 token from -> to on spender's allowance
func (l *Ledger) TransferFrom(token, spender, from, to common.Address, amount *big.Int) error {
	return l.Update(func(tx *Tx) error {
		return tx.TransferFrom(token, spender, from, to, amount)
	})
}

// Restore loads persisted balances without writing them back
func (l *Ledger) Restore(entries []BalanceEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		l.balances[balanceKey{e.Asset.Key(), e.Holder}] = new(big.Int).Set(e.Amount)
	}
}

// commitLocked persists staged balances first, then applies them in memory
func (l *Ledger) commitLocked(tx *Tx) error {
	if len(tx.keys) > 0 && l.store != nil {
		entries := make([]BalanceEntry, 0, len(tx.keys))
		for _, k := range tx.keys {
			entries = append(entries, tx.balances[k])
		}
		if err := l.store.SaveBalances(entries); err != nil {
			return fmt.Errorf("failed to persist balances: %w", err)
		}
	}
	for _, k := range tx.keys {
		l.balances[k] = tx.balances[k].Amount
	}
	for k, v := range tx.allowances {
		l.allowances[k] = v
	}
	return nil
}

func checkAmount(asset Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	if asset.Kind == ERC721 && amount.Cmp(common.Big1) > 0 {
		return fmt.Errorf("%w: erc721 amount must be 0 or 1, got %s", ErrInvalidAmount, amount)
	}
	if (asset.Kind == ERC721 || asset.Kind == ERC1155) && asset.ID == nil {
		return fmt.Errorf("%w: %s requires a token id", ErrInvalidAmount, asset.Kind)
	}
	return nil
}

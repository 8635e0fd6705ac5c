package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// Tx is a staged set of ledger changes, valid only inside Ledger.Update
type Tx struct {
	l          *Ledger
	balances   map[balanceKey]BalanceEntry
	keys       []balanceKey // first-write order, so persistence is deterministic
	allowances map[allowanceKey]*big.Int
}

func newTx(l *Ledger) *Tx {
	return &Tx{
		l:          l,
		balances:   make(map[balanceKey]BalanceEntry),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

// Balance returns the staged balance (never nil, do not mutate)
func (tx *Tx) Balance(asset Asset, holder common.Address) *big.Int {
	if e, ok := tx.balances[balanceKey{asset.Key(), holder}]; ok {
		return e.Amount
	}
	return tx.l.balanceLocked(asset, holder)
}

func (tx *Tx) set(asset Asset, holder common.Address, amount *big.Int) {
	k := balanceKey{asset.Key(), holder}
	if _, ok := tx.balances[k]; !ok {
		tx.keys = append(tx.keys, k)
	}
	tx.balances[k] = BalanceEntry{Asset: asset, Holder: holder, Amount: amount}
}

func (tx *Tx) allowance(key allowanceKey) *big.Int {
	if a, ok := tx.allowances[key]; ok {
		return a
	}
	return tx.l.allowanceLocked(key)
}

// Transfer stages a move of amount from -> to. Zero is a no-op
func (tx *Tx) Transfer(asset Asset, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(asset, amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}

	fromBal := tx.Balance(asset, from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, need %s", ErrInsufficientFunds, from.Hex(), fromBal, asset, amount)
	}
	if from == to {
		return nil
	}

	tx.set(asset, from, new(big.Int).Sub(fromBal, amount))
	tx.set(asset, to, new(big.Int).Add(tx.Balance(asset, to), amount))
	return nil
}

// TransferFrom stages an allowance-backed ERC20 move
func (tx *Tx) TransferFrom(token, spender, from, to common.Address, amount *big.Int) error {
	asset := Token(token)
	if err := checkAmount(asset, amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}

	key := allowanceKey{token, from, spender}
	allowance := tx.allowance(key)
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s may spend %s of %s", ErrInsufficientAllowance, spender.Hex(), allowance, from.Hex())
	}

	if err := tx.Transfer(asset, from, to, amount); err != nil {
		return err
	}
	if allowance.Cmp(math.MaxBig256) != 0 {
		tx.allowances[key] = new(big.Int).Sub(allowance, amount)
	}
	return nil
}

// Approve stages spender's allowance over owner's ERC20 token
func (tx *Tx) Approve(token, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	tx.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

// Sweep stages a move of from's entire balance and returns the amount moved
func (tx *Tx) Sweep(asset Asset, from, to common.Address) (*big.Int, error) {
	amount := new(big.Int).Set(tx.Balance(asset, from))
	if err := tx.Transfer(asset, from, to, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

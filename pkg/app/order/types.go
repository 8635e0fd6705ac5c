package order

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stonks/pkg/crypto"
	"github.com/uhyunpark/stonks/pkg/ledger"
)

// MagicValue is the ERC-1271 isValidSignature success return
var MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

// MaxBps is 100% in basis points
const MaxBps = 10_000

var (
	ErrAlreadyInitialized      = errors.New("order: already initialized")
	ErrNotInitialized          = errors.New("order: not initialized")
	ErrInvalidHash             = errors.New("order: invalid hash")
	ErrInvalidTime             = errors.New("order: order expired")
	ErrPriceToleranceExceeded  = errors.New("order: price tolerance exceeded")
	ErrOrderNotExpired         = errors.New("order: order not expired")
	ErrUnauthorized            = errors.New("order: unauthorized")
	ErrCannotRecoverOrderAsset = errors.New("order: cannot recover order asset")
)

// Status of an order instance
type Status uint8

const (
	StatusUninitialized Status = iota
	StatusActive
	StatusExpired
	StatusCancelled
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	case StatusCancelled:
		return "cancelled"
	case StatusSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Policy is the role check shared by the issuer and every instance
type Policy struct {
	Operator common.Address // may place orders and recover assets
	Agent    common.Address // may recover assets
}

func (p Policy) CanIssue(caller common.Address) bool {
	return caller != (common.Address{}) && caller == p.Operator
}

func (p Policy) CanRecover(caller common.Address) bool {
	if caller == (common.Address{}) {
		return false
	}
	return caller == p.Operator || caller == p.Agent
}

// PriceSource prices a sell amount at the live feed; *converter.Converter satisfies it
type PriceSource interface {
	ExpectedOut(ctx context.Context, sellAmount *big.Int, tokenFrom, tokenTo common.Address) (*big.Int, error)
}

// Ledger is the subset of *ledger.Ledger an instance executes against
type Ledger interface {
	Balance(asset ledger.Asset, holder common.Address) *big.Int
	Approve(token, owner, spender common.Address, amount *big.Int) error
	Update(fn func(tx *ledger.Tx) error) error
}

// Template returns the fixed part of every order
// Only SellAmount, BuyAmount, ValidTo and Receiver vary per order
func Template(sellToken, buyToken, receiver common.Address) *crypto.GPv2Order {
	return &crypto.GPv2Order{
		SellToken:         sellToken,
		BuyToken:          buyToken,
		Receiver:          receiver,
		SellAmount:        new(big.Int),
		BuyAmount:         new(big.Int),
		FeeAmount:         new(big.Int),
		Kind:              crypto.KindSell,
		PartiallyFillable: false,
		SellTokenBalance:  crypto.BalanceERC20,
		BuyTokenBalance:   crypto.BalanceERC20,
	}
}

// ApplyBps returns amount*(10000-bps)/10000, rounded down
func ApplyBps(amount *big.Int, bps uint16) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(int64(MaxBps)-int64(bps)))
	return out.Quo(out, big.NewInt(MaxBps))
}

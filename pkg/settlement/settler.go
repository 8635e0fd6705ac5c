package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/stonks/pkg/app/order"
	"github.com/uhyunpark/stonks/pkg/ledger"
)

var (
	ErrSignatureRejected = errors.New("settlement: signature rejected")
	ErrNothingToSettle   = errors.New("settlement: nothing to settle")
	ErrUnderpaid         = errors.New("settlement: buy amount below order")
)

// Fill is the result of one settled order
type Fill struct {
	Instance   common.Address
	OrderHash  common.Hash
	Solver     common.Address
	SellAmount *big.Int
	BuyAmount  *big.Int
}

// Settler plays the settlement contract: it asks the order for its ERC-1271
// verdict and, on acceptance, swaps the custody balance for the solver's buy tokens
type Settler struct {
	ledger *ledger.Ledger
	logger *zap.SugaredLogger
}

func NewSettler(l *ledger.Ledger, logger *zap.SugaredLogger) *Settler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Settler{ledger: l, logger: logger}
}

// Settle fills inst at buyAmount, paid by solver.
// The sell leg takes whatever the instance holds, so a racing Cancel leaves
// nothing to take and the fill aborts without paying.
func (s *Settler) Settle(ctx context.Context, inst *order.Instance, hash common.Hash, buyAmount *big.Int, solver common.Address) (*Fill, error) {
	magic, err := inst.IsValidSignature(ctx, hash, nil)
	if err != nil {
		s.logger.Infow("settlement_rejected", "instance", inst.Address().Hex(), "err", err)
		return nil, fmt.Errorf("%w: %w", ErrSignatureRejected, err)
	}
	if magic != order.MagicValue {
		return nil, ErrSignatureRejected
	}

	ord := inst.Order()
	if buyAmount == nil || buyAmount.Cmp(ord.BuyAmount) < 0 {
		return nil, fmt.Errorf("%w: offered %v, order requires %s", ErrUnderpaid, buyAmount, ord.BuyAmount)
	}

	var sold *big.Int
	err = s.ledger.Update(func(tx *ledger.Tx) error {
		sold = new(big.Int).Set(tx.Balance(ledger.Token(ord.SellToken), inst.Address()))
		if sold.Sign() == 0 {
			return ErrNothingToSettle
		}
		if err := tx.TransferFrom(ord.SellToken, inst.Relayer(), inst.Address(), solver, sold); err != nil {
			return err
		}
		return tx.Transfer(ledger.Token(ord.BuyToken), solver, ord.Receiver, buyAmount)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("order_settled",
		"instance", inst.Address().Hex(),
		"order_hash", hash.Hex(),
		"solver", solver.Hex(),
		"sell_amount", sold.String(),
		"buy_amount", buyAmount.String())

	return &Fill{
		Instance:   inst.Address(),
		OrderHash:  hash,
		Solver:     solver,
		SellAmount: sold,
		BuyAmount:  new(big.Int).Set(buyAmount),
	}, nil
}

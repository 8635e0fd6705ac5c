package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"go.uber.org/zap"

	"github.com/uhyunpark/stonks/pkg/app/order"
	"github.com/uhyunpark/stonks/pkg/crypto"
	"github.com/uhyunpark/stonks/pkg/ledger"
	"github.com/uhyunpark/stonks/pkg/util"
)

var (
	sellToken = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyToken  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	receiver  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	solver    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	operator  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	instAddr  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

// settablePrices returns the configured output regardless of inputs
type settablePrices struct{ out *big.Int }

func (p *settablePrices) ExpectedOut(context.Context, *big.Int, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Set(p.out), nil
}

type fixture struct {
	settler *Settler
	ledger  *ledger.Ledger
	prices  *settablePrices
	clock   *util.ManualClock
	inst    *order.Instance
	hash    common.Hash
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	l := ledger.New(nil)
	prices := &settablePrices{out: big.NewInt(1000)}

	hasher, err := crypto.NewOrderHasher(crypto.DefaultDomain())
	if err != nil {
		t.Fatal(err)
	}
	tmpl, err := order.NewTemplate(order.Config{
		Policy:            order.Policy{Operator: operator},
		MarginBps:         100,
		PriceToleranceBps: 100,
		Hasher:            hasher,
		Relayer:           crypto.VaultRelayer,
		Prices:            prices,
		Ledger:            l,
		Clock:             clock,
	})
	if err != nil {
		t.Fatal(err)
	}

	inst := tmpl.Clone(instAddr)
	ord := order.Template(sellToken, buyToken, receiver)
	ord.SellAmount = big.NewInt(10)
	ord.BuyAmount = big.NewInt(990)
	ord.ValidTo = uint32(clock.Now().Add(time.Hour).Unix())
	hash, err := inst.Initialize(context.Background(), ord)
	if err != nil {
		t.Fatal(err)
	}

	_ = l.Mint(ledger.Token(sellToken), instAddr, big.NewInt(10))
	_ = l.Mint(ledger.Token(buyToken), solver, big.NewInt(5000))

	return &fixture{
		settler: NewSettler(l, zap.NewNop().Sugar()),
		ledger:  l,
		prices:  prices,
		clock:   clock,
		inst:    inst,
		hash:    hash,
	}
}

func TestSettle(t *testing.T) {
	f := newFixture(t)

	fill, err := f.settler.Settle(context.Background(), f.inst, f.hash, big.NewInt(995), solver)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if fill.SellAmount.Int64() != 10 || fill.BuyAmount.Int64() != 995 {
		t.Errorf("fill = %+v", fill)
	}
	if got := f.ledger.Balance(ledger.Token(sellToken), solver); got.Int64() != 10 {
		t.Errorf("solver sell balance = %s", got)
	}
	if got := f.ledger.Balance(ledger.Token(buyToken), receiver); got.Int64() != 995 {
		t.Errorf("receiver buy balance = %s", got)
	}
	// unlimited relayer allowance survives the pull
	if got := f.ledger.Allowance(sellToken, instAddr, crypto.VaultRelayer); got.Cmp(math.MaxBig256) != 0 {
		t.Errorf("allowance = %s", got)
	}
}

func TestSettle_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		hash    func(f *fixture) common.Hash
		buy     int64
		wantErr error
	}{
		{
			name:    "price spike",
			setup:   func(f *fixture) { f.prices.out = big.NewInt(1100) },
			buy:     990,
			wantErr: order.ErrPriceToleranceExceeded,
		},
		{
			name:    "expired",
			setup:   func(f *fixture) { f.clock.Advance(2 * time.Hour) },
			buy:     990,
			wantErr: order.ErrInvalidTime,
		},
		{
			name:    "foreign hash",
			hash:    func(*fixture) common.Hash { return common.HexToHash("0xbeef") },
			buy:     990,
			wantErr: ErrSignatureRejected,
		},
		{
			name:    "underpaid",
			buy:     989,
			wantErr: ErrUnderpaid,
		},
		{
			name:    "solver cannot pay",
			buy:     6000,
			wantErr: ledger.ErrInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			hash := f.hash
			if tt.hash != nil {
				hash = tt.hash(f)
			}

			_, err := f.settler.Settle(context.Background(), f.inst, hash, big.NewInt(tt.buy), solver)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			// nothing moved
			if got := f.ledger.Balance(ledger.Token(sellToken), instAddr); got.Int64() != 10 {
				t.Errorf("instance balance = %s", got)
			}
			if got := f.ledger.Balance(ledger.Token(buyToken), solver); got.Int64() != 5000 {
				t.Errorf("solver balance = %s", got)
			}
		})
	}
}

func TestSettle_SecondFillFindsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.settler.Settle(ctx, f.inst, f.hash, big.NewInt(990), solver); err != nil {
		t.Fatal(err)
	}
	if _, err := f.settler.Settle(ctx, f.inst, f.hash, big.NewInt(990), solver); !errors.Is(err, ErrNothingToSettle) {
		t.Fatalf("expected ErrNothingToSettle, got %v", err)
	}
	if got := f.ledger.Balance(ledger.Token(buyToken), solver); got.Int64() != 5000-990 {
		t.Errorf("solver charged twice: %s", got)
	}
}

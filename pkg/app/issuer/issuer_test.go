package issuer_test

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/stonks/pkg/app/issuer"
	"github.com/uhyunpark/stonks/pkg/app/order"
	"github.com/uhyunpark/stonks/pkg/converter"
	"github.com/uhyunpark/stonks/pkg/crypto"
	"github.com/uhyunpark/stonks/pkg/ledger"
	"github.com/uhyunpark/stonks/pkg/oracle"
	"github.com/uhyunpark/stonks/pkg/settlement"
	"github.com/uhyunpark/stonks/pkg/storage"
	"github.com/uhyunpark/stonks/pkg/util"
)

var (
	steth      = common.HexToAddress("0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84")
	dai        = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	treasury   = common.HexToAddress("0x3e40D73EB977Dc6a537aF587D48316feE66E9C8c")
	issuerAddr = common.HexToAddress("0x00000000000000000000000000000000005707c5")
	operator   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	agent      = common.HexToAddress("0x0000000000000000000000000000000000000002")
	solver     = common.HexToAddress("0x0000000000000000000000000000000000000050")
)

const week = 7 * 24 * time.Hour

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type recordingSink struct {
	placed    []issuer.IssuanceEvent
	cancelled []issuer.CancellationEvent
}

func (s *recordingSink) OrderPlaced(ev issuer.IssuanceEvent)        { s.placed = append(s.placed, ev) }
func (s *recordingSink) OrderCancelled(ev issuer.CancellationEvent) { s.cancelled = append(s.cancelled, ev) }

type env struct {
	issuer   *issuer.Issuer
	ledger   *ledger.Ledger
	registry *oracle.StaticRegistry
	clock    *util.ManualClock
	sink     *recordingSink
	store    issuer.RecordStore
}

type envOpts struct {
	marginBps    uint16
	toleranceBps uint16
	store        issuer.RecordStore
	balances     ledger.BalanceStore
}

func newEnv(t *testing.T, opts envOpts) *env {
	t.Helper()
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))

	l := ledger.New(opts.balances)
	l.RegisterToken(steth, "stETH", 18)
	l.RegisterToken(dai, "DAI", 18)

	registry := oracle.NewStaticRegistry()
	registry.SetPrice(steth, oracle.USD, big.NewInt(2000_00000000), 8, clock.Now())

	conv, err := converter.New(converter.Config{
		SellTokens:   []common.Address{steth},
		BuyTokens:    []common.Address{dai},
		Denomination: oracle.USD,
	}, registry, l, clock, nil)
	if err != nil {
		t.Fatal(err)
	}

	store := opts.store
	if store == nil {
		store = storage.NewInMemoryStore()
	}

	is, err := issuer.New(issuer.Config{
		Address:           issuerAddr,
		TokenFrom:         steth,
		TokenTo:           dai,
		Receiver:          treasury,
		Policy:            order.Policy{Operator: operator, Agent: agent},
		MarginBps:         opts.marginBps,
		PriceToleranceBps: opts.toleranceBps,
	}, conv, l, store, clock, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	sink := &recordingSink{}
	is.AddSink(sink)
	return &env{issuer: is, ledger: l, registry: registry, clock: clock, sink: sink, store: store}
}

func TestNew_Validation(t *testing.T) {
	l := ledger.New(nil)
	prices := &fixedPrices{}
	valid := issuer.Config{
		Address:   issuerAddr,
		TokenFrom: steth,
		TokenTo:   dai,
		Receiver:  treasury,
		Policy:    order.Policy{Operator: operator},
	}

	tests := []struct {
		name   string
		mutate func(c *issuer.Config)
	}{
		{"zero tokenFrom", func(c *issuer.Config) { c.TokenFrom = common.Address{} }},
		{"zero tokenTo", func(c *issuer.Config) { c.TokenTo = common.Address{} }},
		{"same tokens", func(c *issuer.Config) { c.TokenTo = c.TokenFrom }},
		{"zero operator", func(c *issuer.Config) { c.Policy.Operator = common.Address{} }},
		{"zero receiver", func(c *issuer.Config) { c.Receiver = common.Address{} }},
		{"margin out of range", func(c *issuer.Config) { c.MarginBps = 10_001 }},
		{"tolerance out of range", func(c *issuer.Config) { c.PriceToleranceBps = 10_001 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if _, err := issuer.New(cfg, prices, l, nil, nil, nil); err == nil {
				t.Error("expected construction error")
			}
		})
	}

	if _, err := issuer.New(valid, nil, l, nil, nil, nil); err == nil {
		t.Error("expected error for nil price source")
	}

	is, err := issuer.New(valid, prices, l, nil, nil, nil)
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	p := is.OrderParameters()
	if p.ValidityWindow != issuer.DefaultValidityWindow {
		t.Errorf("validity window = %s", p.ValidityWindow)
	}
	if p.Relayer != crypto.VaultRelayer {
		t.Errorf("relayer = %s", p.Relayer.Hex())
	}
	sep, _ := crypto.DomainSeparator(crypto.DefaultDomain())
	if p.DomainSeparator != sep {
		t.Error("default domain not applied")
	}
}

type fixedPrices struct{}

func (fixedPrices) ExpectedOut(_ context.Context, sellAmount *big.Int, _, _ common.Address) (*big.Int, error) {
	return new(big.Int).Set(sellAmount), nil
}

func TestPlaceOrder_ZeroBalance(t *testing.T) {
	e := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100})

	_, _, err := e.issuer.PlaceOrder(context.Background(), operator)
	if !errors.Is(err, issuer.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(e.issuer.Instances()) != 0 || len(e.sink.placed) != 0 {
		t.Error("failed placement left state behind")
	}
}

func TestPlaceOrder_OnlyOperator(t *testing.T) {
	e := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100})
	_ = e.ledger.Mint(ledger.Token(steth), issuerAddr, e18(1))

	for _, caller := range []common.Address{agent, solver} {
		if _, _, err := e.issuer.PlaceOrder(context.Background(), caller); !errors.Is(err, order.ErrUnauthorized) {
			t.Errorf("caller %s: expected ErrUnauthorized, got %v", caller.Hex(), err)
		}
	}
}

func TestPlaceOrder_Amounts(t *testing.T) {
	e := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100})
	_ = e.ledger.Mint(ledger.Token(steth), issuerAddr, e18(1))
	start := e.clock.Now()

	inst, ev, err := e.issuer.PlaceOrder(context.Background(), operator)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	ord := inst.Order()
	if ord.SellAmount.Cmp(e18(1)) != 0 {
		t.Errorf("sellAmount = %s", ord.SellAmount)
	}
	// 2000 DAI expected, minus 1% margin
	if ord.BuyAmount.Cmp(e18(1980)) != 0 {
		t.Errorf("buyAmount = %s, want 1980e18", ord.BuyAmount)
	}
	if want := uint32(start.Add(week).Unix()); ord.ValidTo != want {
		t.Errorf("validTo = %d, want %d", ord.ValidTo, want)
	}
	if ord.Receiver != treasury || ord.SellToken != steth || ord.BuyToken != dai {
		t.Error("order parties wrong")
	}

	if got := e.ledger.Balance(ledger.Token(steth), inst.Address()); got.Cmp(e18(1)) != 0 {
		t.Errorf("instance holds %s", got)
	}
	if got := e.ledger.Balance(ledger.Token(steth), issuerAddr); got.Sign() != 0 {
		t.Errorf("issuer still holds %s", got)
	}

	want, err := e.issuer.Hasher().Hash(ord)
	if err != nil {
		t.Fatal(err)
	}
	if ev.OrderHash != want || inst.OrderHash() != want {
		t.Errorf("event hash %s, instance hash %s, want %s", ev.OrderHash.Hex(), inst.OrderHash().Hex(), want.Hex())
	}
	if ev.Instance != inst.Address() || ev.Instance != crypto.InstanceAddress(issuerAddr, 0) {
		t.Errorf("instance address = %s", ev.Instance.Hex())
	}
	if len(e.sink.placed) != 1 || e.sink.placed[0].Instance != inst.Address() {
		t.Errorf("sink saw %d placements", len(e.sink.placed))
	}
	if inst.Status() != order.StatusActive {
		t.Errorf("status = %s", inst.Status())
	}
}

func TestPlaceOrder_FreshAddressPerOrder(t *testing.T) {
	e := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100})
	ctx := context.Background()

	var addrs []common.Address
	for i := 0; i < 3; i++ {
		_ = e.ledger.Mint(ledger.Token(steth), issuerAddr, e18(1))
		inst, _, err := e.issuer.PlaceOrder(ctx, operator)
		if err != nil {
			t.Fatalf("order %d: %v", i, err)
		}
		addrs = append(addrs, inst.Address())
	}

	for i, addr := range addrs {
		if want := crypto.InstanceAddress(issuerAddr, uint64(i)); addr != want {
			t.Errorf("order %d at %s, want %s", i, addr.Hex(), want.Hex())
		}
	}
	if got := e.issuer.Instances(); len(got) != 3 || got[2].Address() != addrs[2] {
		t.Error("Instances not in placement order")
	}
	if _, ok := e.issuer.Instance(addrs[1]); !ok {
		t.Error("Instance lookup failed")
	}
}

func TestPlaceOrder_OracleFailureLeavesBalance(t *testing.T) {
	e := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100})
	_ = e.ledger.Mint(ledger.Token(steth), issuerAddr, e18(1))
	e.clock.Advance(48 * time.Hour)

	_, _, err := e.issuer.PlaceOrder(context.Background(), operator)
	if !errors.Is(err, converter.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if got := e.ledger.Balance(ledger.Token(steth), issuerAddr); got.Cmp(e18(1)) != 0 {
		t.Errorf("issuer balance = %s", got)
	}

	// the failed attempt must not burn a nonce
	e.registry.SetPrice(steth, oracle.USD, big.NewInt(2000_00000000), 8, e.clock.Now())
	inst, _, err := e.issuer.PlaceOrder(context.Background(), operator)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Address() != crypto.InstanceAddress(issuerAddr, 0) {
		t.Errorf("address = %s", inst.Address().Hex())
	}
}

func TestPriceTolerance(t *testing.T) {
	tests := []struct {
		name         string
		marginBps    uint16
		toleranceBps uint16
		answer       int64 // 8-decimal USD price at validation time
		wantErr      error
	}{
		// committed 1960, live re-margined 1960
		{"margin above tolerance, unchanged price", 200, 100, 2000_00000000, nil},
		// committed 1980, live 2010*0.99 = 1989.9, band 19.8
		{"adverse move inside tolerance", 100, 100, 2010_00000000, nil},
		// 2020*0.99 = 1999.8, exactly 1980 + 19.8
		{"adverse move at tolerance edge", 100, 100, 2020_00000000, nil},
		{"adverse move just past tolerance", 100, 100, 2020_01000000, order.ErrPriceToleranceExceeded},
		// band 59.4: 2060*0.99 = 2039.4 sits on the edge, 2080*0.99 = 2059.2 is past it
		{"wide tolerance at edge", 100, 300, 2060_00000000, nil},
		{"wide tolerance exceeded", 100, 300, 2080_00000000, order.ErrPriceToleranceExceeded},
		{"zero tolerance rejects any rise", 0, 0, 2000_00000001, order.ErrPriceToleranceExceeded},
		{"price drop", 100, 100, 1000_00000000, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, envOpts{marginBps: tt.marginBps, toleranceBps: tt.toleranceBps})
			_ = e.ledger.Mint(ledger.Token(steth), issuerAddr, e18(1))
			ctx := context.Background()

			inst, ev, err := e.issuer.PlaceOrder(ctx, operator)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := inst.IsValidSignature(ctx, ev.OrderHash, nil); err != nil {
				t.Fatalf("fresh order rejected at placement price: %v", err)
			}

			e.registry.SetPrice(steth, oracle.USD, big.NewInt(tt.answer), 8, e.clock.Now())
			magic, err := inst.IsValidSignature(ctx, ev.OrderHash, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || magic != order.MagicValue {
				t.Errorf("magic = %x, err = %v", magic, err)
			}
		})
	}
}

type failingBalances struct{ fail bool }

func (s *failingBalances) SaveBalances([]ledger.BalanceEntry) error {
	if s.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestPlaceOrder_FundingFailureLeavesNoApproval(t *testing.T) {
	balances := &failingBalances{}
	e := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100, balances: balances})
	_ = e.ledger.Mint(ledger.Token(steth), issuerAddr, e18(1))
	ctx := context.Background()
	addr := crypto.InstanceAddress(issuerAddr, 0)

	balances.fail = true
	if _, _, err := e.issuer.PlaceOrder(ctx, operator); err == nil {
		t.Fatal("expected funding failure")
	}
	if got := e.ledger.Allowance(steth, addr, crypto.VaultRelayer); got.Sign() != 0 {
		t.Errorf("relayer allowance left behind: %s", got)
	}
	if got := e.ledger.Balance(ledger.Token(steth), issuerAddr); got.Cmp(e18(1)) != 0 {
		t.Errorf("issuer balance = %s", got)
	}
	if len(e.issuer.Instances()) != 0 || len(e.sink.placed) != 0 {
		t.Error("failed placement left state behind")
	}

	balances.fail = false
	inst, _, err := e.issuer.PlaceOrder(ctx, operator)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Address() != addr {
		t.Errorf("address = %s, want %s", inst.Address().Hex(), addr.Hex())
	}
	if got := e.ledger.Allowance(steth, addr, crypto.VaultRelayer); got.Sign() == 0 {
		t.Error("relayer not approved after successful placement")
	}
}

// Mirrors the production flow: treasury funds the issuer, operator places,
// the order cannot be cancelled early, expires, is cancelled twice safely
func TestHappyPath(t *testing.T) {
	e := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100})
	ctx := context.Background()

	_ = e.ledger.Mint(ledger.Token(steth), treasury, e18(1))
	if err := e.ledger.Transfer(ledger.Token(steth), treasury, issuerAddr, e18(1)); err != nil {
		t.Fatal(err)
	}

	inst, ev, err := e.issuer.PlaceOrder(ctx, operator)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	magic, err := inst.IsValidSignature(ctx, ev.OrderHash, nil)
	if err != nil || magic != order.MagicValue {
		t.Fatalf("signature check: %x %v", magic, err)
	}

	if _, err := e.issuer.CancelOrder(ctx, inst.Address()); !errors.Is(err, order.ErrOrderNotExpired) {
		t.Fatalf("expected ErrOrderNotExpired, got %v", err)
	}

	e.clock.Advance(week + time.Second)

	if _, err := inst.IsValidSignature(ctx, ev.OrderHash, nil); !errors.Is(err, order.ErrInvalidTime) {
		t.Errorf("expected ErrInvalidTime after expiry, got %v", err)
	}
	if inst.Status() != order.StatusExpired {
		t.Errorf("status = %s, want expired", inst.Status())
	}

	swept, err := e.issuer.CancelOrder(ctx, inst.Address())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if swept.Cmp(e18(1)) != 0 {
		t.Errorf("swept = %s", swept)
	}
	if got := e.ledger.Balance(ledger.Token(steth), inst.Address()); got.Sign() != 0 {
		t.Errorf("instance still holds %s", got)
	}
	if got := e.ledger.Balance(ledger.Token(steth), treasury); got.Cmp(e18(1)) != 0 {
		t.Errorf("treasury = %s", got)
	}

	swept, err = e.issuer.CancelOrder(ctx, inst.Address())
	if err != nil || swept.Sign() != 0 {
		t.Errorf("second cancel: %s %v", swept, err)
	}
	if len(e.sink.cancelled) != 1 {
		t.Errorf("sink saw %d cancellations, want 1", len(e.sink.cancelled))
	}
	if inst.Status() != order.StatusCancelled {
		t.Errorf("status = %s", inst.Status())
	}
}

func TestHappyPath_Settlement(t *testing.T) {
	e := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100})
	ctx := context.Background()
	_ = e.ledger.Mint(ledger.Token(steth), issuerAddr, e18(1))
	_ = e.ledger.Mint(ledger.Token(dai), solver, e18(5000))

	inst, ev, err := e.issuer.PlaceOrder(ctx, operator)
	if err != nil {
		t.Fatal(err)
	}

	settler := settlement.NewSettler(e.ledger, nil)
	fill, err := settler.Settle(ctx, inst, ev.OrderHash, e18(1980), solver)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if fill.SellAmount.Cmp(e18(1)) != 0 {
		t.Errorf("sold %s", fill.SellAmount)
	}
	if got := e.ledger.Balance(ledger.Token(dai), treasury); got.Cmp(e18(1980)) != 0 {
		t.Errorf("treasury DAI = %s", got)
	}
	if inst.Status() != order.StatusSettled {
		t.Errorf("status = %s, want settled", inst.Status())
	}

	// cancel after settlement moves nothing
	e.clock.Advance(week + time.Second)
	swept, err := e.issuer.CancelOrder(ctx, inst.Address())
	if err != nil || swept.Sign() != 0 {
		t.Errorf("cancel after settle: %s %v", swept, err)
	}
}

type countingStore struct {
	*storage.InMemoryStore
	marks int
}

func (s *countingStore) MarkCancelled(addr common.Address, at time.Time) error {
	s.marks++
	return s.InMemoryStore.MarkCancelled(addr, at)
}

func TestCancelOrder_RepeatIsSilent(t *testing.T) {
	store := &countingStore{InMemoryStore: storage.NewInMemoryStore()}
	e := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100, store: store})
	_ = e.ledger.Mint(ledger.Token(steth), issuerAddr, e18(1))
	ctx := context.Background()

	inst, _, err := e.issuer.PlaceOrder(ctx, operator)
	if err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(week + time.Second)

	for i := 0; i < 3; i++ {
		if _, err := e.issuer.CancelOrder(ctx, inst.Address()); err != nil {
			t.Fatalf("cancel %d: %v", i, err)
		}
	}
	if store.marks != 1 {
		t.Errorf("MarkCancelled called %d times, want 1", store.marks)
	}
	if len(e.sink.cancelled) != 1 || e.sink.cancelled[0].Amount.Cmp(e18(1)) != 0 {
		t.Fatalf("cancellations = %+v", e.sink.cancelled)
	}

	// sell token arriving after cancel is still swept and reported
	_ = e.ledger.Mint(ledger.Token(steth), inst.Address(), big.NewInt(7))
	swept, err := e.issuer.CancelOrder(ctx, inst.Address())
	if err != nil || swept.Int64() != 7 {
		t.Fatalf("late sweep: %s %v", swept, err)
	}
	if len(e.sink.cancelled) != 2 || store.marks != 1 {
		t.Errorf("late sweep: %d events, %d marks", len(e.sink.cancelled), store.marks)
	}
}

func TestCancelOrder_Unknown(t *testing.T) {
	e := newEnv(t, envOpts{})
	if _, err := e.issuer.CancelOrder(context.Background(), solver); !errors.Is(err, issuer.ErrUnknownOrder) {
		t.Errorf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestIssuerRecoverAsset(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	usdt := common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	_ = e.ledger.Mint(ledger.Token(usdt), issuerAddr, big.NewInt(100))

	if err := e.issuer.RecoverAsset(ctx, solver, ledger.Token(usdt), big.NewInt(100), solver); !errors.Is(err, order.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := e.issuer.RecoverAsset(ctx, agent, ledger.Token(usdt), big.NewInt(100), treasury); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := e.ledger.Balance(ledger.Token(usdt), treasury); got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("treasury = %s", got)
	}
}

func TestRestore(t *testing.T) {
	db, err := storage.NewPebbleStore(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	first := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100, store: db, balances: db})
	_ = first.ledger.Mint(ledger.Token(steth), issuerAddr, e18(1))
	placed, _, err := first.issuer.PlaceOrder(ctx, operator)
	if err != nil {
		t.Fatal(err)
	}

	// restart: new ledger and issuer over the same database
	second := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100, store: db, balances: db})
	entries, err := db.LoadBalances()
	if err != nil {
		t.Fatal(err)
	}
	second.ledger.Restore(entries)
	if err := second.issuer.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	inst, ok := second.issuer.Instance(placed.Address())
	if !ok {
		t.Fatal("instance not restored")
	}
	if inst.OrderHash() != placed.OrderHash() {
		t.Error("restored hash differs")
	}
	if inst.Status() != order.StatusActive {
		t.Errorf("restored status = %s", inst.Status())
	}
	if _, err := inst.IsValidSignature(ctx, placed.OrderHash(), nil); err != nil {
		t.Errorf("restored order rejects its hash: %v", err)
	}

	// nonce continues, so the next order gets a fresh address
	_ = second.ledger.Mint(ledger.Token(steth), issuerAddr, e18(1))
	next, _, err := second.issuer.PlaceOrder(ctx, operator)
	if err != nil {
		t.Fatal(err)
	}
	if next.Address() != crypto.InstanceAddress(issuerAddr, 1) {
		t.Errorf("next order at %s, want nonce 1", next.Address().Hex())
	}
}

func TestJournalSink(t *testing.T) {
	e := newEnv(t, envOpts{marginBps: 100, toleranceBps: 100})
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := storage.NewFileJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	e.issuer.AddSink(issuer.NewJournalSink(j))

	_ = e.ledger.Mint(ledger.Token(steth), issuerAddr, e18(1))
	inst, _, err := e.issuer.PlaceOrder(context.Background(), operator)
	if err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(week + time.Second)
	if _, err := e.issuer.CancelOrder(context.Background(), inst.Address()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"order_placed"`) || !strings.Contains(lines[1], `"order_cancelled"`) {
		t.Errorf("journal = %q", data)
	}

	recs, err := e.store.ListOrderRecords()
	if err != nil || len(recs) != 1 || !recs[0].Cancelled {
		t.Errorf("store records = %+v, %v", recs, err)
	}
}

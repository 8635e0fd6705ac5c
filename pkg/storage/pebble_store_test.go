package storage

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stonks/pkg/crypto"
	"github.com/uhyunpark/stonks/pkg/ledger"
)

var (
	steth    = common.HexToAddress("0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84")
	dai      = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	treasury = common.HexToAddress("0x3e40D73EB977Dc6a537aF587D48316feE66E9C8c")
)

func newTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(addr common.Address, nonce uint64, createdAt time.Time) *OrderRecord {
	ord := &crypto.GPv2Order{
		SellToken:        steth,
		BuyToken:         dai,
		Receiver:         treasury,
		SellAmount:       big.NewInt(1_000),
		BuyAmount:        big.NewInt(1_980_000),
		ValidTo:          1_700_604_800,
		FeeAmount:        big.NewInt(0),
		Kind:             crypto.KindSell,
		SellTokenBalance: crypto.BalanceERC20,
		BuyTokenBalance:  crypto.BalanceERC20,
	}
	ord.AppData[31] = 0x42
	return NewOrderRecord(addr, common.HexToHash("0xabcd"), nonce, createdAt, ord)
}

func TestOrderRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	rec := testRecord(addr, 3, time.Unix(1_700_000_000, 0).UTC())

	if err := s.SaveOrderRecord(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadOrderRecord(addr)
	if err != nil || got == nil {
		t.Fatalf("load: %v %v", got, err)
	}

	if got.OrderHash != rec.OrderHash || got.Nonce != 3 || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("metadata mismatch: %+v", got)
	}

	want, err := crypto.HashOrder(rec.Order(), common.Hash{})
	if err != nil {
		t.Fatal(err)
	}
	have, err := crypto.HashOrder(got.Order(), common.Hash{})
	if err != nil {
		t.Fatal(err)
	}
	if want != have {
		t.Error("order changed through storage")
	}
}

func TestLoadOrderRecord_Missing(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.LoadOrderRecord(common.HexToAddress("0x01"))
	if err != nil || rec != nil {
		t.Errorf("expected nil, nil; got %v, %v", rec, err)
	}
}

func TestListOrderRecords_Chronological(t *testing.T) {
	s := newTestStore(t)
	base := time.Unix(1_700_000_000, 0)

	// saved out of order
	addrs := []common.Address{
		common.HexToAddress("0x03"),
		common.HexToAddress("0x01"),
		common.HexToAddress("0x02"),
	}
	times := []time.Time{base.Add(2 * time.Hour), base, base.Add(time.Hour)}
	for i := range addrs {
		if err := s.SaveOrderRecord(testRecord(addrs[i], uint64(i), times[i])); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.ListOrderRecords()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, want := range []common.Address{addrs[1], addrs[2], addrs[0]} {
		if recs[i].Address != want {
			t.Errorf("record %d = %s, want %s", i, recs[i].Address.Hex(), want.Hex())
		}
	}
}

func TestMarkCancelled(t *testing.T) {
	s := newTestStore(t)
	addr := common.HexToAddress("0xc1")
	_ = s.SaveOrderRecord(testRecord(addr, 0, time.Unix(1_700_000_000, 0)))

	first := time.Unix(1_800_000_000, 0).UTC()
	if err := s.MarkCancelled(addr, first); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCancelled(addr, first.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.LoadOrderRecord(addr)
	if !rec.Cancelled || !rec.CancelledAt.Equal(first) {
		t.Errorf("cancelled = %v at %s", rec.Cancelled, rec.CancelledAt)
	}

	if err := s.MarkCancelled(common.HexToAddress("0xdead"), first); err == nil {
		t.Error("expected error for unknown record")
	}
}

func TestNonce(t *testing.T) {
	s := newTestStore(t)

	n, err := s.LoadNonce()
	if err != nil || n != 0 {
		t.Fatalf("initial nonce = %d, %v", n, err)
	}
	if err := s.SaveNonce(42); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.LoadNonce(); n != 42 {
		t.Errorf("nonce = %d, want 42", n)
	}
}

func TestBalancesWriteThrough(t *testing.T) {
	s := newTestStore(t)
	holder := common.HexToAddress("0xc1")
	nft := ledger.NFT(common.HexToAddress("0xf7"), big.NewInt(12))

	l := ledger.New(s)
	if err := l.Mint(ledger.Token(steth), holder, big.NewInt(500)); err != nil {
		t.Fatal(err)
	}
	if err := l.Mint(nft, holder, big.NewInt(1)); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer(ledger.Token(steth), holder, treasury, big.NewInt(500)); err != nil {
		t.Fatal(err)
	}

	entries, err := s.LoadBalances()
	if err != nil {
		t.Fatal(err)
	}

	restored := ledger.New(nil)
	restored.Restore(entries)

	if got := restored.Balance(ledger.Token(steth), treasury); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("treasury = %s, want 500", got)
	}
	if got := restored.Balance(ledger.Token(steth), holder); got.Sign() != 0 {
		t.Errorf("holder = %s, want 0", got)
	}
	if got := restored.Balance(nft, holder); got.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("nft = %s, want 1", got)
	}
	// zero balances are skipped on load
	if len(entries) != 2 {
		t.Errorf("loaded %d entries, want 2", len(entries))
	}
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	a, b := common.HexToAddress("0x0a"), common.HexToAddress("0x0b")

	_ = s.SaveOrderRecord(testRecord(b, 1, base.Add(time.Minute)))
	_ = s.SaveOrderRecord(testRecord(a, 0, base))

	recs, _ := s.ListOrderRecords()
	if len(recs) != 2 || recs[0].Address != a {
		t.Fatalf("unexpected order: %+v", recs)
	}
	if err := s.MarkCancelled(a, base); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.LoadOrderRecord(a); !rec.Cancelled {
		t.Error("record not cancelled")
	}
	if rec, _ := s.LoadOrderRecord(common.HexToAddress("0xff")); rec != nil {
		t.Error("expected nil for missing record")
	}
}

func TestFileJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := NewFileJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	j.Append("order_placed a")
	j.Append("order_cancelled a")
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "order_placed a\norder_cancelled a\n" {
		t.Errorf("journal = %q", data)
	}
}

package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stonks/pkg/ledger"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Order Records
// ============================================================================

// SaveOrderRecord persists a record and its chronological index entry
func (s *PebbleStore) SaveOrderRecord(rec *OrderRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal order record: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(orderKey(rec.Address), data, nil); err != nil {
		return err
	}
	if err := batch.Set(indexKey(rec.CreatedAt, rec.Address), rec.Address.Bytes(), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order record: %w", err)
	}
	return nil
}

// LoadOrderRecord loads a record from Pebble
// Returns nil if the record doesn't exist
func (s *PebbleStore) LoadOrderRecord(addr common.Address) (*OrderRecord, error) {
	data, closer, err := s.db.Get(orderKey(addr))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order record: %w", err)
	}
	defer closer.Close()

	var rec OrderRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order record: %w", err)
	}
	return &rec, nil
}

// ListOrderRecords returns every record, oldest first
func (s *PebbleStore) ListOrderRecords() ([]*OrderRecord, error) {
	prefix := []byte(prefixIndex)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []*OrderRecord
	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := s.LoadOrderRecord(common.BytesToAddress(iter.Value()))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// MarkCancelled flags a record as cancelled; first cancel time wins
func (s *PebbleStore) MarkCancelled(addr common.Address, at time.Time) error {
	rec, err := s.LoadOrderRecord(addr)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("order record %s not found", addr.Hex())
	}
	if rec.Cancelled {
		return nil
	}
	rec.Cancelled = true
	rec.CancelledAt = at

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal order record: %w", err)
	}
	if err := s.db.Set(orderKey(addr), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order record: %w", err)
	}
	return nil
}

// ============================================================================
// Issuer Nonce
// ============================================================================

func (s *PebbleStore) SaveNonce(nonce uint64) error {
	if err := s.db.Set(nonceKey(), encodeUint64(nonce), pebble.Sync); err != nil {
		return fmt.Errorf("failed to save nonce: %w", err)
	}
	return nil
}

// LoadNonce returns 0 when no nonce has been saved
func (s *PebbleStore) LoadNonce() (uint64, error) {
	val, closer, err := s.db.Get(nonceKey())
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	defer closer.Close()
	return decodeUint64(val)
}

// ============================================================================
// Ledger Balances
// ============================================================================

// SaveBalances writes all entries in one batch
func (s *PebbleStore) SaveBalances(entries []ledger.BalanceEntry) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, e := range entries {
		if err := batch.Set(balanceKey(e.Asset, e.Holder), encodeAmount(e.Amount), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save balances: %w", err)
	}
	return nil
}

// LoadBalances returns every non-zero persisted balance
func (s *PebbleStore) LoadBalances() ([]ledger.BalanceEntry, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []ledger.BalanceEntry
	for iter.First(); iter.Valid(); iter.Next() {
		asset, holder, err := decodeBalanceKey(iter.Key())
		if err != nil {
			return nil, err
		}
		amount, err := decodeAmount(iter.Value())
		if err != nil {
			return nil, err
		}
		if amount.Sign() == 0 {
			continue
		}
		entries = append(entries, ledger.BalanceEntry{Asset: asset, Holder: holder, Amount: amount})
	}
	return entries, nil
}

var _ ledger.BalanceStore = (*PebbleStore)(nil)

package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// InMemoryStore keeps order records in process; used when no DB path is configured
type InMemoryStore struct {
	mu      sync.Mutex
	records map[common.Address]OrderRecord
	nonce   uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[common.Address]OrderRecord)}
}

func (s *InMemoryStore) SaveOrderRecord(rec *OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Address] = *rec
	return nil
}

func (s *InMemoryStore) LoadOrderRecord(addr common.Address) (*OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[addr]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) ListOrderRecords() ([]*OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*OrderRecord, 0, len(s.records))
	for _, rec := range s.records {
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Nonce < out[j].Nonce
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) MarkCancelled(addr common.Address, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[addr]
	if !ok {
		return fmt.Errorf("order record %s not found", addr.Hex())
	}
	if !rec.Cancelled {
		rec.Cancelled = true
		rec.CancelledAt = at
		s.records[addr] = rec
	}
	return nil
}

func (s *InMemoryStore) SaveNonce(nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce = nonce
	return nil
}

func (s *InMemoryStore) LoadNonce() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce, nil
}

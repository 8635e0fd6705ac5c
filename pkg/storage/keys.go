package storage

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stonks/pkg/ledger"
)

// Key schema for Pebble storage
//
//   ord:<instance>                  → OrderRecord (JSON)
//   idx:<createdAt>:<instance>      → instance address, for chronological listing
//   bal:<assetKey>|<holder>         → balance (decimal string)
//   nonce                           → issuer nonce (8-byte big endian)

const (
	prefixOrder   = "ord:"
	prefixIndex   = "idx:"
	prefixBalance = "bal:"
)

// orderKey returns the key for an order record
// Format: "ord:{address}"
func orderKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixOrder, addr.Hex()))
}

// indexKey returns the chronological index key for an order record
// Format: "idx:{createdAt}:{address}"
// Timestamp is zero-padded (20 digits) for lexicographic sorting
func indexKey(createdAt time.Time, addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixIndex, createdAt.UnixNano(), addr.Hex()))
}

// balanceKey returns the key for one ledger balance line
// Format: "bal:{kind}:{token}:{id}|{holder}"
func balanceKey(asset ledger.Asset, holder common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s|%s", prefixBalance, asset.Key(), holder.Hex()))
}

func nonceKey() []byte { return []byte("nonce") }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

package storage

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stonks/pkg/ledger"
)

func encodeUint64(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid uint64 length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func encodeAmount(v *big.Int) []byte { return []byte(v.String()) }

func decodeAmount(b []byte) (*big.Int, error) {
	v, ok := new(big.Int).SetString(string(b), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", b)
	}
	return v, nil
}

// decodeBalanceKey splits "bal:{assetKey}|{holder}"
func decodeBalanceKey(key []byte) (ledger.Asset, common.Address, error) {
	rest := strings.TrimPrefix(string(key), prefixBalance)
	assetKey, holder, ok := strings.Cut(rest, "|")
	if !ok || !common.IsHexAddress(holder) {
		return ledger.Asset{}, common.Address{}, fmt.Errorf("invalid balance key %q", key)
	}
	asset, err := ledger.ParseAssetKey(assetKey)
	if err != nil {
		return ledger.Asset{}, common.Address{}, err
	}
	return asset, common.HexToAddress(holder), nil
}

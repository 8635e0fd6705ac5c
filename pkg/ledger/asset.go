package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AssetKind distinguishes the token standards an address can hold
type AssetKind uint8

const (
	Native AssetKind = iota
	ERC20
	ERC721
	ERC1155
)

func (k AssetKind) String() string {
	switch k {
	case Native:
		return "native"
	case ERC20:
		return "erc20"
	case ERC721:
		return "erc721"
	case ERC1155:
		return "erc1155"
	default:
		return "unknown"
	}
}

// ParseAssetKind is the inverse of AssetKind.String
func ParseAssetKind(s string) (AssetKind, error) {
	switch strings.ToLower(s) {
	case "native", "eth", "ether":
		return Native, nil
	case "erc20":
		return ERC20, nil
	case "erc721":
		return ERC721, nil
	case "erc1155":
		return ERC1155, nil
	default:
		return 0, fmt.Errorf("unknown asset kind: %q", s)
	}
}

// Asset identifies one balance line
// Token is zero for Native; ID is set only for ERC721/ERC1155
type Asset struct {
	Kind  AssetKind
	Token common.Address
	ID    *big.Int
}

func NativeAsset() Asset { return Asset{Kind: Native} }

func Token(addr common.Address) Asset { return Asset{Kind: ERC20, Token: addr} }

func NFT(addr common.Address, id *big.Int) Asset {
	return Asset{Kind: ERC721, Token: addr, ID: new(big.Int).Set(id)}
}

func MultiToken(addr common.Address, id *big.Int) Asset {
	return Asset{Kind: ERC1155, Token: addr, ID: new(big.Int).Set(id)}
}

// IsToken reports whether a is the fungible ERC20 token at addr
func (a Asset) IsToken(addr common.Address) bool {
	return a.Kind == ERC20 && a.Token == addr
}

// Key is the canonical string form, also used as the storage key component
// Format: "{kind}:{token}:{id}"
func (a Asset) Key() string {
	id := "0"
	if a.ID != nil {
		id = a.ID.String()
	}
	return fmt.Sprintf("%s:%s:%s", a.Kind, a.Token.Hex(), id)
}

// ParseAssetKey is the inverse of Asset.Key
func ParseAssetKey(key string) (Asset, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return Asset{}, fmt.Errorf("invalid asset key: %q", key)
	}
	kind, err := ParseAssetKind(parts[0])
	if err != nil {
		return Asset{}, err
	}
	if !common.IsHexAddress(parts[1]) {
		return Asset{}, fmt.Errorf("invalid token in asset key: %q", parts[1])
	}
	id, ok := new(big.Int).SetString(parts[2], 10)
	if !ok {
		return Asset{}, fmt.Errorf("invalid id in asset key: %q", parts[2])
	}

	a := Asset{Kind: kind, Token: common.HexToAddress(parts[1])}
	if kind == ERC721 || kind == ERC1155 {
		a.ID = id
	}
	return a, nil
}

func (a Asset) String() string {
	switch a.Kind {
	case Native:
		return "native"
	case ERC20:
		return a.Token.Hex()
	default:
		return fmt.Sprintf("%s#%s", a.Token.Hex(), a.ID)
	}
}

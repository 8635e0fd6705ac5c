package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// GPv2 deployment (same addresses on mainnet and testnets)
var (
	SettlementContract = common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41")
	VaultRelayer       = common.HexToAddress("0xC92E8bdf79f0507f65a392b0ab4667716BFE0110")
)

// Order kind and balance markers, hashed as EIP-712 strings
const (
	KindSell = "sell"
	KindBuy  = "buy"

	BalanceERC20    = "erc20"
	BalanceExternal = "external"
	BalanceInternal = "internal"
)

// EIP712Domain represents the domain separator input for EIP-712 typed data
// Mixing it into every order hash prevents replay across chains/settlement contracts
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "Gnosis Protocol")
	Version           string         // Protocol version (e.g., "v2")
	ChainID           *big.Int       // Chain ID (1 for mainnet)
	VerifyingContract common.Address // Settlement contract
}

// DefaultDomain returns the mainnet GPv2 settlement domain
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "Gnosis Protocol",
		Version:           "v2",
		ChainID:           big.NewInt(1),
		VerifyingContract: SettlementContract,
	}
}

// GPv2Order is the committed trade in settlement-contract layout.
// Field order here is the hash order; do not reorder.
type GPv2Order struct {
	SellToken         common.Address
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	ValidTo           uint32
	AppData           [32]byte
	FeeAmount         *big.Int
	Kind              string
	PartiallyFillable bool
	SellTokenBalance  string
	BuyTokenBalance   string
}

// Copy returns a deep copy (big.Int fields are not shared)
func (o *GPv2Order) Copy() *GPv2Order {
	cp := *o
	cp.SellAmount = cloneInt(o.SellAmount)
	cp.BuyAmount = cloneInt(o.BuyAmount)
	cp.FeeAmount = cloneInt(o.FeeAmount)
	return &cp
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var orderType = []apitypes.Type{
	{Name: "sellToken", Type: "address"},
	{Name: "buyToken", Type: "address"},
	{Name: "receiver", Type: "address"},
	{Name: "sellAmount", Type: "uint256"},
	{Name: "buyAmount", Type: "uint256"},
	{Name: "validTo", Type: "uint32"},
	{Name: "appData", Type: "bytes32"},
	{Name: "feeAmount", Type: "uint256"},
	{Name: "kind", Type: "string"},
	{Name: "partiallyFillable", Type: "bool"},
	{Name: "sellTokenBalance", Type: "string"},
	{Name: "buyTokenBalance", Type: "string"},
}

func typedData(domain EIP712Domain, order *GPv2Order) apitypes.TypedData {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Order":        orderType,
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
	}
	if order != nil {
		td.Message = orderMessage(order)
	}
	return td
}

func orderMessage(order *GPv2Order) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"sellToken":         order.SellToken.Hex(),
		"buyToken":          order.BuyToken.Hex(),
		"receiver":          order.Receiver.Hex(),
		"sellAmount":        intString(order.SellAmount),
		"buyAmount":         intString(order.BuyAmount),
		"validTo":           fmt.Sprintf("%d", order.ValidTo),
		"appData":           hexutil.Bytes(order.AppData[:]),
		"feeAmount":         intString(order.FeeAmount),
		"kind":              order.Kind,
		"partiallyFillable": order.PartiallyFillable,
		"sellTokenBalance":  order.SellTokenBalance,
		"buyTokenBalance":   order.BuyTokenBalance,
	}
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// DomainSeparator hashes the EIP712Domain struct
func DomainSeparator(domain EIP712Domain) (common.Hash, error) {
	td := typedData(domain, nil)
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	return common.BytesToHash(sep), nil
}

// HashOrder computes the settlement order digest for a precomputed domain separator
// digest = keccak256("\x19\x01" || domainSeparator || hashStruct(order))
func HashOrder(order *GPv2Order, domainSeparator common.Hash) (common.Hash, error) {
	if order == nil {
		return common.Hash{}, fmt.Errorf("nil order")
	}
	if order.SellAmount == nil || order.BuyAmount == nil || order.SellAmount.Sign() < 0 || order.BuyAmount.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("order amounts must be non-negative")
	}

	td := typedData(EIP712Domain{}, order)
	structHash, err := td.HashStruct("Order", td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := make([]byte, 0, 2+32+32)
	rawData = append(rawData, 0x19, 0x01)
	rawData = append(rawData, domainSeparator.Bytes()...)
	rawData = append(rawData, structHash...)
	return crypto.Keccak256Hash(rawData), nil
}

// OrderHasher binds HashOrder to one domain; the separator is computed once
type OrderHasher struct {
	domain    EIP712Domain
	separator common.Hash
}

// NewOrderHasher creates a hasher for the given domain
func NewOrderHasher(domain EIP712Domain) (*OrderHasher, error) {
	sep, err := DomainSeparator(domain)
	if err != nil {
		return nil, err
	}
	return &OrderHasher{domain: domain, separator: sep}, nil
}

func (h *OrderHasher) Domain() EIP712Domain         { return h.domain }
func (h *OrderHasher) DomainSeparator() common.Hash { return h.separator }

// Hash returns the order digest under this hasher's domain
func (h *OrderHasher) Hash(order *GPv2Order) (common.Hash, error) {
	return HashOrder(order, h.separator)
}

// OrderToJSON renders the order as eth_signTypedData_v4 JSON
// External settlement tooling uses this to recompute the digest independently
func (h *OrderHasher) OrderToJSON(order *GPv2Order) (string, error) {
	td := map[string]interface{}{
		"types": map[string]interface{}{
			"EIP712Domain": domainType,
			"Order":        orderType,
		},
		"primaryType": "Order",
		"domain": map[string]interface{}{
			"name":              h.domain.Name,
			"version":           h.domain.Version,
			"chainId":           h.domain.ChainID.String(),
			"verifyingContract": h.domain.VerifyingContract.Hex(),
		},
		"message": map[string]interface{}{
			"sellToken":         order.SellToken.Hex(),
			"buyToken":          order.BuyToken.Hex(),
			"receiver":          order.Receiver.Hex(),
			"sellAmount":        intString(order.SellAmount),
			"buyAmount":         intString(order.BuyAmount),
			"validTo":           order.ValidTo,
			"appData":           hexutil.Encode(order.AppData[:]),
			"feeAmount":         intString(order.FeeAmount),
			"kind":              order.Kind,
			"partiallyFillable": order.PartiallyFillable,
			"sellTokenBalance":  order.SellTokenBalance,
			"buyTokenBalance":   order.BuyTokenBalance,
		},
	}

	jsonBytes, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}

package storage

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stonks/pkg/crypto"
)

// OrderRecord is the persisted form of one issued order instance
type OrderRecord struct {
	Address   common.Address `json:"address"`
	OrderHash common.Hash    `json:"orderHash"`
	Nonce     uint64         `json:"nonce"`
	CreatedAt time.Time      `json:"createdAt"`

	SellToken         common.Address `json:"sellToken"`
	BuyToken          common.Address `json:"buyToken"`
	Receiver          common.Address `json:"receiver"`
	SellAmount        *big.Int       `json:"sellAmount"`
	BuyAmount         *big.Int       `json:"buyAmount"`
	ValidTo           uint32         `json:"validTo"`
	AppData           common.Hash    `json:"appData"`
	FeeAmount         *big.Int       `json:"feeAmount"`
	Kind              string         `json:"kind"`
	PartiallyFillable bool           `json:"partiallyFillable"`
	SellTokenBalance  string         `json:"sellTokenBalance"`
	BuyTokenBalance   string         `json:"buyTokenBalance"`

	Cancelled   bool      `json:"cancelled"`
	CancelledAt time.Time `json:"cancelledAt,omitempty"`
}

// NewOrderRecord flattens an order for storage
func NewOrderRecord(addr common.Address, hash common.Hash, nonce uint64, createdAt time.Time, ord *crypto.GPv2Order) *OrderRecord {
	return &OrderRecord{
		Address:           addr,
		OrderHash:         hash,
		Nonce:             nonce,
		CreatedAt:         createdAt,
		SellToken:         ord.SellToken,
		BuyToken:          ord.BuyToken,
		Receiver:          ord.Receiver,
		SellAmount:        new(big.Int).Set(ord.SellAmount),
		BuyAmount:         new(big.Int).Set(ord.BuyAmount),
		ValidTo:           ord.ValidTo,
		AppData:           common.Hash(ord.AppData),
		FeeAmount:         new(big.Int).Set(ord.FeeAmount),
		Kind:              ord.Kind,
		PartiallyFillable: ord.PartiallyFillable,
		SellTokenBalance:  ord.SellTokenBalance,
		BuyTokenBalance:   ord.BuyTokenBalance,
	}
}

// Order rebuilds the committed order
func (r *OrderRecord) Order() *crypto.GPv2Order {
	return &crypto.GPv2Order{
		SellToken:         r.SellToken,
		BuyToken:          r.BuyToken,
		Receiver:          r.Receiver,
		SellAmount:        new(big.Int).Set(r.SellAmount),
		BuyAmount:         new(big.Int).Set(r.BuyAmount),
		ValidTo:           r.ValidTo,
		AppData:           [32]byte(r.AppData),
		FeeAmount:         new(big.Int).Set(r.FeeAmount),
		Kind:              r.Kind,
		PartiallyFillable: r.PartiallyFillable,
		SellTokenBalance:  r.SellTokenBalance,
		BuyTokenBalance:   r.BuyTokenBalance,
	}
}

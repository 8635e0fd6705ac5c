package api

// API response types for REST endpoints and WebSocket messages
// Amounts are raw integer strings; *Formatted fields are scaled by token decimals

// ==============================
// REST Response Types
// ==============================

// IssuerInfo is the issuer's fixed configuration plus its current holdings
type IssuerInfo struct {
	Address           string `json:"address"`
	TokenFrom         string `json:"tokenFrom"`
	TokenTo           string `json:"tokenTo"`
	Receiver          string `json:"receiver"`
	Operator          string `json:"operator"`
	Agent             string `json:"agent"`
	MarginBps         uint16 `json:"marginBps"`
	PriceToleranceBps uint16 `json:"priceToleranceBps"`
	ValidityWindowSec int64  `json:"validityWindowSec"`
	DomainSeparator   string `json:"domainSeparator"`
	Relayer           string `json:"relayer"`
	Balance           string `json:"balance"`          // tokenFrom held, available to the next order
	BalanceFormatted  string `json:"balanceFormatted"` // e.g. "1.5"
}

// OrderInfo is one placed order with its live state
type OrderInfo struct {
	Address             string `json:"address"`
	OrderHash           string `json:"orderHash"`
	Status              string `json:"status"` // active, expired, cancelled, settled
	SellToken           string `json:"sellToken"`
	SellSymbol          string `json:"sellSymbol"`
	BuyToken            string `json:"buyToken"`
	BuySymbol           string `json:"buySymbol"`
	Receiver            string `json:"receiver"`
	SellAmount          string `json:"sellAmount"`
	SellAmountFormatted string `json:"sellAmountFormatted"`
	BuyAmount           string `json:"buyAmount"`
	BuyAmountFormatted  string `json:"buyAmountFormatted"`
	ValidTo             uint32 `json:"validTo"`   // Unix seconds
	CreatedAt           int64  `json:"createdAt"` // Unix milliseconds
	Custody             string `json:"custody"`   // sell token still held by the instance
}

// RemoteOrderInfo is a placement learned from another node over gossip
type RemoteOrderInfo struct {
	Signer     string `json:"signer"`
	Address    string `json:"address"`
	OrderHash  string `json:"orderHash"`
	SellToken  string `json:"sellToken"`
	BuyToken   string `json:"buyToken"`
	SellAmount string `json:"sellAmount"`
	BuyAmount  string `json:"buyAmount"`
	ValidTo    uint32 `json:"validTo"`
	CreatedAt  int64  `json:"createdAt"` // Unix milliseconds
	Cancelled  bool   `json:"cancelled"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"` // e.g. "PriceToleranceExceeded"
	Message string `json:"message,omitempty"`
}

// ==============================
// REST Request Types
// ==============================

// SignatureRequest asks an order whether it accepts a hash
type SignatureRequest struct {
	Hash      string `json:"hash"`
	Signature string `json:"signature"` // ignored, the order is its own signer
}

type SignatureResponse struct {
	MagicValue string `json:"magicValue"` // 0x1626ba7e
}

type CancelResponse struct {
	Status   string `json:"status"`
	Returned string `json:"returned"` // sell token swept to the receiver
}

// RecoverRequest moves a stray asset out of an order or the issuer
type RecoverRequest struct {
	Kind   string `json:"kind"` // native, erc20, erc721, erc1155
	Token  string `json:"token"`
	ID     string `json:"id,omitempty"`
	Amount string `json:"amount"`
	To     string `json:"to"`
}

// SettleRequest fills an order from the solver named in X-Caller
type SettleRequest struct {
	Hash      string `json:"hash"`
	BuyAmount string `json:"buyAmount"`
}

type FillResponse struct {
	Instance   string `json:"instance"`
	OrderHash  string `json:"orderHash"`
	Solver     string `json:"solver"`
	SellAmount string `json:"sellAmount"`
	BuyAmount  string `json:"buyAmount"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest represents a WebSocket subscription request
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orders"]
}

// OrderEvent is pushed on the "orders" channel
type OrderEvent struct {
	Type      string `json:"type"`   // "order_placed" or "order_cancelled"
	Source    string `json:"source"` // "local" or "remote"
	Address   string `json:"address"`
	OrderHash string `json:"orderHash,omitempty"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stonks/pkg/app/issuer"
	"github.com/uhyunpark/stonks/pkg/app/order"
	"github.com/uhyunpark/stonks/pkg/converter"
	"github.com/uhyunpark/stonks/pkg/ledger"
	"github.com/uhyunpark/stonks/pkg/oracle"
	"github.com/uhyunpark/stonks/pkg/p2p"
	"github.com/uhyunpark/stonks/pkg/settlement"
)

// HeaderCaller names the account an operator/agent request acts as.
// Authentication of that claim is left to the fronting proxy.
const HeaderCaller = "X-Caller"

// Server handles REST API and WebSocket connections
type Server struct {
	issuer  *issuer.Issuer
	ledger  *ledger.Ledger
	settler *settlement.Settler // nil disables /settle
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
	http    *http.Server

	muRemote sync.RWMutex
	remote   []RemoteOrderInfo
	remoteIx map[common.Address]int
}

func NewServer(is *issuer.Issuer, l *ledger.Ledger, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		issuer:   is,
		ledger:   l,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		log:      logger,
		remoteIx: make(map[common.Address]int),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Issuer endpoints
	api.HandleFunc("/issuer", s.handleGetIssuer).Methods("GET")
	api.HandleFunc("/issuer/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/issuer/recover", s.handleRecoverIssuerAsset).Methods("POST")

	// Order endpoints
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{address}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{address}/signature", s.handleCheckSignature).Methods("POST")
	api.HandleFunc("/orders/{address}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{address}/recover", s.handleRecoverOrderAsset).Methods("POST")
	api.HandleFunc("/orders/{address}/settle", s.handleSettleOrder).Methods("POST")

	// Orders announced by other nodes
	api.HandleFunc("/remote/orders", s.handleGetRemoteOrders).Methods("GET")

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// WithSettler enables the in-process settlement endpoint (devnet only)
func (s *Server) WithSettler(st *settlement.Settler) *Server {
	s.settler = st
	return s
}

// Hub exposes the websocket hub so it can be registered as an issuer sink
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the CORS-wrapped router
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", HeaderCaller},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start starts the hub and serves until Shutdown
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// requestID tags every request with an id for log correlation
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugw("api_request", "id", id, "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetIssuer(w http.ResponseWriter, r *http.Request) {
	p := s.issuer.OrderParameters()
	balance := s.ledger.Balance(ledger.Token(p.TokenFrom), p.Address)

	respondJSON(w, IssuerInfo{
		Address:           p.Address.Hex(),
		TokenFrom:         p.TokenFrom.Hex(),
		TokenTo:           p.TokenTo.Hex(),
		Receiver:          p.Receiver.Hex(),
		Operator:          p.Operator.Hex(),
		Agent:             p.Agent.Hex(),
		MarginBps:         p.MarginBps,
		PriceToleranceBps: p.PriceToleranceBps,
		ValidityWindowSec: int64(p.ValidityWindow / time.Second),
		DomainSeparator:   p.DomainSeparator.Hex(),
		Relayer:           p.Relayer.Hex(),
		Balance:           balance.String(),
		BalanceFormatted:  s.formatAmount(p.TokenFrom, balance),
	})
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	inst, _, err := s.issuer.PlaceOrder(r.Context(), caller)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSONStatus(w, http.StatusCreated, s.orderInfo(inst))
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	instances := s.issuer.Instances()
	response := make([]OrderInfo, 0, len(instances))
	for _, inst := range instances {
		response = append(response, s.orderInfo(inst))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.lookupOrder(w, r)
	if !ok {
		return
	}
	respondJSON(w, s.orderInfo(inst))
}

func (s *Server) handleCheckSignature(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.lookupOrder(w, r)
	if !ok {
		return
	}

	var req SignatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	hashBytes, err := hexutil.Decode(req.Hash)
	if err != nil || len(hashBytes) != common.HashLength {
		respondError(w, http.StatusBadRequest, "invalid hash", "expected 0x-prefixed 32 bytes")
		return
	}
	var sig []byte
	if req.Signature != "" {
		if sig, err = hexutil.Decode(req.Signature); err != nil {
			respondError(w, http.StatusBadRequest, "invalid signature", err.Error())
			return
		}
	}

	magic, err := inst.IsValidSignature(r.Context(), common.BytesToHash(hashBytes), sig)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, SignatureResponse{MagicValue: hexutil.Encode(magic[:])})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}

	swept, err := s.issuer.CancelOrder(r.Context(), addr)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, CancelResponse{Status: "cancelled", Returned: swept.String()})
}

func (s *Server) handleRecoverOrderAsset(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.lookupOrder(w, r)
	if !ok {
		return
	}
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	asset, amount, to, ok := decodeRecover(w, r)
	if !ok {
		return
	}

	if err := inst.RecoverAsset(r.Context(), caller, asset, amount, to); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "recovered"})
}

func (s *Server) handleRecoverIssuerAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	asset, amount, to, ok := decodeRecover(w, r)
	if !ok {
		return
	}

	if err := s.issuer.RecoverAsset(r.Context(), caller, asset, amount, to); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "recovered"})
}

func (s *Server) handleSettleOrder(w http.ResponseWriter, r *http.Request) {
	if s.settler == nil {
		respondError(w, http.StatusNotImplemented, "settlement disabled", "node runs without an in-process settler")
		return
	}
	inst, ok := s.lookupOrder(w, r)
	if !ok {
		return
	}
	solver, ok := callerFrom(w, r)
	if !ok {
		return
	}

	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	hashBytes, err := hexutil.Decode(req.Hash)
	if err != nil || len(hashBytes) != common.HashLength {
		respondError(w, http.StatusBadRequest, "invalid hash", "expected 0x-prefixed 32 bytes")
		return
	}
	buyAmount, ok := new(big.Int).SetString(req.BuyAmount, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid buyAmount", req.BuyAmount)
		return
	}

	fill, err := s.settler.Settle(r.Context(), inst, common.BytesToHash(hashBytes), buyAmount, solver)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, FillResponse{
		Instance:   fill.Instance.Hex(),
		OrderHash:  fill.OrderHash.Hex(),
		Solver:     fill.Solver.Hex(),
		SellAmount: fill.SellAmount.String(),
		BuyAmount:  fill.BuyAmount.String(),
	})
}

func (s *Server) handleGetRemoteOrders(w http.ResponseWriter, r *http.Request) {
	s.muRemote.RLock()
	out := append([]RemoteOrderInfo{}, s.remote...)
	s.muRemote.RUnlock()
	respondJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":     "ok",
		"ws_clients": s.hub.ClientCount(),
		"orders":     len(s.issuer.Instances()),
	})
}

// ==============================
// Gossip intake
// ==============================

// RemoteHandlers indexes verified gossip and relays it to websocket clients
func (s *Server) RemoteHandlers() p2p.Handlers {
	return p2p.Handlers{
		OnPlaced: func(_ context.Context, o p2p.RemoteOrder) {
			info := RemoteOrderInfo{
				Signer:     o.Signer.Hex(),
				Address:    o.Instance.Hex(),
				OrderHash:  o.OrderHash.Hex(),
				SellToken:  o.Order.SellToken.Hex(),
				BuyToken:   o.Order.BuyToken.Hex(),
				SellAmount: o.Order.SellAmount.String(),
				BuyAmount:  o.Order.BuyAmount.String(),
				ValidTo:    o.Order.ValidTo,
				CreatedAt:  o.CreatedAt.UnixMilli(),
			}
			s.muRemote.Lock()
			if _, seen := s.remoteIx[o.Instance]; !seen {
				s.remoteIx[o.Instance] = len(s.remote)
				s.remote = append(s.remote, info)
			}
			s.muRemote.Unlock()

			s.hub.BroadcastToChannel(ChannelOrders, OrderEvent{
				Type:      "order_placed",
				Source:    "remote",
				Address:   info.Address,
				OrderHash: info.OrderHash,
				Amount:    info.SellAmount,
				Timestamp: info.CreatedAt,
			})
		},
		OnCancelled: func(_ context.Context, c p2p.RemoteCancel) {
			s.muRemote.Lock()
			if i, ok := s.remoteIx[c.Instance]; ok {
				s.remote[i].Cancelled = true
			}
			s.muRemote.Unlock()

			s.hub.BroadcastToChannel(ChannelOrders, OrderEvent{
				Type:      "order_cancelled",
				Source:    "remote",
				Address:   c.Instance.Hex(),
				Amount:    c.Amount.String(),
				Timestamp: c.CancelledAt.UnixMilli(),
			})
		},
	}
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) orderInfo(inst *order.Instance) OrderInfo {
	ord := inst.Order()
	info := OrderInfo{
		Address:   inst.Address().Hex(),
		OrderHash: inst.OrderHash().Hex(),
		Status:    inst.Status().String(),
		CreatedAt: inst.CreatedAt().UnixMilli(),
	}
	if ord == nil {
		return info
	}

	custody := s.ledger.Balance(ledger.Token(ord.SellToken), inst.Address())
	info.SellToken = ord.SellToken.Hex()
	info.SellSymbol = s.ledger.Symbol(ord.SellToken)
	info.BuyToken = ord.BuyToken.Hex()
	info.BuySymbol = s.ledger.Symbol(ord.BuyToken)
	info.Receiver = ord.Receiver.Hex()
	info.SellAmount = ord.SellAmount.String()
	info.SellAmountFormatted = s.formatAmount(ord.SellToken, ord.SellAmount)
	info.BuyAmount = ord.BuyAmount.String()
	info.BuyAmountFormatted = s.formatAmount(ord.BuyToken, ord.BuyAmount)
	info.ValidTo = ord.ValidTo
	info.Custody = custody.String()
	return info
}

// formatAmount scales a raw amount by the token's decimals; unknown tokens stay raw
func (s *Server) formatAmount(token common.Address, amount *big.Int) string {
	dec, err := s.ledger.Decimals(token)
	if err != nil {
		return amount.String()
	}
	return decimal.NewFromBigInt(amount, -int32(dec)).String()
}

func (s *Server) lookupOrder(w http.ResponseWriter, r *http.Request) (*order.Instance, bool) {
	addr, ok := addressVar(w, r)
	if !ok {
		return nil, false
	}
	inst, ok := s.issuer.Instance(addr)
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", addr.Hex())
		return nil, false
	}
	return inst, true
}

func addressVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func callerFrom(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.Header.Get(HeaderCaller)
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusUnauthorized, "missing caller", "set the "+HeaderCaller+" header")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decodeRecover(w http.ResponseWriter, r *http.Request) (ledger.Asset, *big.Int, common.Address, bool) {
	var req RecoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return ledger.Asset{}, nil, common.Address{}, false
	}

	kind, err := ledger.ParseAssetKind(req.Kind)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid kind", err.Error())
		return ledger.Asset{}, nil, common.Address{}, false
	}
	asset := ledger.Asset{Kind: kind}
	if kind != ledger.Native {
		if !common.IsHexAddress(req.Token) {
			respondError(w, http.StatusBadRequest, "invalid token", req.Token)
			return ledger.Asset{}, nil, common.Address{}, false
		}
		asset.Token = common.HexToAddress(req.Token)
	}
	if kind == ledger.ERC721 || kind == ledger.ERC1155 {
		id, ok := new(big.Int).SetString(req.ID, 10)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid id", req.ID)
			return ledger.Asset{}, nil, common.Address{}, false
		}
		asset.ID = id
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() < 0 {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return ledger.Asset{}, nil, common.Address{}, false
	}
	if !common.IsHexAddress(req.To) {
		respondError(w, http.StatusBadRequest, "invalid recipient", req.To)
		return ledger.Asset{}, nil, common.Address{}, false
	}
	return asset, amount, common.HexToAddress(req.To), true
}

// errorKinds maps domain errors to HTTP status and a stable kind name
var errorKinds = []struct {
	err    error
	status int
	kind   string
}{
	{order.ErrUnauthorized, http.StatusForbidden, "Unauthorized"},
	{order.ErrAlreadyInitialized, http.StatusConflict, "AlreadyInitialized"},
	{order.ErrOrderNotExpired, http.StatusConflict, "OrderNotExpired"},
	{order.ErrCannotRecoverOrderAsset, http.StatusConflict, "CannotRecoverOrderAsset"},
	{issuer.ErrInsufficientBalance, http.StatusConflict, "InsufficientBalance"},
	{ledger.ErrInsufficientFunds, http.StatusConflict, "InsufficientFunds"},
	{order.ErrInvalidHash, http.StatusUnprocessableEntity, "InvalidHash"},
	{order.ErrInvalidTime, http.StatusUnprocessableEntity, "InvalidTime"},
	{order.ErrPriceToleranceExceeded, http.StatusUnprocessableEntity, "PriceToleranceExceeded"},
	{converter.ErrStalePrice, http.StatusUnprocessableEntity, "StalePrice"},
	{converter.ErrInvalidPrice, http.StatusUnprocessableEntity, "InvalidPrice"},
	{converter.ErrUnsupportedToken, http.StatusUnprocessableEntity, "UnsupportedToken"},
	{converter.ErrInvalidAmount, http.StatusUnprocessableEntity, "InvalidAmount"},
	{oracle.ErrFeedNotFound, http.StatusUnprocessableEntity, "FeedNotFound"},
	{settlement.ErrUnderpaid, http.StatusUnprocessableEntity, "Underpaid"},
	{settlement.ErrNothingToSettle, http.StatusConflict, "NothingToSettle"},
	{issuer.ErrUnknownOrder, http.StatusNotFound, "UnknownOrder"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "InvalidAmount"},
}

func respondDomainError(w http.ResponseWriter, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			respondErrorKind(w, k.status, k.kind, err.Error())
			return
		}
	}
	respondError(w, http.StatusInternalServerError, "internal error", err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondErrorKind(w, status, "", error+": "+message)
}

func respondErrorKind(w http.ResponseWriter, status int, kind string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(status),
		Kind:    kind,
		Message: message,
	})
}

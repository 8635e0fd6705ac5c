package p2p

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/stonks/pkg/app/issuer"
	"github.com/uhyunpark/stonks/pkg/crypto"
)

const (
	topicOrders     = "stonks-orders"
	protocolHistory = protocol.ID("/stonks/history/1.0.0")
)

// RemoteOrder is a verified placement announced by some issuer node
type RemoteOrder struct {
	Signer    common.Address
	Instance  common.Address
	OrderHash common.Hash
	Nonce     uint64
	CreatedAt time.Time
	Order     *crypto.GPv2Order
}

// RemoteCancel is a verified cancellation announced by some issuer node
type RemoteCancel struct {
	Signer      common.Address
	Instance    common.Address
	Receiver    common.Address
	Amount      *big.Int
	CancelledAt time.Time
}

type Handlers struct {
	OnPlaced    func(ctx context.Context, o RemoteOrder)
	OnCancelled func(ctx context.Context, c RemoteCancel)
}

// OrderGossip broadcasts this node's issuer events and delivers verified
// events from other nodes. It is an issuer.EventSink.
type OrderGossip struct {
	h      host.Host
	ps     *pubsub.PubSub
	log    *zap.SugaredLogger
	signer *crypto.Signer
	hasher *crypto.OrderHasher
	issuer common.Address

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	trusted map[common.Address]struct{} // empty means accept any signer

	muH      sync.RWMutex
	handlers Handlers

	muHist  sync.Mutex
	history [][]byte // sealed placement envelopes, served over protocolHistory
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Signer     *crypto.Signer
	Hasher     *crypto.OrderHasher
	Issuer     common.Address // address stamped into outgoing events
	Trusted    []common.Address
	Logger     *zap.SugaredLogger
}

func NewOrderGossip(ctx context.Context, cfg Config) (*OrderGossip, error) {
	if cfg.Signer == nil || cfg.Hasher == nil {
		return nil, fmt.Errorf("signer and hasher are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageIdFn(func(m *pb.Message) string { return messageID(m.Data) }))
	if err != nil {
		h.Close()
		return nil, err
	}

	g := &OrderGossip{
		h: h, ps: ps, log: cfg.Logger,
		signer:  cfg.Signer,
		hasher:  cfg.Hasher,
		issuer:  cfg.Issuer,
		trusted: make(map[common.Address]struct{}, len(cfg.Trusted)),
	}
	for _, a := range cfg.Trusted {
		g.trusted[a] = struct{}{}
	}

	for _, bs := range cfg.Bootstrap {
		if err := g.Connect(ctx, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if g.topic, err = ps.Join(topicOrders); err != nil {
		h.Close()
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	h.SetStreamHandler(protocolHistory, g.handleHistoryStream)
	go g.handleOrders(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "signer", cfg.Signer.Address().Hex())
	return g, nil
}

// Connect dials a full /p2p/ multiaddr
func (g *OrderGossip) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return g.h.Connect(ctx, *info)
}

func (g *OrderGossip) SetHandlers(h Handlers) { g.muH.Lock(); g.handlers = h; g.muH.Unlock() }

func (g *OrderGossip) Host() host.Host { return g.h }

// Addrs returns dialable multiaddrs including the peer id
func (g *OrderGossip) Addrs() []string {
	var out []string
	for _, a := range g.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, g.h.ID()))
	}
	return out
}

// TopicPeers lists peers currently subscribed to the orders topic
func (g *OrderGossip) TopicPeers() []peer.ID { return g.topic.ListPeers() }

func (g *OrderGossip) Close() error {
	g.sub.Cancel()
	_ = g.topic.Close()
	return g.h.Close()
}

// ============================================================================
// issuer.EventSink
// ============================================================================

func (g *OrderGossip) OrderPlaced(ev issuer.IssuanceEvent) {
	data, err := sealEnvelope(g.signer, kindPlaced, PlacedWire{
		Issuer:    g.issuer,
		Instance:  ev.Instance,
		OrderHash: ev.OrderHash,
		Nonce:     ev.Nonce,
		CreatedAt: ev.CreatedAt.UnixNano(),
		Order:     *ev.Order,
	})
	if err != nil {
		g.log.Warnw("gossip_seal_failed", "instance", ev.Instance.Hex(), "err", err)
		return
	}

	g.muHist.Lock()
	g.history = append(g.history, data)
	g.muHist.Unlock()

	g.publish(data)
}

func (g *OrderGossip) OrderCancelled(ev issuer.CancellationEvent) {
	data, err := sealEnvelope(g.signer, kindCancelled, CancelledWire{
		Issuer:      g.issuer,
		Instance:    ev.Instance,
		Receiver:    ev.Receiver,
		Amount:      ev.Amount,
		CancelledAt: ev.CancelledAt.UnixNano(),
	})
	if err != nil {
		g.log.Warnw("gossip_seal_failed", "instance", ev.Instance.Hex(), "err", err)
		return
	}
	g.publish(data)
}

// publish runs off the issuer lock; a slow mesh must not stall issuance
func (g *OrderGossip) publish(data []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.topic.Publish(ctx, data); err != nil {
			g.log.Warnw("gossip_publish_failed", "err", err)
		}
	}()
}

var _ issuer.EventSink = (*OrderGossip)(nil)

// ============================================================================
// inbound
// ============================================================================

func (g *OrderGossip) handleOrders(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		g.deliver(ctx, msg.Data)
	}
}

// deliver verifies one sealed envelope and dispatches it to the handlers
func (g *OrderGossip) deliver(ctx context.Context, data []byte) {
	env, signer, err := openEnvelope(data)
	if err != nil {
		g.log.Debugw("gossip_dropped", "reason", "envelope", "err", err)
		return
	}
	if !g.isTrusted(signer) {
		g.log.Debugw("gossip_dropped", "reason", "untrusted", "signer", signer.Hex())
		return
	}

	g.muH.RLock()
	h := g.handlers
	g.muH.RUnlock()

	switch env.Kind {
	case kindPlaced:
		var w PlacedWire
		if err := gobDecode(env.Payload, &w); err != nil {
			return
		}
		ord := w.Order.Copy()
		if ord.FeeAmount == nil {
			ord.FeeAmount = new(big.Int)
		}
		hash, err := g.hasher.Hash(ord)
		if err != nil || hash != w.OrderHash {
			g.log.Debugw("gossip_dropped", "reason", "hash_mismatch", "instance", w.Instance.Hex())
			return
		}
		if h.OnPlaced != nil {
			h.OnPlaced(ctx, RemoteOrder{
				Signer:    signer,
				Instance:  w.Instance,
				OrderHash: w.OrderHash,
				Nonce:     w.Nonce,
				CreatedAt: time.Unix(0, w.CreatedAt),
				Order:     ord,
			})
		}
	case kindCancelled:
		var w CancelledWire
		if err := gobDecode(env.Payload, &w); err != nil {
			return
		}
		if w.Amount == nil {
			w.Amount = new(big.Int)
		}
		if h.OnCancelled != nil {
			h.OnCancelled(ctx, RemoteCancel{
				Signer:      signer,
				Instance:    w.Instance,
				Receiver:    w.Receiver,
				Amount:      w.Amount,
				CancelledAt: time.Unix(0, w.CancelledAt),
			})
		}
	}
}

func (g *OrderGossip) isTrusted(signer common.Address) bool {
	if len(g.trusted) == 0 {
		return true
	}
	_, ok := g.trusted[signer]
	return ok
}

// ============================================================================
// history catch-up (unicast)
// ============================================================================

// handleHistoryStream writes every sealed placement envelope, gob-framed
func (g *OrderGossip) handleHistoryStream(s network.Stream) {
	defer s.Close()

	var req [1]byte
	if _, err := io.ReadFull(s, req[:]); err != nil {
		return
	}

	g.muHist.Lock()
	history := append([][]byte(nil), g.history...)
	g.muHist.Unlock()

	data, err := gobEncode(history)
	if err != nil {
		return
	}
	_, _ = s.Write(data)
}

// SyncHistory fetches a peer's past placements and delivers them like live gossip
func (g *OrderGossip) SyncHistory(ctx context.Context, p peer.ID) (int, error) {
	stream, err := g.h.NewStream(ctx, p, protocolHistory)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	if _, err := stream.Write([]byte{1}); err != nil {
		return 0, err
	}
	if err := stream.CloseWrite(); err != nil {
		return 0, err
	}

	data, err := io.ReadAll(stream)
	if err != nil {
		return 0, err
	}
	var history [][]byte
	if err := gobDecode(data, &history); err != nil {
		return 0, err
	}
	for _, env := range history {
		g.deliver(ctx, env)
	}
	return len(history), nil
}

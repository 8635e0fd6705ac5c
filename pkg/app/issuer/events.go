package issuer

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stonks/pkg/crypto"
	"github.com/uhyunpark/stonks/pkg/storage"
)

// IssuanceEvent is emitted once per placed order
type IssuanceEvent struct {
	Instance  common.Address
	OrderHash common.Hash
	Order     *crypto.GPv2Order
	Nonce     uint64
	CreatedAt time.Time
}

// CancellationEvent is emitted when an expired order returns its funds
type CancellationEvent struct {
	Instance    common.Address
	Receiver    common.Address
	Amount      *big.Int
	CancelledAt time.Time
}

// EventSink receives issuer events. Calls happen under the issuer lock,
// so implementations must not block or call back into the issuer.
type EventSink interface {
	OrderPlaced(ev IssuanceEvent)
	OrderCancelled(ev CancellationEvent)
}

// JournalSink appends one JSON line per event to an audit journal
type JournalSink struct {
	journal storage.Journal
}

func NewJournalSink(j storage.Journal) *JournalSink {
	return &JournalSink{journal: j}
}

type journalLine struct {
	Event     string         `json:"event"`
	Instance  common.Address `json:"instance"`
	OrderHash *common.Hash   `json:"orderHash,omitempty"`
	Amount    string         `json:"amount"`
	Time      time.Time      `json:"time"`
}

func (s *JournalSink) OrderPlaced(ev IssuanceEvent) {
	hash := ev.OrderHash
	s.write(journalLine{
		Event:     "order_placed",
		Instance:  ev.Instance,
		OrderHash: &hash,
		Amount:    ev.Order.SellAmount.String(),
		Time:      ev.CreatedAt,
	})
}

func (s *JournalSink) OrderCancelled(ev CancellationEvent) {
	s.write(journalLine{
		Event:    "order_cancelled",
		Instance: ev.Instance,
		Amount:   ev.Amount.String(),
		Time:     ev.CancelledAt,
	})
}

func (s *JournalSink) write(line journalLine) {
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	s.journal.Append(string(data))
}

var _ EventSink = (*JournalSink)(nil)

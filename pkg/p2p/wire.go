package p2p

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/stonks/pkg/crypto"
)

func init() {
	gob.Register(Envelope{})
	gob.Register(PlacedWire{})
	gob.Register(CancelledWire{})
}

const (
	kindPlaced    = "placed"
	kindCancelled = "cancelled"
)

// Envelope is what goes on the wire; Signature covers keccak256(Kind || Payload)
type Envelope struct {
	Kind      string
	Payload   []byte // gob-encoded PlacedWire or CancelledWire
	Signature []byte // 65-byte secp256k1 [R || S || V]
}

type PlacedWire struct {
	Issuer    common.Address
	Instance  common.Address
	OrderHash common.Hash
	Nonce     uint64
	CreatedAt int64 // unix nanos
	Order     crypto.GPv2Order
}

type CancelledWire struct {
	Issuer      common.Address
	Instance    common.Address
	Receiver    common.Address
	Amount      *big.Int
	CancelledAt int64 // unix nanos
}

func digest(kind string, payload []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(kind))
	h.Write(payload)
	return common.BytesToHash(h.Sum(nil))
}

// messageID content-addresses gossip messages so duplicates relayed by
// different peers are dropped
func messageID(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return string(h.Sum(nil))
}

func sealEnvelope(signer *crypto.Signer, kind string, body any) ([]byte, error) {
	payload, err := gobEncode(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	d := digest(kind, payload)
	sig, err := signer.Sign(d.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", kind, err)
	}
	return gobEncode(Envelope{Kind: kind, Payload: payload, Signature: sig})
}

// openEnvelope decodes data and returns the envelope with its recovered signer
func openEnvelope(data []byte) (Envelope, common.Address, error) {
	var env Envelope
	if err := gobDecode(data, &env); err != nil {
		return Envelope{}, common.Address{}, err
	}
	signer, err := crypto.RecoverAddress(digest(env.Kind, env.Payload).Bytes(), env.Signature)
	if err != nil {
		return Envelope{}, common.Address{}, fmt.Errorf("bad envelope signature: %w", err)
	}
	return env, signer, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

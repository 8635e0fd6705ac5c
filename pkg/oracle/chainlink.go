package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Mainnet Chainlink FeedRegistry
var MainnetFeedRegistry = common.HexToAddress("0x47Fb2585D2C56Fe188D0E6ec628a38b74fCeeeDf")

const feedRegistryABI = `[
  {"type":"function","name":"latestRoundData","stateMutability":"view",
   "inputs":[{"name":"base","type":"address"},{"name":"quote","type":"address"}],
   "outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},
              {"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},
              {"name":"answeredInRound","type":"uint80"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[{"name":"base","type":"address"},{"name":"quote","type":"address"}],
   "outputs":[{"name":"","type":"uint8"}]}
]`

// ContractCaller is the subset of *ethclient.Client used for eth_call
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkRegistry reads prices from an on-chain Chainlink FeedRegistry
type ChainlinkRegistry struct {
	caller   ContractCaller
	registry common.Address
	abi      abi.ABI
}

// NewChainlinkRegistry binds to the FeedRegistry at registry via caller
func NewChainlinkRegistry(caller ContractCaller, registry common.Address) (*ChainlinkRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(feedRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed registry ABI: %w", err)
	}
	return &ChainlinkRegistry{caller: caller, registry: registry, abi: parsed}, nil
}

func (r *ChainlinkRegistry) LatestPrice(ctx context.Context, base, quote common.Address) (Price, error) {
	decOut, err := r.call(ctx, "decimals", base, quote)
	if err != nil {
		return Price{}, err
	}
	decimals, ok := decOut[0].(uint8)
	if !ok {
		return Price{}, fmt.Errorf("unexpected decimals type %T", decOut[0])
	}

	roundOut, err := r.call(ctx, "latestRoundData", base, quote)
	if err != nil {
		return Price{}, err
	}
	if len(roundOut) != 5 {
		return Price{}, fmt.Errorf("latestRoundData returned %d values, want 5", len(roundOut))
	}
	answer, ok1 := roundOut[1].(*big.Int)
	updatedAt, ok2 := roundOut[3].(*big.Int)
	if !ok1 || !ok2 {
		return Price{}, fmt.Errorf("unexpected latestRoundData types %T/%T", roundOut[1], roundOut[3])
	}

	return Price{
		Answer:    answer,
		Decimals:  decimals,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0),
	}, nil
}

func (r *ChainlinkRegistry) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	to := r.registry
	raw, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	if len(raw) == 0 {
		// Registry reverts with empty data when the pair has no feed
		return nil, fmt.Errorf("%w: %s", ErrFeedNotFound, method)
	}

	out, err := r.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

var _ FeedRegistry = (*ChainlinkRegistry)(nil)

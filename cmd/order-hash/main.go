package main

import (
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/stonks/pkg/app/order"
	"github.com/uhyunpark/stonks/pkg/crypto"
)

var (
	sellToken  string
	buyToken   string
	receiver   string
	sellAmount string
	buyAmount  string
	validTo    uint32
	appData    string
	chainID    int64
	settlement string
	jsonOnly   bool
)

var RootCmd = &cobra.Command{
	Use:   "order-hash",
	Short: "Print the EIP-712 typed data and digest of a GPv2 sell order.",
	Long: `Builds the same order an issuer would place (kind sell, fill-or-kill,
erc20 balances, zero fee) and prints its typed data and digest, so the hash
an order instance accepts can be checked independently.`,
	RunE: runOrderHash,
}

func init() {
	RootCmd.Flags().StringVar(&sellToken, "sell", "", "token being sold (required)")
	RootCmd.Flags().StringVar(&buyToken, "buy", "", "token being bought (required)")
	RootCmd.Flags().StringVar(&receiver, "receiver", "", "address receiving the buy token (required)")
	RootCmd.Flags().StringVar(&sellAmount, "sell-amount", "0", "sell amount in base units")
	RootCmd.Flags().StringVar(&buyAmount, "buy-amount", "0", "buy amount in base units")
	RootCmd.Flags().Uint32Var(&validTo, "valid-to", 0, "expiry as unix seconds")
	RootCmd.Flags().StringVar(&appData, "app-data", "", "32-byte app data hex (default zero)")
	RootCmd.Flags().Int64Var(&chainID, "chain-id", 1, "EIP-712 domain chain id")
	RootCmd.Flags().StringVar(&settlement, "settlement", crypto.SettlementContract.Hex(), "settlement contract (domain verifyingContract)")
	RootCmd.Flags().BoolVar(&jsonOnly, "json", false, "print only the typed data JSON")

	for _, f := range []string{"sell", "buy", "receiver"} {
		RootCmd.MarkFlagRequired(f)
	}
}

func runOrderHash(cmd *cobra.Command, args []string) error {
	sell, err := address("sell", sellToken)
	if err != nil {
		return err
	}
	buy, err := address("buy", buyToken)
	if err != nil {
		return err
	}
	to, err := address("receiver", receiver)
	if err != nil {
		return err
	}
	verifying, err := address("settlement", settlement)
	if err != nil {
		return err
	}

	ord := order.Template(sell, buy, to)
	if ord.SellAmount, err = amount("sell-amount", sellAmount); err != nil {
		return err
	}
	if ord.BuyAmount, err = amount("buy-amount", buyAmount); err != nil {
		return err
	}
	ord.ValidTo = validTo
	if appData != "" {
		raw, err := hexutil.Decode(appData)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("--app-data: expected 0x-prefixed 32 bytes")
		}
		copy(ord.AppData[:], raw)
	}

	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(chainID)
	domain.VerifyingContract = verifying

	hasher, err := crypto.NewOrderHasher(domain)
	if err != nil {
		return err
	}
	typed, err := hasher.OrderToJSON(ord)
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(ord)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOnly {
		fmt.Fprintln(out, typed)
		return nil
	}
	fmt.Fprintln(out, "Typed data:")
	fmt.Fprintln(out, typed)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Domain separator: %s\n", hasher.DomainSeparator().Hex())
	fmt.Fprintf(out, "Order hash:       %s\n", hash.Hex())
	return nil
}

func address(flag, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", flag, v)
	}
	return common.HexToAddress(v), nil
}

func amount(flag, v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("--%s: invalid amount %q", flag, v)
	}
	return n, nil
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const maxBps = 10_000

// Token is display and precision metadata for one ERC20
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Issuer is the fixed configuration of the order issuer
type Issuer struct {
	Address           common.Address
	TokenFrom         common.Address
	TokenTo           common.Address
	Receiver          common.Address
	Operator          common.Address
	Agent             common.Address
	MarginBps         uint16
	PriceToleranceBps uint16
	ValidityWindow    time.Duration
}

// StaticPrice seeds the in-process feed registry when no RPC endpoint is configured
type StaticPrice struct {
	Base     common.Address
	Quote    common.Address
	Answer   *big.Int
	Decimals uint8
}

// Oracle selects and bounds the price source
type Oracle struct {
	RPCURL       string         // empty means use StaticPrices
	FeedRegistry common.Address // Chainlink FeedRegistry
	Denomination common.Address
	MaxPriceAge  time.Duration
	SellTokens   []common.Address
	BuyTokens    []common.Address
	StaticPrices []StaticPrice
}

// Seed credits an initial balance on a fresh devnet ledger
type Seed struct {
	Token  common.Address
	Holder common.Address
	Amount *big.Int
}

type Node struct {
	ConfigFile  string // YAML merged by LoadFile
	APIAddr     string
	DBPath      string
	JournalPath string // empty disables the event journal
	Listen      string // libp2p multiaddr; empty disables gossip
	NodeKey     string // hex secp256k1 key signing gossip envelopes; empty generates one
	Bootstrap   []string
	Trusted     []common.Address
	LogFile     string
	LogLevel    string
}

type Config struct {
	Issuer Issuer
	Oracle Oracle
	Tokens []Token
	Seeds  []Seed
	Node   Node
}

func Default() Config {
	return Config{
		Issuer: Issuer{
			Address:           common.HexToAddress("0x00000000000000000000000000000000005707c5"),
			MarginBps:         100,
			PriceToleranceBps: 100,
			ValidityWindow:    7 * 24 * time.Hour,
		},
		Oracle: Oracle{
			FeedRegistry: common.HexToAddress("0x47Fb2585D2C56Fe188D0E6ec628a38b74fCeeeDf"),
			Denomination: common.HexToAddress("0x0000000000000000000000000000000000000348"), // USD
			MaxPriceAge:  24 * time.Hour,
		},
		Node: Node{
			ConfigFile: "stonks.yaml",
			APIAddr:    ":8080",
			DBPath:     "data/stonks",
			LogFile:    "data/stonksd.log",
			LogLevel:   "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	addrs := []struct {
		key string
		dst *common.Address
	}{
		{"STONKS_ISSUER", &c.Issuer.Address},
		{"STONKS_TOKEN_FROM", &c.Issuer.TokenFrom},
		{"STONKS_TOKEN_TO", &c.Issuer.TokenTo},
		{"STONKS_RECEIVER", &c.Issuer.Receiver},
		{"STONKS_OPERATOR", &c.Issuer.Operator},
		{"STONKS_AGENT", &c.Issuer.Agent},
		{"FEED_REGISTRY", &c.Oracle.FeedRegistry},
		{"FEED_DENOMINATION", &c.Oracle.Denomination},
	}
	for _, a := range addrs {
		if v := os.Getenv(a.key); v != "" {
			addr, err := parseAddress(v)
			if err != nil {
				return fmt.Errorf("%s: %w", a.key, err)
			}
			*a.dst = addr
		}
	}

	bps := []struct {
		key string
		dst *uint16
	}{
		{"STONKS_MARGIN_BPS", &c.Issuer.MarginBps},
		{"STONKS_TOLERANCE_BPS", &c.Issuer.PriceToleranceBps},
	}
	for _, b := range bps {
		if v := os.Getenv(b.key); v != "" {
			n, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return fmt.Errorf("%s: %w", b.key, err)
			}
			*b.dst = uint16(n)
		}
	}

	if v := os.Getenv("STONKS_VALIDITY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STONKS_VALIDITY: %w", err)
		}
		c.Issuer.ValidityWindow = d
	}
	if v := os.Getenv("MAX_PRICE_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MAX_PRICE_AGE: %w", err)
		}
		c.Oracle.MaxPriceAge = d
	}

	c.Oracle.RPCURL = getEnv("ETH_RPC_URL", c.Oracle.RPCURL)
	c.Node.ConfigFile = getEnv("STONKS_CONFIG", c.Node.ConfigFile)
	c.Node.APIAddr = getEnv("API_ADDR", c.Node.APIAddr)
	c.Node.DBPath = getEnv("DB_PATH", c.Node.DBPath)
	c.Node.JournalPath = getEnv("JOURNAL_PATH", c.Node.JournalPath)
	c.Node.Listen = getEnv("LISTEN", c.Node.Listen)
	c.Node.NodeKey = getEnv("NODE_KEY", c.Node.NodeKey)
	c.Node.LogFile = getEnv("LOG_FILE", c.Node.LogFile)
	c.Node.LogLevel = getEnv("LOG_LEVEL", c.Node.LogLevel)

	// Example: "/ip4/10.0.0.2/tcp/4001/p2p/12D3KooW...,/ip4/..."
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		c.Node.Bootstrap = splitList(v)
	}
	return nil
}

// fileConfig is the YAML layout; list-valued settings live here rather than in env vars
type fileConfig struct {
	Oracle struct {
		SellTokens []string `yaml:"sellTokens"`
		BuyTokens  []string `yaml:"buyTokens"`
		Prices     []struct {
			Base     string `yaml:"base"`
			Quote    string `yaml:"quote"`
			Answer   string `yaml:"answer"`
			Decimals uint8  `yaml:"decimals"`
		} `yaml:"prices"`
	} `yaml:"oracle"`
	Tokens []struct {
		Address  string `yaml:"address"`
		Symbol   string `yaml:"symbol"`
		Decimals uint8  `yaml:"decimals"`
	} `yaml:"tokens"`
	Seeds []struct {
		Token  string `yaml:"token"`
		Holder string `yaml:"holder"`
		Amount string `yaml:"amount"`
	} `yaml:"seeds"`
	Node struct {
		Bootstrap []string `yaml:"bootstrap"`
		Trusted   []string `yaml:"trusted"`
	} `yaml:"node"`
}

// LoadFile merges a YAML file into cfg; a missing path is not an error
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if c.Oracle.SellTokens, err = parseAddresses(fc.Oracle.SellTokens, c.Oracle.SellTokens); err != nil {
		return fmt.Errorf("oracle.sellTokens: %w", err)
	}
	if c.Oracle.BuyTokens, err = parseAddresses(fc.Oracle.BuyTokens, c.Oracle.BuyTokens); err != nil {
		return fmt.Errorf("oracle.buyTokens: %w", err)
	}
	for i, p := range fc.Oracle.Prices {
		base, err := parseAddress(p.Base)
		if err != nil {
			return fmt.Errorf("oracle.prices[%d].base: %w", i, err)
		}
		quote, err := parseAddress(p.Quote)
		if err != nil {
			return fmt.Errorf("oracle.prices[%d].quote: %w", i, err)
		}
		answer, ok := new(big.Int).SetString(p.Answer, 10)
		if !ok {
			return fmt.Errorf("oracle.prices[%d].answer: invalid integer %q", i, p.Answer)
		}
		c.Oracle.StaticPrices = append(c.Oracle.StaticPrices, StaticPrice{Base: base, Quote: quote, Answer: answer, Decimals: p.Decimals})
	}

	for i, t := range fc.Tokens {
		addr, err := parseAddress(t.Address)
		if err != nil {
			return fmt.Errorf("tokens[%d]: %w", i, err)
		}
		c.Tokens = append(c.Tokens, Token{Address: addr, Symbol: t.Symbol, Decimals: t.Decimals})
	}

	for i, s := range fc.Seeds {
		token, err := parseAddress(s.Token)
		if err != nil {
			return fmt.Errorf("seeds[%d].token: %w", i, err)
		}
		holder, err := parseAddress(s.Holder)
		if err != nil {
			return fmt.Errorf("seeds[%d].holder: %w", i, err)
		}
		amount, ok := new(big.Int).SetString(s.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return fmt.Errorf("seeds[%d].amount: invalid amount %q", i, s.Amount)
		}
		c.Seeds = append(c.Seeds, Seed{Token: token, Holder: holder, Amount: amount})
	}

	c.Node.Bootstrap = append(c.Node.Bootstrap, fc.Node.Bootstrap...)
	if c.Node.Trusted, err = parseAddresses(fc.Node.Trusted, c.Node.Trusted); err != nil {
		return fmt.Errorf("node.trusted: %w", err)
	}
	return nil
}

// Validate checks the invariants the issuer relies on
func (c Config) Validate() error {
	is := c.Issuer
	switch {
	case is.TokenFrom == (common.Address{}) || is.TokenTo == (common.Address{}):
		return fmt.Errorf("token addresses are required")
	case is.TokenFrom == is.TokenTo:
		return fmt.Errorf("tokenFrom and tokenTo must differ")
	case is.Operator == (common.Address{}):
		return fmt.Errorf("operator is required")
	case is.Receiver == (common.Address{}):
		return fmt.Errorf("receiver is required")
	case is.MarginBps > maxBps:
		return fmt.Errorf("margin %d bps exceeds %d", is.MarginBps, maxBps)
	case is.PriceToleranceBps > maxBps:
		return fmt.Errorf("price tolerance %d bps exceeds %d", is.PriceToleranceBps, maxBps)
	case is.ValidityWindow <= 0:
		return fmt.Errorf("validity window must be positive")
	}
	if c.Oracle.RPCURL == "" && len(c.Oracle.StaticPrices) == 0 {
		return fmt.Errorf("either ETH_RPC_URL or static oracle prices are required")
	}
	return nil
}

// AllowedSellTokens defaults the converter allow-list to the issuer's own pair
func (c Config) AllowedSellTokens() []common.Address {
	if len(c.Oracle.SellTokens) > 0 {
		return c.Oracle.SellTokens
	}
	return []common.Address{c.Issuer.TokenFrom}
}

func (c Config) AllowedBuyTokens() []common.Address {
	if len(c.Oracle.BuyTokens) > 0 {
		return c.Oracle.BuyTokens
	}
	return []common.Address{c.Issuer.TokenTo}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseAddresses(in []string, existing []common.Address) ([]common.Address, error) {
	out := existing
	for _, s := range in {
		addr, err := parseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

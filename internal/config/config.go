package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Gate    GateConfig
	Quota   QuotaConfig
	Rewards RewardsConfig
	Ledger  LedgerConfig
	Chain   ChainConfig
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	GRPCPort       int      `mapstructure:"grpc_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// GateConfig is the payment policy for the spin resource.
type GateConfig struct {
	Resource         string `mapstructure:"resource"`
	Description      string `mapstructure:"description"`
	FacilitatorURL   string `mapstructure:"facilitator_url"`
	Amount           string `mapstructure:"amount"` // atomic units of Asset
	Asset            string `mapstructure:"asset"`  // ERC-20 contract
	AssetName        string `mapstructure:"asset_name"`
	AssetVersion     string `mapstructure:"asset_version"`
	Recipient        string `mapstructure:"recipient"`
	Network          string `mapstructure:"network"`
	ChallengeTTLSec  int64  `mapstructure:"challenge_ttl_sec"`
	VerifyTimeoutSec int64  `mapstructure:"verify_timeout_sec"`
	SettleTimeoutSec int64  `mapstructure:"settle_timeout_sec"` // facilitator /settle
}

type QuotaConfig struct {
	DailyLimit int64 `mapstructure:"daily_limit"`
}

type SegmentConfig struct {
	ID         int     `mapstructure:"id"`
	Label      string  `mapstructure:"label"`
	PayoutBase int64   `mapstructure:"payout_base"`
	Weight     float64 `mapstructure:"weight"`
	IsJackpot  bool    `mapstructure:"is_jackpot"`
}

type RewardsConfig struct {
	Segments       []SegmentConfig `mapstructure:"segments"`
	MultiplierStep float64         `mapstructure:"multiplier_step"`
	MultiplierCap  int             `mapstructure:"multiplier_cap"`
}

type LedgerConfig struct {
	APIURL           string `mapstructure:"api_url"`
	APIKey           string `mapstructure:"api_key"`
	TimeoutSec       int64  `mapstructure:"timeout_sec"`
	RetryIntervalSec int64  `mapstructure:"retry_interval_sec"`
}

type ChainConfig struct {
	RPCURL          string   `mapstructure:"rpc_url"`
	ChainID         int64    `mapstructure:"chain_id"`
	HolderContract  string   `mapstructure:"holder_contract"`
	ReceiptKey      string   `mapstructure:"receipt_key"`
	AdminWallets    []string `mapstructure:"admin_wallets"`
	CheckBalance    bool     `mapstructure:"check_balance"`
	OracleTimeoutMs int64    `mapstructure:"oracle_timeout_ms"`
}

// DefaultSegments is the wheel shipped with the service. Weights are relative.
var DefaultSegments = []map[string]any{
	{"id": 0, "label": "100 XP", "payout_base": 100, "weight": 30},
	{"id": 1, "label": "250 XP", "payout_base": 250, "weight": 25},
	{"id": 2, "label": "500 XP", "payout_base": 500, "weight": 20},
	{"id": 3, "label": "1,000 XP", "payout_base": 1000, "weight": 12},
	{"id": 4, "label": "2,500 XP", "payout_base": 2500, "weight": 7},
	{"id": 5, "label": "5,000 XP", "payout_base": 5000, "weight": 4},
	{"id": 6, "label": "10,000 XP", "payout_base": 10000, "weight": 1.5},
	{"id": 7, "label": "JACKPOT 50,000 XP", "payout_base": 50000, "weight": 0.5, "is_jackpot": true},
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("gate.resource", "spin")
	v.SetDefault("gate.description", "Reward wheel spin")
	v.SetDefault("gate.amount", "100000") // 0.10 of a 6-decimal stablecoin
	v.SetDefault("gate.asset_name", "USD Coin")
	v.SetDefault("gate.asset_version", "2")
	v.SetDefault("gate.network", "base-sepolia")
	v.SetDefault("gate.challenge_ttl_sec", 300)
	v.SetDefault("gate.verify_timeout_sec", 15)
	v.SetDefault("gate.settle_timeout_sec", 60)
	v.SetDefault("quota.daily_limit", 3)
	v.SetDefault("rewards.segments", DefaultSegments)
	v.SetDefault("rewards.multiplier_step", 0.1)
	v.SetDefault("rewards.multiplier_cap", 10)
	v.SetDefault("ledger.timeout_sec", 10)
	v.SetDefault("ledger.retry_interval_sec", 30)
	v.SetDefault("chain.chain_id", 84532)
	v.SetDefault("chain.oracle_timeout_ms", 3000)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":               "PORT",
		"server.grpc_port":          "GRPC_PORT",
		"server.allowed_origins":    "ALLOWED_ORIGINS",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"gate.facilitator_url":      "FACILITATOR_URL",
		"gate.amount":               "SPIN_PRICE",
		"gate.asset":                "PAYMENT_ASSET",
		"gate.recipient":            "PAYMENT_RECIPIENT",
		"gate.network":              "PAYMENT_NETWORK",
		"gate.challenge_ttl_sec":    "CHALLENGE_TTL_SEC",
		"gate.settle_timeout_sec":   "SETTLE_TIMEOUT_SEC",
		"quota.daily_limit":         "DAILY_SPIN_LIMIT",
		"ledger.api_url":            "LEDGER_API_URL",
		"ledger.api_key":            "LEDGER_API_KEY",
		"ledger.retry_interval_sec": "LEDGER_RETRY_INTERVAL_SEC",
		"chain.rpc_url":             "RPC_URL",
		"chain.chain_id":            "CHAIN_ID",
		"chain.holder_contract":     "HOLDER_NFT_CONTRACT",
		"chain.receipt_key":         "RECEIPT_SIGNING_KEY",
		"chain.check_balance":       "CHECK_PAYER_BALANCE",
		"chain.admin_wallets":       "ADMIN_WALLETS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Gate.Asset, "PAYMENT_ASSET"},
		{c.Gate.Recipient, "PAYMENT_RECIPIENT"},
		{c.Gate.Network, "PAYMENT_NETWORK"},
		{c.Ledger.APIURL, "LEDGER_API_URL"},
		{c.Chain.RPCURL, "RPC_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	for _, a := range []req{
		{c.Gate.Asset, "PAYMENT_ASSET"},
		{c.Gate.Recipient, "PAYMENT_RECIPIENT"},
	} {
		if !common.IsHexAddress(a.val) {
			return fmt.Errorf("invalid address in %s: %q", a.name, a.val)
		}
	}
	if c.Chain.HolderContract != "" && !common.IsHexAddress(c.Chain.HolderContract) {
		return fmt.Errorf("invalid address in HOLDER_NFT_CONTRACT: %q", c.Chain.HolderContract)
	}
	if _, ok := c.Gate.AmountInt(); !ok {
		return fmt.Errorf("invalid SPIN_PRICE: %q", c.Gate.Amount)
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("DAILY_SPIN_LIMIT must be positive, got %d", c.Quota.DailyLimit)
	}
	if c.Gate.ChallengeTTLSec <= 0 {
		return fmt.Errorf("CHALLENGE_TTL_SEC must be positive, got %d", c.Gate.ChallengeTTLSec)
	}
	return nil
}

// AmountInt parses the spin price.
func (g GateConfig) AmountInt() (*big.Int, bool) {
	n, ok := new(big.Int).SetString(g.Amount, 10)
	if !ok || n.Sign() <= 0 {
		return nil, false
	}
	return n, true
}

func (g GateConfig) ChallengeTTL() time.Duration {
	return time.Duration(g.ChallengeTTLSec) * time.Second
}

func (g GateConfig) VerifyTimeout() time.Duration {
	return time.Duration(g.VerifyTimeoutSec) * time.Second
}

func (g GateConfig) SettleTimeout() time.Duration {
	return time.Duration(g.SettleTimeoutSec) * time.Second
}

func (l LedgerConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

func (l LedgerConfig) RetryInterval() time.Duration {
	return time.Duration(l.RetryIntervalSec) * time.Second
}

func (c ChainConfig) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutMs) * time.Millisecond
}

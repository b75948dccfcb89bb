// Package chain reads holder NFT and payment token balances and resolves
// a wallet's reward eligibility from them.
package chain

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0gfoundation/0g-reward-gate/internal/config"
)

// balanceOfABI covers both ERC-20 and ERC-721 balanceOf(address).
const balanceOfABI = `[{"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var tokenABI = mustParseABI(balanceOfABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Capability is a privilege the oracle grants on top of holder status.
type Capability string

// CapUnlimitedQuota exempts a wallet from the daily spin limit. Payment is
// still required.
const CapUnlimitedQuota Capability = "unlimited_quota"

// Eligibility is what the engine needs to know about a wallet.
type Eligibility struct {
	HolderCount  int          `json:"holder_count"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

func (e Eligibility) Has(c Capability) bool {
	for _, have := range e.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Client wraps a go-ethereum contract caller.
type Client struct {
	caller  bind.ContractCaller
	holders *bind.BoundContract // nil when no holder contract is configured
	admins  map[string]struct{}
	timeout time.Duration
	close   func()
}

// Dial connects to cfg.RPCURL.
func Dial(cfg config.ChainConfig) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	var holder common.Address
	if cfg.HolderContract != "" {
		holder = common.HexToAddress(cfg.HolderContract)
	}
	c := NewClient(eth, holder, cfg.AdminWallets, cfg.OracleTimeout())
	c.close = eth.Close
	return c, nil
}

// NewClient builds a Client on any ContractCaller. A zero holder address
// disables holder lookups (every wallet holds 0).
func NewClient(caller bind.ContractCaller, holder common.Address, admins []string, timeout time.Duration) *Client {
	c := &Client{
		caller:  caller,
		admins:  make(map[string]struct{}, len(admins)),
		timeout: timeout,
	}
	if holder != (common.Address{}) {
		c.holders = bind.NewBoundContract(holder, tokenABI, caller, nil, nil)
	}
	for _, a := range admins {
		c.admins[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return c
}

// Close releases the RPC connection, if any.
func (c *Client) Close() {
	if c.close != nil {
		c.close()
	}
}

func (c *Client) callOpts(ctx context.Context) (*bind.CallOpts, context.CancelFunc) {
	if c.timeout <= 0 {
		return &bind.CallOpts{Context: ctx}, func() {}
	}
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	return &bind.CallOpts{Context: tctx}, cancel
}

func balanceOf(opts *bind.CallOpts, contract *bind.BoundContract, holder common.Address) (*big.Int, error) {
	var out []interface{}
	if err := contract.Call(opts, &out, "balanceOf", holder); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// BalanceOf returns holder's ERC-20 balance of token.
func (c *Client) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	opts, cancel := c.callOpts(ctx)
	defer cancel()
	bal, err := balanceOf(opts, bind.NewBoundContract(token, tokenABI, c.caller, nil, nil), holder)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s on %s: %w", holder.Hex(), token.Hex(), err)
	}
	return bal, nil
}

// HolderCount returns how many holder NFTs wallet owns.
func (c *Client) HolderCount(ctx context.Context, wallet common.Address) (int, error) {
	if c.holders == nil {
		return 0, nil
	}
	opts, cancel := c.callOpts(ctx)
	defer cancel()
	n, err := balanceOf(opts, c.holders, wallet)
	if err != nil {
		return 0, fmt.Errorf("holder balanceOf %s: %w", wallet.Hex(), err)
	}
	if !n.IsInt64() || n.Int64() > math.MaxInt32 {
		return math.MaxInt32, nil
	}
	return int(n.Int64()), nil
}

// Eligibility resolves holder count and capabilities for identity.
func (c *Client) Eligibility(ctx context.Context, identity string) (Eligibility, error) {
	if !common.IsHexAddress(identity) {
		return Eligibility{}, fmt.Errorf("eligibility: invalid wallet %q", identity)
	}
	var e Eligibility
	if _, ok := c.admins[strings.ToLower(identity)]; ok {
		e.Capabilities = append(e.Capabilities, CapUnlimitedQuota)
	}
	n, err := c.HolderCount(ctx, common.HexToAddress(identity))
	if err != nil {
		return Eligibility{}, err
	}
	e.HolderCount = n
	return e, nil
}

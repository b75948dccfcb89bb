// holders prints what the reward engine sees for a wallet: holder NFT count,
// capabilities and the resulting payout multiplier.
//
//	holders -wallet 0x... [-rpc URL] [-contract 0x...] [-step 0.1] [-cap 10]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-reward-gate/internal/chain"
	"github.com/0gfoundation/0g-reward-gate/internal/config"
	"github.com/0gfoundation/0g-reward-gate/internal/settlement"
)

func main() {
	wallet := flag.String("wallet", "", "wallet address to inspect")
	rpc := flag.String("rpc", os.Getenv("RPC_URL"), "EVM RPC endpoint")
	contract := flag.String("contract", os.Getenv("HOLDER_NFT_CONTRACT"), "holder NFT contract")
	admins := flag.String("admins", "", "comma-separated admin wallets")
	step := flag.Float64("step", 0.1, "multiplier step per held NFT")
	maxHolders := flag.Int("cap", 10, "holder count cap")
	flag.Parse()

	if !common.IsHexAddress(*wallet) || *rpc == "" {
		flag.Usage()
		os.Exit(2)
	}

	c, err := chain.Dial(config.ChainConfig{
		RPCURL:          *rpc,
		HolderContract:  *contract,
		AdminWallets:    splitList(*admins),
		OracleTimeoutMs: 10_000,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	el, err := c.Eligibility(ctx, *wallet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "eligibility:", err)
		os.Exit(1)
	}
	fmt.Print(report(*wallet, el, settlement.NewPolicy(*step, *maxHolders)))
}

func report(wallet string, el chain.Eligibility, p settlement.Policy) string {
	var b strings.Builder
	bps := p.MultiplierBps(el.HolderCount)
	caps := "none"
	if len(el.Capabilities) > 0 {
		names := make([]string, len(el.Capabilities))
		for i, c := range el.Capabilities {
			names[i] = string(c)
		}
		caps = strings.Join(names, ",")
	}
	fmt.Fprintf(&b, "wallet:       %s\n", strings.ToLower(wallet))
	fmt.Fprintf(&b, "holders:      %d\n", el.HolderCount)
	fmt.Fprintf(&b, "capabilities: %s\n", caps)
	fmt.Fprintf(&b, "multiplier:   %d.%04dx (%d bps)\n", bps/10_000, bps%10_000, bps)
	return b.String()
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

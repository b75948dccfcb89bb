package main

import (
	"strings"
	"testing"

	"github.com/0gfoundation/0g-reward-gate/internal/chain"
	"github.com/0gfoundation/0g-reward-gate/internal/settlement"
)

func TestReport(t *testing.T) {
	out := report("0xAbCdEf0000000000000000000000000000000001",
		chain.Eligibility{HolderCount: 3, Capabilities: []chain.Capability{chain.CapUnlimitedQuota}},
		settlement.NewPolicy(0.1, 10),
	)
	for _, want := range []string{
		"wallet:       0xabcdef0000000000000000000000000000000001",
		"holders:      3",
		"capabilities: unlimited_quota",
		"multiplier:   1.3000x (13000 bps)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestReport_NoCapabilities(t *testing.T) {
	out := report("0x01", chain.Eligibility{}, settlement.NewPolicy(0.1, 10))
	if !strings.Contains(out, "capabilities: none") || !strings.Contains(out, "1.0000x") {
		t.Errorf("unexpected report:\n%s", out)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" 0xa, ,0xb,")
	if len(got) != 2 || got[0] != "0xa" || got[1] != "0xb" {
		t.Errorf("splitList: %q", got)
	}
	if splitList("") != nil {
		t.Error("empty input should yield nil")
	}
}

// Package settlement turns an admitted spin into a durable outcome and
// credits it to the XP ledger exactly once.
package settlement

import (
	"errors"
	"math"
	"math/big"
	"strconv"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	ErrNoReceipt      = errors.New("no payment receipt for nonce")
	ErrReceiptTooLate = errors.New("payment receipt is newer than the outcome")
	ErrNotFound       = errors.New("outcome not found")
)

const bpsOne = 10_000

// Outcome is one settled spin. The stored row is append-only; Credited is
// read from the ledger marker, not from the row.
type Outcome struct {
	ID             string    `json:"id"`
	Identity       string    `json:"identity"`
	SegmentID      int       `json:"segment_id"`
	Label          string    `json:"label"`
	IsJackpot      bool      `json:"is_jackpot"`
	PayoutBase     int64     `json:"payout_base"`
	MultiplierBps  int64     `json:"multiplier_bps"`
	Multiplier     float64   `json:"multiplier"`
	PayoutFinal    int64     `json:"payout_final"`
	Display        string    `json:"display"`
	HolderCount    int       `json:"holder_count"`
	ChallengeNonce string    `json:"challenge_nonce"`
	CreatedAt      time.Time `json:"created_at"`
	Credited       bool      `json:"credited"`
}

// Policy is the holder multiplier: 1 + step*min(holders, cap), kept in
// basis points so payouts are exact integers.
type Policy struct {
	StepBps int64
	Cap     int
}

// NewPolicy converts a fractional step (0.1 = +10% per holder NFT).
func NewPolicy(step float64, maxHolders int) Policy {
	if step < 0 || math.IsNaN(step) {
		step = 0
	}
	if maxHolders < 0 {
		maxHolders = 0
	}
	return Policy{StepBps: int64(math.Round(step * bpsOne)), Cap: maxHolders}
}

// MultiplierBps returns the multiplier for holders, in basis points.
func (p Policy) MultiplierBps(holders int) int64 {
	h := holders
	if h < 0 {
		h = 0
	}
	if h > p.Cap {
		h = p.Cap
	}
	return bpsOne + p.StepBps*int64(h)
}

// Apply returns the multiplier and floor(base * multiplier).
func (p Policy) Apply(base int64, holders int) (bps, final int64) {
	bps = p.MultiplierBps(holders)
	n := new(big.Int).Mul(big.NewInt(base), big.NewInt(bps))
	n.Quo(n, big.NewInt(bpsOne))
	if !n.IsInt64() {
		return bps, math.MaxInt64
	}
	return bps, n.Int64()
}

var printer = message.NewPrinter(language.English)

// FormatPayout renders an XP amount for display, e.g. "+5,000 XP".
func FormatPayout(xp int64) string {
	return printer.Sprintf("+%d XP", xp)
}

func fromMap(m map[string]string, credited bool) *Outcome {
	o := &Outcome{
		ID:             m["id"],
		Identity:       m["identity"],
		Label:          m["label"],
		IsJackpot:      m["is_jackpot"] == "1",
		ChallengeNonce: m["challenge_nonce"],
		Credited:       credited,
	}
	o.SegmentID, _ = strconv.Atoi(m["segment_id"])
	o.HolderCount, _ = strconv.Atoi(m["holder_count"])
	o.PayoutBase, _ = strconv.ParseInt(m["payout_base"], 10, 64)
	o.MultiplierBps, _ = strconv.ParseInt(m["multiplier_bps"], 10, 64)
	o.PayoutFinal, _ = strconv.ParseInt(m["payout_final"], 10, 64)
	ms, _ := strconv.ParseInt(m["created_at"], 10, 64)
	o.CreatedAt = time.UnixMilli(ms).UTC()
	o.Multiplier = float64(o.MultiplierBps) / bpsOne
	o.Display = FormatPayout(o.PayoutFinal)
	return o
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-reward-gate/internal/ledger"
	"github.com/0gfoundation/0g-reward-gate/internal/metrics"
	"github.com/0gfoundation/0g-reward-gate/internal/payment"
	"github.com/0gfoundation/0g-reward-gate/internal/reward"
)

// Redis key templates
const (
	outcomeKeyFmt     = "outcome:%s"         // %s = outcome id
	outcomeByNonceFmt = "outcome:nonce:%s"   // %s = challenge nonce
	outcomesListFmt   = "outcomes:%s"        // %s = identity, newest first
	creditedKeyFmt    = "ledger:credited:%s" // %s = outcome id
	creditLockFmt     = "ledger:lock:%s"     // %s = outcome id
	OutboxKey         = "ledger:outbox"
	DeadLetterKey     = "ledger:dlq"
)

func outcomeKey(id string) string       { return fmt.Sprintf(outcomeKeyFmt, id) }
func outcomeByNonce(nonce string) string { return fmt.Sprintf(outcomeByNonceFmt, strings.ToLower(nonce)) }
func outcomesList(identity string) string {
	return fmt.Sprintf(outcomesListFmt, strings.ToLower(identity))
}
func creditedKey(id string) string { return fmt.Sprintf(creditedKeyFmt, id) }
func creditLock(id string) string  { return fmt.Sprintf(creditLockFmt, id) }

// persistScript records an outcome and its outbox entry in one step. It
// refuses when the receipt is missing or newer than the outcome, and returns
// the existing id when the nonce already has an outcome.
//
// KEYS[1] receipt; KEYS[2] outcome-by-nonce; KEYS[3] outcome hash;
// KEYS[4] identity list; KEYS[5] outbox
// ARGV[1] id; ARGV[2] created_at ms; ARGV[3..] field/value pairs
var persistScript = redis.NewScript(`
local verified = redis.call('HGET', KEYS[1], 'verified_at')
if not verified then
  return {'no_receipt', ''}
end
if tonumber(verified) > tonumber(ARGV[2]) then
  return {'receipt_after', ''}
end
local existing = redis.call('GET', KEYS[2])
if existing then
  return {'exists', existing}
end
redis.call('SET', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], unpack(ARGV, 3))
redis.call('LPUSH', KEYS[4], ARGV[1])
redis.call('RPUSH', KEYS[5], ARGV[1])
return {'ok', ARGV[1]}
`)

// Crediter is the ledger service. *ledger.Client implements it.
type Crediter interface {
	AddXP(ctx context.Context, cr ledger.Credit, idempotencyKey string) error
}

// Request is an admitted spin ready to settle.
type Request struct {
	Identity    string
	Nonce       string
	Segment     reward.Segment
	HolderCount int
}

// Writer persists outcomes and credits them to the ledger.
type Writer struct {
	rdb           *redis.Client
	credits       Crediter
	policy        Policy
	creditTimeout time.Duration
	now           func() time.Time
	newID         func() string
	log           *zap.Logger
}

func NewWriter(rdb *redis.Client, credits Crediter, policy Policy, creditTimeout time.Duration, log *zap.Logger) *Writer {
	if creditTimeout <= 0 {
		creditTimeout = 10 * time.Second
	}
	return &Writer{
		rdb:           rdb,
		credits:       credits,
		policy:        policy,
		creditTimeout: creditTimeout,
		now:           time.Now,
		newID:         uuid.NewString,
		log:           log,
	}
}

// WithClock overrides the clock (tests).
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Policy returns the multiplier policy.
func (w *Writer) Policy() Policy { return w.policy }

// Settle persists the outcome for req and credits the ledger. The outcome is
// durable before any ledger call; a failed credit stays in the outbox for
// the retrier and is not an error here. Settling a nonce twice returns the
// first outcome.
func (w *Writer) Settle(ctx context.Context, req Request) (*Outcome, error) {
	bps, final := w.policy.Apply(req.Segment.PayoutBase, req.HolderCount)
	o := &Outcome{
		ID:             w.newID(),
		Identity:       strings.ToLower(req.Identity),
		SegmentID:      req.Segment.ID,
		Label:          req.Segment.Label,
		IsJackpot:      req.Segment.IsJackpot,
		PayoutBase:     req.Segment.PayoutBase,
		MultiplierBps:  bps,
		Multiplier:     float64(bps) / bpsOne,
		PayoutFinal:    final,
		Display:        FormatPayout(final),
		HolderCount:    req.HolderCount,
		ChallengeNonce: strings.ToLower(req.Nonce),
		CreatedAt:      w.now().UTC(),
	}

	res, err := persistScript.Run(ctx, w.rdb,
		[]string{
			payment.ReceiptKey(o.ChallengeNonce),
			outcomeByNonce(o.ChallengeNonce),
			outcomeKey(o.ID),
			outcomesList(o.Identity),
			OutboxKey,
		},
		o.ID,
		o.CreatedAt.UnixMilli(),
		"id", o.ID,
		"identity", o.Identity,
		"segment_id", o.SegmentID,
		"label", o.Label,
		"is_jackpot", boolFlag(o.IsJackpot),
		"payout_base", o.PayoutBase,
		"multiplier_bps", o.MultiplierBps,
		"payout_final", o.PayoutFinal,
		"holder_count", o.HolderCount,
		"challenge_nonce", o.ChallengeNonce,
		"created_at", o.CreatedAt.UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("persist outcome: %w", err)
	}
	switch res[0] {
	case "ok":
	case "exists":
		w.log.Info("outcome already settled", zap.String("nonce", o.ChallengeNonce), zap.String("outcome", res[1]))
		return w.Get(ctx, res[1])
	case "no_receipt":
		return nil, fmt.Errorf("%w: %s", ErrNoReceipt, o.ChallengeNonce)
	default:
		return nil, fmt.Errorf("%w: %s", ErrReceiptTooLate, o.ChallengeNonce)
	}

	metrics.Payouts.WithLabelValues(strconv.Itoa(o.SegmentID), boolFlag(o.IsJackpot)).Inc()
	metrics.PayoutXP.Add(float64(o.PayoutFinal))
	w.log.Info("outcome settled",
		zap.String("outcome", o.ID),
		zap.String("identity", o.Identity),
		zap.Int("segment", o.SegmentID),
		zap.Int64("payout_final", o.PayoutFinal),
		zap.Int64("multiplier_bps", o.MultiplierBps),
		zap.String("nonce", o.ChallengeNonce),
	)

	// A request context cancelled after persistence must not skip the credit
	// attempt; the outbox covers the rest.
	if err := w.credit(context.WithoutCancel(ctx), o.ID); err == nil {
		o.Credited = true
	}
	return o, nil
}

// Get loads an outcome by id.
func (w *Writer) Get(ctx context.Context, id string) (*Outcome, error) {
	var fields *redis.MapStringStringCmd
	var credited *redis.IntCmd
	if _, err := w.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, outcomeKey(id))
		credited = p.Exists(ctx, creditedKey(id))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("get outcome %s: %w", id, err)
	}
	if len(fields.Val()) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fromMap(fields.Val(), credited.Val() == 1), nil
}

// ByNonce loads the outcome settled for a challenge nonce.
func (w *Writer) ByNonce(ctx context.Context, nonce string) (*Outcome, error) {
	id, err := w.rdb.Get(ctx, outcomeByNonce(nonce)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: nonce %s", ErrNotFound, nonce)
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome by nonce: %w", err)
	}
	return w.Get(ctx, id)
}

// List returns up to limit outcomes for identity, newest first.
func (w *Writer) List(ctx context.Context, identity string, limit int64) ([]*Outcome, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := w.rdb.LRange(ctx, outcomesList(identity), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	if len(ids) == 0 {
		return []*Outcome{}, nil
	}
	fields := make([]*redis.MapStringStringCmd, len(ids))
	credited := make([]*redis.IntCmd, len(ids))
	if _, err := w.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			fields[i] = p.HGetAll(ctx, outcomeKey(id))
			credited[i] = p.Exists(ctx, creditedKey(id))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	out := make([]*Outcome, 0, len(ids))
	for i, c := range fields {
		if m := c.Val(); len(m) > 0 {
			out = append(out, fromMap(m, credited[i].Val() == 1))
		}
	}
	return out, nil
}

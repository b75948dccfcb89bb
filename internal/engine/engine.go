// Package engine runs a spin end to end: eligibility, daily quota, the 402
// payment handshake, the weighted draw and settlement.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-reward-gate/internal/chain"
	"github.com/0gfoundation/0g-reward-gate/internal/metrics"
	"github.com/0gfoundation/0g-reward-gate/internal/payment"
	"github.com/0gfoundation/0g-reward-gate/internal/quota"
	"github.com/0gfoundation/0g-reward-gate/internal/reward"
	"github.com/0gfoundation/0g-reward-gate/internal/settlement"
)

var (
	ErrEligibilityUnavailable = errors.New("eligibility unavailable")
	ErrSettlementFailed       = errors.New("settlement failed")
)

// Reasons carried by PaymentRequiredError besides verifier rejections.
const (
	ReasonPaymentRequired   = "payment_required"
	ReasonChallengeExpired  = "challenge_expired"
	ReasonChallengeConsumed = "challenge_consumed"
)

// PaymentRequiredError means the caller must (re)pay. Challenge is the
// challenge to present, nil when none should be offered.
type PaymentRequiredError struct {
	Reason    string
	Challenge *payment.Challenge
	Cause     error
}

func (e *PaymentRequiredError) Error() string {
	if e.Cause != nil {
		return "payment required: " + e.Reason + ": " + e.Cause.Error()
	}
	return "payment required: " + e.Reason
}

func (e *PaymentRequiredError) Unwrap() error { return e.Cause }

// Oracle resolves holder status and capabilities. *chain.Client implements it.
type Oracle interface {
	Eligibility(ctx context.Context, identity string) (chain.Eligibility, error)
}

// Result is a completed spin.
type Result struct {
	Outcome        *settlement.Outcome
	Receipt        *payment.Receipt
	ResponseHeader string
	Quota          QuotaStatus
}

// QuotaStatus is the caller-facing view of today's allowance.
type QuotaStatus struct {
	Limit     int64     `json:"limit"`
	Consumed  int64     `json:"consumed"`
	Remaining int64     `json:"remaining"`
	Unlimited bool      `json:"unlimited"`
	NextReset time.Time `json:"next_reset_time"`
}

type Engine struct {
	gate       *payment.Gate
	quota      *quota.Ledger
	selector   *reward.Selector
	writer     *settlement.Writer
	oracle     Oracle
	resource   string
	dailyLimit int64
	log        *zap.Logger
}

func New(
	gate *payment.Gate,
	quotas *quota.Ledger,
	selector *reward.Selector,
	writer *settlement.Writer,
	oracle Oracle,
	resource string,
	dailyLimit int64,
	log *zap.Logger,
) *Engine {
	return &Engine{
		gate:       gate,
		quota:      quotas,
		selector:   selector,
		writer:     writer,
		oracle:     oracle,
		resource:   resource,
		dailyLimit: dailyLimit,
		log:        log,
	}
}

// Resource is the gated resource id.
func (e *Engine) Resource() string { return e.resource }

// Requirements renders c as a 402 accepts entry against the gate's clock.
func (e *Engine) Requirements(c *payment.Challenge) payment.Requirements {
	return c.Requirements(e.gate.Now())
}

func (e *Engine) eligibility(ctx context.Context, identity string) (chain.Eligibility, error) {
	el, err := e.oracle.Eligibility(ctx, identity)
	if err != nil {
		e.log.Warn("eligibility lookup failed", zap.String("identity", identity), zap.Error(err))
		return chain.Eligibility{}, fmt.Errorf("%w: %v", ErrEligibilityUnavailable, err)
	}
	return el, nil
}

// Spin runs one spin for identity. Without a proof it returns a
// *PaymentRequiredError carrying the live challenge. With a proof it
// reserves quota, verifies the payment, draws and settles; the reservation
// is released on any failure before admission and kept after it. Resubmitting
// a proof that was admitted but never settled completes that spin.
func (e *Engine) Spin(ctx context.Context, identity string, proof *payment.Proof) (*Result, error) {
	identity = strings.ToLower(identity)

	if e.selector == nil || e.selector.Table() == nil {
		metrics.SelectorFaults.Inc()
		metrics.Spins.WithLabelValues("error").Inc()
		e.log.Error("reward table unavailable, refusing spin", zap.String("identity", identity))
		return nil, reward.ErrSelectorFault
	}

	el, err := e.eligibility(ctx, identity)
	if err != nil {
		metrics.Spins.WithLabelValues("error").Inc()
		return nil, err
	}
	unlimited := el.Has(chain.CapUnlimitedQuota)

	if proof == nil {
		if !unlimited {
			if _, err := e.quota.CheckPeek(ctx, identity, e.dailyLimit); err != nil {
				e.countQuotaErr(err)
				return nil, err
			}
		}
		return nil, e.paymentRequired(ctx, identity, ReasonPaymentRequired, nil)
	}

	var res *quota.Reservation
	if !unlimited {
		res, err = e.quota.Reserve(ctx, identity, e.dailyLimit)
		if err != nil {
			// The unsettled spin already holds its unit and may be the last one.
			if quota.IsExceeded(err) {
				if r, ok, rerr := e.resume(ctx, identity, proof.Nonce(), el, unlimited); ok || rerr != nil {
					return r, rerr
				}
			}
			e.countQuotaErr(err)
			return nil, err
		}
	}

	start := time.Now()
	adm, err := e.gate.SubmitPayment(ctx, identity, e.resource, proof)
	metrics.VerifyLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		e.release(res)
		if errors.Is(err, payment.ErrChallengeConsumed) {
			if r, ok, rerr := e.resume(ctx, identity, proof.Nonce(), el, unlimited); ok || rerr != nil {
				return r, rerr
			}
		}
		return nil, e.submitError(ctx, identity, err)
	}

	// Admitted: the payment is consumed and the reservation stays.
	return e.settle(ctx, identity, el, unlimited, adm.Receipt, adm.ResponseHeader)
}

// resume finishes a spin whose payment was admitted but whose outcome was
// never written, e.g. after a persistence failure. It reports false when the
// nonce is not identity's or already has an outcome.
func (e *Engine) resume(ctx context.Context, identity, nonce string, el chain.Eligibility, unlimited bool) (*Result, bool, error) {
	rcpt, err := e.gate.Receipt(ctx, nonce)
	if err != nil {
		return nil, false, fmt.Errorf("load receipt: %w", err)
	}
	if rcpt == nil || rcpt.Identity != identity || rcpt.Resource != e.resource {
		return nil, false, nil
	}
	_, err = e.writer.ByNonce(ctx, nonce)
	switch {
	case err == nil:
		return nil, false, nil
	case !errors.Is(err, settlement.ErrNotFound):
		return nil, false, err
	}

	e.log.Warn("resuming settlement for admitted payment without outcome",
		zap.String("identity", identity),
		zap.String("nonce", nonce),
	)
	header, err := e.gate.ResponseHeader(rcpt)
	if err != nil {
		e.log.Error("encode payment response", zap.String("nonce", nonce), zap.Error(err))
	}
	r, err := e.settle(ctx, identity, el, unlimited, rcpt, header)
	return r, err == nil, err
}

// settle draws and persists the outcome for an admitted receipt. Settle is
// idempotent per nonce, so a concurrent resume of the same nonce yields the
// first outcome.
func (e *Engine) settle(ctx context.Context, identity string, el chain.Eligibility, unlimited bool, rcpt *payment.Receipt, header string) (*Result, error) {
	seg, err := e.selector.Draw()
	if err != nil {
		metrics.SelectorFaults.Inc()
		metrics.Spins.WithLabelValues("error").Inc()
		e.log.Error("draw failed after admission",
			zap.String("identity", identity),
			zap.String("nonce", rcpt.Nonce),
			zap.Error(err),
		)
		return nil, err
	}

	out, err := e.writer.Settle(ctx, settlement.Request{
		Identity:    identity,
		Nonce:       rcpt.Nonce,
		Segment:     seg,
		HolderCount: el.HolderCount,
	})
	if err != nil {
		metrics.Spins.WithLabelValues("error").Inc()
		e.log.Error("settlement failed after admission",
			zap.String("identity", identity),
			zap.String("nonce", rcpt.Nonce),
			zap.Int("segment", seg.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	metrics.Spins.WithLabelValues("admitted").Inc()

	qs, err := e.quotaStatus(ctx, identity, unlimited)
	if err != nil {
		e.log.Warn("read quota after spin", zap.String("identity", identity), zap.Error(err))
	}
	return &Result{
		Outcome:        out,
		Receipt:        rcpt,
		ResponseHeader: header,
		Quota:          qs,
	}, nil
}

func (e *Engine) paymentRequired(ctx context.Context, identity, reason string, cause error) error {
	c, err := e.gate.RequestAction(ctx, identity, e.resource)
	if err != nil {
		metrics.Spins.WithLabelValues("error").Inc()
		return fmt.Errorf("issue challenge: %w", err)
	}
	metrics.Spins.WithLabelValues("challenged").Inc()
	return &PaymentRequiredError{Reason: reason, Challenge: c, Cause: cause}
}

// submitError maps a SubmitPayment failure onto what the caller should see.
func (e *Engine) submitError(ctx context.Context, identity string, err error) error {
	if re, ok := payment.AsRejected(err); ok {
		metrics.Spins.WithLabelValues("rejected").Inc()
		return e.paymentRequired(ctx, identity, re.Reason, err)
	}
	switch {
	case errors.Is(err, payment.ErrChallengeExpired), errors.Is(err, payment.ErrChallengeNotFound):
		metrics.Spins.WithLabelValues("expired").Inc()
		return e.paymentRequired(ctx, identity, ReasonChallengeExpired, err)
	case errors.Is(err, payment.ErrChallengeConsumed):
		metrics.Spins.WithLabelValues("consumed").Inc()
		return &PaymentRequiredError{Reason: ReasonChallengeConsumed, Cause: err}
	case errors.Is(err, payment.ErrVerificationInProgress):
		metrics.Spins.WithLabelValues("busy").Inc()
		return err
	default:
		metrics.Spins.WithLabelValues("error").Inc()
		return err
	}
}

func (e *Engine) countQuotaErr(err error) {
	if quota.IsExceeded(err) {
		metrics.Spins.WithLabelValues("quota_exceeded").Inc()
		return
	}
	metrics.Spins.WithLabelValues("error").Inc()
}

// release runs detached: a cancelled request must still return its unit.
func (e *Engine) release(res *quota.Reservation) {
	if res == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.quota.Release(ctx, res); err != nil {
		e.log.Error("release quota reservation", zap.String("identity", res.Identity), zap.Error(err))
	}
}

func (e *Engine) quotaStatus(ctx context.Context, identity string, unlimited bool) (QuotaStatus, error) {
	w, err := e.quota.Peek(ctx, identity, e.dailyLimit)
	if err != nil {
		return QuotaStatus{}, err
	}
	qs := QuotaStatus{
		Limit:     w.Limit,
		Consumed:  w.Consumed,
		Remaining: w.Remaining(),
		Unlimited: unlimited,
		NextReset: quota.NextReset(w.WindowStart),
	}
	return qs, nil
}

// Quota reports today's allowance for identity.
func (e *Engine) Quota(ctx context.Context, identity string) (QuotaStatus, error) {
	identity = strings.ToLower(identity)
	el, err := e.eligibility(ctx, identity)
	if err != nil {
		return QuotaStatus{}, err
	}
	return e.quotaStatus(ctx, identity, el.Has(chain.CapUnlimitedQuota))
}

// Outcomes lists identity's outcomes, newest first.
func (e *Engine) Outcomes(ctx context.Context, identity string, limit int64) ([]*settlement.Outcome, error) {
	return e.writer.List(ctx, strings.ToLower(identity), limit)
}

// OutcomeByNonce returns the outcome settled for nonce if it belongs to
// identity.
func (e *Engine) OutcomeByNonce(ctx context.Context, identity, nonce string) (*settlement.Outcome, error) {
	o, err := e.writer.ByNonce(ctx, nonce)
	if err != nil {
		return nil, err
	}
	if o.Identity != strings.ToLower(identity) {
		return nil, fmt.Errorf("%w: nonce %s", settlement.ErrNotFound, nonce)
	}
	return o, nil
}

// SegmentView is a reward segment with its draw probability.
type SegmentView struct {
	reward.Segment
	Probability float64 `json:"probability"`
}

// Segments returns the reward table.
func (e *Engine) Segments() ([]SegmentView, error) {
	if e.selector == nil || e.selector.Table() == nil {
		return nil, reward.ErrSelectorFault
	}
	t := e.selector.Table()
	segs := t.Segments()
	out := make([]SegmentView, len(segs))
	for i, s := range segs {
		out[i] = SegmentView{Segment: s, Probability: t.Probability(s.ID)}
	}
	return out, nil
}

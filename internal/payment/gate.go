// Package payment implements the HTTP 402 challenge/response protocol: it
// issues payment requirements, verifies proofs through a facilitator and
// admits each paid challenge exactly once.
package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Policy configures one gated resource.
type Policy struct {
	Resource     string
	Description  string
	Amount       *big.Int
	Asset        string
	AssetName    string
	AssetVersion string
	Recipient    string
	Network      string
	TTL          time.Duration
}

// Gate is the single 402 implementation shared by every gated resource.
type Gate struct {
	st            store
	verifier      Verifier
	policies      map[string]Policy
	signer        *ResponseSigner
	verifyTimeout time.Duration
	settleWindow  time.Duration
	now           func() time.Time
	log           *zap.Logger
}

func NewGate(
	rdb *redis.Client,
	verifier Verifier,
	policies []Policy,
	signer *ResponseSigner,
	verifyTimeout time.Duration,
	log *zap.Logger,
) *Gate {
	pm := make(map[string]Policy, len(policies))
	for _, p := range policies {
		pm[p.Resource] = p
	}
	if verifyTimeout <= 0 {
		verifyTimeout = 15 * time.Second
	}
	return &Gate{
		st:            store{rdb: rdb},
		verifier:      verifier,
		policies:      pm,
		signer:        signer,
		verifyTimeout: verifyTimeout,
		now:           time.Now,
		log:           log,
	}
}

// WithClock overrides the clock (tests).
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Now is the gate's clock.
func (g *Gate) Now() time.Time { return g.now() }

// Policy returns the policy for resource.
func (g *Gate) Policy(resource string) (Policy, bool) {
	p, ok := g.policies[resource]
	return p, ok
}

// staleAfter is how long a VERIFYING claim survives a crashed holder.
func (g *Gate) staleAfter() time.Duration { return 2*g.verifyTimeout + g.settleWindow }

// WithSettleWindow extends how long a VERIFYING claim is honoured, for
// verifiers whose on-chain settlement runs past the verification deadline.
func (g *Gate) WithSettleWindow(d time.Duration) *Gate {
	if d > 0 {
		g.settleWindow = d
	}
	return g
}

// RequestAction returns the live challenge for (identity, resource), creating
// one if none is live. Repeated calls before expiry return the same nonce.
func (g *Gate) RequestAction(ctx context.Context, identity, resource string) (*Challenge, error) {
	p, ok := g.policies[resource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	identity = strings.ToLower(identity)

	// Two passes: the first may find a pointer to a challenge that our clock
	// already considers dead.
	for attempt := 0; attempt < 2; attempt++ {
		now := g.now()
		nonce, err := newNonce()
		if err != nil {
			return nil, err
		}
		fresh := &Challenge{
			Nonce:        nonce,
			Identity:     identity,
			Resource:     resource,
			Description:  p.Description,
			Amount:       p.Amount.String(),
			Asset:        p.Asset,
			AssetName:    p.AssetName,
			AssetVersion: p.AssetVersion,
			Recipient:    p.Recipient,
			Network:      p.Network,
			State:        StateChallenged,
			CreatedAt:    now,
			ExpiresAt:    now.Add(p.TTL),
		}
		live, err := g.st.create(ctx, fresh, p.TTL)
		if err != nil {
			return nil, fmt.Errorf("create challenge: %w", err)
		}
		if live == nonce {
			g.log.Debug("challenge issued",
				zap.String("identity", identity),
				zap.String("resource", resource),
				zap.String("nonce", nonce),
			)
			return fresh, nil
		}

		c, err := g.st.read(ctx, live, now, g.staleAfter())
		if err != nil {
			return nil, err
		}
		if c != nil && isOpen(c.State) {
			return c, nil
		}
		if err := g.st.dropLive(ctx, identity, resource, live); err != nil {
			return nil, fmt.Errorf("drop dead challenge: %w", err)
		}
	}
	return nil, fmt.Errorf("create challenge: live pointer kept pointing at a closed challenge")
}

// Challenge looks up a challenge by nonce, applying lazy expiry.
func (g *Gate) Challenge(ctx context.Context, nonce string) (*Challenge, error) {
	c, err := g.st.read(ctx, nonce, g.now(), g.staleAfter())
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrChallengeNotFound
	}
	return c, nil
}

// Receipt returns the persisted receipt for nonce, or nil.
func (g *Gate) Receipt(ctx context.Context, nonce string) (*Receipt, error) {
	return g.st.receipt(ctx, nonce)
}

// ResponseHeader renders the X-PAYMENT-RESPONSE value for an admitted receipt.
func (g *Gate) ResponseHeader(r *Receipt) (string, error) {
	p, ok := g.policies[r.Resource]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownResource, r.Resource)
	}
	return g.signer.Encode(r, p.Network)
}

// SubmitPayment verifies proof against the challenge it names and admits it.
// On rejection the challenge stays payable until it expires.
func (g *Gate) SubmitPayment(ctx context.Context, identity, resource string, proof *Proof) (*Admission, error) {
	if _, ok := g.policies[resource]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	identity = strings.ToLower(identity)
	nonce := proof.Nonce()

	if err := g.st.begin(ctx, nonce, identity, resource, g.now(), g.staleAfter()); err != nil {
		return nil, err
	}
	c, err := g.st.read(ctx, nonce, g.now(), g.staleAfter())
	if err != nil || c == nil {
		g.finish(nonce, StateChallenged, "")
		if err == nil {
			err = ErrChallengeNotFound
		}
		return nil, err
	}

	req := c.Requirements(g.now())
	vctx, cancel := context.WithTimeout(ctx, g.verifyTimeout)
	v, err := g.verifier.Verify(vctx, proof, req)
	cancel()
	if err == nil {
		err = checkVerification(v, req)
	}
	if err != nil {
		if re, ok := AsRejected(err); ok {
			g.finish(nonce, StateRejected, re.Reason)
			g.log.Info("payment rejected",
				zap.String("identity", identity),
				zap.String("nonce", nonce),
				zap.String("reason", re.Reason),
				zap.String("detail", re.Detail),
			)
			return nil, re
		}
		g.finish(nonce, StateChallenged, "")
		g.log.Warn("payment verifier failed",
			zap.String("identity", identity),
			zap.String("nonce", nonce),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}

	r := &Receipt{
		Nonce:       nonce,
		Identity:    identity,
		Resource:    resource,
		Payer:       strings.ToLower(v.Payer),
		Amount:      v.Amount.String(),
		TxReference: v.TxReference,
		ProofHash:   crypto.Keccak256Hash([]byte(proof.Raw)).Hex(),
		VerifiedAt:  g.now().UTC(),
	}
	// The payment may already be settled on-chain; admit even if the caller left.
	if err := g.st.admit(context.WithoutCancel(ctx), c, r); err != nil {
		return nil, err
	}
	c.State = StateAdmitted

	header, err := g.signer.Encode(r, c.Network)
	if err != nil {
		// Admission already happened; the caller still gets its reward.
		g.log.Error("encode payment response", zap.String("nonce", nonce), zap.Error(err))
	}
	g.log.Info("payment admitted",
		zap.String("identity", identity),
		zap.String("resource", resource),
		zap.String("nonce", nonce),
		zap.String("payer", r.Payer),
		zap.String("amount", r.Amount),
		zap.String("tx", r.TxReference),
	)
	return &Admission{Challenge: c, Receipt: r, ResponseHeader: header}, nil
}

// finish runs with a detached context: a cancelled request must not leave the
// challenge stuck in VERIFYING.
func (g *Gate) finish(nonce string, state State, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.st.finish(ctx, nonce, state, reason); err != nil {
		g.log.Error("release verifying challenge", zap.String("nonce", nonce), zap.Error(err))
	}
}

func checkVerification(v *Verification, req Requirements) error {
	if v == nil || v.Amount == nil {
		return errors.New("verifier returned no result")
	}
	want, ok := req.AmountInt()
	if !ok {
		return fmt.Errorf("challenge amount %q is not an integer", req.Amount)
	}
	if v.Amount.Cmp(want) < 0 {
		return Reject(ReasonInvalidAmount, "paid %s, required %s", v.Amount, want)
	}
	return nil
}

func isOpen(s State) bool {
	return s == StateChallenged || s == StateVerifying || s == StateRejected
}

// newNonce returns a random bytes32 as 0x-hex, usable as an EIP-3009 nonce.
func newNonce() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-reward-gate/internal/payment"
)

// BalanceReader reads an ERC-20 balance. chain.Client implements it.
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

// Local verifies proofs in-process: it checks the EIP-3009 authorization
// against the challenge and recovers the payer from the EIP-712 signature.
// Settlement of the transfer itself is left to whoever holds the
// authorization.
type Local struct {
	chainID  *big.Int
	balances BalanceReader // optional
	now      func() time.Time
	log      *zap.Logger
}

func NewLocal(chainID *big.Int, balances BalanceReader, log *zap.Logger) *Local {
	return &Local{chainID: chainID, balances: balances, now: time.Now, log: log}
}

// WithClock overrides the clock (tests).
func (l *Local) WithClock(now func() time.Time) *Local {
	l.now = now
	return l
}

func (l *Local) Verify(ctx context.Context, p *payment.Proof, req payment.Requirements) (*payment.Verification, error) {
	if p.X402Version != payment.X402Version {
		return nil, payment.Reject(payment.ReasonInvalidProof, "unsupported x402Version %d", p.X402Version)
	}
	if p.Scheme != payment.SchemeExact || req.Scheme != payment.SchemeExact {
		return nil, payment.Reject(payment.ReasonInvalidScheme, "scheme %q", p.Scheme)
	}
	if p.Network != req.Network {
		return nil, payment.Reject(payment.ReasonInvalidNetwork, "network %q, want %q", p.Network, req.Network)
	}

	a := p.Payload.Authorization
	if !strings.EqualFold(a.Nonce, req.Nonce) {
		return nil, payment.Reject(payment.ReasonNonceMismatch, "authorization nonce does not match challenge")
	}
	if !common.IsHexAddress(a.From) || !common.IsHexAddress(a.To) {
		return nil, payment.Reject(payment.ReasonInvalidProof, "malformed from/to address")
	}
	if !strings.EqualFold(a.To, req.Recipient) {
		return nil, payment.Reject(payment.ReasonInvalidRecipient, "pays %s, want %s", a.To, req.Recipient)
	}

	value, ok := parseUint256(a.Value)
	if !ok {
		return nil, payment.Reject(payment.ReasonInvalidProof, "malformed value %q", a.Value)
	}
	want, ok := req.AmountInt()
	if !ok {
		return nil, fmt.Errorf("requirement amount %q is not an integer", req.Amount)
	}
	if value.Cmp(want) < 0 {
		return nil, payment.Reject(payment.ReasonInvalidAmount, "value %s below %s", value, want)
	}

	validAfter, ok1 := parseUint256(a.ValidAfter)
	validBefore, ok2 := parseUint256(a.ValidBefore)
	if !ok1 || !ok2 {
		return nil, payment.Reject(payment.ReasonInvalidProof, "malformed validity window")
	}
	now := big.NewInt(l.now().Unix())
	if now.Cmp(validAfter) < 0 || now.Cmp(validBefore) >= 0 {
		return nil, payment.Reject(payment.ReasonAuthorizationExpired, "valid %s..%s, now %s", validAfter, validBefore, now)
	}

	nonce, ok := parseBytes32(a.Nonce)
	if !ok {
		return nil, payment.Reject(payment.ReasonInvalidProof, "nonce is not bytes32")
	}
	if req.Extra == nil || req.Extra.Name == "" {
		return nil, fmt.Errorf("requirement for %s carries no token domain", req.Resource)
	}
	t := &Transfer{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}
	d := Domain{
		Name:    req.Extra.Name,
		Version: req.Extra.Version,
		ChainID: l.chainID,
		Token:   common.HexToAddress(req.Asset),
	}
	sig := common.FromHex(p.Payload.Signature)
	signer, err := Recover(t, d, sig)
	if err != nil || signer != t.From {
		return nil, payment.Reject(payment.ReasonInvalidSignature, "signature does not match from")
	}

	if l.balances != nil {
		bal, err := l.balances.BalanceOf(ctx, d.Token, t.From)
		if err != nil {
			return nil, fmt.Errorf("read payer balance: %w", err)
		}
		if bal.Cmp(value) < 0 {
			return nil, payment.Reject(payment.ReasonInsufficientFunds, "balance %s below %s", bal, value)
		}
	}

	digest := Digest(t, d)
	l.log.Debug("authorization verified",
		zap.String("payer", t.From.Hex()),
		zap.String("value", value.String()),
		zap.String("nonce", req.Nonce),
	)
	return &payment.Verification{
		Payer:       strings.ToLower(t.From.Hex()),
		Amount:      value,
		TxReference: common.Hash(digest).Hex(),
	}, nil
}

package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Header names of the 402 protocol.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	SchemeExact = "exact"
	X402Version = 1
)

// State of a challenge.
type State string

const (
	StateChallenged State = "CHALLENGED"
	StateVerifying  State = "VERIFYING"
	StateAdmitted   State = "ADMITTED"
	StateRejected   State = "REJECTED"
	StateExpired    State = "EXPIRED"
)

var (
	ErrUnknownResource        = errors.New("unknown resource")
	ErrChallengeNotFound      = errors.New("challenge not found")
	ErrChallengeExpired       = errors.New("challenge expired")
	ErrChallengeConsumed      = errors.New("challenge already consumed")
	ErrVerificationInProgress = errors.New("verification in progress")
	ErrVerifierUnavailable    = errors.New("payment verifier unavailable")
	ErrMalformedProof         = errors.New("malformed payment proof")
)

// Rejection reasons surfaced to the caller.
const (
	ReasonInsufficientFunds    = "insufficient_funds"
	ReasonInvalidSignature     = "invalid_signature"
	ReasonInvalidNetwork       = "invalid_network"
	ReasonInvalidScheme        = "invalid_scheme"
	ReasonInvalidAmount        = "invalid_amount"
	ReasonInvalidRecipient     = "invalid_recipient"
	ReasonAuthorizationExpired = "authorization_expired"
	ReasonNonceMismatch        = "nonce_mismatch"
	ReasonInvalidProof         = "invalid_proof"
)

// RejectedError is a verifier decision against the proof. The challenge stays
// open for a corrected proof until it expires.
type RejectedError struct {
	Reason string
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return "payment rejected: " + e.Reason
	}
	return "payment rejected: " + e.Reason + ": " + e.Detail
}

// Reject builds a *RejectedError.
func Reject(reason, format string, args ...any) *RejectedError {
	return &RejectedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsRejected unwraps a *RejectedError.
func AsRejected(err error) (*RejectedError, bool) {
	var re *RejectedError
	ok := errors.As(err, &re)
	return re, ok
}

// AssetInfo carries the EIP-712 domain of the payment token.
type AssetInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Requirements is one entry of the 402 "accepts" list.
type Requirements struct {
	Scheme            string     `json:"scheme"`
	Network           string     `json:"network"`
	Resource          string     `json:"resource"`
	Description       string     `json:"description,omitempty"`
	Amount            string     `json:"amount"`
	Asset             string     `json:"asset"`
	Recipient         string     `json:"recipient"`
	Nonce             string     `json:"nonce"`
	MaxTimeoutSeconds int64      `json:"maxTimeoutSeconds"`
	ExpiresAt         int64      `json:"expiresAt"`
	Extra             *AssetInfo `json:"extra,omitempty"`
}

// AmountInt parses Amount.
func (r Requirements) AmountInt() (*big.Int, bool) {
	return new(big.Int).SetString(r.Amount, 10)
}

// Authorization is an EIP-3009 transferWithAuthorization message.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Proof is the decoded X-PAYMENT header.
type Proof struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`

	Raw string `json:"-"`
}

// Nonce is the challenge nonce the proof claims to pay, lower-cased.
func (p *Proof) Nonce() string {
	return strings.ToLower(p.Payload.Authorization.Nonce)
}

// DecodeProof parses a base64 (std or url) JSON X-PAYMENT header value.
func DecodeProof(header string) (*Proof, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("%w: empty header", ErrMalformedProof)
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(header, "=")); err != nil {
			return nil, fmt.Errorf("%w: not base64", ErrMalformedProof)
		}
	}
	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if p.Payload.Authorization.Nonce == "" {
		return nil, fmt.Errorf("%w: missing nonce", ErrMalformedProof)
	}
	p.Raw = header
	return &p, nil
}

// EncodeProof is the inverse of DecodeProof.
func EncodeProof(p *Proof) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Verification is what a facilitator reports for an accepted proof.
type Verification struct {
	Payer       string
	Amount      *big.Int
	TxReference string
}

// Verifier checks a proof against the requirements it claims to satisfy.
// Rejections are *RejectedError; any other error is a transport failure.
type Verifier interface {
	Verify(ctx context.Context, proof *Proof, req Requirements) (*Verification, error)
}

// Challenge is one issued payment requirement and its protocol state.
type Challenge struct {
	Nonce        string
	Identity     string
	Resource     string
	Description  string
	Amount       string
	Asset        string
	AssetName    string
	AssetVersion string
	Recipient    string
	Network      string
	State        State
	LastReason   string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Requirements renders the challenge as a 402 accepts entry.
func (c *Challenge) Requirements(now time.Time) Requirements {
	remaining := int64(c.ExpiresAt.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	r := Requirements{
		Scheme:            SchemeExact,
		Network:           c.Network,
		Resource:          c.Resource,
		Description:       c.Description,
		Amount:            c.Amount,
		Asset:             c.Asset,
		Recipient:         c.Recipient,
		Nonce:             c.Nonce,
		MaxTimeoutSeconds: remaining,
		ExpiresAt:         c.ExpiresAt.Unix(),
	}
	if c.AssetName != "" {
		r.Extra = &AssetInfo{Name: c.AssetName, Version: c.AssetVersion}
	}
	return r
}

// Receipt is the local copy of a verified payment. Immutable.
type Receipt struct {
	Nonce       string    `json:"nonce"`
	Identity    string    `json:"identity"`
	Resource    string    `json:"resource"`
	Payer       string    `json:"payer"`
	Amount      string    `json:"amount"`
	TxReference string    `json:"tx_reference"`
	ProofHash   string    `json:"proof_hash"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// Admission is the result of a successful SubmitPayment.
type Admission struct {
	Challenge      *Challenge
	Receipt        *Receipt
	ResponseHeader string
}

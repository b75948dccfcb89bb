package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-reward-gate/internal/payment"
)

// wireRequirements is the facilitator's view of a payment requirement.
type wireRequirements struct {
	Scheme            string             `json:"scheme"`
	Network           string             `json:"network"`
	MaxAmountRequired string             `json:"maxAmountRequired"`
	Resource          string             `json:"resource"`
	Description       string             `json:"description"`
	MimeType          string             `json:"mimeType"`
	PayTo             string             `json:"payTo"`
	MaxTimeoutSeconds int64              `json:"maxTimeoutSeconds"`
	Asset             string             `json:"asset"`
	Extra             *payment.AssetInfo `json:"extra,omitempty"`
}

type wireRequest struct {
	X402Version         int              `json:"x402Version"`
	PaymentPayload      *payment.Proof   `json:"paymentPayload"`
	PaymentRequirements wireRequirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason"`
	Payer         string `json:"payer"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// DefaultSettleTimeout bounds a /settle call.
const DefaultSettleTimeout = time.Minute

// Remote delegates verification and settlement to an x402 facilitator
// service: /verify checks the authorization, /settle submits it on-chain.
type Remote struct {
	baseURL       string
	http          *http.Client
	settleTimeout time.Duration
	log           *zap.Logger
}

func NewRemote(baseURL string, log *zap.Logger) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Deadlines come from the per-call contexts.
		http:          &http.Client{},
		settleTimeout: DefaultSettleTimeout,
		log:           log,
	}
}

// WithSettleTimeout overrides the /settle deadline.
func (c *Remote) WithSettleTimeout(d time.Duration) *Remote {
	if d > 0 {
		c.settleTimeout = d
	}
	return c
}

func (c *Remote) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Facilitators answer 400 with a JSON body for invalid payloads.
	if resp.StatusCode >= 500 || (resp.StatusCode >= 300 && resp.StatusCode != http.StatusBadRequest) {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return fmt.Errorf("facilitator %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("facilitator %s: decode: %w", path, err)
	}
	return nil
}

func (c *Remote) Verify(ctx context.Context, p *payment.Proof, req payment.Requirements) (*payment.Verification, error) {
	want, ok := req.AmountInt()
	if !ok {
		return nil, fmt.Errorf("requirement amount %q is not an integer", req.Amount)
	}
	body := wireRequest{
		X402Version:    payment.X402Version,
		PaymentPayload: p,
		PaymentRequirements: wireRequirements{
			Scheme:            req.Scheme,
			Network:           req.Network,
			MaxAmountRequired: req.Amount,
			Resource:          req.Resource,
			Description:       req.Description,
			MimeType:          "application/json",
			PayTo:             req.Recipient,
			MaxTimeoutSeconds: req.MaxTimeoutSeconds,
			Asset:             req.Asset,
			Extra:             req.Extra,
		},
	}

	var vr verifyResponse
	if err := c.post(ctx, "/verify", body, &vr); err != nil {
		return nil, err
	}
	if !vr.IsValid {
		return nil, payment.Reject(mapReason(vr.InvalidReason), "%s", vr.InvalidReason)
	}

	// Once sent, the transfer may land on-chain and the authorization cannot
	// be verified again, so /settle is not bound by the caller's deadline.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.settleTimeout)
	defer cancel()
	var sr settleResponse
	if err := c.post(sctx, "/settle", body, &sr); err != nil {
		return nil, err
	}
	if !sr.Success {
		return nil, payment.Reject(mapReason(sr.ErrorReason), "settle: %s", sr.ErrorReason)
	}
	payer := sr.Payer
	if payer == "" {
		payer = vr.Payer
	}
	c.log.Debug("facilitator settled",
		zap.String("payer", payer),
		zap.String("tx", sr.Transaction),
		zap.String("nonce", req.Nonce),
	)
	// The exact scheme transfers the authorized value; the gate compares it
	// against the requirement.
	amount, ok := parseUint256(p.Payload.Authorization.Value)
	if !ok {
		amount = want
	}
	return &payment.Verification{Payer: payer, Amount: amount, TxReference: sr.Transaction}, nil
}

// mapReason folds facilitator reason codes onto the gate's rejection reasons.
func mapReason(r string) string {
	r = strings.ToLower(r)
	switch {
	case strings.Contains(r, "insufficient_funds"):
		return payment.ReasonInsufficientFunds
	case strings.Contains(r, "signature"):
		return payment.ReasonInvalidSignature
	case strings.Contains(r, "network"):
		return payment.ReasonInvalidNetwork
	case strings.Contains(r, "scheme"):
		return payment.ReasonInvalidScheme
	case strings.Contains(r, "recipient"):
		return payment.ReasonInvalidRecipient
	case strings.Contains(r, "valid_before"), strings.Contains(r, "valid_after"), strings.Contains(r, "expired"):
		return payment.ReasonAuthorizationExpired
	case strings.Contains(r, "value"), strings.Contains(r, "amount"):
		return payment.ReasonInvalidAmount
	case strings.Contains(r, "nonce"):
		return payment.ReasonNonceMismatch
	default:
		return payment.ReasonInvalidProof
	}
}

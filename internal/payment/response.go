package payment

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-reward-gate/internal/auth"
)

// SettlementResponse is the JSON inside X-PAYMENT-RESPONSE.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
	Nonce       string `json:"nonce"`
	VerifiedAt  int64  `json:"verifiedAt"`
	Signer      string `json:"signer,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// ResponseSigner signs settlement responses with the service key (EIP-191)
// so clients can show a receipt the service cannot later disown. A nil
// signer emits unsigned responses.
type ResponseSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewResponseSigner(key *ecdsa.PrivateKey) *ResponseSigner {
	return &ResponseSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address is the signing address, or the zero address for a nil signer.
func (s *ResponseSigner) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.addr
}

// Encode renders r as a base64 X-PAYMENT-RESPONSE value.
func (s *ResponseSigner) Encode(r *Receipt, network string) (string, error) {
	resp := SettlementResponse{
		Success:     true,
		Transaction: r.TxReference,
		Network:     network,
		Payer:       r.Payer,
		Nonce:       r.Nonce,
		VerifiedAt:  r.VerifiedAt.Unix(),
	}
	if s != nil {
		msg, err := json.Marshal(resp)
		if err != nil {
			return "", fmt.Errorf("marshal settlement response: %w", err)
		}
		sig, err := crypto.Sign(auth.HashMessage(msg), s.key)
		if err != nil {
			return "", fmt.Errorf("sign settlement response: %w", err)
		}
		sig[64] += 27
		resp.Signer = s.addr.Hex()
		resp.Signature = "0x" + hex.EncodeToString(sig)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("marshal settlement response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeResponse parses an X-PAYMENT-RESPONSE value and, when signed,
// returns the recovered signer.
func DecodeResponse(header string) (*SettlementResponse, common.Address, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("decode payment response: %w", err)
	}
	var resp SettlementResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, common.Address{}, fmt.Errorf("unmarshal payment response: %w", err)
	}
	if resp.Signature == "" {
		return &resp, common.Address{}, nil
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(resp.Signature, "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("signature hex: %w", err)
	}
	unsigned := resp
	unsigned.Signer, unsigned.Signature = "", ""
	msg, _ := json.Marshal(unsigned)
	addr, err := auth.Recover(msg, sig)
	if err != nil {
		return nil, common.Address{}, err
	}
	return &resp, addr, nil
}

package facilitator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-reward-gate/internal/payment"
)

var (
	testChainID   = big.NewInt(84532)
	testToken     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testRecipient = common.HexToAddress("0x000000000000000000000000000000000000bEEF")
	testNow       = time.Unix(1_780_000_000, 0)
	testNonce     = "0x" + strings.Repeat("ab", 32)
)

func testRequirements() payment.Requirements {
	return payment.Requirements{
		Scheme:    payment.SchemeExact,
		Network:   "base-sepolia",
		Resource:  "spin",
		Amount:    "100000",
		Asset:     testToken.Hex(),
		Recipient: strings.ToLower(testRecipient.Hex()),
		Nonce:     testNonce,
		Extra:     &payment.AssetInfo{Name: "USD Coin", Version: "2"},
	}
}

// signedProof builds a proof for testRequirements signed by key; mutate
// adjusts the transfer before signing.
func signedProof(t *testing.T, key *ecdsa.PrivateKey, mutate func(*Transfer)) *payment.Proof {
	t.Helper()
	nonce, _ := parseBytes32(testNonce)
	tr := &Transfer{
		From:        crypto.PubkeyToAddress(key.PublicKey),
		To:          testRecipient,
		Value:       big.NewInt(100000),
		ValidAfter:  big.NewInt(testNow.Unix() - 60),
		ValidBefore: big.NewInt(testNow.Unix() + 300),
		Nonce:       nonce,
	}
	if mutate != nil {
		mutate(tr)
	}
	d := Domain{Name: "USD Coin", Version: "2", ChainID: testChainID, Token: testToken}
	sig, err := Sign(tr, d, key)
	if err != nil {
		t.Fatal(err)
	}
	return &payment.Proof{
		X402Version: payment.X402Version,
		Scheme:      payment.SchemeExact,
		Network:     "base-sepolia",
		Payload: payment.ExactPayload{
			Signature: hexutil.Encode(sig),
			Authorization: payment.Authorization{
				From:        tr.From.Hex(),
				To:          tr.To.Hex(),
				Value:       tr.Value.String(),
				ValidAfter:  tr.ValidAfter.String(),
				ValidBefore: tr.ValidBefore.String(),
				Nonce:       hexutil.Encode(tr.Nonce[:]),
			},
		},
	}
}

type fakeBalances struct {
	bal *big.Int
	err error
}

func (f *fakeBalances) BalanceOf(_ context.Context, token, _ common.Address) (*big.Int, error) {
	if token != testToken {
		return nil, errors.New("unexpected token")
	}
	return f.bal, f.err
}

func newLocal(b BalanceReader) *Local {
	return NewLocal(testChainID, b, zap.NewNop()).WithClock(func() time.Time { return testNow })
}

// ── EIP-712 ───────────────────────────────────────────────────────────────────

func TestSignRecover_RoundTrip(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tr := &Transfer{
		From: crypto.PubkeyToAddress(key.PublicKey), To: testRecipient,
		Value: big.NewInt(1), ValidAfter: big.NewInt(0), ValidBefore: big.NewInt(10),
	}
	d := Domain{Name: "USD Coin", Version: "2", ChainID: testChainID, Token: testToken}
	sig, err := Sign(tr, d, key)
	if err != nil {
		t.Fatal(err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Errorf("V: got %d, want 27 or 28", sig[64])
	}
	got, err := Recover(tr, d, sig)
	if err != nil || got != tr.From {
		t.Fatalf("Recover: got %s, %v", got.Hex(), err)
	}

	// Another chain id must change the digest.
	other := d
	other.ChainID = big.NewInt(1)
	if Digest(tr, d) == Digest(tr, other) {
		t.Error("digest ignores chain id")
	}
}

// ── Local.Verify ──────────────────────────────────────────────────────────────

func TestLocal_Accepts(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v, err := newLocal(&fakeBalances{bal: big.NewInt(1_000_000)}).
		Verify(context.Background(), signedProof(t, key, nil), testRequirements())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if want := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()); v.Payer != want {
		t.Errorf("Payer: got %s want %s", v.Payer, want)
	}
	if v.Amount.Cmp(big.NewInt(100000)) != 0 {
		t.Errorf("Amount: got %s", v.Amount)
	}
	if len(v.TxReference) != 66 {
		t.Errorf("TxReference should be a 32-byte hash, got %q", v.TxReference)
	}
}

func TestLocal_Rejections(t *testing.T) {
	key, _ := crypto.GenerateKey()
	cases := []struct {
		name   string
		proof  func() *payment.Proof
		bal    *big.Int
		reason string
	}{
		{"wrong scheme", func() *payment.Proof {
			p := signedProof(t, key, nil)
			p.Scheme = "upto"
			return p
		}, nil, payment.ReasonInvalidScheme},
		{"wrong network", func() *payment.Proof {
			p := signedProof(t, key, nil)
			p.Network = "base"
			return p
		}, nil, payment.ReasonInvalidNetwork},
		{"other nonce", func() *payment.Proof {
			return signedProof(t, key, func(tr *Transfer) { tr.Nonce[0] = 0x01 })
		}, nil, payment.ReasonNonceMismatch},
		{"wrong recipient", func() *payment.Proof {
			return signedProof(t, key, func(tr *Transfer) { tr.To = common.HexToAddress("0x01") })
		}, nil, payment.ReasonInvalidRecipient},
		{"underpaid", func() *payment.Proof {
			return signedProof(t, key, func(tr *Transfer) { tr.Value = big.NewInt(99999) })
		}, nil, payment.ReasonInvalidAmount},
		{"not yet valid", func() *payment.Proof {
			return signedProof(t, key, func(tr *Transfer) { tr.ValidAfter = big.NewInt(testNow.Unix() + 1) })
		}, nil, payment.ReasonAuthorizationExpired},
		{"expired", func() *payment.Proof {
			return signedProof(t, key, func(tr *Transfer) { tr.ValidBefore = big.NewInt(testNow.Unix()) })
		}, nil, payment.ReasonAuthorizationExpired},
		{"tampered value", func() *payment.Proof {
			p := signedProof(t, key, nil)
			p.Payload.Authorization.Value = "200000"
			return p
		}, nil, payment.ReasonInvalidSignature},
		{"forged from", func() *payment.Proof {
			p := signedProof(t, key, nil)
			p.Payload.Authorization.From = "0x1111111111111111111111111111111111111111"
			return p
		}, nil, payment.ReasonInvalidSignature},
		{"empty balance", func() *payment.Proof {
			return signedProof(t, key, nil)
		}, big.NewInt(5), payment.ReasonInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var b BalanceReader
			if tc.bal != nil {
				b = &fakeBalances{bal: tc.bal}
			}
			_, err := newLocal(b).Verify(context.Background(), tc.proof(), testRequirements())
			re, ok := payment.AsRejected(err)
			if !ok {
				t.Fatalf("expected rejection, got %v", err)
			}
			if re.Reason != tc.reason {
				t.Errorf("reason: got %s want %s (%s)", re.Reason, tc.reason, re.Detail)
			}
		})
	}
}

func TestLocal_BalanceReadFailureIsTransport(t *testing.T) {
	key, _ := crypto.GenerateKey()
	_, err := newLocal(&fakeBalances{err: errors.New("rpc down")}).
		Verify(context.Background(), signedProof(t, key, nil), testRequirements())
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := payment.AsRejected(err); ok {
		t.Fatal("an RPC failure must not be reported as a rejection")
	}
}

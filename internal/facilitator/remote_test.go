package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-reward-gate/internal/payment"
)

func mockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemote_VerifyThenSettle(t *testing.T) {
	key, _ := crypto.GenerateKey()
	proof := signedProof(t, key, nil)

	var mu sync.Mutex
	var paths []string
	var gotReq wireRequest
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		json.NewDecoder(r.Body).Decode(&gotReq) //nolint:errcheck
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(verifyResponse{IsValid: true, Payer: proof.Payload.Authorization.From})
		case "/settle":
			json.NewEncoder(w).Encode(settleResponse{Success: true, Transaction: "0xfeed", Network: "base-sepolia"})
		}
	})

	v, err := NewRemote(srv.URL+"/", zap.NewNop()).Verify(context.Background(), proof, testRequirements())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/verify" || paths[1] != "/settle" {
		t.Errorf("paths: got %v", paths)
	}
	if v.TxReference != "0xfeed" || v.Payer != proof.Payload.Authorization.From {
		t.Errorf("verification: %+v", v)
	}
	if v.Amount.String() != "100000" {
		t.Errorf("Amount: got %s", v.Amount)
	}
	if gotReq.PaymentRequirements.PayTo != testRequirements().Recipient ||
		gotReq.PaymentRequirements.MaxAmountRequired != "100000" {
		t.Errorf("requirements sent: %+v", gotReq.PaymentRequirements)
	}
	if gotReq.PaymentPayload.Payload.Authorization.Nonce != testNonce {
		t.Errorf("payload nonce: got %s", gotReq.PaymentPayload.Payload.Authorization.Nonce)
	}
}

func TestRemote_InvalidMapsToRejection(t *testing.T) {
	key, _ := crypto.GenerateKey()
	settled := false
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/settle" {
			settled = true
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(verifyResponse{IsValid: false, InvalidReason: "insufficient_funds"})
	})

	_, err := NewRemote(srv.URL, zap.NewNop()).Verify(context.Background(), signedProof(t, key, nil), testRequirements())
	re, ok := payment.AsRejected(err)
	if !ok || re.Reason != payment.ReasonInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}
	if settled {
		t.Error("settle must not run after a failed verify")
	}
}

func TestRemote_ServerErrorIsTransport(t *testing.T) {
	key, _ := crypto.GenerateKey()
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := NewRemote(srv.URL, zap.NewNop()).Verify(context.Background(), signedProof(t, key, nil), testRequirements())
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := payment.AsRejected(err); ok {
		t.Fatal("a 502 must not be reported as a rejection")
	}
}

// slowSettle answers /verify at once and /settle after delay.
func slowSettle(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	return mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/verify" {
			json.NewEncoder(w).Encode(verifyResponse{IsValid: true})
			return
		}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		json.NewEncoder(w).Encode(settleResponse{Success: true, Transaction: "0xslow"})
	})
}

func TestRemote_SettleOutlivesCallerDeadline(t *testing.T) {
	key, _ := crypto.GenerateKey()
	srv := slowSettle(t, 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	v, err := NewRemote(srv.URL, zap.NewNop()).Verify(ctx, signedProof(t, key, nil), testRequirements())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.TxReference != "0xslow" {
		t.Errorf("TxReference: got %s", v.TxReference)
	}
}

func TestRemote_SettleTimeoutBounds(t *testing.T) {
	key, _ := crypto.GenerateKey()
	srv := slowSettle(t, 2*time.Second)

	r := NewRemote(srv.URL, zap.NewNop()).WithSettleTimeout(50 * time.Millisecond)
	start := time.Now()
	_, err := r.Verify(context.Background(), signedProof(t, key, nil), testRequirements())
	if err == nil {
		t.Fatal("expected a settle timeout")
	}
	if _, ok := payment.AsRejected(err); ok {
		t.Fatal("a settle timeout must not be reported as a rejection")
	}
	if time.Since(start) > time.Second {
		t.Errorf("settle ran past its timeout: %v", time.Since(start))
	}
}

func TestMapReason(t *testing.T) {
	cases := map[string]string{
		"insufficient_funds":                                   payment.ReasonInsufficientFunds,
		"invalid_exact_evm_payload_signature":                  payment.ReasonInvalidSignature,
		"invalid_network":                                      payment.ReasonInvalidNetwork,
		"unsupported_scheme":                                   payment.ReasonInvalidScheme,
		"invalid_exact_evm_payload_recipient_mismatch":         payment.ReasonInvalidRecipient,
		"invalid_exact_evm_payload_authorization_valid_before": payment.ReasonAuthorizationExpired,
		"invalid_exact_evm_payload_authorization_value":        payment.ReasonInvalidAmount,
		"something_else":                                       payment.ReasonInvalidProof,
	}
	for in, want := range cases {
		if got := mapReason(in); got != want {
			t.Errorf("mapReason(%q): got %s want %s", in, got, want)
		}
	}
}

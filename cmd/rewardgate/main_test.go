package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-reward-gate/internal/chain"
	"github.com/0gfoundation/0g-reward-gate/internal/config"
	"github.com/0gfoundation/0g-reward-gate/internal/engine"
	"github.com/0gfoundation/0g-reward-gate/internal/facilitator"
	"github.com/0gfoundation/0g-reward-gate/internal/health"
	"github.com/0gfoundation/0g-reward-gate/internal/ledger"
	"github.com/0gfoundation/0g-reward-gate/internal/payment"
	"github.com/0gfoundation/0g-reward-gate/internal/quota"
	"github.com/0gfoundation/0g-reward-gate/internal/reward"
	"github.com/0gfoundation/0g-reward-gate/internal/settlement"
)

func init() { gin.SetMode(gin.TestMode) }

// ── helpers ───────────────────────────────────────────────────────────────────

type staticOracle struct{}

func (staticOracle) Eligibility(context.Context, string) (chain.Eligibility, error) {
	return chain.Eligibility{}, nil
}

type refuseVerifier struct{}

func (refuseVerifier) Verify(context.Context, *payment.Proof, payment.Requirements) (*payment.Verification, error) {
	return nil, errors.New("not reachable in these tests")
}

type noLedger struct{}

func (noLedger) AddXP(context.Context, ledger.Credit, string) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Gate: config.GateConfig{
			Resource:        "spin",
			Amount:          "100000",
			Asset:           "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Recipient:       "0x000000000000000000000000000000000000beef",
			Network:         "base-sepolia",
			ChallengeTTLSec: 300,
		},
		Rewards: config.RewardsConfig{
			Segments: []config.SegmentConfig{
				{ID: 0, Label: "100 XP", PayoutBase: 100, Weight: 9},
				{ID: 1, Label: "JACKPOT", PayoutBase: 50000, Weight: 1, IsJackpot: true},
			},
		},
		Chain: config.ChainConfig{ChainID: 84532},
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := zap.NewNop()
	cfg := testConfig()

	table, err := rewardTable(cfg.Rewards.Segments)
	if err != nil {
		t.Fatal(err)
	}
	gate := payment.NewGate(rdb, refuseVerifier{}, []payment.Policy{gatePolicy(cfg.Gate)}, nil, time.Second, log)
	writer := settlement.NewWriter(rdb, noLedger{}, settlement.NewPolicy(0.1, 10), time.Second, log)
	eng := engine.New(gate, quota.NewLedger(rdb), reward.NewSelector(table, nil), writer, staticOracle{}, "spin", 3, log)

	return newRouter(nil, rdb, eng, health.New(rdb, log), log), mr
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// ── Router ────────────────────────────────────────────────────────────────────

func TestRouter_Healthz(t *testing.T) {
	r, mr := newTestRouter(t)
	if w := get(r, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", w.Code)
	}
	mr.Close()
	if w := get(r, "/healthz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz with redis down: expected 503, got %d", w.Code)
	}
}

func TestRouter_SegmentsArePublic(t *testing.T) {
	r, _ := newTestRouter(t)
	w := get(r, "/api/reward/segments")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "JACKPOT") {
		t.Errorf("segments: %d %s", w.Code, w.Body)
	}
}

func TestRouter_SpinRequiresWalletSignature(t *testing.T) {
	r, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/reward/spin", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned spin: expected 401, got %d", w.Code)
	}
	if w := get(r, "/api/reward/quota"); w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned quota: expected 401, got %d", w.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	r, _ := newTestRouter(t)
	get(r, "/api/reward/segments")
	w := get(r, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `http_requests_total{method="GET",path="/api/reward/segments",status="200"}`) {
		t.Error("expected the segments request to be counted")
	}
}

// ── Wiring helpers ────────────────────────────────────────────────────────────

func TestRewardTable(t *testing.T) {
	table, err := rewardTable(testConfig().Rewards.Segments)
	if err != nil {
		t.Fatal(err)
	}
	if p := table.Probability(1); p != 0.1 {
		t.Errorf("jackpot probability: got %v want 0.1", p)
	}

	_, err = rewardTable([]config.SegmentConfig{{ID: 0, Label: "zero", Weight: 0}})
	if !errors.Is(err, reward.ErrSelectorFault) {
		t.Errorf("zero weight: expected ErrSelectorFault, got %v", err)
	}
}

func TestGatePolicy(t *testing.T) {
	p := gatePolicy(testConfig().Gate)
	if p.Amount.String() != "100000" || p.TTL != 5*time.Minute || p.Resource != "spin" {
		t.Errorf("policy: %+v", p)
	}
}

func TestResponseSigner(t *testing.T) {
	s, err := responseSigner("")
	if err != nil || s != nil {
		t.Errorf("empty key: got %v, %v", s, err)
	}
	if _, err := responseSigner("0xnothex"); err == nil {
		t.Error("expected error for malformed key")
	}

	key, _ := crypto.GenerateKey()
	s, err = responseSigner(hexutil.Encode(crypto.FromECDSA(key)))
	if err != nil {
		t.Fatal(err)
	}
	if s.Address() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("signer address mismatch")
	}
}

func TestNewVerifier(t *testing.T) {
	cfg := testConfig()
	if _, ok := newVerifier(cfg, nil, zap.NewNop()).(*facilitator.Local); !ok {
		t.Error("expected the in-process verifier without FACILITATOR_URL")
	}
	cfg.Gate.FacilitatorURL = "http://facilitator.local"
	if _, ok := newVerifier(cfg, nil, zap.NewNop()).(*facilitator.Remote); !ok {
		t.Error("expected the remote verifier with FACILITATOR_URL")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-reward-gate/internal/api"
	"github.com/0gfoundation/0g-reward-gate/internal/auth"
	"github.com/0gfoundation/0g-reward-gate/internal/chain"
	"github.com/0gfoundation/0g-reward-gate/internal/config"
	"github.com/0gfoundation/0g-reward-gate/internal/engine"
	"github.com/0gfoundation/0g-reward-gate/internal/facilitator"
	"github.com/0gfoundation/0g-reward-gate/internal/health"
	"github.com/0gfoundation/0g-reward-gate/internal/ledger"
	"github.com/0gfoundation/0g-reward-gate/internal/metrics"
	"github.com/0gfoundation/0g-reward-gate/internal/payment"
	"github.com/0gfoundation/0g-reward-gate/internal/quota"
	"github.com/0gfoundation/0g-reward-gate/internal/reward"
	"github.com/0gfoundation/0g-reward-gate/internal/settlement"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain oracle (holder NFT + admin wallets) ─────────────────────────────
	onchain, err := chain.Dial(cfg.Chain)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	defer onchain.Close()

	// ── Payment gate ──────────────────────────────────────────────────────────
	signer, err := responseSigner(cfg.Chain.ReceiptKey)
	if err != nil {
		log.Fatal("invalid RECEIPT_SIGNING_KEY", zap.Error(err))
	}
	if signer == nil {
		log.Warn("RECEIPT_SIGNING_KEY not set, X-PAYMENT-RESPONSE will be unsigned")
	}
	gate := payment.NewGate(rdb, newVerifier(cfg, onchain, log), []payment.Policy{gatePolicy(cfg.Gate)},
		signer, cfg.Gate.VerifyTimeout(), log)
	if cfg.Gate.FacilitatorURL != "" {
		gate.WithSettleWindow(cfg.Gate.SettleTimeout())
	}

	// ── Reward table ──────────────────────────────────────────────────────────
	// A bad table does not stop the service: spins fail closed while quota and
	// outcome reads keep working.
	var selector *reward.Selector
	if table, err := rewardTable(cfg.Rewards.Segments); err != nil {
		metrics.SelectorFaults.Inc()
		log.Error("reward table rejected, spins disabled", zap.Error(err))
	} else {
		selector = reward.NewSelector(table, nil)
	}

	// ── Settlement + ledger outbox ────────────────────────────────────────────
	writer := settlement.NewWriter(
		rdb,
		ledger.NewClient(cfg.Ledger.APIURL, cfg.Ledger.APIKey, cfg.Ledger.Timeout()),
		settlement.NewPolicy(cfg.Rewards.MultiplierStep, cfg.Rewards.MultiplierCap),
		cfg.Ledger.Timeout(),
		log,
	)

	eng := engine.New(gate, quota.NewLedger(rdb), selector, writer, onchain,
		cfg.Gate.Resource, cfg.Quota.DailyLimit, log)

	// ── Goroutines ────────────────────────────────────────────────────────────
	checker := health.New(rdb, log)
	go checker.Run(ctx, 10*time.Second)
	go writer.RunRetrier(ctx, cfg.Ledger.RetryInterval())
	if cfg.Server.GRPCPort > 0 {
		go func() {
			if err := checker.Serve(ctx, cfg.Server.GRPCPort); err != nil {
				log.Error("gRPC health server error", zap.Error(err))
			}
		}()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: newRouter(cfg.Server.AllowedOrigins, rdb, eng, checker, log),
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func newRouter(origins []string, rdb *redis.Client, eng *engine.Engine, checker *health.Checker, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), metrics.HTTP(), api.CORS(origins))

	r.GET("/healthz", func(c *gin.Context) {
		if err := checker.Check(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	public := r.Group("/api")
	authed := r.Group("/api", auth.Middleware(rdb))
	api.NewHandler(eng, log).Register(public, authed)
	return r
}

// newVerifier picks the remote facilitator when one is configured and the
// in-process EIP-3009 verifier otherwise.
func newVerifier(cfg *config.Config, balances *chain.Client, log *zap.Logger) payment.Verifier {
	if cfg.Gate.FacilitatorURL != "" {
		log.Info("payment verification via facilitator", zap.String("url", cfg.Gate.FacilitatorURL))
		return facilitator.NewRemote(cfg.Gate.FacilitatorURL, log).WithSettleTimeout(cfg.Gate.SettleTimeout())
	}
	var br facilitator.BalanceReader
	if cfg.Chain.CheckBalance && balances != nil {
		br = balances
	}
	log.Info("payment verification in-process",
		zap.Int64("chain_id", cfg.Chain.ChainID),
		zap.Bool("balance_check", br != nil),
	)
	return facilitator.NewLocal(big.NewInt(cfg.Chain.ChainID), br, log)
}

func gatePolicy(g config.GateConfig) payment.Policy {
	amount, _ := g.AmountInt() // validated by config.Load
	return payment.Policy{
		Resource:     g.Resource,
		Description:  g.Description,
		Amount:       amount,
		Asset:        g.Asset,
		AssetName:    g.AssetName,
		AssetVersion: g.AssetVersion,
		Recipient:    g.Recipient,
		Network:      g.Network,
		TTL:          g.ChallengeTTL(),
	}
}

func rewardTable(segs []config.SegmentConfig) (*reward.Table, error) {
	out := make([]reward.Segment, len(segs))
	for i, s := range segs {
		out[i] = reward.Segment{
			ID:         s.ID,
			Label:      s.Label,
			PayoutBase: s.PayoutBase,
			Weight:     s.Weight,
			IsJackpot:  s.IsJackpot,
		}
	}
	return reward.NewTable(out)
}

// responseSigner returns nil when no key is configured.
func responseSigner(keyHex string) (*payment.ResponseSigner, error) {
	keyHex = strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	if keyHex == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, err
	}
	return payment.NewResponseSigner(key), nil
}

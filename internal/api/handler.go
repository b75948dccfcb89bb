// Package api exposes the reward engine over HTTP.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-reward-gate/internal/auth"
	"github.com/0gfoundation/0g-reward-gate/internal/engine"
	"github.com/0gfoundation/0g-reward-gate/internal/payment"
	"github.com/0gfoundation/0g-reward-gate/internal/quota"
	"github.com/0gfoundation/0g-reward-gate/internal/reward"
	"github.com/0gfoundation/0g-reward-gate/internal/settlement"
)

const maxOutcomesPage = 100

// Handler wires the reward routes onto a Gin router group.
type Handler struct {
	eng *engine.Engine
	log *zap.Logger
}

func NewHandler(eng *engine.Engine, log *zap.Logger) *Handler {
	return &Handler{eng: eng, log: log}
}

// Register mounts the routes. authed must already carry auth.Middleware;
// public does not.
func (h *Handler) Register(public, authed *gin.RouterGroup) {
	public.GET("/reward/segments", h.handleSegments)

	authed.POST("/reward/spin", h.handleSpin)
	authed.GET("/reward/quota", h.handleQuota)
	authed.GET("/reward/outcomes", h.handleOutcomes)
	authed.GET("/reward/outcomes/:nonce", h.handleOutcome)
}

// ── Spin ─────────────────────────────────────────────────────────────────────

func (h *Handler) handleSpin(c *gin.Context) {
	identity := auth.Identity(c)

	var proof *payment.Proof
	if raw := c.GetHeader(payment.HeaderPayment); raw != "" {
		p, err := payment.DecodeProof(raw)
		if err != nil {
			h.log.Debug("malformed payment header", zap.String("identity", identity), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": payment.ReasonInvalidProof, "detail": err.Error()})
			return
		}
		proof = p
	}

	res, err := h.eng.Spin(c.Request.Context(), identity, proof)
	if err != nil {
		h.writeError(c, identity, err)
		return
	}

	if res.ResponseHeader != "" {
		c.Header(payment.HeaderPaymentResponse, res.ResponseHeader)
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"outcome": res.Outcome,
		"receipt": res.Receipt,
		"quota":   res.Quota,
	})
}

// writeError maps engine errors onto HTTP statuses. Payment and quota
// outcomes are part of normal traffic and stay below Error level.
func (h *Handler) writeError(c *gin.Context, identity string, err error) {
	var pr *engine.PaymentRequiredError
	var qe *quota.ExceededError
	switch {
	case errors.As(err, &pr):
		accepts := []payment.Requirements{}
		if pr.Challenge != nil {
			accepts = append(accepts, h.eng.Requirements(pr.Challenge))
		}
		h.log.Debug("payment required",
			zap.String("identity", identity),
			zap.String("reason", pr.Reason),
		)
		c.JSON(http.StatusPaymentRequired, gin.H{
			"x402Version": payment.X402Version,
			"error":       pr.Reason,
			"accepts":     accepts,
		})
	case errors.As(err, &qe):
		h.log.Info("quota exceeded", zap.String("identity", identity), zap.Int64("limit", qe.Limit))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":           "quota_exceeded",
			"limit":           qe.Limit,
			"next_reset_time": qe.NextReset,
		})
	case errors.Is(err, payment.ErrVerificationInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "verification_in_progress"})
	case errors.Is(err, payment.ErrVerifierUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verifier_unavailable"})
	case errors.Is(err, engine.ErrEligibilityUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "eligibility_unavailable"})
	case errors.Is(err, reward.ErrSelectorFault):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rewards_unavailable"})
	case errors.Is(err, engine.ErrSettlementFailed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement_failed"})
	default:
		h.log.Error("spin failed", zap.String("identity", identity), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// ── Read-only views ──────────────────────────────────────────────────────────

func (h *Handler) handleQuota(c *gin.Context) {
	qs, err := h.eng.Quota(c.Request.Context(), auth.Identity(c))
	if err != nil {
		if errors.Is(err, engine.ErrEligibilityUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "eligibility_unavailable"})
			return
		}
		h.log.Error("read quota", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, qs)
}

func (h *Handler) handleOutcomes(c *gin.Context) {
	limit := int64(20)
	if s := c.Query("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 || n > maxOutcomesPage {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}
	outs, err := h.eng.Outcomes(c.Request.Context(), auth.Identity(c), limit)
	if err != nil {
		h.log.Error("list outcomes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outs})
}

func (h *Handler) handleOutcome(c *gin.Context) {
	o, err := h.eng.OutcomeByNonce(c.Request.Context(), auth.Identity(c), c.Param("nonce"))
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		h.log.Error("get outcome", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) handleSegments(c *gin.Context) {
	segs, err := h.eng.Segments()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rewards_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"segments": segs})
}

package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Request headers carrying the wallet signature.
const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Wallet-Signature"
)

// IdentityKey is the gin context key holding the normalised wallet address.
const IdentityKey = "identity"

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resource_id"`
}

const maxFutureWindow = 5 * time.Minute

// Identity returns the authenticated identity set by Middleware.
func Identity(c *gin.Context) string {
	return c.GetString(IdentityKey)
}

// Middleware validates EIP-191 wallet signatures and stores the lower-cased
// wallet address under IdentityKey.
func Middleware(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddr := c.GetHeader(HeaderWallet)
		signedMsgB64 := c.GetHeader(HeaderMessage)
		sigHex := c.GetHeader(HeaderSignature)

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}
		identity, err := NormalizeIdentity(walletAddr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid wallet address"})
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}
		if req.Nonce == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing nonce"})
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		recovered, err := RecoverHex(msgBytes, sigHex)
		if err != nil || !strings.EqualFold(recovered.Hex(), identity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		// Nonce dedup via Redis SET NX, scoped to the wallet.
		nonceKey := "auth:nonce:" + identity + ":" + req.Nonce
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(c.Request.Context(), nonceKey, 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(IdentityKey, identity)
		c.Next()
	}
}

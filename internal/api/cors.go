package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/0gfoundation/0g-reward-gate/internal/auth"
	"github.com/0gfoundation/0g-reward-gate/internal/payment"
)

// CORS lets browser wallets send the payment and signature headers and read
// the payment response. An empty list or "*" allows every origin.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept",
			payment.HeaderPayment,
			auth.HeaderWallet, auth.HeaderMessage, auth.HeaderSignature,
		},
		ExposeHeaders: []string{payment.HeaderPaymentResponse},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

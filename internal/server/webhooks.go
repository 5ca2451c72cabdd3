package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/doodleops/platform/internal/reconciler/stripe"
)

const maxWebhookBody = 1 << 20

// HandleStripeWebhook verifies and enqueues a delivery. A 2xx acknowledges
// receipt only; processing happens on the worker side. Non-signature
// failures return 5xx so the provider redelivers.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.reconciler.HandleDelivery(c.Request.Context(), payload, c.Request.Header); err != nil {
		if errors.Is(err, stripe.ErrInvalidSignature) || errors.Is(err, stripe.ErrInvalidPayload) {
			AbortWithError(c, err)
			return
		}
		s.log.Error("webhook delivery not accepted", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

package costgate

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UserIDKey is where the auth layer stores the resolved user id.
const UserIDKey = "billing.user_id"

// Billed brackets a handler with the cost gate. The lock is released on
// every path, including downstream panics; the usage entry is written for
// every outcome so abuse limiting sees failed attempts too.
func (g *Guard) Billed(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetInt64(UserIDKey)
		if userID == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
			return
		}

		co, err := g.Check(c.Request.Context(), userID, endpoint)
		if err != nil {
			status, message := rejectionStatus(err)
			if status == http.StatusInternalServerError {
				g.log.Error("cost gate check failed",
					zap.Int64("user_id", userID),
					zap.String("endpoint", endpoint),
					zap.Error(err))
			}
			c.AbortWithStatusJSON(status, gin.H{"error": message})
			return
		}

		defer func() {
			recovered := recover()
			charged := recovered == nil && chargeable(c.Writer.Status())

			if err := g.Settle(c.Request.Context(), co, charged); err != nil {
				g.log.Error("cost gate settle failed",
					zap.Int64("user_id", userID),
					zap.String("endpoint", endpoint),
					zap.Error(err))
			}
			g.Release(c.Request.Context(), co)

			if recovered != nil {
				g.log.Error("billed handler panicked",
					zap.Int64("user_id", userID),
					zap.String("endpoint", endpoint),
					zap.Any("panic", recovered))
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()

		c.Next()
	}
}

// chargeable: the downstream work ran to completion on success and on bad
// request (the caller's fault, the work was still attempted); server-side
// failures are logged but not charged.
func chargeable(status int) bool {
	return status < http.StatusMultipleChoices || status == http.StatusBadRequest
}

func rejectionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrLockHeld):
		return http.StatusTooManyRequests, ErrLockHeld.Error()
	case errors.Is(err, ErrDailyLimitExceeded):
		return http.StatusUnauthorized, ErrDailyLimitExceeded.Error()
	case errors.Is(err, ErrInsufficientCredits):
		return http.StatusUnauthorized, ErrInsufficientCredits.Error()
	case errors.Is(err, ErrAccessPaused):
		return http.StatusPaymentRequired, ErrAccessPaused.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

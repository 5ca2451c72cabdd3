package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	creditdomain "github.com/doodleops/platform/internal/credit/domain"
)

type addCreditsRequest struct {
	AmountMinorUnits int64  `json:"amount_minor_units" binding:"required"`
	Source           string `json:"source"`
}

type removeCreditsRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Source string `json:"source" binding:"required"`
}

// AddCredits grants one-time credits outside the payment flow, at the
// manual rate rather than the purchase bands.
func (s *Server) AddCredits(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req addCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	source := req.Source
	if source == "" {
		source = "manual"
	}

	credits, err := s.credits.AddOneTimeCredits(c.Request.Context(), userID, req.AmountMinorUnits, source, true)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("manual credit grant",
		zap.Int64("user_id", userID),
		zap.Int64("credits", credits),
		zap.String("source", source))
	c.JSON(http.StatusOK, gin.H{"credits": credits})
}

// RemoveCredits deducts from the chosen balance and fails loudly when the
// balance cannot cover the amount.
func (s *Server) RemoveCredits(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req removeCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.credits.RemoveCredits(c.Request.Context(), userID, req.Amount, creditdomain.RemovalSource(req.Source)); err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("manual credit removal",
		zap.Int64("user_id", userID),
		zap.Int64("amount", req.Amount),
		zap.String("source", req.Source))
	c.JSON(http.StatusOK, gin.H{"removed": req.Amount})
}

func (s *Server) GetBalance(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	balance, err := s.credits.TotalBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func userIDParam(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		AbortWithError(c, ErrInvalidRequest)
		return 0, false
	}
	return userID, true
}

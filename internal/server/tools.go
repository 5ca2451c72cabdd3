package server

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ToolRunner executes the work behind a billed endpoint. Deployments
// provide their own; without one the gated routes answer 503 and the gate
// does not charge.
type ToolRunner interface {
	Run(ctx context.Context, tool string, input []byte) ([]byte, error)
}

func (s *Server) runTool(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.tools == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no tool runner configured"})
			return
		}

		input, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorPayload{
				Type:    "validation_error",
				Message: "unreadable request body",
			}})
			return
		}

		out, err := s.tools.Run(c.Request.Context(), endpoint, input)
		if err != nil {
			// Written here, not deferred to the error middleware, so the
			// gate settles against the real status.
			status, payload := mapError(err)
			c.AbortWithStatusJSON(status, errorResponse{Error: payload})
			return
		}

		c.Data(http.StatusOK, "application/json", out)
	}
}

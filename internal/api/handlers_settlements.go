package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyaesop/eeee/internal/auth"
	"github.com/vyaesop/eeee/internal/logging"
	"github.com/vyaesop/eeee/internal/settlement"
)

// RunSettlementRequest optionally overrides the stale threshold
type RunSettlementRequest struct {
	Threshold string `json:"threshold"`
}

// requireAdminOrCronSecret lets through admins and callers presenting the
// configured X-Cron-Secret.
func (s *Server) requireAdminOrCronSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.IsAdmin(c) {
			c.Next()
			return
		}
		secret := c.GetHeader("X-Cron-Secret")
		if s.config.CronSecret != "" && secret != "" &&
			subtle.ConstantTimeCompare([]byte(secret), []byte(s.config.CronSecret)) == 1 {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   auth.ErrForbidden.Code,
			"message": "admin token or cron secret required",
		})
	}
}

// handleRunSettlement triggers a batch settlement of stale accounts
// POST /api/admin/settlements/run
func (s *Server) handleRunSettlement(c *gin.Context) {
	if s.settlements == nil {
		errorResponse(c, http.StatusServiceUnavailable, "SETTLEMENT_DISABLED", "batch settlement is not configured")
		return
	}

	var req RunSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	var (
		result *settlement.BatchResult
		err    error
	)
	if req.Threshold != "" {
		threshold, perr := time.ParseDuration(req.Threshold)
		if perr != nil || threshold < 0 {
			errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "threshold must be a non-negative duration like 24h")
			return
		}
		result, err = s.settlements.RunWithThreshold(c.Request.Context(), threshold)
	} else {
		result, err = s.settlements.RunNow(c.Request.Context())
	}

	if errors.Is(err, settlement.ErrBatchInProgress) {
		errorResponse(c, http.StatusConflict, "BATCH_IN_PROGRESS", err.Error())
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("manual settlement failed")
		errorResponse(c, http.StatusInternalServerError, "SETTLEMENT_FAILED", "batch settlement failed")
		return
	}

	logging.SettlementContext(result.RunID, result.Threshold).Info("manual settlement complete",
		"settled", result.Settled,
		"failed", result.Failed(),
		"by_admin", auth.IsAdmin(c),
	)
	successResponse(c, result)
}

// GET /api/admin/settlements/status
func (s *Server) handleSettlementStatus(c *gin.Context) {
	if s.settlements == nil {
		errorResponse(c, http.StatusServiceUnavailable, "SETTLEMENT_DISABLED", "batch settlement is not configured")
		return
	}
	successResponse(c, s.settlements.Status())
}

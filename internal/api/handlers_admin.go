package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/internal/auth"
)

// SetRoleRequest carries the new role, "user" or "admin"
type SetRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// handleListAccounts lists every account for administrators, largest
// principal first
// GET /api/admin/accounts
func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.store.ListAccounts(c.Request.Context())
	if err != nil {
		s.ledgerError(c, err)
		return
	}

	sort.SliceStable(accounts, func(i, j int) bool {
		return accounts[i].Principal.GreaterThan(accounts[j].Principal)
	})

	principal, earnings := decimal.Zero, decimal.Zero
	byTier := make(map[string]int)
	for _, a := range accounts {
		principal = principal.Add(a.Principal)
		earnings = earnings.Add(a.EarningsBalance)
		byTier[a.TierName]++
	}

	successResponse(c, gin.H{
		"accounts":        accounts,
		"count":           len(accounts),
		"total_principal": principal,
		"total_earnings":  earnings,
		"by_tier":         byTier,
	})
}

// handleSetRole promotes or demotes a member
// PUT /api/admin/accounts/:id/role
func (s *Server) handleSetRole(c *gin.Context) {
	var req SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	id := c.Param("id")
	cred, err := s.authService.SetRole(c.Request.Context(), id, req.Role)
	if err != nil {
		var authErr auth.AuthError
		if !errors.As(err, &authErr) {
			s.logger.WithError(err).Error("failed to set role", "account_id", id)
			errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "request failed")
			return
		}
		status := http.StatusBadRequest
		switch authErr.Code {
		case auth.ErrAccountNotFound.Code:
			status = http.StatusNotFound
		case auth.ErrPrimaryAdmin.Code:
			status = http.StatusForbidden
		}
		errorResponse(c, status, authErr.Code, authErr.Message)
		return
	}

	s.logger.Info("role updated by admin", "account_id", id, "role", cred.Role, "by", auth.GetUserID(c))
	successResponse(c, gin.H{
		"account_id": cred.AccountID,
		"email":      cred.Email,
		"role":       cred.Role,
	})
}

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/internal/ledger"
)

// AmountRequest carries a decimal amount as a string
type AmountRequest struct {
	Amount string `json:"amount"`
}

// AutoCompoundRequest toggles auto-compounding
type AutoCompoundRequest struct {
	Enabled *bool `json:"enabled"`
}

// TierResponse is a tier with its annualised yield
type TierResponse struct {
	Name            string  `json:"name"`
	MinDeposit      string  `json:"min_deposit"`
	MaxDeposit      *string `json:"max_deposit,omitempty"`
	DailyReturnRate string  `json:"daily_return_rate"`
	APY             string  `json:"apy"`
	Color           string  `json:"color,omitempty"`
}

func bindAmount(c *gin.Context) (decimal.Decimal, bool) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, string(ledger.KindInvalidAmount), "amount must be a decimal string")
		return decimal.Zero, false
	}
	return amount, true
}

// handleGetTiers lists the tier catalogue
// GET /api/tiers
func (s *Server) handleGetTiers(c *gin.Context) {
	table := s.ledger.Tiers().Tiers()
	out := make([]TierResponse, 0, len(table))
	for _, t := range table {
		tr := TierResponse{
			Name:            t.Name,
			MinDeposit:      t.MinDeposit.String(),
			DailyReturnRate: t.DailyReturnRate.String(),
			APY:             t.APY().StringFixed(4),
			Color:           t.Color,
		}
		if t.MaxDeposit != nil {
			upper := t.MaxDeposit.String()
			tr.MaxDeposit = &upper
		}
		out = append(out, tr)
	}
	successResponse(c, out)
}

// GET /api/account
func (s *Server) handleGetAccount(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	acct, err := s.ledger.GetAccount(c.Request.Context(), userID)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	successResponse(c, acct)
}

// GET /api/account/preview
func (s *Server) handlePreview(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	projection, err := s.ledger.Preview(c.Request.Context(), userID)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	successResponse(c, projection)
}

// POST /api/account/deposit
func (s *Server) handleDeposit(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	amount, ok := bindAmount(c)
	if !ok {
		return
	}
	receipt, err := s.ledger.Deposit(c.Request.Context(), userID, amount)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	successResponse(c, receipt)
}

// POST /api/account/withdraw
func (s *Server) handleWithdraw(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	amount, ok := bindAmount(c)
	if !ok {
		return
	}
	receipt, err := s.ledger.Withdraw(c.Request.Context(), userID, amount)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	successResponse(c, receipt)
}

// POST /api/account/settle
func (s *Server) handleSettle(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	receipt, err := s.ledger.Settle(c.Request.Context(), userID)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	successResponse(c, receipt)
}

// PUT /api/account/auto-compound
func (s *Server) handleSetAutoCompound(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	var req AutoCompoundRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "enabled is required")
		return
	}
	receipt, err := s.ledger.SetAutoCompound(c.Request.Context(), userID, *req.Enabled)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	successResponse(c, receipt)
}

// GET /api/account/referrals
func (s *Server) handleListReferrals(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	refs, err := s.ledger.ListReferrals(c.Request.Context(), userID)
	if err != nil {
		s.ledgerError(c, err)
		return
	}

	total := decimal.Zero
	for _, r := range refs {
		total = total.Add(r.BonusPaid)
	}
	successResponse(c, gin.H{
		"referrals":   refs,
		"count":       len(refs),
		"total_bonus": total,
	})
}

// GET /api/account/entries?limit=50
func (s *Server) handleListEntries(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > s.config.MaxEntriesLimit {
		limit = s.config.MaxEntriesLimit
	}

	entries, err := s.ledger.ListEntries(c.Request.Context(), userID, limit)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	successResponse(c, entries)
}

package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyaesop/eeee/internal/ledger"
)

// Handlers contains the auth HTTP handlers
type Handlers struct {
	service *Service
}

// NewHandlers creates a new Handlers instance
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts the auth endpoints on rg
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/register", h.Register)
	rg.POST("/login", h.Login)
}

// Register handles member registration
// POST /api/auth/register
func (h *Handlers) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"message": err.Error(),
		})
		return
	}

	resp, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Login handles member login
// POST /api/auth/login
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"message": err.Error(),
		})
		return
	}

	resp, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func writeError(c *gin.Context, err error) {
	var authErr AuthError
	if errors.As(err, &authErr) {
		status := http.StatusBadRequest
		if authErr.Code == ErrInvalidCredentials.Code {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": authErr.Code, "message": authErr.Message})
		return
	}

	switch ledger.KindOf(err) {
	case ledger.KindAccountExists:
		c.JSON(http.StatusConflict, gin.H{"error": string(ledger.KindAccountExists), "message": "email already registered"})
	case ledger.KindReferrerNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": string(ledger.KindReferrerNotFound), "message": "referral code not found"})
	case ledger.KindInvalidInput:
		c.JSON(http.StatusBadRequest, gin.H{"error": string(ledger.KindInvalidInput), "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "request failed"})
	}
}

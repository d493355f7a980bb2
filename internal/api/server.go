package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/vyaesop/eeee/internal/auth"
	"github.com/vyaesop/eeee/internal/cache"
	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/events"
	"github.com/vyaesop/eeee/internal/ledger"
	"github.com/vyaesop/eeee/internal/logging"
	"github.com/vyaesop/eeee/internal/metrics"
	"github.com/vyaesop/eeee/internal/settlement"
)

// RateLimiter applies a token bucket per client
type RateLimiter struct {
	clients   map[string]*clientLimiter
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing perSecond requests per client
// with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients:   make(map[string]*clientLimiter),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		idleTTL:   10 * time.Minute,
		lastSweep: time.Now(),
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastSweep) > r.idleTTL {
		for k, cl := range r.clients {
			if now.Sub(cl.lastSeen) > r.idleTTL {
				delete(r.clients, k)
			}
		}
		r.lastSweep = now
	}

	cl, ok := r.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// SettlementRunner triggers and reports batch settlement.
// settlement.Scheduler implements it.
type SettlementRunner interface {
	RunNow(ctx context.Context) (*settlement.BatchResult, error)
	RunWithThreshold(ctx context.Context, threshold time.Duration) (*settlement.BatchResult, error)
	Status() settlement.Status
}

// Config holds server configuration
type Config struct {
	Port            int
	Host            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	GinMode         string
	RateLimit       float64 // requests per second per client, 0 disables
	RateBurst       int
	StreamInterval  time.Duration
	CronSecret      string
	MaxEntriesLimit int
}

// Dependencies are the services the server exposes
type Dependencies struct {
	Ledger      *ledger.Service
	Store       database.Store
	Auth        *auth.Service
	Settlements SettlementRunner // nil disables the admin batch endpoints
	Events      *events.EventBus // nil disables event relay on streams
	Cache       *cache.CacheService
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	ledger      *ledger.Service
	store       database.Store
	authService *auth.Service
	settlements SettlementRunner
	cache       *cache.CacheService
	hub         *streamHub
	config      Config
	rateLimiter *RateLimiter
	logger      *logging.Logger
	startedAt   time.Time
}

// NewServer creates a new API server
func NewServer(config Config, deps Dependencies) (*Server, error) {
	if deps.Ledger == nil || deps.Store == nil || deps.Auth == nil {
		return nil, fmt.Errorf("ledger, store and auth are required")
	}
	if config.StreamInterval <= 0 {
		config.StreamInterval = time.Second
	}
	if config.MaxEntriesLimit <= 0 {
		config.MaxEntriesLimit = 200
	}
	if config.GinMode != "" {
		gin.SetMode(config.GinMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware())
	router.Use(metrics.GinMiddleware())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Cron-Secret", logging.TraceHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", logging.TraceHeader}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		ledger:      deps.Ledger,
		store:       deps.Store,
		authService: deps.Auth,
		settlements: deps.Settlements,
		cache:       deps.Cache,
		hub:         newStreamHub(),
		config:      config,
		logger:      logging.WithComponent("api"),
		startedAt:   time.Now(),
	}
	if config.RateLimit > 0 {
		server.rateLimiter = NewRateLimiter(config.RateLimit, config.RateBurst)
	}
	if deps.Events != nil {
		deps.Events.SubscribeAll(server.hub.dispatch)
	}

	server.setupRoutes()
	return server, nil
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// rateLimitMiddleware limits requests per client IP
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.rateLimiter == nil {
			c.Next()
			return
		}
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	jwtManager := s.authService.GetJWTManager()

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())

	// Public
	auth.NewHandlers(s.authService).RegisterRoutes(api.Group("/auth"))
	api.GET("/tiers", s.handleGetTiers)

	account := api.Group("/account")
	account.Use(auth.Middleware(jwtManager))
	{
		account.GET("", s.handleGetAccount)
		account.GET("/preview", s.handlePreview)
		account.POST("/deposit", s.handleDeposit)
		account.POST("/withdraw", s.handleWithdraw)
		account.POST("/settle", s.handleSettle)
		account.PUT("/auto-compound", s.handleSetAutoCompound)
		account.GET("/referrals", s.handleListReferrals)
		account.GET("/entries", s.handleListEntries)
	}

	admin := api.Group("/admin")
	{
		// Cron callers authenticate with a shared secret instead of a JWT
		admin.POST("/settlements/run", auth.OptionalMiddleware(jwtManager), s.requireAdminOrCronSecret(), s.handleRunSettlement)
		admin.GET("/settlements/status", auth.Middleware(jwtManager), auth.RequireAdmin(), s.handleSettlementStatus)
		admin.GET("/accounts", auth.Middleware(jwtManager), auth.RequireAdmin(), s.handleListAccounts)
		admin.PUT("/accounts/:id/role", auth.Middleware(jwtManager), auth.RequireAdmin(), s.handleSetRole)
	}

	s.router.GET("/ws/earnings", auth.Middleware(jwtManager), s.handleEarningsStream)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.hub.closeAll()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{
		"status":   "healthy",
		"database": "healthy",
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
		"streams":  s.hub.count(),
	}
	if s.cache != nil {
		body["cache"] = s.cache.GetStats()
	}

	if err := s.store.HealthCheck(ctx); err != nil {
		body["status"] = "unhealthy"
		body["database"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, gin.H{
		"error":   code,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// ledgerStatus maps a ledger error kind to an HTTP status
func ledgerStatus(kind ledger.Kind) int {
	switch kind {
	case ledger.KindInvalidAmount, ledger.KindBelowMinimumWithdrawal, ledger.KindInvalidInput:
		return http.StatusBadRequest
	case ledger.KindAccountNotFound, ledger.KindReferrerNotFound:
		return http.StatusNotFound
	case ledger.KindAccountExists, ledger.KindTransactionConflict:
		return http.StatusConflict
	case ledger.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ledgerError writes err using its ledger kind
func (s *Server) ledgerError(c *gin.Context, err error) {
	kind := ledger.KindOf(err)
	status := ledgerStatus(kind)
	if status == http.StatusInternalServerError {
		logging.AccountContext(c.Request.Context(), auth.GetUserID(c), c.FullPath()).WithError(err).Error("ledger operation failed")
		errorResponse(c, status, "INTERNAL_ERROR", "request failed")
		return
	}
	errorResponse(c, status, string(kind), err.Error())
}

// getUserIDRequired returns the member ID from the context and sends an error
// if not authenticated
func (s *Server) getUserIDRequired(c *gin.Context) (string, bool) {
	userID := auth.GetUserID(c)
	if userID == "" {
		errorResponse(c, http.StatusUnauthorized, auth.ErrUnauthorized.Code, "authentication required")
		return "", false
	}
	return userID, true
}

// SplitOrigins parses a comma separated origin list
func SplitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/ingest"
	"github.com/MarcoPoloResearchLab/courier/internal/outbox"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	claimsContextKey  = "courier_pipeline_claims"
	accountContextKey = "courier_account"

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRegistry       = errors.New("account registry dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks pipeline bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.PipelineClaims, error)
}

// BundleSubscriber streams outgoing correction bundles of one account.
type BundleSubscriber interface {
	Subscribe(ctx context.Context, account wire.Address) (<-chan outbox.Bundle, func())
}

type Dependencies struct {
	Tokens            TokenValidator
	Registry          *ingest.Registry
	Outbox            BundleSubscriber
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		registry:  deps.Registry,
		outbox:    deps.Outbox,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/v1/accounts", handler.authorizeRequest, handler.handleListAccounts)

	accounts := router.Group("/v1/accounts/:account")
	accounts.Use(handler.authorizeRequest, handler.resolveAccount)
	accounts.POST("/messages", handler.handleProcessMessage)
	accounts.POST("/targets", handler.handleSelectTargets)
	accounts.POST("/groups", handler.handleCreateGroup)
	accounts.POST("/groups/:group/changes", handler.handleRecordChange)
	accounts.GET("/groups/:group/members", handler.handleListMembers)
	accounts.GET("/groups/:group/messages", handler.handleGroupHistory)
	accounts.GET("/keys/:address", handler.handleListKeys)
	accounts.POST("/keys/verify", handler.handleMarkVerified)
	accounts.GET("/outbox", handler.handleOutboxStream)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenValidator
	registry  *ingest.Registry
	outbox    BundleSubscriber
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) resolveAccount(c *gin.Context) {
	account, err := wire.ParseAddress(c.Param("account"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_account"})
		return
	}
	value, _ := c.Get(claimsContextKey)
	claims, ok := value.(auth.PipelineClaims)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := claims.Authorize(account.String()); err != nil {
		h.logger.Warn("account outside token scope", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(accountContextKey, account)
	c.Next()
}

func accountFrom(c *gin.Context) wire.Address {
	value, _ := c.Get(accountContextKey)
	account, _ := value.(wire.Address)
	return account
}

// writeError renders err, mapping ingest reasons onto HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, reason := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("account", accountFrom(c).String()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": reason})
}

func statusFor(err error) (int, string) {
	var serviceErr *ingest.ServiceError
	if !errors.As(err, &serviceErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable, "unavailable"
		}
		return http.StatusInternalServerError, "internal_error"
	}
	reason := serviceErr.Reason()
	if serviceErr.Retryable() {
		return http.StatusServiceUnavailable, reason
	}
	switch reason {
	case "invalid_message", "invalid_request", "invalid_group_id", "invalid_change", "missing_account":
		return http.StatusBadRequest, reason
	case "chat_not_found", "no_encryption_key", "key_not_found":
		return http.StatusNotFound, reason
	case "protection_unsatisfied", "group_exists", "not_member":
		return http.StatusConflict, reason
	case "closed":
		return http.StatusServiceUnavailable, reason
	default:
		return http.StatusInternalServerError, reason
	}
}

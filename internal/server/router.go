package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/mutations"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "canopy_account_claims"
	maxBatchSize     = 500
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingUserResolver   = errors.New("user resolver dependency required")
	errMissingNodeWriter     = errors.New("node writer dependency required")
	errMissingInteractions   = errors.New("interaction writer dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator authenticates account tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.AccountClaims, error)
}

// UserResolver maps an account to its user in a workspace.
type UserResolver interface {
	ResolveUser(ctx context.Context, accountID, workspaceID string) (users.User, error)
}

// Dependencies wires the HTTP surface. Synapse is optional; without it the upgrade route is not
// mounted.
type Dependencies struct {
	Tokens       TokenValidator
	Users        UserResolver
	Nodes        NodeWriter
	Interactions InteractionWriter
	Synapse      http.Handler
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin engine serving mutation uploads and the realtime upgrade.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Nodes == nil {
		return nil, errMissingNodeWriter
	}
	if deps.Interactions == nil {
		return nil, errMissingInteractions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:       deps.Tokens,
		users:        deps.Users,
		nodes:        deps.Nodes,
		interactions: deps.Interactions,
		logger:       logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Synapse != nil {
		router.GET("/v1/synapse", gin.WrapH(deps.Synapse))
	}

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/workspaces/:workspaceId/mutations", handler.handleMutations)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Sec-WebSocket-Protocol"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens       TokenValidator
	users        UserResolver
	nodes        NodeWriter
	interactions InteractionWriter
	logger       *zap.Logger
}

func (h *httpHandler) handleMutations(c *gin.Context) {
	claims, ok := c.Get(claimsContextKey)
	account, _ := claims.(auth.AccountClaims)
	if !ok || account.AccountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	workspaceID := strings.TrimSpace(c.Param("workspaceId"))
	user, err := h.users.ResolveUser(c.Request.Context(), account.AccountID, workspaceID)
	if errors.Is(err, users.ErrUserNotFound) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err != nil {
		h.logger.Error("failed to resolve workspace user",
			zap.String("account_id", account.AccountID),
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user_lookup_failed"})
		return
	}

	var request mutations.SyncRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Mutations) == 0 || len(request.Mutations) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	batch := applier{
		actor: nodes.Actor{
			UserID:        user.ID,
			WorkspaceID:   user.WorkspaceID,
			WorkspaceRole: user.Role,
		},
		nodes:        h.nodes,
		interactions: h.interactions,
	}
	results, err := batch.apply(c.Request.Context(), request.Mutations)
	if err != nil {
		h.logger.Error("failed to apply mutations",
			zap.String("user_id", user.ID),
			zap.String("workspace_id", user.WorkspaceID),
			zap.Int("applied", len(results)),
			zap.Int("batch_size", len(request.Mutations)),
			zap.Error(err))
		if len(results) == 0 {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
			return
		}
	}

	c.JSON(http.StatusOK, mutations.SyncResponse{Results: results})
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
		if errors.Is(err, auth.ErrExpiredToken) {
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

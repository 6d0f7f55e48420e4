package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/access"
	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/collab"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	identityContextKey = "livery_identity"
	// SessionHeader names the caller's live session on HTTP mutations.
	SessionHeader = "X-Session-ID"

	retryAfterSeconds = 1
)

var (
	errMissingEngine        = errors.New("collab engine dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Authenticator resolves a bearer token into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Engine         *collab.Engine
	CookieName     string
	AllowedOrigins []string
	Logger         *zap.Logger
	// Shutdown, when done, closes live sockets with a going-away frame.
	Shutdown context.Context
}

// NewHTTPHandler builds the gin router serving the livery API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	shutdown := deps.Shutdown
	if shutdown == nil {
		shutdown = context.Background()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		engine:        deps.Engine,
		authenticator: deps.Engine,
		cookieName:    strings.TrimSpace(deps.CookieName),
		logger:        logger,
		shutdown:      shutdown,
		upgrader:      newUpgrader(deps.AllowedOrigins),
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/schemes", handler.handleCreateScheme)
	protected.GET("/schemes/:id", handler.handleSchemeState)
	protected.PATCH("/schemes/:id", handler.handleSchemePatch)
	protected.DELETE("/schemes/:id", handler.handleSchemeDelete)
	protected.POST("/schemes/:id/clone", handler.handleSchemeClone)
	protected.GET("/schemes/:id/live", handler.handleLive)

	protected.POST("/schemes/:id/layers", handler.handleLayerCreate)
	protected.PUT("/schemes/:id/layers/order", handler.handleLayerReorder)
	protected.PATCH("/schemes/:id/layers/:layerID", handler.handleLayerPatch)
	protected.DELETE("/schemes/:id/layers/:layerID", handler.handleLayerDelete)

	protected.POST("/schemes/:id/shares/accept", handler.handleShareAccept)
	protected.PUT("/schemes/:id/shares/:userID", handler.handleShareChange)
	protected.DELETE("/schemes/:id/shares/:userID", handler.handleShareDelete)

	protected.GET("/favorites", handler.handleFavorites)
	protected.POST("/favorites/:kind/:targetID", handler.handleFavoriteAdd)
	protected.DELETE("/favorites/:kind/:targetID", handler.handleFavoriteRemove)

	protected.GET("/admin/sessions", handler.handleAdminSessions)
	protected.POST("/admin/users/:userID/disconnect", handler.handleAdminDisconnect)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", SessionHeader, "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowAnyOrigin(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

// allowAnyOrigin reports whether origins is empty or contains the "*" wildcard. Any origin
// is then echoed back, since a literal "*" is not valid alongside credentials.
func allowAnyOrigin(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return len(origins) == 0
}

type httpHandler struct {
	engine        *collab.Engine
	authenticator Authenticator
	cookieName    string
	logger        *zap.Logger
	shutdown      context.Context
	upgrader      websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	login, err := h.engine.Login(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, login)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := auth.TokenFromRequest(c.Request, h.cookieName)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.authenticator.Authenticate(c.Request.Context(), token)
	if err != nil {
		kind := apperrors.KindOf(err)
		if kind != apperrors.KindUnauthenticated && kind != apperrors.KindInvalidCredential {
			h.respondError(c, err)
			c.Abort()
			return
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFrom(c *gin.Context) auth.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}
	}
	identity, _ := value.(auth.Identity)
	return identity
}

func originSession(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(SessionHeader))
}

// statusFor maps an error kind onto its HTTP status. Hidden schemes answer 404.
func statusFor(err error) (int, string) {
	if access.Hidden(err) {
		return http.StatusNotFound, string(apperrors.KindNotFound)
	}
	kind := apperrors.KindOf(err)
	switch kind {
	case apperrors.KindInvalid:
		return http.StatusBadRequest, string(kind)
	case apperrors.KindUnauthenticated, apperrors.KindInvalidCredential:
		return http.StatusUnauthorized, "unauthorized"
	case apperrors.KindForbidden:
		return http.StatusForbidden, string(kind)
	case apperrors.KindNotFound:
		return http.StatusNotFound, string(kind)
	case apperrors.KindConflict, apperrors.KindResyncRequired:
		return http.StatusConflict, string(kind)
	case apperrors.KindTimeout:
		return http.StatusServiceUnavailable, string(kind)
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, code := statusFor(err)
	body := gin.H{"error": code}
	switch status {
	case http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError:
	default:
		if reason := apperrors.ReasonOf(err); reason != "" {
			body["reason"] = reason
		}
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, body)
}

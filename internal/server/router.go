package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/longpoll"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	principalContextKey = "storefront_principal"
	inquiryContextKey   = "storefront_inquiry"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingPrincipals       = errors.New("principal resolver dependency required")
	errMissingInquiries        = errors.New("inquiries service dependency required")
	errMissingCoordinator      = errors.New("long-poll coordinator dependency required")
	errMissingRegistry         = errors.New("stream registry dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// PrincipalResolver maps validated claims to a local principal.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, claims auth.SessionClaims) (users.Principal, error)
}

// ChannelStatus reports the notification channel lifecycle for health checks.
type ChannelStatus interface {
	State() notify.State
}

// Dependencies wires the HTTP surface to the realtime core.
type Dependencies struct {
	SessionValidator SessionValidator
	Principals       PrincipalResolver
	Inquiries        *inquiries.Service
	Coordinator      *longpoll.Coordinator
	Registry         *realtime.Registry
	Channel          ChannelStatus
	Gatherer         prometheus.Gatherer
	PollLimiter      *PollLimiter
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin engine serving conversations, polling and streaming.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Principals == nil {
		return nil, errMissingPrincipals
	}
	if deps.Inquiries == nil {
		return nil, errMissingInquiries
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		validator:      deps.SessionValidator,
		principals:     deps.Principals,
		inquiries:      deps.Inquiries,
		coordinator:    deps.Coordinator,
		registry:       deps.Registry,
		channel:        deps.Channel,
		pollLimiter:    deps.PollLimiter,
		allowedOrigins: deps.AllowedOrigins,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/conversations", handler.handleCreateConversation)
	protected.GET("/events", handler.handleEventStream)
	protected.GET("/events/ws", handler.handleWebSocket)

	conversation := protected.Group("/conversations/:id")
	conversation.Use(handler.loadInquiry)
	conversation.POST("/messages", handler.handleCreateMessage)
	conversation.GET("/messages/poll", handler.handlePoll)
	conversation.GET("/messages/history", handler.handleHistory)
	conversation.PUT("/messages/mark-read", handler.handleMarkRead)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAny := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return allowAny || slices.Contains(allowedOrigins, origin)
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	validator      SessionValidator
	principals     PrincipalResolver
	inquiries      *inquiries.Service
	coordinator    *longpoll.Coordinator
	registry       *realtime.Registry
	channel        ChannelStatus
	pollLimiter    *PollLimiter
	allowedOrigins []string
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	channelState := notify.StateDisabled
	if h.channel != nil {
		channelState = h.channel.State()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"channel":     channelState,
		"connections": h.registry.ConnectionCount(0),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
			h.logger.Debug("request without session token", zap.String("path", c.FullPath()))
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		abortWithError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	principal, err := h.principals.ResolvePrincipal(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("session subject is not a user id", zap.String("subject", claims.Subject))
			abortWithError(c, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		h.logger.Error("failed to resolve principal", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "principal_unavailable", err)
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func (h *httpHandler) loadInquiry(c *gin.Context) {
	inquiryID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || inquiryID <= 0 {
		abortWithError(c, http.StatusBadRequest, "invalid_conversation_id", nil)
		return
	}
	inquiry, err := h.inquiries.Authorize(c.Request.Context(), inquiryID, principalFromContext(c))
	if err != nil {
		status, code := statusForError(err)
		abortWithError(c, status, code, err)
		return
	}
	c.Set(inquiryContextKey, inquiry)
	c.Next()
}

func principalFromContext(c *gin.Context) users.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return users.Principal{}
	}
	principal, _ := value.(users.Principal)
	return principal
}

func inquiryFromContext(c *gin.Context) inquiries.Inquiry {
	value, ok := c.Get(inquiryContextKey)
	if !ok {
		return inquiries.Inquiry{}
	}
	inquiry, _ := value.(inquiries.Inquiry)
	return inquiry
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, inquiries.ErrInquiryNotFound), errors.Is(err, inquiries.ErrMessageNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, inquiries.ErrAccessDenied):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, inquiries.ErrInvalidContent):
		return http.StatusBadRequest, "invalid_content"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// errorBody carries the service error code next to the public error when one is available.
func errorBody(code string, err error) gin.H {
	body := gin.H{"success": false, "error": code}
	var serviceErr *inquiries.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	return body
}

func abortWithError(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, errorBody(code, err))
}

func respondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, errorBody(code, err))
}

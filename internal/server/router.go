package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/auth"
	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/realtime"
	"github.com/MarcoPoloResearchLab/callroom/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "callroom_principal"

var (
	errMissingValidator = errors.New("credential validator dependency required")
	errMissingRegistry  = errors.New("session registry dependency required")
)

// CredentialValidator authenticates a request once, from its bearer token.
type CredentialValidator interface {
	ValidateRequest(r *http.Request) (auth.Principal, error)
}

type Dependencies struct {
	Validator          CredentialValidator
	Registry           *session.Registry
	Connections        realtime.ConnConfig
	ICEURLs            []string
	NegotiationTimeout time.Duration
	JoinLinkBaseURL    string
	Logger             *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Connections.Logger == nil {
		deps.Connections.Logger = logger
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		validator:          deps.Validator,
		registry:           deps.Registry,
		iceURLs:            deps.ICEURLs,
		negotiationTimeout: deps.NegotiationTimeout,
		joinLinkBaseURL:    deps.JoinLinkBaseURL,
		logger:             logger,
	}
	gateway := newGateway(deps.Registry, deps.Connections, logger)

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/calls", handler.handleCreateCall)
	protected.GET("/calls/:id", handler.handleGetCall)
	protected.POST("/calls/:id/start", handler.handleStartCall)
	protected.POST("/calls/:id/end", handler.handleEndCall)
	protected.POST("/calls/:id/cancel", handler.handleCancelCall)
	protected.POST("/calls/:id/lead-status", handler.handleLeadStatus)
	protected.POST("/calls/:id/invites", handler.handleInvites)
	protected.POST("/calls/:id/notes", handler.handleSaveNotes)
	protected.POST("/join/resolve", handler.handleResolveJoin)
	protected.GET("/meetings/:meetingId", handler.handleResolveMeeting)
	protected.GET("/rtc/config", handler.handleRTCConfig)
	protected.GET("/ws", gateway.handleUpgrade)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	validator          CredentialValidator
	registry           *session.Registry
	iceURLs            []string
	negotiationTimeout time.Duration
	joinLinkBaseURL    string
	logger             *zap.Logger
}

type errorPayload struct {
	Code    calls.Code `json:"code"`
	Message string     `json:"message"`
}

type envelope struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *errorPayload `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

// respondError reports err under its taxonomy code. Callers acting on a
// host-only route see the specific reason; everyone else sees the generic
// message for the class.
func (h *httpHandler) respondError(c *gin.Context, err error, specific bool) {
	code := calls.CodeOf(err)
	message := calls.GenericMessage(code)
	if specific && code != calls.CodeInternal {
		message = calls.ReasonOf(err)
	}
	if code == calls.CodeInternal {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(statusFor(code), envelope{Error: &errorPayload{Code: code, Message: message}})
}

func statusFor(code calls.Code) int {
	switch code {
	case calls.CodeInvalidRequest:
		return http.StatusBadRequest
	case calls.CodeForbidden, calls.CodeJoinRejected:
		return http.StatusForbidden
	case calls.CodeNotFound:
		return http.StatusNotFound
	case calls.CodeInvalidTransition, calls.CodeCallClosed, calls.CodeNotJoined:
		return http.StatusConflict
	case calls.CodeBusy:
		return http.StatusServiceUnavailable
	case calls.CodePersistenceFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	principal, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("credential validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Error: &errorPayload{
			Code:    calls.CodeForbidden,
			Message: "unauthorized",
		}})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) auth.Principal {
	value, _ := c.Get(principalContextKey)
	principal, _ := value.(auth.Principal)
	return principal
}

func requesterFrom(c *gin.Context) session.Requester {
	principal := principalFrom(c)
	return session.Requester{
		UserID:    principal.UserID,
		Roles:     principal.Roles,
		RequestID: c.GetHeader("X-Request-ID"),
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"status": "ok", "activeCalls": h.registry.ActiveCalls()})
}

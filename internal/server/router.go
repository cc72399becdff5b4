package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/huddle/internal/analytics"
	"github.com/MarcoPoloResearchLab/huddle/internal/auth"
	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

const claimsContextKey = "huddle_claims"

var (
	errMissingLifecycle      = errors.New("lifecycle dependency required")
	errMissingHub            = errors.New("hub dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
)

// TokenValidator authenticates HTTP and websocket requests.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
}

// ActivityReporter builds per-participant usage reports.
type ActivityReporter interface {
	Report(ctx context.Context, identityKey string, period analytics.Period, days int) ([]analytics.Rollup, error)
}

type Dependencies struct {
	Lifecycle      *collab.Lifecycle
	Hub            *collab.Hub
	Tokens         TokenValidator
	Analytics      ActivityReporter
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Lifecycle == nil {
		return nil, errMissingLifecycle
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		lifecycle: deps.Lifecycle,
		hub:       deps.Hub,
		tokens:    deps.Tokens,
		analytics: deps.Analytics,
		logger:    logger,
		upgrader:  newUpgrader(origins),
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebsocket)

	router.POST("/sessions", handler.handleCreateSession)
	router.GET("/sessions", handler.handleListSessions)
	router.GET("/sessions/:roomId", handler.handleGetSession)
	router.GET("/participants/:identityKey/sessions", handler.handleParticipantSessions)
	router.GET("/participants/:identityKey/analytics", handler.handleParticipantAnalytics)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeAdmin)
	admin.POST("/cleanup", handler.handleCleanup)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(origins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func allowsAnyOrigin(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	lifecycle *collab.Lifecycle
	hub       *collab.Hub
	tokens    TokenValidator
	analytics ActivityReporter
	logger    *zap.Logger
	upgrader  websocketUpgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "live": h.hub.Registry().Stats()})
}

type createSessionPayload struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Language    string           `json:"language"`
	Settings    *collab.Settings `json:"settings"`
	GuestID     string           `json:"guestId"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request createSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	creator, ok := h.requestIdentity(c, request.GuestID)
	if !ok {
		return
	}
	var language collab.Language
	if strings.TrimSpace(request.Language) != "" {
		parsed, err := collab.ParseLanguage(request.Language)
		if err != nil {
			h.respondError(c, err)
			return
		}
		language = parsed
	}

	session, err := h.lifecycle.CreateSession(c.Request.Context(), collab.CreateSessionRequest{
		Creator:     creator,
		Title:       request.Title,
		Description: request.Description,
		Language:    language,
		Settings:    request.Settings,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSessionView(session, 0))
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	roomID, err := collab.NewRoomID(c.Param("roomId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	session, err := h.lifecycle.GetSession(c.Request.Context(), roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	live := 0
	if snapshot, ok := h.hub.Registry().LiveState(roomID); ok {
		for _, participant := range snapshot.Participants {
			if participant.IsActive {
				live++
			}
		}
	}
	c.JSON(http.StatusOK, newSessionView(session, live))
}

func (h *httpHandler) handleListSessions(c *gin.Context) {
	summaries, err := h.lifecycle.ListPublic(c.Request.Context(), c.Query("q"), queryInt(c, "limit"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries})
}

func (h *httpHandler) handleParticipantSessions(c *gin.Context) {
	identity, ok := h.participantFromPath(c)
	if !ok {
		return
	}
	summaries, err := h.lifecycle.ListForParticipant(c.Request.Context(), identity, queryInt(c, "limit"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries})
}

func (h *httpHandler) handleParticipantAnalytics(c *gin.Context) {
	if h.analytics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "analytics_disabled"})
		return
	}
	identity, ok := h.participantFromPath(c)
	if !ok {
		return
	}
	period, err := analytics.ParsePeriod(c.Query("period"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period"})
		return
	}
	rollups, err := h.analytics.Report(c.Request.Context(), identity.Key(), period, queryInt(c, "days"))
	if err != nil {
		h.logger.Error("analytics report failed", zap.String("identity", identity.Key()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"participantId": identity.Key(), "period": period, "rollups": rollups})
}

func (h *httpHandler) handleCleanup(c *gin.Context) {
	report, err := h.lifecycle.CleanupInactiveRooms(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	purged, err := h.lifecycle.PurgeExpiredSessions(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomsClosed":        report.RoomsClosed,
		"sessionsMarkedIdle": report.SessionsIdle,
		"sessionsPurged":     purged,
	})
}

// requestIdentity prefers a valid token and falls back to the supplied guest id.
func (h *httpHandler) requestIdentity(c *gin.Context, guestID string) (collab.Identity, bool) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	switch {
	case err == nil:
		identity, identityErr := claims.Identity()
		if identityErr != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return collab.Identity{}, false
		}
		return identity, true
	case errors.Is(err, auth.ErrMissingToken):
		identity, identityErr := collab.NewGuestIdentity(guestID)
		if identityErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "identity_required"})
			return collab.Identity{}, false
		}
		return identity, true
	default:
		h.logTokenFailure(err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return collab.Identity{}, false
	}
}

// participantFromPath parses the identity in the URL. Registered-user history
// is only visible to that user or an admin.
func (h *httpHandler) participantFromPath(c *gin.Context) (collab.Identity, bool) {
	identity, err := collab.ParseIdentityKey(c.Param("identityKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity"})
		return collab.Identity{}, false
	}
	if identity.IsGuest() {
		return identity, true
	}
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if !errors.Is(err, auth.ErrMissingToken) {
			h.logTokenFailure(err)
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return collab.Identity{}, false
	}
	if claims.UserID != identity.UserID && !claims.HasRole(auth.RoleAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return collab.Identity{}, false
	}
	return identity, true
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !claims.HasRole(auth.RoleAdmin) {
		h.logger.Info("admin access denied", zap.String("user_id", claims.UserID))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := collab.CodeOf(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", string(code)),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func statusForCode(code collab.ErrorCode) int {
	switch code {
	case collab.CodeInvalidEvent:
		return http.StatusBadRequest
	case collab.CodePermissionDenied:
		return http.StatusForbidden
	case collab.CodeRoomNotFound, collab.CodeMessageNotFound, collab.CodeParticipantNotFound:
		return http.StatusNotFound
	case collab.CodeRoomFull:
		return http.StatusConflict
	case collab.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(c *gin.Context, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil {
		return 0
	}
	return value
}

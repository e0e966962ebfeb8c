package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	commonauth "rtc_server/server/common/auth"
	commonlog "rtc_server/server/common/log"
	"rtc_server/server/common/metrics"
	"rtc_server/server/common/middleware"
	"rtc_server/server/signal/domain"
	"rtc_server/server/signal/service"
)

const RoleAdmin = "admin"

type Handler struct {
	registry  *service.Registry
	presence  *service.PresenceTracker
	chat      *service.ChatService
	calls     *service.CallMachine
	history   *service.HistoryService
	media     *service.MediaService
	retention *service.RetentionScheduler
	gateway   *service.Gateway
	auth      *commonauth.Service
	devTokens bool
}

type Deps struct {
	Registry  *service.Registry
	Presence  *service.PresenceTracker
	Chat      *service.ChatService
	Calls     *service.CallMachine
	History   *service.HistoryService
	Media     *service.MediaService
	Retention *service.RetentionScheduler
	Gateway   *service.Gateway
	Auth      *commonauth.Service
	DevTokens bool
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		registry:  d.Registry,
		presence:  d.Presence,
		chat:      d.Chat,
		calls:     d.Calls,
		history:   d.History,
		media:     d.Media,
		retention: d.Retention,
		gateway:   d.Gateway,
		auth:      d.Auth,
		devTokens: d.DevTokens,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok", h.registry.Count())) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/ws", h.handleWS)
	if h.devTokens {
		r.POST("/api/v1/auth/dev-token", h.issueDevToken)
	}

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.GET("/presence/:userId", h.getPresence)

		api.GET("/conversations", h.listConversations)
		api.POST("/conversations", h.createGroup)
		api.GET("/conversations/unread-counts", h.getMyUnreadCounts)
		api.GET("/conversations/:id/messages", h.listMessages)
		api.POST("/conversations/:id/messages", h.createMessage)
		api.POST("/conversations/:id/read", h.markRead)
		api.GET("/conversations/:id/unread-count", h.getUnreadCount)
		api.PATCH("/conversations/:id", h.renameGroup)
		api.POST("/conversations/:id/participants", h.addParticipant)
		api.DELETE("/conversations/:id/participants/:userId", h.removeParticipant)

		api.GET("/calls/active", h.listActiveCalls)
		api.GET("/calls/history", h.listHistory)
		api.GET("/calls/history/search", h.searchHistory)
		api.GET("/calls/statistics", h.getStatistics)
		api.DELETE("/calls/history", h.clearHistory)
		api.GET("/calls/:id", h.getCall)

		api.POST("/media/upload-url", h.presignUpload)
		api.GET("/media/download-url", h.presignDownload)

		admin := api.Group("/admin")
		admin.Use(middleware.RequireRoles(RoleAdmin))
		admin.POST("/history/purge", h.purgeHistory)
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (h *Handler) handleWS(c *gin.Context) {
	token, ok := wsAccessToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse("bearer token is required"))
		return
	}
	userID, _, err := h.auth.ParseAuthContext(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse("invalid token"))
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=ws_gateway action=upgrade status=failed user_id=%s error=%v", userID, err)
		return
	}
	h.gateway.Serve(c.Request.Context(), conn, userID)
}

func wsAccessToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		return "", false
	}
	return token, true
}

func (h *Handler) issueDevToken(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
		Role   string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	token, err := h.auth.GenerateToken(strings.TrimSpace(req.UserID), req.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewTokenResponse(token, req.UserID, req.Role))
}

func (h *Handler) getPresence(c *gin.Context) {
	rec, err := h.presence.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) listConversations(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	items, err := h.chat.ListConversations(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(items, ""))
}

func (h *Handler) createGroup(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		Name           string   `json:"name"`
		ParticipantIDs []string `json:"participantIds" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	conv, err := h.chat.CreateGroup(c.Request.Context(), actorID, req.Name, req.ParticipantIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) getMyUnreadCounts(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	items, err := h.chat.UnreadCounts(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) listMessages(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	items, nextCursor, err := h.chat.ListMessages(c.Request.Context(), c.Param("id"), actorID, limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(items, nextCursor))
}

func (h *Handler) createMessage(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		Text  string        `json:"text"`
		Media *domain.Media `json:"media"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	msg, err := h.chat.Send(c.Request.Context(), service.SendInput{
		ConversationID: c.Param("id"),
		SenderID:       actorID,
		Body:           req.Text,
		Media:          req.Media,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) markRead(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		MessageID string `json:"messageId"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}
	}
	conversationID := c.Param("id")
	n, err := h.chat.MarkRead(c.Request.Context(), conversationID, actorID, req.MessageID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewMarkReadResponse(conversationID, n))
}

func (h *Handler) getUnreadCount(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	conversationID := c.Param("id")
	n, err := h.chat.UnreadCount(c.Request.Context(), conversationID, actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewUnreadCountResponse(conversationID, actorID, n))
}

func (h *Handler) renameGroup(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	conv, err := h.chat.Rename(c.Request.Context(), c.Param("id"), actorID, req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) addParticipant(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	conv, err := h.chat.AddParticipant(c.Request.Context(), c.Param("id"), actorID, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) removeParticipant(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	conv, err := h.chat.RemoveParticipant(c.Request.Context(), c.Param("id"), actorID, c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) getCall(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	session, err := h.calls.Session(c.Param("id"), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) listActiveCalls(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(h.calls.ActiveFor(actorID), ""))
}

func (h *Handler) listHistory(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	filter, err := historyFilterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	items, err := h.history.List(c.Request.Context(), actorID, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(items, ""))
}

func historyFilterFromQuery(c *gin.Context) (domain.HistoryFilter, error) {
	filter := domain.HistoryFilter{
		Type:      domain.MediaKind(strings.TrimSpace(c.Query("type"))),
		Status:    domain.CallState(strings.TrimSpace(c.Query("status"))),
		Direction: domain.Direction(strings.TrimSpace(c.Query("direction"))),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	if raw := strings.TrimSpace(c.Query("from")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf(ErrFromMustBeRFC3339)
		}
		filter.From = &parsed
	}
	if raw := strings.TrimSpace(c.Query("to")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf(ErrToMustBeRFC3339)
		}
		filter.To = &parsed
	}
	return filter, nil
}

func (h *Handler) searchHistory(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	items, err := h.history.Search(c.Request.Context(), actorID, c.Query("q"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(items, ""))
}

func (h *Handler) getStatistics(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	stats, err := h.history.Statistics(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) clearHistory(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	n, err := h.history.Clear(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewDeletedResponse(n))
}

func (h *Handler) purgeHistory(c *gin.Context) {
	if h.retention == nil {
		c.JSON(http.StatusConflict, NewErrorResponse("history retention is disabled"))
		return
	}
	n, err := h.retention.RunOnce(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewDeletedResponse(n))
}

func (h *Handler) presignUpload(c *gin.Context) {
	if h.media == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(ErrMediaDisabled))
		return
	}
	actorID, _, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		ObjectKey string `json:"objectKey" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	u, key, err := h.media.PresignUpload(c.Request.Context(), actorID, req.ObjectKey)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewUploadURLResponse(u, key))
}

func (h *Handler) presignDownload(c *gin.Context) {
	if h.media == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(ErrMediaDisabled))
		return
	}
	u, err := h.media.PresignDownload(c.Request.Context(), c.Query("objectKey"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewURLResponse(u))
}

// writeError maps a service error onto an HTTP status by kind.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch domain.Classify(err) {
	case domain.KindInvalidArgument:
		status = http.StatusBadRequest
	case domain.KindAuthorization:
		status = http.StatusForbidden
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindInvalidState:
		status = http.StatusConflict
	case domain.KindRateLimited:
		status = http.StatusTooManyRequests
	case domain.KindTransport:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		commonlog.Errorf("event=http action=%s status=failed path=%s error=%v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, NewErrorResponse(err.Error()))
}

func actorFromContext(c *gin.Context) (string, string, error) {
	rawID, ok := c.Get(middleware.ContextUserID)
	if !ok {
		return "", "", fmt.Errorf(ErrUnauthorized)
	}
	userID, ok := rawID.(string)
	if !ok || userID == "" {
		return "", "", fmt.Errorf(ErrUnauthorized)
	}
	role, _ := c.Get(middleware.ContextRole)
	roleStr, _ := role.(string)
	return userID, roleStr, nil
}

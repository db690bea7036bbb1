package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/longpoll"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	minPollLimit   = 1
	maxPollLimit   = 100
	minPollTimeout = time.Millisecond
)

type createConversationPayload struct {
	Subject string `json:"subject"`
}

type createMessagePayload struct {
	Content string `json:"content"`
}

type markReadPayload struct {
	MessageIDs []int64 `json:"messageIds"`
}

type conversationResponse struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Subject   string    `json:"subject"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type pollResponseData struct {
	NewMessages    []inquiries.MessagePayload `json:"newMessages"`
	TotalCount     int64                      `json:"totalCount"`
	UnreadCount    int64                      `json:"unreadCount"`
	HasNewMessages bool                       `json:"hasNewMessages"`
	LastMessageID  int64                      `json:"lastMessageId"`
	IsLongPoll     bool                       `json:"isLongPoll"`
}

type historyResponseData struct {
	Messages   []inquiries.MessagePayload `json:"messages"`
	Total      int64                      `json:"total"`
	Page       int                        `json:"page"`
	Limit      int                        `json:"limit"`
	HasMore    bool                       `json:"hasMore"`
	TotalPages int                        `json:"totalPages"`
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	var request createConversationPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", nil)
		return
	}
	inquiry, err := h.inquiries.CreateInquiry(c.Request.Context(), principalFromContext(c), request.Subject)
	if err != nil {
		status, code := statusForError(err)
		respondError(c, status, code, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": conversationResponse{
		ID:        inquiry.ID,
		UserID:    inquiry.UserID,
		Subject:   inquiry.Subject,
		Status:    inquiry.Status,
		CreatedAt: inquiry.CreatedAt,
		UpdatedAt: inquiry.UpdatedAt,
	}})
}

func (h *httpHandler) handleCreateMessage(c *gin.Context) {
	var request createMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", nil)
		return
	}
	inquiry := inquiryFromContext(c)
	message, err := h.inquiries.CreateMessage(c.Request.Context(), inquiry.ID, principalFromContext(c), request.Content)
	if err != nil {
		status, code := statusForError(err)
		respondError(c, status, code, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": message})
}

func (h *httpHandler) handlePoll(c *gin.Context) {
	principal := principalFromContext(c)
	inquiry := inquiryFromContext(c)

	lastMessageID, ok := queryInt64(c, "lastMessageId")
	if !ok || lastMessageID < 0 {
		respondError(c, http.StatusBadRequest, "invalid_last_message_id", nil)
		return
	}
	limit, ok := queryInt64(c, "limit")
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid_limit", nil)
		return
	}
	timeoutMillis, ok := queryInt64(c, "timeout")
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid_timeout", nil)
		return
	}
	if !h.pollLimiter.Allow(principal.UserID) {
		h.logger.Info("poll rate limit exceeded", zap.Int64("user_id", principal.UserID))
		respondError(c, http.StatusTooManyRequests, "rate_limited", nil)
		return
	}

	request := longpoll.Request{
		InquiryID:  inquiry.ID,
		LastSeenID: lastMessageID,
	}
	if strings.TrimSpace(c.Query("limit")) != "" {
		request.Limit = int(min(max(limit, minPollLimit), maxPollLimit))
	}
	if strings.TrimSpace(c.Query("timeout")) != "" {
		timeoutMillis = min(max(timeoutMillis, minPollTimeout.Milliseconds()), h.coordinator.MaxTimeout().Milliseconds())
		request.Timeout = time.Duration(timeoutMillis) * time.Millisecond
	}

	ctx := c.Request.Context()
	result, err := h.coordinator.Handle(ctx, request)
	if err != nil {
		h.logger.Error("long poll failed", zap.Int64("inquiry_id", inquiry.ID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "poll_failed", err)
		return
	}
	if result.Outcome == longpoll.OutcomeDisconnect {
		c.Abort()
		return
	}

	totalCount, err := h.inquiries.CountMessages(ctx, inquiry.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "poll_failed", err)
		return
	}
	unreadCount, err := h.inquiries.CountUnread(ctx, inquiry.ID, principal.UserID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "poll_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": pollResponseData{
		NewMessages:    result.Messages,
		TotalCount:     totalCount,
		UnreadCount:    unreadCount,
		HasNewMessages: result.HasNewMessages(),
		LastMessageID:  result.LastMessageID,
		IsLongPoll:     true,
	}})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	inquiry := inquiryFromContext(c)
	page, okPage := queryInt64(c, "page")
	limit, okLimit := queryInt64(c, "limit")
	before, okBefore := queryInt64(c, "beforeMessageId")
	if !okPage || !okLimit || !okBefore {
		respondError(c, http.StatusBadRequest, "invalid_request", nil)
		return
	}
	history, err := h.inquiries.History(c.Request.Context(), inquiries.HistoryQuery{
		InquiryID:       inquiry.ID,
		Page:            int(page),
		Limit:           int(limit),
		BeforeMessageID: before,
	})
	if err != nil {
		status, code := statusForError(err)
		respondError(c, status, code, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": historyResponseData{
		Messages:   history.Messages,
		Total:      history.Total,
		Page:       history.Page,
		Limit:      history.Limit,
		HasMore:    history.HasMore,
		TotalPages: history.TotalPages,
	}})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	var request markReadPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request", nil)
			return
		}
	}
	inquiry := inquiryFromContext(c)
	updated, err := h.inquiries.MarkRead(c.Request.Context(), inquiry.ID, principalFromContext(c).UserID, request.MessageIDs)
	if err != nil {
		status, code := statusForError(err)
		respondError(c, status, code, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"updated": updated}})
}

// queryInt64 parses an optional integer query parameter; absent parameters yield zero.
func queryInt64(c *gin.Context, key string) (int64, bool) {
	raw, present := c.GetQuery(key)
	if !present || strings.TrimSpace(raw) == "" {
		return 0, true
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

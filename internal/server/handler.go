package server

import (
	"net/http"
	"strconv"

	"relaychat/internal/auth"
	"relaychat/internal/routing"
	"relaychat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	chat *service.Chat
}

func NewHandler(chat *service.Chat) *Handler {
	return &Handler{chat: chat}
}

// SendMessage 处理发送消息请求，:id 为房间 ID 或接收者用户 ID。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	me := auth.GetUserID(c)
	msg, err := h.chat.SendMessage(c.Request.Context(), me, c.Param("id"), req.Text)
	if err != nil {
		h.fail(c, err, "send message", "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessages 处理历史消息查询，支持 limit 与 before_seq 分页。
func (h *Handler) ListMessages(c *gin.Context) {
	var page service.Page
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		page.Limit = n
	}
	if v := c.Query("before_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before_seq"})
			return
		}
		page.BeforeSeq = n
	}
	msgs, err := h.chat.ListMessages(c.Request.Context(), auth.GetUserID(c), c.Param("id"), page)
	if err != nil {
		h.fail(c, err, "list messages", "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) ListOnlineUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.chat.ListOnlineUsers()})
}

func (h *Handler) RoomMembers(c *gin.Context) {
	id, members, err := h.chat.RoomMembers(c.Param("id"))
	if err != nil {
		h.fail(c, err, "room members", "failed to list members")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": id, "members": members})
}

// ListRooms 返回存活房间及其成员数。
func (h *Handler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.chat.Rooms()})
}

// fail maps a service error to a response. Storage details stay in the log.
func (h *Handler) fail(c *gin.Context, err error, op, public string) {
	if routing.IsValidation(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Str("target", c.Param("id")).Msg(op)
	c.JSON(http.StatusInternalServerError, gin.H{"error": public})
}

package server

import (
	"net/http"
	"time"

	"relaychat/internal/auth"
	"relaychat/internal/config"
	"relaychat/internal/metrics"
	"relaychat/internal/mw"
	"relaychat/internal/service"
	"relaychat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// 返回的 stop 用于停服时释放限速器的后台 goroutine。
func SetupRouter(cfg config.Config, chat *service.Chat, hub *ws.Hub, authn auth.Authenticator) (*gin.Engine, func()) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 鉴权在限速之前，已登录请求按用户限速。
	limit, limiter := mw.RateLimit(rate.Every(time.Second/20), 40)
	h := NewHandler(chat)
	api := r.Group("/api/v1")
	api.Use(auth.Middleware(authn), limit)
	api.POST("/messages/:id", h.SendMessage)
	api.GET("/messages/:id", h.ListMessages)
	api.GET("/users/online", h.ListOnlineUsers)
	api.GET("/rooms", h.ListRooms)
	api.GET("/rooms/:id/members", h.RoomMembers)

	r.GET("/ws", ws.Serve(hub, authn, ws.Options{
		SendBuffer:        cfg.WsSendBuffer,
		MessagesPerSecond: cfg.WsMessagesPerSecond,
		AllowedOrigins:    cfg.CORSOrigins,
	}))
	return r, limiter.Stop
}

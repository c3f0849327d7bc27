package ws

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"relaychat/internal/auth"
	"relaychat/internal/event"
	"relaychat/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 16
)

// Options 控制 WebSocket 连接的缓冲、限速与来源校验。
type Options struct {
	SendBuffer        int
	MessagesPerSecond float64
	Burst             int
	// AllowedOrigins empty means any origin (dev).
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 10
	}
	if o.Burst <= 0 {
		o.Burst = 20
	}
	return o
}

// Client is one websocket connection. It implements event.Conn: Send only
// enqueues, and a client whose queue is full is disconnected so a slow
// reader never holds up anyone else.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	session *Session
}

func (c *Client) ID() string { return c.id }

func (c *Client) Send(e event.Event) bool {
	b, err := event.Encode(e)
	if err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Str("type", e.Type).Msg("encode event")
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	default:
		log.Warn().Str("conn_id", c.id).Msg("send queue full, closing slow client")
		_ = c.Close()
		return false
	}
}

// Close asks the write pump to close the connection. Safe to call more
// than once and from any goroutine.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// Serve 完成鉴权后升级为 WebSocket，并在当前 goroutine 运行读循环。
func Serve(h *Hub, authn auth.Authenticator, opts Options) gin.HandlerFunc {
	opts = opts.withDefaults()
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin(opts.AllowedOrigins)}

	return func(c *gin.Context) {
		identity, err := authn.Authenticate(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("user_id", identity).Msg("ws upgrade")
			return
		}
		client := &Client{
			id:      uuid.NewString(),
			conn:    conn,
			send:    make(chan []byte, opts.SendBuffer),
			done:    make(chan struct{}),
			limiter: rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), opts.Burst),
		}
		client.session = h.Open(client, identity)
		log.Info().Str("conn_id", client.id).Str("user_id", identity).Msg("ws connected")

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.session.Close()
		_ = c.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("conn_id", c.id).Msg("ws read")
			}
			return
		}
		if !c.limiter.Allow() {
			metrics.RouteErrorsTotal.WithLabelValues("rate_limited").Inc()
			c.Send(event.Failure("", ErrRateLimited))
			continue
		}
		handleFrame(c.session, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/chat"
	"roomchat/internal/metrics"
	"roomchat/internal/pubsub"
	"roomchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	receiveLimit = 5 * time.Second
)

// readLimit 返回单帧的字节上限。一个字符经 JSON 转义后最多 12 字节（代理对 \uXXXX\uXXXX），
// 另留 1024 字节给外层对象。
func readLimit(maxLen int) int64 {
	return int64(maxLen)*12 + 1024
}

// Client 是一条 WebSocket 连接的传输端，实现 pubsub.Subscriber。
// send 写满或已关闭时 Deliver 返回 ErrStaleSubscriber，由 Broker 剔除。
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

func newClient(buffer, perSecond int) *Client {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Client{
		id:      uuid.NewString(),
		send:    make(chan []byte, buffer),
		limiter: rate.NewLimiter(limit, perSecond),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pubsub.ErrStaleSubscriber
	}
	select {
	case c.send <- payload:
		return nil
	default:
		// 慢消费者：关闭 send，writePump 随即发送 close 帧并断开。
		c.closed = true
		close(c.send)
		log.Warn().Str("conn_id", c.id).Msg("ws send buffer full, dropping client")
		return pubsub.ErrStaleSubscriber
	}
}

// shutdown 关闭 send，writePump 退出后底层连接随之关闭。
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Serve 处理 /ws/:room。握手分两步：升级前只解析身份和房间，以便失败时仍能返回 HTTP 状态码；
// 订阅、登记在线和 user_join 广播只在升级成功后执行。
func Serve(h *Hub, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !websocket.IsWebSocketUpgrade(c.Request) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade required"})
			return
		}
		if !h.originAllowed(c.Request) {
			c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		identity, err := auth.ResolveIdentity(c, h.cfg, db)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		client := newClient(h.cfg.SendBuffer, h.cfg.MessagesPerSecond)
		session := h.engine.NewSession(client, identity, c.Param("room"))
		// 任何退出路径都要清理，包括只完成 Resolve 的情况。
		defer session.Disconnect("handler exit")

		if err := session.Resolve(c.Request.Context()); err != nil {
			var rre *chat.RoomResolutionError
			switch {
			case errors.Is(err, service.ErrInvalidRoomName):
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
			case errors.As(err, &rre):
				log.Error().Err(err).Str("room", c.Param("room")).Msg("ws resolve room")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve room"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to join room"})
			}
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("conn_id", client.id).Msg("ws upgrade")
			client.shutdown()
			return
		}
		client.conn = conn
		h.add(client)
		defer h.remove(client)

		go client.writePump()
		if err := session.Join(); err != nil {
			log.Error().Err(err).Str("conn_id", client.id).Msg("ws join")
			client.shutdown()
			return
		}
		reason := client.readPump(session, readLimit(h.cfg.MaxMessageLength))
		session.Disconnect(reason)
		client.shutdown()
	}
}

// readPump 阻塞读取入站帧直到连接出错，返回断开原因。
func (c *Client) readPump(session *chat.Session, readLimit int64) string {
	defer c.closeConn()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "client close"
			}
			log.Debug().Err(err).Str("conn_id", c.id).Msg("ws read")
			return "read error"
		}
		if !c.limiter.Allow() {
			metrics.RejectedFramesTotal.WithLabelValues("rate_limited").Inc()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), receiveLimit)
		err = session.Receive(ctx, data)
		cancel()
		if err == nil {
			continue
		}
		var pe *chat.ProtocolError
		switch {
		case errors.As(err, &pe), errors.Is(err, chat.ErrUnauthenticated):
			log.Debug().Err(err).Str("conn_id", c.id).Msg("ws drop frame")
		case errors.Is(err, pubsub.ErrStaleSubscriber):
			return "send buffer full"
		default:
			log.Error().Err(err).Str("conn_id", c.id).Msg("ws receive")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package ws

import (
	"net/http"
	"sync"

	"roomchat/internal/chat"
	"roomchat/internal/config"
	"roomchat/internal/mw"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Hub 跟踪当前存活的 WebSocket 客户端，房间路由交给 chat.Engine，
// 这里只负责停服时统一关闭连接。
type Hub struct {
	engine   *chat.Engine
	cfg      config.Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

func NewHub(engine *chat.Engine, cfg config.Config) *Hub {
	h := &Hub{engine: engine, cfg: cfg, clients: make(map[*Client]struct{})}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.originAllowed}
	return h
}

func (h *Hub) originAllowed(r *http.Request) bool {
	return mw.OriginAllowed(h.cfg.Env, h.cfg.AllowedOrigins, r)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.wg.Add(1)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.wg.Done()
	}
}

// Count 返回存活连接数。
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Presence 返回各房间的在线人数，供健康检查接口输出。
func (h *Hub) Presence() map[string]int { return h.engine.Presence() }

// CloseAll 关闭所有底层连接并等待各自的清理流程跑完。
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeConn()
	}
	h.wg.Wait()
	log.Info().Int("closed", len(clients)).Msg("ws hub closed all clients")
}

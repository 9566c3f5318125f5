// Package chat 实现连接状态机与消息路由：加入房间、解析入站帧、广播、私信以及断开清理。
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roomchat/internal/metrics"
	"roomchat/internal/presence"
	"roomchat/internal/pubsub"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Identity 由身份提供方在握手时绑定，核心只读不写。
type Identity struct {
	UserID        uint
	Username      string
	Authenticated bool
}

func Anonymous() Identity { return Identity{} }

// Room 是房间目录解析出的房间标识。
type Room struct {
	ID   uint
	Name string
}

// RoomDirectory 按名称解析房间，对同名调用幂等。
type RoomDirectory interface {
	ResolveOrCreate(ctx context.Context, name string) (Room, error)
}

// MessageStore 追加聊天消息并返回存储时间戳。
type MessageStore interface {
	Append(ctx context.Context, user Identity, room Room, content string) (time.Time, error)
}

// Conn 是一条连接的出站端，既作为组成员接收广播，也接收直发事件。
type Conn = pubsub.Subscriber

func RoomGroup(room string) string  { return "room:" + room }
func InboxGroup(user string) string { return "inbox:" + user }

type Options struct {
	MaxMessageLength int
}

// Engine 持有所有连接共享的组件，并为每个 socket 创建 Session。
type Engine struct {
	broker   *pubsub.Broker
	presence *presence.Tracker
	rooms    RoomDirectory
	store    MessageStore
	router   *Router
	maxLen   int
}

func NewEngine(b *pubsub.Broker, p *presence.Tracker, rooms RoomDirectory, store MessageStore, opts Options) *Engine {
	return &Engine{
		broker:   b,
		presence: p,
		rooms:    rooms,
		store:    store,
		router:   NewRouter(b),
		maxLen:   opts.MaxMessageLength,
	}
}

func (e *Engine) NewSession(conn Conn, id Identity, room string) *Session {
	return &Session{engine: e, conn: conn, identity: id, roomName: room}
}

// Online 返回房间当前在线人数。
func (e *Engine) Online(room string) int { return e.presence.Count(room) }

// Presence 返回各房间的在线人数快照。
func (e *Engine) Presence() map[string]int { return e.presence.Snapshot() }

type State int

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session 是单个连接的状态机：Connecting -> Joined -> Closed。
// 所有方法在 mu 下执行，Disconnect 与 Connect/Receive 互斥。
type Session struct {
	engine   *Engine
	conn     Conn
	identity Identity
	roomName string

	mu        sync.Mutex
	state     State
	room      Room
	resolved  bool
	groups    []string
	present   bool
	closeOnce sync.Once
}

func (s *Session) ID() string { return s.conn.ID() }

func (s *Session) Identity() Identity { return s.identity }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) logger() *zerolog.Logger {
	l := log.With().Str("conn_id", s.conn.ID()).Str("room", s.roomName).Str("user", s.identity.Username).Logger()
	return &l
}

func (s *Session) subscribe(group string) {
	s.engine.broker.Subscribe(group, s.conn)
	s.groups = append(s.groups, group)
}

func (s *Session) publish(group string, evt Event) int {
	payload, err := evt.Encode()
	if err != nil {
		s.logger().Error().Err(err).Stringer("kind", evt.Kind).Msg("encode event")
		return 0
	}
	return s.engine.broker.Publish(group, payload)
}

// Connect 依次执行 Resolve 与 Join。
func (s *Session) Connect(ctx context.Context) error {
	if err := s.Resolve(ctx); err != nil {
		return err
	}
	return s.Join()
}

// Resolve 解析（必要时创建）房间，状态仍为 Connecting，不产生订阅或广播。
// 解析失败时返回 *RoomResolutionError，状态直接变为 Closed。
func (s *Session) Resolve(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting || s.resolved {
		return fmt.Errorf("chat: resolve in state %s", s.state)
	}

	room, err := s.engine.rooms.ResolveOrCreate(ctx, s.roomName)
	if err != nil {
		s.state = StateClosed
		return &RoomResolutionError{Room: s.roomName, Err: err}
	}
	s.room = room
	s.resolved = true
	return nil
}

// Join 完成加入流程：订阅房间组和收件箱、登记在线、发送在线快照并广播 user_join。
// 必须在 Resolve 成功之后调用。同一用户已有连接在房间内时不再广播 user_join。
func (s *Session) Join() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting || !s.resolved {
		return fmt.Errorf("chat: join in state %s", s.state)
	}
	room := s.room
	s.state = StateJoined

	first := false
	s.subscribe(RoomGroup(room.Name))
	if s.identity.Authenticated {
		s.subscribe(InboxGroup(s.identity.Username))
		first = s.engine.presence.Join(room.Name, s.identity.Username)
		s.present = true
	}

	snapshot, err := UserList(s.engine.presence.Users(room.Name)).Encode()
	if err == nil {
		err = s.conn.Deliver(snapshot)
	}
	if err != nil {
		s.logger().Warn().Err(err).Msg("send user list")
	}

	if first {
		s.publish(RoomGroup(room.Name), UserJoin(s.identity.Username))
	}
	metrics.WsConnections.Inc()
	s.logger().Info().Bool("authenticated", s.identity.Authenticated).Msg("ws joined")
	return nil
}

// Disconnect 撤销加入流程中已完成的每一步，多次调用只生效一次。
// 只完成 Resolve 或 Join 未执行时同样安全。用户的最后一条连接离开时才广播 user_leave。
func (s *Session) Disconnect(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		prev := s.state
		s.state = StateClosed

		for i := len(s.groups) - 1; i >= 0; i-- {
			s.engine.broker.Unsubscribe(s.groups[i], s.conn)
		}
		s.groups = nil

		if s.present {
			last := s.engine.presence.Leave(s.room.Name, s.identity.Username)
			s.present = false
			if last {
				s.publish(RoomGroup(s.room.Name), UserLeave(s.identity.Username))
			}
		}
		if prev == StateJoined {
			metrics.WsConnections.Dec()
		}
		s.logger().Info().Str("reason", reason).Stringer("from", prev).Msg("ws closed")
	})
}

// Receive 处理一个入站帧。返回 *ProtocolError 或 ErrUnauthenticated 时调用方
// 只需丢弃该帧，连接保持打开。
func (s *Session) Receive(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return ErrNotJoined
	}

	text, err := parseFrame(raw, s.engine.maxLen)
	if err != nil {
		metrics.RejectedFramesTotal.WithLabelValues("protocol").Inc()
		return err
	}
	if !s.identity.Authenticated {
		metrics.RejectedFramesTotal.WithLabelValues("unauthenticated").Inc()
		return ErrUnauthenticated
	}

	target, body, private, err := parsePrivate(text)
	if err != nil {
		metrics.RejectedFramesTotal.WithLabelValues("protocol").Inc()
		return err
	}
	if private {
		return s.engine.router.Route(s.identity, s.conn, target, body)
	}

	// 先落库再广播：在线用户看到的消息一定已经持久化。
	if _, err := s.engine.store.Append(ctx, s.identity, s.room, text); err != nil {
		return fmt.Errorf("chat: persist message: %w", err)
	}
	s.publish(RoomGroup(s.room.Name), ChatMessage(s.identity.Username, text))
	metrics.WsMessagesTotal.Inc()
	return nil
}

package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/chat"
	"roomchat/internal/config"
	"roomchat/internal/db"
	"roomchat/internal/models"
	"roomchat/internal/presence"
	"roomchat/internal/pubsub"
	"roomchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestClient_DeliverFullBufferIsStale(t *testing.T) {
	c := newClient(1, 0)
	require.NoError(t, c.Deliver([]byte("a")))
	assert.ErrorIs(t, c.Deliver([]byte("b")), pubsub.ErrStaleSubscriber)
	assert.ErrorIs(t, c.Deliver([]byte("c")), pubsub.ErrStaleSubscriber)

	msg, ok := <-c.send
	assert.True(t, ok)
	assert.Equal(t, "a", string(msg))
	_, ok = <-c.send
	assert.False(t, ok, "send must be closed after overflow")

	c.shutdown() // 已关闭时再次调用不能 panic
}

func TestClient_UniqueIDs(t *testing.T) {
	assert.NotEqual(t, newClient(1, 1).ID(), newClient(1, 1).ID())
}

type wsFrame struct {
	Type    string   `json:"type"`
	User    string   `json:"user"`
	Users   []string `json:"users"`
	Target  string   `json:"target"`
	Message string   `json:"message"`
}

type testEnv struct {
	srv     *httptest.Server
	hub     *Hub
	engine  *chat.Engine
	tracker *presence.Tracker
	db      *gorm.DB
	cfg     config.Config
}

func newTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.Connect(context.Background(), db.SQLitePrefix+filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	cfg := config.Config{
		JWTSecret:             "test-secret",
		AccessTokenTTLMinutes: 15,
		MaxMessageLength:      512,
		SendBuffer:            64,
		MessagesPerSecond:     100,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	tracker := presence.NewTracker()
	engine := chat.NewEngine(pubsub.NewBroker(), tracker, service.NewRoomService(gdb, tracker), service.NewMessageService(gdb), chat.Options{MaxMessageLength: cfg.MaxMessageLength})
	hub := NewHub(engine, cfg)

	r := gin.New()
	r.GET("/ws/:room", Serve(hub, gdb))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = sqlDB.Close()
	})
	return &testEnv{srv: srv, hub: hub, engine: engine, tracker: tracker, db: gdb, cfg: cfg}
}

func (e *testEnv) token(t *testing.T, username string) string {
	t.Helper()
	user := models.User{Username: username, PasswordHash: "x"}
	require.NoError(t, e.db.Create(&user).Error)
	tok, err := auth.GenerateAccessToken(user.ID, e.cfg.JWTSecret, e.cfg.AccessTokenTTLMinutes)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, room, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/" + room
	if token != "" {
		u += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// expect 读取下一帧并断言其类型。
func expect(t *testing.T, conn *websocket.Conn, typ string) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, typ, f.Type, "frame %+v", f)
	return f
}

func say(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"message": text}))
}

func TestServe_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	aliceTok, bobTok := env.token(t, "alice"), env.token(t, "bob")

	alice, _, err := env.dial(t, "general", aliceTok)
	require.NoError(t, err)
	list := expect(t, alice, "user_list")
	assert.Equal(t, []string{"alice"}, list.Users)
	assert.Equal(t, "alice", expect(t, alice, "user_join").User)

	bob, _, err := env.dial(t, "general", bobTok)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, expect(t, bob, "user_list").Users)
	expect(t, bob, "user_join")
	assert.Equal(t, "bob", expect(t, alice, "user_join").User)

	say(t, alice, "/pm bob hi")
	pm := expect(t, bob, "private_message")
	assert.Equal(t, wsFrame{Type: "private_message", User: "alice", Message: "hi"}, pm)
	ack := expect(t, alice, "private_message_delivered")
	assert.Equal(t, wsFrame{Type: "private_message_delivered", Target: "bob", Message: "hi"}, ack)

	say(t, alice, "hello room")
	want := wsFrame{Type: "chat_message", User: "alice", Message: "hello room"}
	assert.Equal(t, want, expect(t, alice, "chat_message"))
	assert.Equal(t, want, expect(t, bob, "chat_message"))

	var stored []models.Message
	require.NoError(t, env.db.Find(&stored).Error)
	require.Len(t, stored, 1, "private messages are never persisted")
	assert.Equal(t, "hello room", stored[0].Content)
	assert.Equal(t, "alice", stored[0].Username)

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, "bob", expect(t, alice, "user_leave").User)
	assert.Equal(t, []string{"alice"}, env.tracker.Users("general"))
}

func TestServe_AnonymousListener(t *testing.T) {
	env := newTestEnv(t)
	alice, _, err := env.dial(t, "general", env.token(t, "alice"))
	require.NoError(t, err)
	expect(t, alice, "user_list")
	expect(t, alice, "user_join")

	anon, _, err := env.dial(t, "general", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, expect(t, anon, "user_list").Users)
	assert.Equal(t, 1, env.engine.Online("general"))

	say(t, alice, "hi all")
	assert.Equal(t, "hi all", expect(t, anon, "chat_message").Message)
}

func TestServe_RejectsBadHandshake(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := env.dial(t, "general", "not-a-token")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = env.dial(t, "%20%20", "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, env.hub.Count())
}

func TestHub_CloseAll(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := env.dial(t, "general", env.token(t, "alice"))
	require.NoError(t, err)
	expect(t, conn, "user_list")
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	env.hub.CloseAll()

	assert.Equal(t, 0, env.hub.Count())
	assert.Equal(t, 0, env.engine.Online("general"))
}

func TestServe_PlainGETHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	aliceTok := env.token(t, "alice")
	bob, _, err := env.dial(t, "general", env.token(t, "bob"))
	require.NoError(t, err)
	expect(t, bob, "user_list")
	expect(t, bob, "user_join")

	for _, room := range []string{"general", "junkroom"} {
		resp, err := http.Get(env.srv.URL + "/ws/" + room + "?token=" + aliceTok)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "room %s", room)
	}

	assert.Equal(t, []string{"bob"}, env.tracker.Users("general"))
	assert.Equal(t, map[string]int{"general": 1}, env.hub.Presence())
	var n int64
	require.NoError(t, env.db.Model(&models.Room{}).Where("name = ?", "junkroom").Count(&n).Error)
	assert.Zero(t, n, "plain GET must not create rooms")

	// alice 的 user_join 若被广播，会先于这条消息到达。
	say(t, bob, "still alone")
	assert.Equal(t, "still alone", expect(t, bob, "chat_message").Message)
}

func TestServe_ForeignOriginRejectedBeforeJoin(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Env = "prod" })

	u := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/general?token=" + env.token(t, "alice")
	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, env.engine.Online("general"))
	assert.Empty(t, env.hub.Presence())
}

func TestReadLimit(t *testing.T) {
	escaped := `{"message":"` + strings.Repeat(`\ud83d\ude00`, 512) + `"}`
	assert.GreaterOrEqual(t, readLimit(512), int64(len(escaped)))
	assert.Equal(t, int64(1024), readLimit(0))
}

func TestServe_EscapedMessageAtLengthLimit(t *testing.T) {
	env := newTestEnv(t)
	alice, _, err := env.dial(t, "general", env.token(t, "alice"))
	require.NoError(t, err)
	expect(t, alice, "user_list")
	expect(t, alice, "user_join")

	frame := func(n int) []byte {
		return []byte(`{"message":"` + strings.Repeat(`\ud83d\ude00`, n) + `"}`)
	}

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, frame(env.cfg.MaxMessageLength)))
	got := expect(t, alice, "chat_message")
	assert.Equal(t, strings.Repeat("\U0001F600", env.cfg.MaxMessageLength), got.Message)

	// 超长一个字符：丢弃该帧，连接保持打开。
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, frame(env.cfg.MaxMessageLength+1)))
	say(t, alice, "after")
	assert.Equal(t, "after", expect(t, alice, "chat_message").Message)

	var stored int64
	require.NoError(t, env.db.Model(&models.Message{}).Count(&stored).Error)
	assert.Equal(t, int64(2), stored)
}

func TestServe_OversizedFrameClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	alice, _, err := env.dial(t, "general", env.token(t, "alice"))
	require.NoError(t, err)
	expect(t, alice, "user_list")
	expect(t, alice, "user_join")

	big := make([]byte, readLimit(env.cfg.MaxMessageLength)+1)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, big))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = alice.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return env.engine.Online("general") == 0 }, 2*time.Second, 10*time.Millisecond)
}

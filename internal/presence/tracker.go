// Package presence 记录每个房间当前在线的已认证用户。同一用户的多条连接
// 分别计数，在线人数按用户去重。
package presence

import (
	"sort"
	"sync"

	"roomchat/internal/metrics"
)

// Room 持有一个房间的在线用户及其连接数，只能通过自身方法修改。
type Room struct {
	Name string

	mu     sync.Mutex
	online map[string]int
}

func newRoom(name string) *Room {
	return &Room{Name: name, online: make(map[string]int)}
}

// Join 为 user 记一条连接；只有第一条连接返回 true。
func (r *Room) Join(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[user]++
	return r.online[user] == 1
}

// Leave 释放 user 的一条连接；最后一条连接离开时返回 true，未在线时为空操作。
func (r *Room) Leave(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.online[user]
	if !ok {
		return false
	}
	if n > 1 {
		r.online[user] = n - 1
		return false
	}
	delete(r.online, user)
	return true
}

// Connections 返回 user 在本房间的连接数。
func (r *Room) Connections(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[user]
}

func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.online)
}

// Users 返回按字母序排列的在线用户快照。
func (r *Room) Users() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.online))
	for u := range r.online {
		out = append(out, u)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Tracker 按房间名懒加载 Room，与 ws.Hub 的 GetRoom 同样采用双检锁。
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]*Room)}
}

// Room 返回指定房间，不存在则创建。房间从不删除。
func (t *Tracker) Room(name string) *Room {
	t.mu.RLock()
	r := t.rooms[name]
	t.mu.RUnlock()
	if r != nil {
		return r
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r = t.rooms[name]; r != nil {
		return r
	}
	r = newRoom(name)
	t.rooms[name] = r
	return r
}

func (t *Tracker) Join(room, user string) bool {
	added := t.Room(room).Join(user)
	if added {
		metrics.RoomsOnline.Inc()
	}
	return added
}

func (t *Tracker) Leave(room, user string) bool {
	removed := t.Room(room).Leave(user)
	if removed {
		metrics.RoomsOnline.Dec()
	}
	return removed
}

// Count 对未出现过的房间返回 0，且不会为其创建条目。
func (t *Tracker) Count(room string) int {
	t.mu.RLock()
	r := t.rooms[room]
	t.mu.RUnlock()
	if r == nil {
		return 0
	}
	return r.Count()
}

func (t *Tracker) Users(room string) []string {
	return t.Room(room).Users()
}

// Snapshot 返回所有已知房间的在线人数，健康检查接口用它输出概况。
func (t *Tracker) Snapshot() map[string]int {
	t.mu.RLock()
	rooms := make([]*Room, 0, len(t.rooms))
	for _, r := range t.rooms {
		rooms = append(rooms, r)
	}
	t.mu.RUnlock()

	out := make(map[string]int, len(rooms))
	for _, r := range rooms {
		out[r.Name] = r.Count()
	}
	return out
}

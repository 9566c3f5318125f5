// Package pubsub 提供按组名扇出的发布订阅代理。
//
// 每个组持有独立的互斥锁：同一组上的 Subscribe、Unsubscribe、Publish 互相线性化，
// 不同组之间互不阻塞，也不保证顺序。
package pubsub

import (
	"errors"
	"sync"

	"roomchat/internal/metrics"

	"github.com/rs/zerolog/log"
)

// ErrStaleSubscriber 表示订阅者已关闭或缓冲区已满，Publish 会把它从组里剔除。
var ErrStaleSubscriber = errors.New("pubsub: stale subscriber")

// Subscriber 是组成员。Deliver 在组锁内调用，必须非阻塞。
type Subscriber interface {
	ID() string
	Deliver(payload []byte) error
}

// Relay 把本地发布转发给其他实例，为空时代理只在进程内扇出。
type Relay interface {
	Forward(group string, payload []byte)
}

type group struct {
	mu      sync.Mutex
	members map[string]Subscriber
	// dead 表示该组已从 Broker 中摘除，持有旧指针的调用方需要重新获取。
	dead bool
}

type Broker struct {
	mu     sync.RWMutex
	groups map[string]*group
	relay  Relay
}

func NewBroker() *Broker {
	return &Broker{groups: make(map[string]*group)}
}

// SetRelay 在启动阶段挂载跨实例转发，必须在任何 Publish 之前调用。
func (b *Broker) SetRelay(r Relay) { b.relay = r }

func (b *Broker) lookup(name string) *group {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.groups[name]
}

func (b *Broker) getOrCreate(name string) *group {
	if g := b.lookup(name); g != nil {
		return g
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.groups[name]
	if g == nil {
		g = &group{members: make(map[string]Subscriber)}
		b.groups[name] = g
	}
	return g
}

// reap 在组为空时将其摘除。锁顺序固定为 Broker 锁 -> 组锁。
func (b *Broker) reap(name string, g *group) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) == 0 && b.groups[name] == g {
		g.dead = true
		delete(b.groups, name)
	}
}

// Subscribe 幂等地把 sub 加入组。
func (b *Broker) Subscribe(name string, sub Subscriber) {
	for {
		g := b.getOrCreate(name)
		g.mu.Lock()
		if g.dead {
			g.mu.Unlock()
			continue
		}
		g.members[sub.ID()] = sub
		g.mu.Unlock()
		return
	}
}

// Unsubscribe 幂等地把 sub 移出组，不存在时什么也不做。
func (b *Broker) Unsubscribe(name string, sub Subscriber) {
	g := b.lookup(name)
	if g == nil {
		return
	}
	g.mu.Lock()
	if cur, ok := g.members[sub.ID()]; ok && cur == sub {
		delete(g.members, sub.ID())
	}
	empty := len(g.members) == 0
	g.mu.Unlock()
	if empty {
		b.reap(name, g)
	}
}

// Publish 向调用时刻的全部组成员投递 payload，并转发给 Relay。
// 返回本地成功投递的数量；空组直接返回 0。
func (b *Broker) Publish(name string, payload []byte) int {
	n := b.PublishLocal(name, payload)
	if b.relay != nil {
		b.relay.Forward(name, payload)
	}
	return n
}

// PublishLocal 只在本进程内扇出，Relay 收到远端消息时调用它以避免回环。
func (b *Broker) PublishLocal(name string, payload []byte) int {
	g := b.lookup(name)
	if g == nil {
		return 0
	}

	g.mu.Lock()
	delivered, pruned := 0, 0
	for id, sub := range g.members {
		if err := sub.Deliver(payload); err != nil {
			delete(g.members, id)
			pruned++
			continue
		}
		delivered++
	}
	empty := len(g.members) == 0
	g.mu.Unlock()

	if pruned > 0 {
		metrics.PrunedSubscribersTotal.Add(float64(pruned))
		log.Debug().Str("group", name).Int("pruned", pruned).Msg("pubsub prune stale subscribers")
	}
	if empty {
		b.reap(name, g)
	}
	return delivered
}

// Members 返回组当前成员数。
func (b *Broker) Members(name string) int {
	g := b.lookup(name)
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

func (b *Broker) Groups() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups)
}

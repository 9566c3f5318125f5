// Package relay 通过 Redis Pub/Sub 在多个实例之间转发组消息。
//
// 每个实例把本地 Publish 的结果写入同一个频道，其他实例收到后调用
// Broker.PublishLocal 在本地扇出。消息带有来源实例 ID，自己发出的消息会被忽略。
// 写 Redis 在 Run 启动的后台循环中进行，Forward 只入队，队列满时丢弃。
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"roomchat/internal/metrics"
	"roomchat/internal/pubsub"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultChannel 是所有实例共享的 Redis 频道。
const DefaultChannel = "roomchat:groups"

const (
	publishTimeout = 2 * time.Second
	queueSize      = 1024
)

var ErrSubscriptionClosed = errors.New("relay: subscription closed")

type envelope struct {
	Origin  string          `json:"origin"`
	Group   string          `json:"group"`
	Payload json.RawMessage `json:"payload"`
}

// Relay 实现 pubsub.Relay。
type Relay struct {
	client  *redis.Client
	broker  *pubsub.Broker
	channel string
	origin  string
	queue   chan envelope
}

func New(client *redis.Client, broker *pubsub.Broker, channel string) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		client:  client,
		broker:  broker,
		channel: channel,
		origin:  uuid.NewString(),
		queue:   make(chan envelope, queueSize),
	}
}

// Origin 返回本实例的 ID。
func (r *Relay) Origin() string { return r.origin }

// Forward 把一次本地发布放入发送队列，从不阻塞调用方。队列满时丢弃并计数，
// 本地投递不受影响。
func (r *Relay) Forward(group string, payload []byte) {
	select {
	case r.queue <- envelope{Origin: r.origin, Group: group, Payload: payload}:
	default:
		metrics.RelayMessagesTotal.WithLabelValues("dropped").Inc()
		log.Warn().Str("group", group).Msg("relay queue full, dropping message")
	}
}

// Run 启动发送循环并订阅频道，把远端消息投递到本地组，直到 ctx 结束。
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.drain(ctx) })
	g.Go(func() error { return r.receive(ctx) })
	return g.Wait()
}

// drain 逐条把队列中的消息写入 Redis。
func (r *Relay) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-r.queue:
			r.publish(ctx, env)
		}
	}
}

func (r *Relay) publish(ctx context.Context, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("group", env.Group).Msg("relay encode")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		log.Warn().Err(err).Str("group", env.Group).Msg("relay publish")
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues("out").Inc()
}

func (r *Relay) receive(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// 等待订阅确认，连不上 Redis 时尽早失败。
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	log.Info().Str("channel", r.channel).Str("origin", r.origin).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			r.handle([]byte(msg.Payload))
		}
	}
}

// handle 解析一条远端消息并在本地扇出，返回本地投递数量。
func (r *Relay) handle(raw []byte) int {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Group == "" {
		log.Warn().Err(err).Msg("relay drop malformed envelope")
		return 0
	}
	if env.Origin == r.origin {
		return 0
	}
	metrics.RelayMessagesTotal.WithLabelValues("in").Inc()
	return r.broker.PublishLocal(env.Group, env.Payload)
}

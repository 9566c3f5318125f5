package chat

import (
	"roomchat/internal/metrics"
	"roomchat/internal/pubsub"

	"github.com/rs/zerolog/log"
)

// Router 把私信投递到目标用户的 inbox 组，并只给发送方回执。
// 投递是尽力而为的：目标不在线时消息直接丢弃，既不排队也不落库。
type Router struct {
	broker *pubsub.Broker
}

func NewRouter(b *pubsub.Broker) *Router {
	return &Router{broker: b}
}

func (r *Router) Route(sender Identity, reply pubsub.Subscriber, target, body string) error {
	payload, err := PrivateMessage(sender.Username, body).Encode()
	if err != nil {
		return err
	}
	n := r.broker.Publish(InboxGroup(target), payload)
	metrics.PrivateMessagesTotal.Inc()
	log.Debug().Str("from", sender.Username).Str("to", target).Int("delivered", n).Msg("private message")

	ack, err := PrivateDelivered(target, body).Encode()
	if err != nil {
		return err
	}
	return reply.Deliver(ack)
}

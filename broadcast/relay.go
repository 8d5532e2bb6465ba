package broadcast

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// envelope wraps a change event on the wire with the publishing instance id
// so an instance skips events it already delivered locally.
type envelope struct {
	Origin string             `json:"origin"`
	Event  domain.ChangeEvent `json:"event"`
}

// Relay mirrors change events across instances over a Redis pub/sub
// channel. Local publishes go to the in-process broker first, then to
// Redis; remote publishes arrive through Run and land in the broker only.
type Relay struct {
	broker  *Broker
	redis   *redis.Client
	channel string
	origin  string
	logger  *log.Logger
}

func NewRelay(broker *Broker, client *redis.Client, channel string, logger *log.Logger) *Relay {
	if broker == nil {
		panic("broadcast.NewRelay: broker is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{
		broker:  broker,
		redis:   client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Publish delivers locally and forwards to the other instances. A Redis
// failure is logged and swallowed; the mutation already committed and local
// observers were already notified.
func (r *Relay) Publish(ctx context.Context, ev domain.ChangeEvent) {
	r.broker.Publish(ctx, ev)
	if r.redis == nil {
		return
	}
	data, err := sonic.ConfigStd.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		r.logger.WithError(err).Error("relay marshal failed")
		return
	}
	if err := r.redis.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.WithError(err).Warn("relay publish failed")
	}
}

// Run consumes remote events until the context ends, reconnecting when the
// pub/sub channel closes.
func (r *Relay) Run(ctx context.Context) {
	if r.redis == nil {
		return
	}
	for {
		sub := r.redis.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env envelope
				if err := sonic.ConfigStd.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.WithError(err).Error("relay decode failed")
					continue
				}
				if env.Origin == r.origin {
					continue
				}
				r.broker.Publish(ctx, env.Event)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("relay pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

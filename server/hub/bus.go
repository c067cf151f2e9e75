package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/peercollab/peercollab/server/config"
	"github.com/peercollab/peercollab/server/errors"
)

const channelPrefix = "peercollab:"

// redisBus carries broadcasts between hub processes over Redis pub/sub, one
// channel per document.
type redisBus struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
}

func newRedisBus(ctx context.Context, cfg config.BroadcastConfig) (*redisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "redis %s", cfg.RedisAddr)
	}
	pubsub := rdb.PSubscribe(ctx, channelPrefix+"*")
	// Wait for the subscription so that nothing published after New returns
	// is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		rdb.Close()
		return nil, errors.Wrap(err, "redis subscribe")
	}
	return &redisBus{rdb: rdb, pubsub: pubsub}, nil
}

func (b *redisBus) publish(ctx context.Context, e envelope) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelPrefix+e.DocID, buf).Err()
}

// run relays messages from Redis to deliver until the bus is closed.
func (b *redisBus) run(deliver func(envelope), logger *slog.Logger) {
	for msg := range b.pubsub.Channel() {
		var e envelope
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			logger.Warn("bad bus message", "channel", msg.Channel, "err", err)
			continue
		}
		if e.DocID != strings.TrimPrefix(msg.Channel, channelPrefix) {
			logger.Warn("bus message on wrong channel", "channel", msg.Channel, "doc", e.DocID)
			continue
		}
		deliver(e)
	}
}

func (b *redisBus) close() error {
	b.pubsub.Close()
	return b.rdb.Close()
}

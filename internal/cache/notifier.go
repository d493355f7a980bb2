package cache

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/logging"
)

// RedisNotifier fans committed account writes out to every instance over
// Redis pub/sub. While Redis is unavailable it degrades to in-process
// delivery.
type RedisNotifier struct {
	cache  *CacheService
	local  *database.LocalNotifier
	prefix string
	logger *logging.Logger
}

// NewRedisNotifier creates a notifier on top of cs
func NewRedisNotifier(cs *CacheService) *RedisNotifier {
	return &RedisNotifier{
		cache:  cs,
		local:  database.NewLocalNotifier(),
		prefix: cs.Prefix(),
		logger: logging.WithComponent("redis_notifier"),
	}
}

// Publish implements database.Notifier
func (n *RedisNotifier) Publish(ctx context.Context, acct *database.Account) {
	payload, err := json.Marshal(acct)
	if err != nil {
		n.logger.Error("failed to encode account change", "account_id", acct.ID, "error", err.Error())
		return
	}
	if err := n.cache.Publish(ctx, AccountChannel(n.prefix, acct.ID), payload); err != nil {
		n.logger.Debug("redis publish failed, delivering locally", "account_id", acct.ID, "error", err.Error())
		n.local.Publish(ctx, acct)
	}
}

// Subscribe implements database.Notifier. The channel carries changes from
// Redis and from local fallback delivery, keeping only the latest value.
func (n *RedisNotifier) Subscribe(ctx context.Context, id string) (<-chan *database.Account, error) {
	localCh, err := n.local.Subscribe(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan *database.Account, 1)
	sub, err := n.cache.Subscribe(ctx, AccountChannel(n.prefix, id))
	if err != nil {
		n.logger.Warn("redis subscribe failed, watching local changes only", "account_id", id, "error", err.Error())
	}

	go func() {
		defer close(out)
		var redisCh <-chan *redis.Message
		if sub != nil {
			defer sub.Close()
			redisCh = sub.Channel()
		}

		for {
			select {
			case <-ctx.Done():
				return
			case acct, ok := <-localCh:
				if !ok {
					return
				}
				sendLatest(out, acct)
			case msg, ok := <-redisCh:
				if !ok {
					redisCh = nil
					continue
				}
				var acct database.Account
				if err := json.Unmarshal([]byte(msg.Payload), &acct); err != nil {
					n.logger.Warn("dropping undecodable account change", "channel", msg.Channel, "error", err.Error())
					continue
				}
				sendLatest(out, &acct)
			}
		}
	}()
	return out, nil
}

func sendLatest(ch chan *database.Account, acct *database.Account) {
	for {
		select {
		case ch <- acct:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"editorSync/backend/internal/presence"
)

const DefaultRosterTTL = 2 * time.Minute

// RosterCache 把本实例的在线名单镜像到 Redis，多个实例共享同一命名空间时
// 可以读到全部在线参与者。条目带逻辑 TTL，实例崩溃后自然过期。
type RosterCache struct {
	rdb *redis.Client
	ns  string
	ttl time.Duration
	log *logrus.Entry
}

func NewRosterCache(rdb *redis.Client, namespace string, ttl time.Duration, log *logrus.Entry) *RosterCache {
	if ttl <= 0 {
		ttl = DefaultRosterTTL
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RosterCache{rdb: rdb, ns: namespace, ttl: ttl, log: log.WithField("component", "roster-cache")}
}

// 清理过期成员：
// KEYS[1] = rosterKey, KEYS[2] = participantsKey, ARGV[1] = now (unix seconds)
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// Put 写入或刷新一个参与者，刷新 TTL 也直接调用 Put
func (c *RosterCache) Put(ctx context.Context, connID string, p presence.Participant) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tx := c.rdb.TxPipeline()
	expireAt := time.Now().Add(c.ttl).Unix()
	tx.ZAdd(ctx, rosterKey(c.ns), redis.Z{Score: float64(expireAt), Member: connID})
	tx.HSet(ctx, participantsKey(c.ns), connID, b)
	_, err = tx.Exec(ctx)
	return err
}

func (c *RosterCache) Remove(ctx context.Context, connID string) error {
	tx := c.rdb.TxPipeline()
	tx.ZRem(ctx, rosterKey(c.ns), connID)
	tx.HDel(ctx, participantsKey(c.ns), connID)
	_, err := tx.Exec(ctx)
	return err
}

// Roster 返回所有未过期的参与者，按过期时间排序
func (c *RosterCache) Roster(ctx context.Context) ([]presence.Participant, error) {
	now := time.Now().Unix()
	if err := pruneScript.Run(ctx, c.rdb, []string{rosterKey(c.ns), participantsKey(c.ns)}, now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	alive, err := c.rdb.ZRangeByScore(ctx, rosterKey(c.ns), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	vals, err := c.rdb.HMGet(ctx, participantsKey(c.ns), alive...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]presence.Participant, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p presence.Participant
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			c.log.WithError(err).WithField("conn", alive[i]).Warn("skip undecodable roster entry")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// RosterSource 提供本实例当前的连接名单
type RosterSource interface {
	Entries() map[string]presence.Participant
}

// KeepAlive 每隔 interval 刷新本实例全部条目的 TTL，直到 ctx 结束
func (c *RosterCache) KeepAlive(ctx context.Context, interval time.Duration, src RosterSource) {
	if interval <= 0 {
		interval = c.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for connID, p := range src.Entries() {
				if err := c.Put(ctx, connID, p); err != nil {
					c.log.WithError(err).Warn("roster keepalive failed")
					break
				}
			}
		}
	}
}

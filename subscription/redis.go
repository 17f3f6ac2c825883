package subscription

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const DefaultChannelPrefix = "boardsync"

// RedisFeed delivers changes published on Redis pub/sub channels, one channel
// per board and table.
type RedisFeed struct {
	rc        *redis.Client
	prefix    string
	reconnect time.Duration
}

func NewRedisFeed(rc *redis.Client, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisFeed{rc: rc, prefix: prefix, reconnect: time.Second}
}

func (f *RedisFeed) Listen(ctx context.Context, topic Topic, rcv Receiver) error {
	channel := topic.Channel(f.prefix)
	for {
		sub := f.rc.Subscribe(ctx, channel)
		// wait for the subscription to be confirmed so nothing published
		// after Resync is missed
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).WithField("channel", channel).Error("subscribe failed")
		} else {
			rcv.Resync()
			f.read(ctx, sub.Channel(), rcv)
			_ = sub.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithField("channel", channel).Error("pubsub channel closed, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnect):
		}
	}
}

func (f *RedisFeed) read(ctx context.Context, ch <-chan *redis.Message, rcv Receiver) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change domain.Change
			if err := sonic.UnmarshalString(msg.Payload, &change); err != nil {
				log.WithError(err).WithField("channel", msg.Channel).Error("unable to parse change")
				continue
			}
			rcv.Receive(change)
		}
	}
}

// RedisPublisher stamps each change with the next cursor of its topic and
// publishes it.
type RedisPublisher struct {
	rc     *redis.Client
	prefix string
}

func NewRedisPublisher(rc *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{rc: rc, prefix: prefix}
}

func cursorKey(channel string) string { return channel + ":cursor" }

func (p *RedisPublisher) Publish(ctx context.Context, boardID string, ch domain.Change) error {
	channel := Topic{BoardID: boardID, Table: ch.Table}.Channel(p.prefix)
	seq, err := p.rc.Incr(ctx, cursorKey(channel)).Result()
	if err != nil {
		return fmt.Errorf("advance cursor of %s: %w", channel, err)
	}
	ch.Cursor = seq
	data, err := sonic.MarshalString(ch)
	if err != nil {
		return err
	}
	if err := p.rc.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// RedisCursors reads the current cursor of every table of a board. Tables
// that never published report zero.
type RedisCursors struct {
	rc     *redis.Client
	prefix string
}

func NewRedisCursors(rc *redis.Client, prefix string) *RedisCursors {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisCursors{rc: rc, prefix: prefix}
}

func (c *RedisCursors) Cursors(ctx context.Context, boardID string) (map[domain.EntityType]int64, error) {
	topics := Topics(boardID)
	keys := make([]string, len(topics))
	for i, t := range topics {
		keys[i] = cursorKey(t.Channel(c.prefix))
	}
	vals, err := c.rc.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[domain.EntityType]int64, len(topics))
	for i, t := range topics {
		et, _ := domain.EntityTypeForTable(t.Table)
		out[et] = 0
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cursor %s: %w", keys[i], err)
		}
		out[et] = n
	}
	return out, nil
}

package subscription

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// NotifyChannel is the channel the change trigger notifies on.
const NotifyChannel = "boardsync_changes"

type notification struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
	BoardID   string          `json:"board_id"`
}

// PostgresFeed listens to the notifications of the change trigger. Every
// notification carries the board it belongs to, so the feed filters by topic.
type PostgresFeed struct {
	pool      *pgxpool.Pool
	reconnect time.Duration
}

func NewPostgresFeed(pool *pgxpool.Pool) *PostgresFeed {
	return &PostgresFeed{pool: pool, reconnect: time.Second}
}

func (f *PostgresFeed) Listen(ctx context.Context, topic Topic, rcv Receiver) error {
	logger := log.WithFields(log.Fields{"board_id": topic.BoardID, "table": topic.Table})
	for {
		err := f.listenOnce(ctx, topic, rcv)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithError(err).Error("notification connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnect):
		}
	}
}

func (f *PostgresFeed) listenOnce(ctx context.Context, topic Topic, rcv Receiver) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// a connection that ran LISTEN never goes back to the pool
	pc := conn.Hijack()
	defer pc.Close(context.Background())

	if _, err := pc.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	rcv.Resync()
	for {
		n, err := pc.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var msg notification
		if err := sonic.UnmarshalString(n.Payload, &msg); err != nil {
			log.WithError(err).Error("unable to parse notification")
			continue
		}
		if msg.BoardID != topic.BoardID || msg.Table != topic.Table {
			continue
		}
		rcv.Receive(domain.Change{EventType: msg.Type, Table: msg.Table, New: msg.Record, Old: msg.OldRecord})
	}
}
